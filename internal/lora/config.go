package lora

import "fmt"

// BiasMode selects which bias tensors stay trainable after injection.
type BiasMode string

const (
	BiasNone     BiasMode = "none"
	BiasAll      BiasMode = "all"
	BiasLoraOnly BiasMode = "lora_only"
)

func (b BiasMode) Valid() bool {
	switch b {
	case BiasNone, BiasAll, BiasLoraOnly:
		return true
	}
	return false
}

// BaselineAdapter is the reserved adapter name for the shared
// single-adapter mode. When a layer holds state under this name it
// overrides the layer's active adapter for every operation.
const BaselineAdapter = "baseline_lora"

// Config holds the hyperparameters of one named adapter. It is
// registered once with the engine and then shared by reference into
// every matched layer; treat it as immutable after registration.
type Config struct {
	// R is the adapter rank. Zero disables the trainable path.
	R int
	// Alpha is the scaling numerator; per-layer scaling is Alpha/R.
	Alpha float64
	// Dropout probability applied to the adapter input on dense layers.
	Dropout float64
	// FanInFanOut marks base weights stored [in, out] instead of [out, in].
	FanInFanOut bool
	// Bias selects the trainability policy for bias tensors.
	Bias BiasMode
	// TargetPattern is a full-string regular expression over dotted
	// module paths. Mutually exclusive with TargetModules.
	TargetPattern string
	// TargetModules is a set of literal path suffixes to match.
	TargetModules []string
	// InitWeights enables the standard initialization of factor pairs.
	InitWeights bool
	// RSum is the accumulated rank of previously trained adapters; it
	// sizes the primary factor pair.
	RSum int
	// InferenceMode freezes the adapter's own parameters after injection.
	InferenceMode bool
	// ModulesToSave lists extra submodules kept trainable and wrapped
	// for later unwrapping by MergeAndUnload.
	ModulesToSave []string
}

// DefaultConfig mirrors the conventional adapter hyperparameters.
func DefaultConfig() *Config {
	return &Config{
		R:           8,
		Alpha:       8,
		Bias:        BiasNone,
		InitWeights: true,
	}
}

func (c *Config) Validate() error {
	if c.R < 0 {
		return fmt.Errorf("invalid rank: %d (must be non-negative)", c.R)
	}
	if c.RSum < 0 {
		return fmt.Errorf("invalid accumulated rank: %d (must be non-negative)", c.RSum)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("invalid dropout: %f (must be in [0, 1))", c.Dropout)
	}
	if !c.Bias.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBiasPolicy, c.Bias)
	}
	if c.TargetPattern != "" && len(c.TargetModules) > 0 {
		return fmt.Errorf("target pattern and target module list are mutually exclusive")
	}
	return nil
}

// Scaling is Alpha/R, the multiplier on the adapter's contribution.
func (c *Config) Scaling() float64 {
	if c.R == 0 {
		return 0
	}
	return c.Alpha / float64(c.R)
}

// hasTargets reports whether any matching mode is configured.
func (c *Config) hasTargets() bool {
	return c.TargetPattern != "" || len(c.TargetModules) > 0
}

// clone returns a config copy safe to mutate independently.
func (c *Config) clone() *Config {
	out := *c
	out.TargetModules = append([]string(nil), c.TargetModules...)
	out.ModulesToSave = append([]string(nil), c.ModulesToSave...)
	return &out
}
