package lora

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/23skdu/quiver/internal/logger"
	"github.com/23skdu/quiver/internal/metrics"
	"github.com/23skdu/quiver/internal/nn"
)

// Engine owns the base model and the registry of adapter configs. It
// walks the module tree, swaps matched submodules for adapter-capable
// equivalents, and broadcasts merge/unmerge and trainability
// operations across them.
//
// The engine is the sole mutator of the tree. Injection, merge
// broadcasts, and forward passes must not run concurrently; callers
// serialize. Broadcasts are not transactional: a failure partway
// through leaves earlier layers already mutated (see
// internal/snapshot for the external restore path).
type Engine struct {
	model   *nn.Model
	configs map[string]*Config
	order   []string
	rng     *rand.Rand
	log     *logger.Logger
}

// New builds an engine around model and registers the first adapter.
// An empty adapter name selects the reserved baseline adapter.
func New(model *nn.Model, adapterName string, cfg *Config) (*Engine, error) {
	if adapterName == "" {
		adapterName = BaselineAdapter
	}
	e := &Engine{
		model:   model,
		configs: make(map[string]*Config),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     logger.Log.With("lora"),
	}
	if err := e.AddAdapter(adapterName, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Model returns the wrapped base model. The engine deliberately does
// not proxy unknown calls to it.
func (e *Engine) Model() *nn.Model { return e.model }

// Config returns the registered config for an adapter name.
func (e *Engine) Config(name string) (*Config, bool) {
	c, ok := e.configs[name]
	return c, ok
}

// AdapterNames returns registered adapter names in registration order.
func (e *Engine) AdapterNames() []string {
	return append([]string(nil), e.order...)
}

// AddAdapter registers a named adapter config and injects it into the
// tree. Re-registering an existing name warns and no-ops.
func (e *Engine) AddAdapter(name string, cfg *Config) error {
	if _, ok := e.configs[name]; ok {
		e.log.Warn("adapter already exists, skipping creation", "adapter", name)
		return nil
	}
	if cfg == nil {
		return fmt.Errorf("%w: %s", ErrMissingConfig, name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg, err := e.prepareConfig(cfg)
	if err != nil {
		return err
	}
	e.configs[name] = cfg
	e.order = append(e.order, name)

	if err := e.findAndReplace(name); err != nil {
		delete(e.configs, name)
		e.order = e.order[:len(e.order)-1]
		return err
	}

	// With multiple adapters registered every config must use bias
	// mode "none"; enforced here, not retroactively.
	if len(e.configs) > 1 && cfg.Bias != BiasNone {
		return fmt.Errorf("%w (adapter %s uses %q)", ErrBiasConflict, name, cfg.Bias)
	}

	if err := e.markOnlyAdaptersTrainable(cfg.Bias); err != nil {
		return err
	}
	if cfg.InferenceMode {
		e.freezeAdapter(name)
	}

	e.wrapModulesToSave(name, cfg)

	metrics.AdaptersRegistered.Inc()
	e.log.Info("adapter registered", "adapter", name, "r", cfg.R, "alpha", cfg.Alpha)
	return nil
}

// prepareConfig resolves unset targets against the family default
// table. The caller's config is never mutated.
func (e *Engine) prepareConfig(cfg *Config) (*Config, error) {
	cfg = cfg.clone()
	if !cfg.hasTargets() {
		targets, ok := DefaultTargets(e.model.ModelType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnresolvedTargets, e.model.ModelType)
		}
		cfg.TargetModules = targets
	}
	return cfg, nil
}

// findAndReplace scans a frozen snapshot of module paths and swaps or
// extends every match for the named adapter. Mutating the tree during
// the scan does not change which paths are visited.
//
// When the config sets FanInFanOut but a matched layer stores its
// weight [out, in], the flag is dropped for the remainder of this scan
// only; the registered config keeps its original value.
func (e *Engine) findAndReplace(name string) error {
	cfg := e.configs[name]

	var re *regexp.Regexp
	if cfg.TargetPattern != "" {
		var err error
		re, err = regexp.Compile(`\A(?:` + cfg.TargetPattern + `)\z`)
		if err != nil {
			return fmt.Errorf("invalid target pattern %q: %w", cfg.TargetPattern, err)
		}
	}

	paths := make([]string, 0)
	for _, nm := range nn.NamedModules(e.model) {
		paths = append(paths, nm.Path)
	}

	effFanInFanOut := cfg.FanInFanOut
	matched := false

	for _, path := range paths {
		if re != nil {
			if !re.MatchString(path) {
				continue
			}
		} else if !suffixMatch(path, cfg.TargetModules) {
			continue
		}

		parent, child, childName, err := nn.Submodule(e.model, path)
		if err != nil {
			return err
		}

		if capable, ok := child.(CapableLayer); ok {
			capable.UpdateLayer(name, cfg)
			matched = true
			continue
		}

		var replacement nn.Module
		switch base := child.(type) {
		case *nn.QuantizedLinear:
			replacement = newInt8Layer(name, base, cfg, e.rng)
			metrics.LayersInjected.WithLabelValues("int8").Inc()
		case *nn.Embedding:
			replacement = newEmbeddingLayer(name, base, cfg, e.rng)
			metrics.LayersInjected.WithLabelValues("embedding").Inc()
		case *nn.Linear:
			if effFanInFanOut {
				e.log.Warn("fan_in_fan_out set but target stores weight [out, in], ignoring for this scan",
					"module", path)
				effFanInFanOut = false
			}
			replacement = newLinearLayer(name, base, cfg, effFanInFanOut, e.rng)
			metrics.LayersInjected.WithLabelValues("linear").Inc()
		default:
			return fmt.Errorf("%w: %s (%T)", ErrUnsupportedLayerKind, path, child)
		}

		parent.SetChild(childName, replacement)
		matched = true
	}

	if !matched {
		return fmt.Errorf("%w: %s", ErrNoTargetsMatched, cfg.describeTargets())
	}
	return nil
}

func suffixMatch(path string, targets []string) bool {
	for _, t := range targets {
		if strings.HasSuffix(path, t) {
			return true
		}
	}
	return false
}

func (c *Config) describeTargets() string {
	if c.TargetPattern != "" {
		return c.TargetPattern
	}
	return strings.Join(c.TargetModules, ",")
}

// wrapModulesToSave wraps the config's extra trainable submodules so
// MergeAndUnload can later unwrap the active variant.
func (e *Engine) wrapModulesToSave(name string, cfg *Config) {
	if len(cfg.ModulesToSave) == 0 {
		return
	}
	for _, nm := range nn.NamedModules(e.model) {
		if !suffixMatch(nm.Path, cfg.ModulesToSave) {
			continue
		}
		if w, ok := nm.Module.(*nn.ModulesToSaveWrapper); ok {
			w.Variants[name] = w.ActiveVariant()
			continue
		}
		parent, child, childName, err := nn.Submodule(e.model, nm.Path)
		if err != nil {
			continue
		}
		parent.SetChild(childName, nn.NewModulesToSaveWrapper(child, name))
	}
}

// capable returns every adapter-capable layer in traversal order.
func (e *Engine) capable() []CapableLayer {
	var out []CapableLayer
	for _, nm := range nn.NamedModules(e.model) {
		if c, ok := nm.Module.(CapableLayer); ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) resolveNames(name string) []string {
	if name != "" {
		return []string{name}
	}
	return e.AdapterNames()
}

// MergeAdapter folds adapter deltas into base weights across the tree.
// An empty name broadcasts every registered adapter in registration
// order. The broadcast is not transactional.
func (e *Engine) MergeAdapter(name string) {
	names := e.resolveNames(name)
	for _, layer := range e.capable() {
		for _, n := range names {
			layer.MergeNamed(n)
		}
	}
}

// UnmergeAdapter is the inverse broadcast of MergeAdapter.
func (e *Engine) UnmergeAdapter(name string) {
	names := e.resolveNames(name)
	for _, layer := range e.capable() {
		for _, n := range names {
			layer.UnmergeNamed(n)
		}
	}
}

// SetAdapter switches the active adapter on every capable layer,
// unmerging first where needed. An empty name selects the baseline
// adapter.
func (e *Engine) SetAdapter(name string) {
	if name == "" {
		name = BaselineAdapter
	}
	for _, layer := range e.capable() {
		if layer.Merged() {
			e.log.Warn("adapter cannot be set while merged, unmerging first", "adapter", name)
			layer.Unmerge()
		}
		layer.SetActive(name)
	}
}

// EnableAdapterLayers re-enables adapter contributions tree-wide.
func (e *Engine) EnableAdapterLayers() { e.setAdapterLayers(false) }

// DisableAdapterLayers bypasses adapter contributions tree-wide.
func (e *Engine) DisableAdapterLayers() { e.setAdapterLayers(true) }

func (e *Engine) setAdapterLayers(disabled bool) {
	for _, layer := range e.capable() {
		layer.SetDisabled(disabled)
	}
}

// SetTraining flips train/eval mode on every capable layer. Dropout
// on adapter inputs only applies while training.
func (e *Engine) SetTraining(training bool) {
	for _, layer := range e.capable() {
		layer.SetTraining(training)
	}
}

// MergeAndUnload merges the active adapter everywhere and returns the
// model with every capable layer replaced by an equivalent plain
// layer. ModulesToSave wrappers are unwrapped to their active variant.
func (e *Engine) MergeAndUnload() (*nn.Model, error) {
	if mergeIncompatibleFamilies[e.model.ModelType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMerge, e.model.ModelType)
	}
	if e.model.LoadedIn8Bit {
		return nil, ErrQuantizedMerge
	}

	paths := make([]string, 0)
	for _, nm := range nn.NamedModules(e.model) {
		paths = append(paths, nm.Path)
	}

	for _, path := range paths {
		parent, child, childName, err := nn.Submodule(e.model, path)
		if err != nil {
			continue
		}
		switch t := child.(type) {
		case *LinearLayer:
			t.Merge()
			parent.SetChild(childName, plainLinearFrom(t))
		case *EmbeddingLayer:
			t.Merge()
			parent.SetChild(childName, t.Base())
		case *Int8Layer:
			return nil, ErrQuantizedMerge
		case *nn.ModulesToSaveWrapper:
			parent.SetChild(childName, t.ActiveVariant())
		}
	}

	metrics.MergeUnloads.Inc()
	e.log.Info("merged and unloaded", "adapters", len(e.configs))
	return e.model, nil
}

// plainLinearFrom strips a merged dense layer back to nn.Linear,
// restoring the [out, in] storage convention when the wrapped weight
// was kept transposed.
func plainLinearFrom(l *LinearLayer) *nn.Linear {
	base := l.Base()
	if !l.FanInFanOut() {
		return base
	}
	out := &nn.Linear{
		In:     base.In,
		Out:    base.Out,
		Weight: nn.NewParameter(base.Weight.Data.Transpose(), nn.OwnerBase),
		Bias:   base.Bias,
	}
	out.Weight.RequiresGrad = base.Weight.RequiresGrad
	return out
}

// AddWeightedAdapter creates newName as a frozen linear combination of
// the source adapters' primary factor pairs. Every source must share
// one rank; the check runs before any mutation. Scaling folds into the
// A factors only.
func (e *Engine) AddWeightedAdapter(sources []string, weights []float64, newName string) error {
	if len(sources) == 0 || len(sources) != len(weights) {
		return fmt.Errorf("sources and weights must pair up (%d vs %d)", len(sources), len(weights))
	}

	first, ok := e.configs[sources[0]]
	if !ok {
		return fmt.Errorf("unknown source adapter %q", sources[0])
	}
	for _, src := range sources[1:] {
		cfg, ok := e.configs[src]
		if !ok {
			return fmt.Errorf("unknown source adapter %q", src)
		}
		if cfg.R != first.R {
			return fmt.Errorf("%w: %d vs %d", ErrRankMismatch, first.R, cfg.R)
		}
	}

	// Alpha = R makes the combined adapter's scaling exactly 1.
	cfg := first.clone()
	cfg.Alpha = float64(cfg.R)
	if err := e.AddAdapter(newName, cfg); err != nil {
		return err
	}
	e.freezeAdapter(newName)

	for _, layer := range e.capable() {
		dst, ok := layer.State(newName)
		if !ok || dst.A == nil {
			continue
		}
		dst.A.Data.Zero()
		dst.B.Data.Zero()
		for i, src := range sources {
			ss, ok := layer.State(src)
			if !ok || ss.A == nil {
				// Absent sources are skipped, not treated as zero.
				continue
			}
			if err := dst.A.Data.AddScaled(ss.A.Data, float32(weights[i]*ss.Scaling)); err != nil {
				return fmt.Errorf("combining adapter %s: %w", src, err)
			}
			if err := dst.B.Data.AddScaled(ss.B.Data, float32(weights[i])); err != nil {
				return fmt.Errorf("combining adapter %s: %w", src, err)
			}
		}
	}

	metrics.WeightedMerges.Inc()
	e.log.Info("weighted adapter created", "adapter", newName, "sources", strings.Join(sources, ","))
	return nil
}

// freezeAdapter disables gradient tracking on the named adapter's own
// parameters across every capable layer.
func (e *Engine) freezeAdapter(name string) {
	for _, layer := range e.capable() {
		if s, ok := layer.State(name); ok {
			for _, p := range s.parameters() {
				p.RequiresGrad = false
			}
		}
	}
}
