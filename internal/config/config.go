// Package config loads adapter configuration records from disk,
// accepting the usual adapter_config field vocabulary in YAML, JSON,
// or TOML, switched on file extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/quiver/internal/lora"
)

// adapterFile is the on-disk shape. target_modules may be a single
// pattern string or a list of suffixes, so it decodes as any.
type adapterFile struct {
	R             int      `json:"r" yaml:"r" toml:"r"`
	LoraAlpha     float64  `json:"lora_alpha" yaml:"lora_alpha" toml:"lora_alpha"`
	LoraDropout   float64  `json:"lora_dropout" yaml:"lora_dropout" toml:"lora_dropout"`
	FanInFanOut   bool     `json:"fan_in_fan_out" yaml:"fan_in_fan_out" toml:"fan_in_fan_out"`
	Bias          string   `json:"bias" yaml:"bias" toml:"bias"`
	TargetModules any      `json:"target_modules" yaml:"target_modules" toml:"target_modules"`
	InitWeights   *bool    `json:"init_lora_weights" yaml:"init_lora_weights" toml:"init_lora_weights"`
	RSum          int      `json:"r_sum" yaml:"r_sum" toml:"r_sum"`
	InferenceMode bool     `json:"inference_mode" yaml:"inference_mode" toml:"inference_mode"`
	ModulesToSave []string `json:"modules_to_save" yaml:"modules_to_save" toml:"modules_to_save"`
}

// LoadAdapter reads an adapter config file. Supports .yaml/.yml,
// .json, and .toml.
func LoadAdapter(path string) (*lora.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw adapterFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}

	return raw.toConfig()
}

func (a *adapterFile) toConfig() (*lora.Config, error) {
	cfg := lora.DefaultConfig()
	if a.R != 0 {
		cfg.R = a.R
	}
	if a.LoraAlpha != 0 {
		cfg.Alpha = a.LoraAlpha
	}
	cfg.Dropout = a.LoraDropout
	cfg.FanInFanOut = a.FanInFanOut
	cfg.RSum = a.RSum
	cfg.InferenceMode = a.InferenceMode
	cfg.ModulesToSave = a.ModulesToSave
	if a.Bias != "" {
		cfg.Bias = lora.BiasMode(a.Bias)
	}
	if a.InitWeights != nil {
		cfg.InitWeights = *a.InitWeights
	}

	switch t := a.TargetModules.(type) {
	case nil:
	case string:
		cfg.TargetPattern = t
	case []any:
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("target_modules entry %v is not a string", v)
			}
			cfg.TargetModules = append(cfg.TargetModules, s)
		}
	case []string:
		cfg.TargetModules = append(cfg.TargetModules, t...)
	default:
		return nil, fmt.Errorf("target_modules must be a string or a list, got %T", t)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
