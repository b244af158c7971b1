package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/quiver/internal/lora"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAdapterYAML(t *testing.T) {
	path := writeFile(t, "adapter.yaml", `
r: 16
lora_alpha: 32
lora_dropout: 0.1
bias: all
target_modules:
  - q_proj
  - v_proj
r_sum: 8
`)
	cfg, err := LoadAdapter(path)
	if err != nil {
		t.Fatalf("LoadAdapter: %v", err)
	}
	if cfg.R != 16 || cfg.Alpha != 32 || cfg.RSum != 8 {
		t.Errorf("ranks: r=%d alpha=%f r_sum=%d", cfg.R, cfg.Alpha, cfg.RSum)
	}
	if cfg.Dropout != 0.1 {
		t.Errorf("dropout: %f", cfg.Dropout)
	}
	if cfg.Bias != lora.BiasAll {
		t.Errorf("bias: %q", cfg.Bias)
	}
	if len(cfg.TargetModules) != 2 || cfg.TargetModules[0] != "q_proj" {
		t.Errorf("targets: %v", cfg.TargetModules)
	}
	if !cfg.InitWeights {
		t.Error("init default should stay true")
	}
}

func TestLoadAdapterJSONPattern(t *testing.T) {
	path := writeFile(t, "adapter.json", `{
  "r": 4,
  "lora_alpha": 8,
  "target_modules": ".*\\.attn\\.c_attn",
  "fan_in_fan_out": true,
  "init_lora_weights": false
}`)
	cfg, err := LoadAdapter(path)
	if err != nil {
		t.Fatalf("LoadAdapter: %v", err)
	}
	if cfg.TargetPattern == "" || len(cfg.TargetModules) != 0 {
		t.Errorf("string target must load as pattern: %q / %v", cfg.TargetPattern, cfg.TargetModules)
	}
	if !cfg.FanInFanOut {
		t.Error("fan_in_fan_out not loaded")
	}
	if cfg.InitWeights {
		t.Error("explicit init_lora_weights false ignored")
	}
}

func TestLoadAdapterTOML(t *testing.T) {
	path := writeFile(t, "adapter.toml", `
r = 8
lora_alpha = 16
bias = "lora_only"
target_modules = ["q_proj"]
inference_mode = true
modules_to_save = ["lm_head"]
`)
	cfg, err := LoadAdapter(path)
	if err != nil {
		t.Fatalf("LoadAdapter: %v", err)
	}
	if cfg.Bias != lora.BiasLoraOnly {
		t.Errorf("bias: %q", cfg.Bias)
	}
	if !cfg.InferenceMode {
		t.Error("inference_mode not loaded")
	}
	if len(cfg.ModulesToSave) != 1 || cfg.ModulesToSave[0] != "lm_head" {
		t.Errorf("modules_to_save: %v", cfg.ModulesToSave)
	}
}

func TestLoadAdapterDefaults(t *testing.T) {
	path := writeFile(t, "adapter.yaml", "{}\n")
	cfg, err := LoadAdapter(path)
	if err != nil {
		t.Fatalf("LoadAdapter: %v", err)
	}
	want := lora.DefaultConfig()
	if cfg.R != want.R || cfg.Alpha != want.Alpha || cfg.Bias != want.Bias {
		t.Errorf("empty file should yield defaults, got %+v", cfg)
	}
}

func TestLoadAdapterErrors(t *testing.T) {
	if _, err := LoadAdapter(""); err == nil {
		t.Error("empty path should fail")
	}
	if _, err := LoadAdapter(writeFile(t, "adapter.ini", "r=4")); err == nil {
		t.Error("unsupported extension should fail")
	}
	if _, err := LoadAdapter(writeFile(t, "adapter.json", `{"r": -1}`)); err == nil {
		t.Error("invalid rank should fail validation")
	}
	if _, err := LoadAdapter(writeFile(t, "adapter.yaml", "r: [broken")); err == nil {
		t.Error("malformed yaml should fail")
	}
}
