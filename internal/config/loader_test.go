package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
models_dir: /tmp
bin_root: /opt/lemond/bin
max_loaded: {llm: 2}
supervisor:
  gpu_settle_delay: 3s
  filter_noise: false
backends:
  llamacpp: {variant: cpu, extra_args: "--threads 4", ctx_size: 8192, health_timeout: 90s}
models:
  - {id: qwen, recipe: llamacpp, path: /m/qwen.gguf, labels: [vision]}
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.BinRoot != "/opt/lemond/bin" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.MaxLoaded["llm"] != 2 || cfg.MaxLoaded["embedding"] != 1 {
		t.Fatalf("max_loaded: %+v", cfg.MaxLoaded)
	}
	if cfg.Supervisor.GPUSettleDelay.Std() != 3*time.Second || cfg.Supervisor.FilterNoiseOr() {
		t.Fatalf("supervisor: %+v", cfg.Supervisor)
	}
	b := cfg.Backend("llamacpp")
	if b.Variant != "cpu" || b.CtxSize != 8192 || b.HealthTimeout.Std() != 90*time.Second || b.ExtraArgs != "--threads 4" {
		t.Fatalf("backend: %+v", b)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].Labels[0] != "vision" {
		t.Fatalf("models: %+v", cfg.Models)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","models_dir":"/m","download":{"max_attempts":3,"stall_timeout":"45s"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || cfg.Download.MaxAttempts != 3 || cfg.Download.StallTimeout.Std() != 45*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodels_dir=\"/x\"\n[supervisor]\nstop_grace=\"7s\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.Supervisor.StopGrace.Std() != 7*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.BinRoot == "" || cfg.CacheDir == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !cfg.Supervisor.FilterNoiseOr() || !cfg.Supervisor.InheritOutputOr() {
		t.Fatalf("bool defaults")
	}
	if cfg.Supervisor.HealthInterval.Std() != 500*time.Millisecond {
		t.Fatalf("health interval %v", cfg.Supervisor.HealthInterval.Std())
	}
}

func TestLoadErrors(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, d, "dup.yaml", "models:\n- {id: a, recipe: llamacpp}\n- {id: a, recipe: llamacpp}\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	p = writeTempFile(t, d, "norecipe.yaml", "models:\n- {id: a}\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected missing recipe error")
	}
	p = writeTempFile(t, d, "baddur.yaml", "supervisor: {stop_grace: soon}\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
