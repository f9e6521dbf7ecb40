// Package config loads the gateway configuration and the backend versions
// manifest.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"lemond/internal/common/fsutil"
	"lemond/internal/download"
	"lemond/internal/observability"
)

// Duration accepts Go duration strings ("500ms", "5s") in every format.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ModelSpec declares a model in config.
type ModelSpec struct {
	ID         string   `json:"id" yaml:"id" toml:"id"`
	Recipe     string   `json:"recipe" yaml:"recipe" toml:"recipe"`
	Checkpoint string   `json:"checkpoint" yaml:"checkpoint" toml:"checkpoint"`
	Path       string   `json:"path" yaml:"path" toml:"path"`
	Mmproj     string   `json:"mmproj" yaml:"mmproj" toml:"mmproj"`
	Labels     []string `json:"labels" yaml:"labels" toml:"labels"`
}

// BackendConfig holds per-family launch defaults.
type BackendConfig struct {
	Variant       string   `json:"variant" yaml:"variant" toml:"variant"`
	ExtraArgs     string   `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	CtxSize       int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	HealthTimeout Duration `json:"health_timeout" yaml:"health_timeout" toml:"health_timeout"`
}

type SupervisorConfig struct {
	StopGrace Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
	// GPUSettleDelay follows a forced kill of a GPU process; negative disables it.
	GPUSettleDelay Duration `json:"gpu_settle_delay" yaml:"gpu_settle_delay" toml:"gpu_settle_delay"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	FilterNoise    *bool    `json:"filter_noise" yaml:"filter_noise" toml:"filter_noise"`
	InheritOutput  *bool    `json:"inherit_output" yaml:"inherit_output" toml:"inherit_output"`
	PortHint       int      `json:"port_hint" yaml:"port_hint" toml:"port_hint"`
}

type DownloadConfig struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay      Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxDelay       Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	StallTimeout   Duration `json:"stall_timeout" yaml:"stall_timeout" toml:"stall_timeout"`
	MinFreeMB      int      `json:"min_free_mb" yaml:"min_free_mb" toml:"min_free_mb"`
}

type HTTPConfig struct {
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Config holds runtime parameters for the gateway.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	BinRoot      string `json:"bin_root" yaml:"bin_root" toml:"bin_root"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	CacheDir     string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	DataDir      string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	ManifestPath string `json:"manifest" yaml:"manifest" toml:"manifest"`
	// MaxLoaded caps concurrently loaded models per model type
	// (llm, embedding, reranking, audio, image).
	MaxLoaded map[string]int           `json:"max_loaded" yaml:"max_loaded" toml:"max_loaded"`
	Models    []ModelSpec              `json:"models" yaml:"models" toml:"models"`
	Backends  map[string]BackendConfig `json:"backends" yaml:"backends" toml:"backends"`

	Supervisor SupervisorConfig            `json:"supervisor" yaml:"supervisor" toml:"supervisor"`
	Download   DownloadConfig              `json:"download" yaml:"download" toml:"download"`
	Mirror     download.MirrorConfig       `json:"mirror" yaml:"mirror" toml:"mirror"`
	Log        observability.LogConfig     `json:"log" yaml:"log" toml:"log"`
	Tracing    observability.TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
	HTTP       HTTPConfig                  `json:"http" yaml:"http" toml:"http"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml. An empty path yields defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, cfg.ApplyDefaults()
	}
	full, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Default data layout lives under ~/.cache/lemond.
const (
	DefaultAddr     = "127.0.0.1:8000"
	defaultHomeBase = "~/.cache/lemond"
)

// ApplyDefaults fills unset fields and expands "~" in paths. It fails only
// when a path needs the home directory and none can be determined.
func (c *Config) ApplyDefaults() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DataDir == "" {
		c.DataDir = defaultHomeBase
	}
	if err := expandAll(&c.DataDir); err != nil {
		return err
	}
	if c.BinRoot == "" {
		c.BinRoot = filepath.Join(c.DataDir, "bin")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.ModelsDir == "" {
		c.ModelsDir = filepath.Join(c.DataDir, "models")
	}
	if err := expandAll(&c.BinRoot, &c.CacheDir, &c.ModelsDir, &c.ManifestPath); err != nil {
		return err
	}
	if c.MaxLoaded == nil {
		c.MaxLoaded = map[string]int{}
	}
	for _, t := range []string{"llm", "embedding", "reranking", "audio", "image"} {
		if c.MaxLoaded[t] <= 0 {
			c.MaxLoaded[t] = 1
		}
	}
	if c.Supervisor.HealthInterval <= 0 {
		c.Supervisor.HealthInterval = Duration(500 * time.Millisecond)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 64 << 20
	}
	for i := range c.Models {
		if err := expandAll(&c.Models[i].Path, &c.Models[i].Mmproj); err != nil {
			return fmt.Errorf("models[%d]: %w", i, err)
		}
	}
	return nil
}

func expandAll(paths ...*string) error {
	for _, p := range paths {
		v, err := fsutil.ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// Validate rejects configs that would fail later in confusing ways.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("models[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if m.Recipe == "" {
			return fmt.Errorf("models[%d] (%s): recipe is required", i, m.ID)
		}
	}
	return nil
}

// Backend returns the per-family settings (zero value when absent).
func (c Config) Backend(name string) BackendConfig { return c.Backends[name] }

// FilterNoiseOr defaults to true.
func (s SupervisorConfig) FilterNoiseOr() bool { return s.FilterNoise == nil || *s.FilterNoise }

// InheritOutputOr defaults to true.
func (s SupervisorConfig) InheritOutputOr() bool { return s.InheritOutput == nil || *s.InheritOutput }
