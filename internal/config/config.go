// Package config loads and validates the engine's TOML configuration tree:
// defaults → file → environment overrides → validate. All model and
// registry files share the same TOML format (pelletier/go-toml/v2).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"wparse/pkg/types"
)

// EngineConfig is conf/engine.toml.
type EngineConfig struct {
	Version string `toml:"version"`
	Robust  string `toml:"robust"`

	Models      ModelsConfig      `toml:"models"`
	Performance PerformanceConfig `toml:"performance"`
	Rescue      RescueConfig      `toml:"rescue"`
	LogConf     map[string]any    `toml:"log_conf"`
	Stat        StatConfig        `toml:"stat"`

	SkipParse bool `toml:"skip_parse"`
	SkipSink  bool `toml:"skip_sink"`

	// WorkRoot is not a TOML field; it is stamped by Load from the
	// directory engine.toml was found in, anchoring every relative path
	// in Models/Rescue.
	WorkRoot string `toml:"-"`
}

type ModelsConfig struct {
	WPL     string `toml:"wpl"`
	OML     string `toml:"oml"`
	Sources string `toml:"sources"`
	Sinks   string `toml:"sinks"`
}

type PerformanceConfig struct {
	RateLimitRPS int `toml:"rate_limit_rps"`
	ParseWorkers int `toml:"parse_workers"`
}

type RescueConfig struct {
	Path string `toml:"path"`
	// DataPath is read only to be rejected: the legacy key name is no
	// longer honored, and silently ignoring it would misplace rescue
	// data.
	DataPath string `toml:"data_path"`
}

type StatConfig struct {
	Requests []StatRequestConfig `toml:"requests"`
}

// StatRequestConfig is one [[stat.requests]] entry.
type StatRequestConfig struct {
	Name    string   `toml:"name"`
	Stage   string   `toml:"stage"`
	Target  string   `toml:"target"`
	Collect []string `toml:"collect"`
	TopN    int      `toml:"top_n"`
}

// Load reads conf/engine.toml under workRoot, applies defaults, overlays
// WPARSE_-prefixed environment overrides, and validates the result.
func Load(workRoot string) (*EngineConfig, error) {
	cfg := &EngineConfig{WorkRoot: workRoot}
	applyDefaults(cfg)

	path := filepath.Join(workRoot, "conf", "engine.toml")
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.WorkRoot = workRoot

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Robustness parses conf.robust into the engine enum.
func (c *EngineConfig) Robustness() types.Robustness {
	mode, err := types.ParseRobustness(c.Robust)
	if err != nil {
		return types.RobustNormal
	}
	return mode
}

// AbsModelsDir resolves one of the [models] directories relative to
// WorkRoot, so the rest of the engine never re-derives this join.
func (c *EngineConfig) AbsModelsDir(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.WorkRoot, rel)
}

// AbsRescuePath resolves [rescue].path relative to WorkRoot.
func (c *EngineConfig) AbsRescuePath() string {
	if filepath.IsAbs(c.Rescue.Path) {
		return c.Rescue.Path
	}
	return filepath.Join(c.WorkRoot, c.Rescue.Path)
}
