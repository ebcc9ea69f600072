package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// WpsrcConfig is models/sources/wpsrc.toml: the set of active
// source instances, each naming a connector to draw its base params from.
type WpsrcConfig struct {
	Sources []SourceEntry `toml:"sources"`
}

type SourceEntry struct {
	Key             string         `toml:"key"`
	Connect         string         `toml:"connect"`
	Enable          *bool          `toml:"enable"`
	ParamsOverride  map[string]any `toml:"params_override"`
}

func (s SourceEntry) Enabled() bool {
	return s.Enable == nil || *s.Enable
}

// ConnectorFile is one `connectors/source.d/*.toml` file.
type ConnectorFile struct {
	Connectors []ConnectorDecl `toml:"connectors"`
}

type ConnectorDecl struct {
	ID             string         `toml:"id"`
	Type           string         `toml:"type"`
	AllowOverride  []string       `toml:"allow_override"`
	DefaultParams  map[string]any `toml:"default_params"`
}

// LoadWpsrc parses models/sources/wpsrc.toml.
func LoadWpsrc(path string) (*WpsrcConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg WpsrcConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadConnectors walks dir for `connectors/source.d/*.toml` files and
// returns every declared connector keyed by ID.
func LoadConnectors(dir string) (map[string]ConnectorDecl, error) {
	out := make(map[string]ConnectorDecl)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(path, ".toml") {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		var cf ConnectorFile
		if err := toml.Unmarshal(data, &cf); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		for _, c := range cf.Connectors {
			out[c.ID] = c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EffectiveParams merges conn.DefaultParams with src.ParamsOverride, rejecting any
// override key absent from AllowOverride.
func EffectiveParams(conn ConnectorDecl, src SourceEntry) (map[string]any, error) {
	allowed := make(map[string]bool, len(conn.AllowOverride))
	for _, k := range conn.AllowOverride {
		allowed[k] = true
	}
	out := make(map[string]any, len(conn.DefaultParams))
	for k, v := range conn.DefaultParams {
		out[k] = v
	}
	for k, v := range src.ParamsOverride {
		if !allowed[k] {
			return nil, fmt.Errorf("source %q: override key %q is not in connector %q's allow_override", src.Key, k, conn.ID)
		}
		out[k] = v
	}
	return out, nil
}

func paramString(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func paramBool(params map[string]any, key string, def bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func paramInt(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// ParamString/ParamBool/ParamInt expose the lookup helpers for
// internal/app's connector-to-source-struct translation.
func ParamString(params map[string]any, key, def string) string { return paramString(params, key, def) }
func ParamBool(params map[string]any, key string, def bool) bool { return paramBool(params, key, def) }
func ParamInt(params map[string]any, key string, def int) int    { return paramInt(params, key, def) }
