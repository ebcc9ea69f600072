package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// SinkGroupConf is one [[groups]] entry from business.d/*.toml or
// infra.d/*.toml: a Flexi group (routed by rule/oml wildcard
// matchers) or a Fixed group (directly named, e.g. "miss"/"residue").
type SinkGroupConf struct {
	Kind     string            `toml:"kind"` // "flexi" | "fixed"
	Name     string            `toml:"name"`
	Rule     []string          `toml:"rule"`
	OML      []string          `toml:"oml"`
	Parallel int               `toml:"parallel"`
	Tags     map[string]string `toml:"tags"`
	Filter   string            `toml:"filter"`
	Backend  BackendConf       `toml:"backend"`
}

// BackendConf names which pkg/sinks implementation backs this group plus
// its type-specific config block.
type BackendConf struct {
	Type      string         `toml:"type"` // "kafka" | "local_file" | "tcp" | "null"
	Kafka     map[string]any `toml:"kafka"`
	LocalFile map[string]any `toml:"local_file"`
	TCP       map[string]any `toml:"tcp"`
}

type sinkGroupFile struct {
	Groups []SinkGroupConf `toml:"groups"`
}

// DecodeBackendBlock re-serializes a generic TOML table (as decoded into
// map[string]any) and re-parses it into a typed config struct — used to
// turn BackendConf.Kafka/LocalFile into sinks.KafkaConfig/LocalFileConfig
// without hand-writing a field-by-field copy.
func DecodeBackendBlock(raw map[string]any, target any) error {
	if raw == nil {
		return nil
	}
	data, err := toml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: re-marshal backend block: %w", err)
	}
	if err := toml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("config: decode backend block: %w", err)
	}
	return nil
}

// LoadSinkGroupDir walks dir (business.d/ or infra.d/) for *.toml files
// and returns every declared group.
func LoadSinkGroupDir(dir string) ([]SinkGroupConf, error) {
	var out []SinkGroupConf
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(path, ".toml") {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		var sf sinkGroupFile
		if err := toml.Unmarshal(data, &sf); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		out = append(out, sf.Groups...)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}
