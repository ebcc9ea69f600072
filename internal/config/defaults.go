package config

import (
	"os"
	"strconv"
	"strings"
)

// applyDefaults fills in the default values before the TOML file is
// parsed over them.
func applyDefaults(c *EngineConfig) {
	c.Version = "1.0"
	c.Robust = "Normal"

	c.Models.WPL = "models/wpl"
	c.Models.OML = "models/oml"
	c.Models.Sources = "models/sources/wpsrc.toml"
	c.Models.Sinks = "models/sinks"

	c.Performance.RateLimitRPS = 10000
	c.Performance.ParseWorkers = 2

	c.Rescue.Path = "./data/rescue"
}

// applyEnvOverrides overlays WPARSE_-prefixed environment variables onto
// the loaded config. Env wins over file, the usual convention for
// container deploys.
func applyEnvOverrides(c *EngineConfig) {
	if v := os.Getenv("WPARSE_ROBUST"); v != "" {
		c.Robust = v
	}
	if v := os.Getenv("WPARSE_RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Performance.RateLimitRPS = n
		}
	}
	if v := os.Getenv("WPARSE_PARSE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Performance.ParseWorkers = n
		}
	}
	if v := os.Getenv("WPARSE_RESCUE_PATH"); v != "" {
		c.Rescue.Path = v
	}
	if v := os.Getenv("WPARSE_SKIP_PARSE"); v != "" {
		c.SkipParse = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("WPARSE_SKIP_SINK"); v != "" {
		c.SkipSink = strings.EqualFold(v, "true") || v == "1"
	}
}
