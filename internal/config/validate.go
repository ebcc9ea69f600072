package config

import (
	"fmt"

	"wparse/pkg/types"
)

// Validate is the single gate run before the engine starts; a config
// that passes here is trusted by every downstream constructor.
func Validate(c *EngineConfig) error {
	if _, err := types.ParseRobustness(c.Robust); err != nil {
		return fmt.Errorf("robust: %w", err)
	}
	if c.Rescue.DataPath != "" {
		return fmt.Errorf("rescue.data_path is no longer supported; use rescue.path")
	}
	if c.Performance.RateLimitRPS < 0 {
		return fmt.Errorf("performance.rate_limit_rps must be >= 0")
	}
	if c.Performance.ParseWorkers <= 0 {
		return fmt.Errorf("performance.parse_workers must be >= 1")
	}
	for _, req := range c.Stat.Requests {
		if err := validateStatRequest(req); err != nil {
			return fmt.Errorf("stat.requests[%q]: %w", req.Name, err)
		}
	}
	return nil
}

func validateStatRequest(req StatRequestConfig) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch req.Stage {
	case "pick", "parse", "sink", "monitor":
	default:
		return fmt.Errorf("unknown stage %q", req.Stage)
	}
	if len(req.Collect) > 6 {
		return fmt.Errorf("collect supports at most 6 dimension fields, got %d", len(req.Collect))
	}
	if req.TopN <= 0 {
		return fmt.Errorf("top_n must be >= 1")
	}
	return nil
}
