package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var knownTransitions = map[string]bool{
	"composite": true,
	"luma":      true,
	"mix":       true,
	"dissolve":  true,
}

// Validate checks values that normalize cannot repair. Warnings are not
// fatal; an error is.
func (c *Config) Validate() (warnings []string, err error) {
	if c == nil {
		return nil, fmt.Errorf("nil config: %w", ErrInvalidConfig)
	}

	if c.FPS > 300 {
		return warnings, fmt.Errorf("fps %.3f out of range: %w", c.FPS, ErrInvalidConfig)
	}
	if c.Workers > 64 {
		warnings = append(warnings, fmt.Sprintf("workers=%d is unusually high", c.Workers))
	}
	if !knownTransitions[c.DefaultTransition] {
		return warnings, fmt.Errorf("unknown default_transition %q: %w", c.DefaultTransition, ErrInvalidConfig)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown log_level %q, using info", c.LogLevel))
	}

	if st, serr := os.Stat(c.CacheDir); serr != nil {
		if !os.IsNotExist(serr) {
			return warnings, fmt.Errorf("cannot access cache_dir %s: %w", c.CacheDir, serr)
		}
		warnings = append(warnings, fmt.Sprintf("cache_dir %s does not exist yet", c.CacheDir))
	} else if !st.IsDir() {
		return warnings, fmt.Errorf("cache_dir %s is not a directory: %w", c.CacheDir, ErrInvalidConfig)
	}

	if c.PreviewDB != "" {
		if st, serr := os.Stat(filepath.Dir(c.PreviewDB)); serr != nil || !st.IsDir() {
			warnings = append(warnings, fmt.Sprintf("preview_db directory %s is missing", filepath.Dir(c.PreviewDB)))
		}
	}
	return warnings, nil
}
