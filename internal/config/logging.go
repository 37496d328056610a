package config

// LoggingConfig configures file logging. The same section is read
// independently by internal/logging; it is mirrored here so config
// consumers can inspect and save it.
type LoggingConfig struct {
	// Master toggle. False means production mode: no file logging at all.
	DebugMode bool `yaml:"debugMode"`

	// Per-category toggles. Missing categories default to enabled.
	Categories map[string]bool `yaml:"categories"`

	// debug, info, warn, error
	Level string `yaml:"level"`

	// Emit JSON lines instead of text
	JSONFormat bool `yaml:"jsonFormat"`
}

// IsCategoryEnabled reports whether logging is enabled for a category.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
