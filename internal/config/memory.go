package config

// CacheConfig sets the memory coordinator budget and thresholds.
// Pressure is evaluated against TotalLimitMB; when usage exceeds
// limit * PressureThreshold the coordinator evicts down to
// limit * EvictionTarget.
type CacheConfig struct {
	PressureThreshold float64 `yaml:"pressureThreshold"`
	EvictionTarget    float64 `yaml:"evictionTarget"`
	TotalLimitMB      int     `yaml:"totalLimitMB"`
}

// MemoryConfig sets the coordinator check cadence.
type MemoryConfig struct {
	CheckIntervalMS int `yaml:"checkIntervalMs"`
}
