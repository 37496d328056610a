package config

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	// SQLite file path; empty resolves to <home>/memory.db
	Path string `yaml:"path"`

	// Fail startup when the sqlite-vec extension is unavailable
	// instead of falling back to brute-force cosine scans
	RequireVec bool `yaml:"requireVec"`
}
