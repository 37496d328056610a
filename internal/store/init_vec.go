//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Auto-load sqlite-vec into every new connection of the cgo driver.
	// Open probes for vec0 afterwards and falls back to brute-force
	// cosine scans when the tag is absent.
	vec.Auto()
}
