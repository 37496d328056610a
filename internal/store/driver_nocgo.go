//go:build !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver for cgo-free builds.
// Vector search runs on the brute-force scan path with this driver.
const driverName = "sqlite"
