//go:build cgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver. The sqlite-vec extension can
// only be loaded into this driver (see init_vec.go).
const driverName = "sqlite3"
