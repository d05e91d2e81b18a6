// Package storage implements ports.EventStore on embedded databases.
//
// Two drivers are provided:
//   - "sqlite": modernc.org/sqlite (pure Go), WAL journal, single writer
//   - "bolt":   go.etcd.io/bbolt buckets holding msgpack-encoded records
//
// Both store timestamps as UTC with nanosecond precision, assign ids from a
// monotonic sequence and never cascade purges from events to alerts.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Open creates the store selected by driver at path.
func Open(driver, path string) (ports.EventStore, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		return NewSQLiteStore(path)
	case DriverBolt:
		return NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// likePattern escapes LIKE wildcards in s.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
