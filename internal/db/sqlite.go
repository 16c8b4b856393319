// Package db opens the per-team sqlite databases. Each team database
// gets one writer connection plus a small read-only pool, which under
// WAL mode lets readers proceed without contending with the writer.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// readerConns bounds the read-only pool. A team database serves one
	// daemon process, so a handful of concurrent readers is plenty.
	readerConns = 4
)

// OpenWriter opens the team database for writes, creating the file and
// its directory if needed. The pool is pinned to a single connection so
// every write serializes on it instead of surfacing SQLITE_BUSY.
func OpenWriter(dbPath string) (*sql.DB, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", writerDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open team database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenReader opens a read-only pool against an existing team database.
// journal_mode and synchronous are database-level settings already
// applied by the writer.
func OpenReader(dbPath string) (*sql.DB, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	conn, err := sql.Open("sqlite3", readerDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open read-only team database: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

// Writer DSN: WAL for read concurrency under a single writer,
// busy_timeout to ride out transient locks, synchronous=NORMAL as the
// durability/latency tradeoff for an append-heavy workload.
func writerDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond))
}

func readerDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(busyTimeout/time.Millisecond))
}
