package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			hostname TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'pending',
			sort_weight INTEGER NOT NULL DEFAULT 0,
			first_seen_at DATETIME NOT NULL,
			public_addr TEXT NOT NULL DEFAULT '',
			private_addr TEXT NOT NULL DEFAULT '',
			country_code TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			hostname TEXT PRIMARY KEY,
			cpu_pct REAL NOT NULL,
			mem_used_bytes INTEGER NOT NULL,
			mem_total_bytes INTEGER NOT NULL,
			disk_used_bytes INTEGER NOT NULL,
			disk_total_bytes INTEGER NOT NULL,
			net_rx_bytes INTEGER NOT NULL,
			net_tx_bytes INTEGER NOT NULL,
			uptime_sec INTEGER NOT NULL,
			reported_at DATETIME NOT NULL,
			FOREIGN KEY(hostname) REFERENCES hosts(hostname) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS probe_targets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			addr TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			interval_sec INTEGER NOT NULL DEFAULT 60,
			enabled INTEGER NOT NULL DEFAULT 1,
			sort_weight INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS probe_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hostname TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			latency_ms REAL NOT NULL,
			reported_at DATETIME NOT NULL,
			FOREIGN KEY(hostname) REFERENCES hosts(hostname) ON DELETE CASCADE,
			FOREIGN KEY(target_id) REFERENCES probe_targets(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS shell_credentials (
			hostname TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			secret TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(hostname) REFERENCES hosts(hostname) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_samples_target_ts ON probe_samples(target_id, reported_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_samples_host_target_ts ON probe_samples(hostname, target_id, reported_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_samples_ts ON probe_samples(reported_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}
