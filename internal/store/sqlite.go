package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the global database connection
var DB *sql.DB

// InitDB initializes the SQLite database connection and creates tables
func InitDB(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// CloseDB closes the database connection
func CloseDB() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}

func createTables() error {
	_, err := DB.Exec(`
		CREATE TABLE IF NOT EXISTS port_mappings (
			public_port INTEGER PRIMARY KEY,
			instance_id TEXT NOT NULL,
			container_ip TEXT NOT NULL,
			container_port INTEGER NOT NULL,
			is_static BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create port_mappings table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS sweep_runs (
			id TEXT PRIMARY KEY,
			trigger_type TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			total_store INTEGER DEFAULT 0,
			total_live INTEGER DEFAULT 0,
			drift_count INTEGER DEFAULT 0,
			fixed_count INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sweep_runs table: %w", err)
	}

	_, err = DB.Exec(`
		CREATE TABLE IF NOT EXISTS sweep_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			public_port INTEGER NOT NULL,
			drift_type TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES sweep_runs(id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sweep_items table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_port_mappings_instance_id ON port_mappings(instance_id)",
		"CREATE INDEX IF NOT EXISTS idx_sweep_runs_started_at ON sweep_runs(started_at)",
		"CREATE INDEX IF NOT EXISTS idx_sweep_items_run_id ON sweep_items(run_id)",
	}
	for _, idx := range indexes {
		if _, err := DB.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
