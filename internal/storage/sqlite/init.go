package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		background INTEGER NOT NULL DEFAULT 0,
		overwrite INTEGER NOT NULL DEFAULT 0,
		cellular INTEGER NOT NULL DEFAULT 1,
		item BLOB,
		bytes_transferred INTEGER NOT NULL DEFAULT 0,
		bytes_total INTEGER NOT NULL DEFAULT -1,
		task_id INTEGER NOT NULL DEFAULT 0,
		upload_id TEXT,
		chunk_offset INTEGER NOT NULL DEFAULT 0,
		resume_file TEXT,
		downloaded_file TEXT,
		uploaded_item BLOB,
		error_kind TEXT,
		error_message TEXT,
		created_at TEXT,
		finished_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS session_tasks (
		session_id TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		header BLOB,
		body_uri TEXT,
		body_offset INTEGER NOT NULL DEFAULT 0,
		body_length INTEGER NOT NULL DEFAULT 0,
		resume_file TEXT,
		status_code INTEGER NOT NULL DEFAULT 0,
		response_header BLOB,
		response_body BLOB,
		file_uri TEXT,
		bytes INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT,
		error_message TEXT,
		updated_at TEXT,
		PRIMARY KEY (session_id, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS session_sequences (
		session_id TEXT PRIMARY KEY,
		next_id INTEGER NOT NULL
	)`,
}

// InitDB opens the SQLite database at path and creates the tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// SQLite serializes writers anyway; a single connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}
