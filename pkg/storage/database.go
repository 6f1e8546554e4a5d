// Package storage persists the engine's durable state: messages,
// friends and groups, in a local SQLite database.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("not found")

// DB is the local database handle.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	d := &DB{db: db}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		conversation_id TEXT NOT NULL,
		group_id TEXT,
		sender_did TEXT NOT NULL,
		recipient_did TEXT,
		thread_id TEXT,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS friends (
		did TEXT PRIMARY KEY,
		display_name TEXT,
		signing_key TEXT NOT NULL,
		encryption_key TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		added_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_requests (
		id TEXT PRIMARY KEY,
		peer_did TEXT NOT NULL,
		direction TEXT NOT NULL,
		display_name TEXT,
		signing_key TEXT,
		encryption_key TEXT,
		message TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS groups (
		group_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key TEXT NOT NULL,
		key_version INTEGER NOT NULL,
		members TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
