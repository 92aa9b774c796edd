package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn *sql.DB
}

type Config struct {
	Path string
}

// NewDB opens the sqlite database, applies connection pragmas and creates the
// tables if they do not exist yet.
func NewDB(config Config) (*DB, error) {
	dsn := config.Path + "?cache=shared&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

func (db *DB) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY,
		uri TEXT NOT NULL,
		display_name TEXT NOT NULL,
		date_added INTEGER NOT NULL,
		extracted_text TEXT,
		label TEXT,
		confidence REAL,
		model_name TEXT
	);

	CREATE TABLE IF NOT EXISTS video_frames (
		id INTEGER PRIMARY KEY,
		video_id INTEGER NOT NULL,
		uri TEXT NOT NULL,
		frame_timestamp_ms INTEGER NOT NULL,
		date_added INTEGER NOT NULL,
		extracted_text TEXT,
		label TEXT,
		confidence REAL,
		model_name TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_images_date_added ON images(date_added);
	CREATE INDEX IF NOT EXISTS idx_video_frames_video_id ON video_frames(video_id);
	`

	_, err := db.conn.Exec(query)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
