// Package store persists the per-group detection switches. Everything else
// the bot tracks is deliberately in-memory only.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

type Store struct {
	*sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("state database opened", "path", path)
	return &Store{db}, nil
}

// LoadSwitches reads the full switch set. Called once at startup.
func (s *Store) LoadSwitches() (map[int64]bool, error) {
	rows, err := s.Query(`SELECT group_id, enabled FROM group_switches`)
	if err != nil {
		return nil, fmt.Errorf("load switches: %w", err)
	}
	defer rows.Close()

	switches := make(map[int64]bool)
	for rows.Next() {
		var groupID int64
		var enabled bool
		if err := rows.Scan(&groupID, &enabled); err != nil {
			return nil, fmt.Errorf("scan switch: %w", err)
		}
		switches[groupID] = enabled
	}
	return switches, rows.Err()
}

// SetSwitch upserts one group's flag. Runs on every toggle.
func (s *Store) SetSwitch(groupID int64, enabled bool) error {
	_, err := s.Exec(`
		INSERT INTO group_switches (group_id, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at
	`, groupID, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set switch: %w", err)
	}
	return nil
}
