package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/browsertrace/browsertrace/pkg/models"
)

// Registry is the process-wide record of session metadata, kept in its own
// database independent of the per-session stores. It is injected into the
// components that need lookup; there is no ambient global.
type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRegistry opens the multi-session registry database under the data dir.
func NewRegistry(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session registry: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT,
		create_date DATETIME NOT NULL,
		close_date DATETIME,
		data_path TEXT,
		script_instance_id TEXT
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	return &Registry{db: db}, nil
}

// Register records a newly created session.
func (r *Registry) Register(meta models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO sessions (id, name, create_date, close_date, data_path, script_instance_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Name, meta.CreateDate, meta.CloseDate, meta.DataPath, meta.ScriptInstanceID,
	)
	if err != nil {
		return fmt.Errorf("failed to register session %s: %w", meta.ID, err)
	}
	return nil
}

// MarkClosed stamps a session's close date in the registry.
func (r *Registry) MarkClosed(sessionID string, closeDate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`UPDATE sessions SET close_date = ? WHERE id = ?`, closeDate, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark session %s closed: %w", sessionID, err)
	}
	return nil
}

// Get reads one session's registry row.
func (r *Registry) Get(sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.db.QueryRow(
		`SELECT id, name, create_date, close_date, data_path, script_instance_id
		 FROM sessions WHERE id = ?`, sessionID)

	var meta models.Session
	var name, dataPath, scriptID sql.NullString
	var closeDate sql.NullTime
	if err := row.Scan(&meta.ID, &name, &meta.CreateDate, &closeDate, &dataPath, &scriptID); err != nil {
		return nil, fmt.Errorf("session %s not in registry: %w", sessionID, err)
	}
	meta.Name = name.String
	meta.DataPath = dataPath.String
	meta.ScriptInstanceID = scriptID.String
	if closeDate.Valid {
		meta.CloseDate = &closeDate.Time
	}
	return &meta, nil
}

// List returns all registered sessions, newest first.
func (r *Registry) List() ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(
		`SELECT id, name, create_date, close_date, data_path, script_instance_id
		 FROM sessions ORDER BY create_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var meta models.Session
		var name, dataPath, scriptID sql.NullString
		var closeDate sql.NullTime
		if err := rows.Scan(&meta.ID, &name, &meta.CreateDate, &closeDate, &dataPath, &scriptID); err != nil {
			continue
		}
		meta.Name = name.String
		meta.DataPath = dataPath.String
		meta.ScriptInstanceID = scriptID.String
		if closeDate.Valid {
			meta.CloseDate = &closeDate.Time
		}
		sessions = append(sessions, meta)
	}
	return sessions, rows.Err()
}

// Close closes the registry database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}
