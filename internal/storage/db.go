// Package storage owns the durable stores: one SQLite database per session
// for everything that session captures, plus a process-wide registry of
// session metadata. All writes are serialized behind a mutex so concurrent
// capture calls never interleave partial records.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/browsertrace/browsertrace/pkg/models"
)

// ErrStoreClosed is returned by every write issued after Close.
var ErrStoreClosed = errors.New("storage: session store closed")

// SessionDB is the single durable store for one session. It is exclusively
// owned by that session; a single writer from the store's perspective.
type SessionDB struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewSessionDB opens (creating if needed) the database for a session under
// the sessions data directory.
func NewSessionDB(dataDir, sessionID string) (*SessionDB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	path := filepath.Join(dataDir, sessionID+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	s := &SessionDB{db: db, path: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SessionDB) Path() string { return s.path }

func (s *SessionDB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		id TEXT PRIMARY KEY,
		name TEXT,
		create_date DATETIME NOT NULL,
		close_date DATETIME,
		viewport_width INTEGER,
		viewport_height INTEGER,
		script_instance_id TEXT,
		browser_emulator_id TEXT,
		human_emulator_id TEXT
	);
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		tab_id INTEGER NOT NULL,
		frame_id INTEGER,
		name TEXT NOT NULL,
		args TEXT,
		start_date DATETIME NOT NULL,
		end_date DATETIME,
		result TEXT,
		result_type TEXT
	);
	CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY,
		tab_id INTEGER NOT NULL,
		frame_id INTEGER,
		url TEXT NOT NULL,
		type TEXT,
		method TEXT,
		browser_request_id TEXT,
		status_code INTEGER,
		is_redirect INTEGER NOT NULL DEFAULT 0,
		redirected_to_url TEXT,
		request_headers TEXT,
		response_headers TEXT,
		body BLOB,
		received_at_command_id INTEGER,
		received_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS resource_states (
		resource_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY,
		tab_id INTEGER NOT NULL,
		parent_id INTEGER,
		name TEXT,
		security_origin TEXT,
		url TEXT,
		created_at_command_id INTEGER,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS page_logs (
		tab_id INTEGER NOT NULL,
		frame_id INTEGER,
		source TEXT,
		level TEXT,
		message TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session_logs (
		level TEXT,
		message TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS dom_changes (
		tab_id INTEGER NOT NULL,
		frame_id INTEGER,
		command_id INTEGER NOT NULL,
		action TEXT,
		node_id INTEGER,
		node_data TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS mouse_events (
		tab_id INTEGER NOT NULL,
		frame_id INTEGER,
		command_id INTEGER NOT NULL,
		event TEXT,
		page_x INTEGER,
		page_y INTEGER,
		buttons INTEGER,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS focus_events (
		tab_id INTEGER NOT NULL,
		frame_id INTEGER,
		command_id INTEGER NOT NULL,
		event TEXT,
		node_id INTEGER,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS scroll_events (
		tab_id INTEGER NOT NULL,
		frame_id INTEGER,
		command_id INTEGER NOT NULL,
		scroll_x INTEGER,
		scroll_y INTEGER,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS websocket_messages (
		id INTEGER PRIMARY KEY,
		resource_id INTEGER NOT NULL,
		message BLOB,
		from_server INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS devtools_messages (
		direction TEXT,
		message TEXT,
		timestamp DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sockets (
		id INTEGER PRIMARY KEY,
		remote_address TEXT,
		local_address TEXT,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return nil
}

func (s *SessionDB) exec(query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("storage write failed: %w", err)
	}
	return nil
}

// InsertSessionMeta writes the session's own metadata row.
func (s *SessionDB) InsertSessionMeta(meta models.Session) error {
	return s.exec(
		`INSERT OR REPLACE INTO session
		 (id, name, create_date, close_date, viewport_width, viewport_height,
		  script_instance_id, browser_emulator_id, human_emulator_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Name, meta.CreateDate, meta.CloseDate,
		meta.Viewport.Width, meta.Viewport.Height,
		meta.ScriptInstanceID, meta.BrowserEmulatorID, meta.HumanEmulatorID,
	)
}

// InsertCommand writes a command row. Completion re-inserts the same id with
// the end fields populated, replacing the start row.
func (s *SessionDB) InsertCommand(cmd models.Command) error {
	return s.exec(
		`INSERT OR REPLACE INTO commands
		 (id, tab_id, frame_id, name, args, start_date, end_date, result, result_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.TabID, cmd.FrameID, cmd.Name, cmd.Args,
		cmd.StartDate, cmd.EndDate, cmd.Result, cmd.ResultType,
	)
}

// GetCommand reads back one command row by id.
func (s *SessionDB) GetCommand(id int64) (*models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(
		`SELECT id, tab_id, frame_id, name, args, start_date, end_date, result, result_type
		 FROM commands WHERE id = ?`, id)

	var cmd models.Command
	var endDate sql.NullTime
	var args, result, resultType sql.NullString
	if err := row.Scan(&cmd.ID, &cmd.TabID, &cmd.FrameID, &cmd.Name, &args,
		&cmd.StartDate, &endDate, &result, &resultType); err != nil {
		return nil, fmt.Errorf("failed to read command %d: %w", id, err)
	}
	cmd.Args = args.String
	cmd.Result = result.String
	cmd.ResultType = resultType.String
	if endDate.Valid {
		cmd.EndDate = &endDate.Time
	}
	return &cmd, nil
}

// CountCommands returns how many command rows exist.
func (s *SessionDB) CountCommands() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM commands`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// InsertResource writes a captured resource, body included.
func (s *SessionDB) InsertResource(res models.Resource, body []byte) error {
	return s.exec(
		`INSERT OR REPLACE INTO resources
		 (id, tab_id, frame_id, url, type, method, browser_request_id, status_code,
		  is_redirect, redirected_to_url, request_headers, response_headers, body,
		  received_at_command_id, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.TabID, res.FrameID, res.URL, res.Type, res.Method,
		res.BrowserRequestID, res.StatusCode, res.IsRedirect, res.RedirectedToURL,
		res.RequestHeaders, res.ResponseHeaders, body,
		res.ReceivedAtCommandID, res.ReceivedAt,
	)
}

// ListResources returns every resource captured for a tab, oldest first.
// Bodies are not loaded; use GetResourceBody.
func (s *SessionDB) ListResources(tabID int64) ([]models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(
		`SELECT id, tab_id, frame_id, url, type, method, browser_request_id, status_code,
		        is_redirect, redirected_to_url, received_at_command_id, received_at
		 FROM resources WHERE tab_id = ? ORDER BY id`, tabID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources for tab %d: %w", tabID, err)
	}
	defer rows.Close()

	var resources []models.Resource
	for rows.Next() {
		var res models.Resource
		var resType, method, requestID, redirectedTo sql.NullString
		if err := rows.Scan(&res.ID, &res.TabID, &res.FrameID, &res.URL, &resType,
			&method, &requestID, &res.StatusCode, &res.IsRedirect, &redirectedTo,
			&res.ReceivedAtCommandID, &res.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		res.Type = resType.String
		res.Method = method.String
		res.BrowserRequestID = requestID.String
		res.RedirectedToURL = redirectedTo.String
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

// GetResourceBody looks up a resource blob by id.
func (s *SessionDB) GetResourceBody(resourceID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM resources WHERE id = ?`, resourceID).Scan(&body)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %d body: %w", resourceID, err)
	}
	return body, nil
}

// InsertResourceState records a lifecycle state transition for a resource.
func (s *SessionDB) InsertResourceState(resourceID int64, state string, ts time.Time) error {
	return s.exec(
		`INSERT INTO resource_states (resource_id, state, timestamp) VALUES (?, ?, ?)`,
		resourceID, state, ts,
	)
}

// InsertFrame writes a frame row.
func (s *SessionDB) InsertFrame(frame models.Frame) error {
	return s.exec(
		`INSERT OR REPLACE INTO frames
		 (id, tab_id, parent_id, name, security_origin, url, created_at_command_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		frame.ID, frame.TabID, frame.ParentID, frame.Name, frame.SecurityOrigin,
		frame.URL, frame.CreatedAtCommandID, frame.CreatedAt,
	)
}

// UpdateFrame mutates the only mutable frame fields.
func (s *SessionDB) UpdateFrame(frameID int64, name, securityOrigin string) error {
	return s.exec(
		`UPDATE frames SET name = ?, security_origin = ? WHERE id = ?`,
		name, securityOrigin, frameID,
	)
}

// InsertPageLog writes a console line or page error.
func (s *SessionDB) InsertPageLog(entry models.PageLog) error {
	return s.exec(
		`INSERT INTO page_logs (tab_id, frame_id, source, level, message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TabID, entry.FrameID, entry.Source, entry.Level, entry.Message, entry.Timestamp,
	)
}

// InsertSessionLog writes a session-level log line.
func (s *SessionDB) InsertSessionLog(level, message string, ts time.Time) error {
	return s.exec(
		`INSERT INTO session_logs (level, message, timestamp) VALUES (?, ?, ?)`,
		level, message, ts,
	)
}

// InsertDomChange writes one DOM mutation attributed to a command.
func (s *SessionDB) InsertDomChange(tabID, commandID int64, change models.DomChange) error {
	return s.exec(
		`INSERT INTO dom_changes (tab_id, frame_id, command_id, action, node_id, node_data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tabID, change.FrameID, commandID, change.Action, change.NodeID, change.NodeData, change.Timestamp,
	)
}

// InsertMouseEvent writes one mouse event attributed to a command.
func (s *SessionDB) InsertMouseEvent(tabID, commandID int64, ev models.MouseEvent) error {
	return s.exec(
		`INSERT INTO mouse_events (tab_id, frame_id, command_id, event, page_x, page_y, buttons, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tabID, ev.FrameID, commandID, ev.Event, ev.PageX, ev.PageY, ev.Buttons, ev.Timestamp,
	)
}

// InsertFocusEvent writes one focus event attributed to a command.
func (s *SessionDB) InsertFocusEvent(tabID, commandID int64, ev models.FocusEvent) error {
	return s.exec(
		`INSERT INTO focus_events (tab_id, frame_id, command_id, event, node_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tabID, ev.FrameID, commandID, ev.Event, ev.NodeID, ev.Timestamp,
	)
}

// InsertScrollEvent writes one scroll event attributed to a command.
func (s *SessionDB) InsertScrollEvent(tabID, commandID int64, ev models.ScrollEvent) error {
	return s.exec(
		`INSERT INTO scroll_events (tab_id, frame_id, command_id, scroll_x, scroll_y, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tabID, ev.FrameID, commandID, ev.ScrollX, ev.ScrollY, ev.Timestamp,
	)
}

// InsertWebsocketMessage writes one captured websocket frame.
func (s *SessionDB) InsertWebsocketMessage(msg models.WebsocketMessage) error {
	return s.exec(
		`INSERT INTO websocket_messages (id, resource_id, message, from_server, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ResourceID, msg.Message, msg.FromServer, msg.Timestamp,
	)
}

// InsertDevtoolsMessage writes one raw devtools protocol message.
func (s *SessionDB) InsertDevtoolsMessage(direction, message string, ts time.Time) error {
	return s.exec(
		`INSERT INTO devtools_messages (direction, message, timestamp) VALUES (?, ?, ?)`,
		direction, message, ts,
	)
}

// InsertSocket records a socket created during the session.
func (s *SessionDB) InsertSocket(id int64, remoteAddr, localAddr string, ts time.Time) error {
	return s.exec(
		`INSERT OR REPLACE INTO sockets (id, remote_address, local_address, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, remoteAddr, localAddr, ts,
	)
}

// MarkClosed stamps the session row's close date.
func (s *SessionDB) MarkClosed(closeDate time.Time) error {
	return s.exec(`UPDATE session SET close_date = ?`, closeDate)
}

// Flush checkpoints the database so everything captured so far is on disk.
func (s *SessionDB) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("failed to checkpoint session database: %w", err)
	}
	return nil
}

// Close flushes and closes the store. Writes after Close fail with
// ErrStoreClosed rather than silently dropping.
func (s *SessionDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close session database: %w", err)
	}
	return nil
}
