package models

import "time"

// SessionStatus represents the current state of a recorded browsing session
type SessionStatus string

const (
	StatusRunning  SessionStatus = "RUNNING"
	StatusClosed   SessionStatus = "CLOSED"
	StatusError    SessionStatus = "ERROR"
	StatusTimedOut SessionStatus = "TIMED_OUT"
)

// Viewport describes the emulated browser viewport for a session
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Session represents one logical automated-browsing run
type Session struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Status            SessionStatus `json:"status"`
	CreateDate        time.Time     `json:"createDate"`
	CloseDate         *time.Time    `json:"closeDate,omitempty"`
	Viewport          Viewport      `json:"viewport"`
	ScriptInstanceID  string        `json:"scriptInstanceId,omitempty"`
	BrowserEmulatorID string        `json:"browserEmulatorId,omitempty"`
	HumanEmulatorID   string        `json:"humanEmulatorId,omitempty"`
	Timeout           int           `json:"timeout"`
	ProfileID         string        `json:"profileId,omitempty"`
	ConnectURL        string        `json:"connectUrl,omitempty"`
	EngineInstanceID  string        `json:"-"`
	DataPath          string        `json:"-"`
	UserDataDir       string        `json:"-"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	Name              string   `json:"name,omitempty"`
	Viewport          Viewport `json:"viewport,omitempty"`
	ScriptInstanceID  string   `json:"scriptInstanceId,omitempty"`
	BrowserEmulatorID string   `json:"browserEmulatorId,omitempty"`
	HumanEmulatorID   string   `json:"humanEmulatorId,omitempty"`
	Timeout           int      `json:"timeout,omitempty"`
	ProfileID         string   `json:"profileId,omitempty"`
}

// Responsiveness answers "does this session look stuck"
type Responsiveness struct {
	HasRecentErrors  bool       `json:"hasRecentErrors"`
	LastActivityDate *time.Time `json:"lastActivityDate,omitempty"`
	LastCommandName  string     `json:"lastCommandName,omitempty"`
	CloseDate        *time.Time `json:"closeDate,omitempty"`
}
