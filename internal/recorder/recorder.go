// Package recorder is the single point of durable truth for everything that
// happens in a session: commands, resources, websocket frames, frames, DOM
// mutations, and logs, all attributed to the correct command/tab ordering
// context and serialized into the session's store.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/navigation"
	"github.com/browsertrace/browsertrace/internal/storage"
	"github.com/browsertrace/browsertrace/pkg/models"
)

// ErrSessionClosed is returned by capture calls issued after Close.
var ErrSessionClosed = errors.New("recorder: session closed")

// ErrUnregisteredResource marks a websocket frame whose low-level request id
// was never captured; the frame is dropped, not fatal to the session.
var ErrUnregisteredResource = errors.New("recorder: websocket message for unregistered browser request id")

// sessionRegistry is the slice of the process registry the recorder needs.
type sessionRegistry interface {
	MarkClosed(sessionID string, closeDate time.Time) error
}

type resourceRef struct {
	id  int64
	url string
}

// CommandMeta describes a command before it runs.
type CommandMeta struct {
	TabID   int64
	FrameID int64
	Name    string
	Args    string
}

// CommandFunc is the wrapped command body. It receives its own command row
// and a snapshot of every prior command for anchor computation.
type CommandFunc func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error)

// Recorder captures one session's observable events.
type Recorder struct {
	log       *zap.Logger
	db        *storage.SessionDB
	sessionID string
	registry  sessionRegistry

	mu            sync.Mutex
	closed        bool
	closeDate     *time.Time
	commands      []models.Command
	lastCommandID int64
	resourceSeq   int64
	chains        map[string][]resourceRef
	frames        map[int64]models.Frame
	histories     map[int64]*navigation.History
	lastErrorAt   time.Time
	detachLogs    func()

	wsMu          sync.Mutex
	wsMessageSeq  int64
	wsListenerSeq int64
	wsHistory     map[int64][]models.WebsocketMessage
	wsListeners   map[int64]map[int64]func(models.WebsocketMessage)
}

// New creates a recorder writing to the given session store.
func New(sessionID string, db *storage.SessionDB, registry sessionRegistry, log *zap.Logger) *Recorder {
	return &Recorder{
		log:         log,
		db:          db,
		sessionID:   sessionID,
		registry:    registry,
		chains:      make(map[string][]resourceRef),
		frames:      make(map[int64]models.Frame),
		histories:   make(map[int64]*navigation.History),
		wsHistory:   make(map[int64][]models.WebsocketMessage),
		wsListeners: make(map[int64]map[int64]func(models.WebsocketMessage)),
	}
}

// SetLogDetach registers the unsubscribe hook for the global log stream,
// invoked on Close.
func (r *Recorder) SetLogDetach(fn func()) {
	r.mu.Lock()
	r.detachLogs = fn
	r.mu.Unlock()
}

// RegisterTab returns the navigation history for a tab, creating it on first
// use. The recorder owns all tab histories so capture calls can correlate
// against them.
func (r *Recorder) RegisterTab(tabID int64) *navigation.History {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histories[tabID]; ok {
		return h
	}
	h := navigation.NewHistory(tabID, r.log)
	r.histories[tabID] = h
	return h
}

// History returns the navigation history for a tab, or nil.
func (r *Recorder) History(tabID int64) *navigation.History {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.histories[tabID]
}

// RunCommand wraps a command's execution: a start row is written before the
// body runs and the end row always lands, even when the body fails. The
// body's own result or error is returned unchanged.
func (r *Recorder) RunCommand(ctx context.Context, meta CommandMeta, fn CommandFunc) (result interface{}, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	r.lastCommandID++
	cmd := models.Command{
		ID:        r.lastCommandID,
		TabID:     meta.TabID,
		FrameID:   meta.FrameID,
		Name:      meta.Name,
		Args:      meta.Args,
		StartDate: time.Now(),
	}
	previous := append([]models.Command(nil), r.commands...)
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()

	if dbErr := r.db.InsertCommand(cmd); dbErr != nil {
		r.log.Error("failed to record command start",
			zap.Int64("commandId", cmd.ID), zap.Error(dbErr))
	}

	defer func() {
		end := time.Now()
		cmd.EndDate = &end
		if err != nil {
			cmd.Result = err.Error()
			cmd.ResultType = "error"
		} else if result != nil {
			if data, marshalErr := json.Marshal(result); marshalErr == nil {
				cmd.Result = string(data)
			}
			cmd.ResultType = resultTypeOf(result)
		}

		r.mu.Lock()
		for i := range r.commands {
			if r.commands[i].ID == cmd.ID {
				r.commands[i] = cmd
				break
			}
		}
		r.mu.Unlock()

		if dbErr := r.db.InsertCommand(cmd); dbErr != nil && !errors.Is(dbErr, storage.ErrStoreClosed) {
			r.log.Error("failed to record command end",
				zap.Int64("commandId", cmd.ID), zap.Error(dbErr))
		}
	}()

	result, err = fn(ctx, cmd, previous)
	return result, err
}

// Commands returns a snapshot of all commands issued so far.
func (r *Recorder) Commands() []models.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Command(nil), r.commands...)
}

// LastCommandID returns the most recently issued command id.
func (r *Recorder) LastCommandID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommandID
}

// CheckForResponsive reports whether the session looks stuck. Last success
// is the later of the most recent full content load and the most recent
// completed non-error command that ended after one.
func (r *Recorder) CheckForResponsive() models.Responsiveness {
	r.mu.Lock()
	histories := make([]*navigation.History, 0, len(r.histories))
	for _, h := range r.histories {
		histories = append(histories, h)
	}
	commands := append([]models.Command(nil), r.commands...)
	lastErrorAt := r.lastErrorAt
	closeDate := r.closeDate
	r.mu.Unlock()

	var lastContentLoad time.Time
	var haveContentLoad bool
	for _, h := range histories {
		if ts, ok := h.LastContentLoadedAt(); ok && ts.After(lastContentLoad) {
			lastContentLoad = ts
			haveContentLoad = true
		}
	}

	lastActivity := lastContentLoad
	var lastCommandName string
	if len(commands) > 0 {
		lastCommandName = commands[len(commands)-1].Name
	}
	if haveContentLoad {
		for _, cmd := range commands {
			if cmd.EndDate == nil || cmd.ResultType == "error" {
				continue
			}
			if cmd.EndDate.After(lastContentLoad) && cmd.EndDate.After(lastActivity) {
				lastActivity = *cmd.EndDate
			}
		}
	}

	hasRecentErrors := !lastErrorAt.IsZero() &&
		(lastActivity.IsZero() || !lastErrorAt.Before(lastActivity))

	resp := models.Responsiveness{
		HasRecentErrors: hasRecentErrors,
		LastCommandName: lastCommandName,
		CloseDate:       closeDate,
	}
	if !lastActivity.IsZero() {
		resp.LastActivityDate = &lastActivity
	}
	return resp
}

// Close marks the close time, flushes and closes the store, detaches the log
// stream, and updates the process registry. Close is best-effort: a failed
// flush does not prevent the remaining teardown.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	now := time.Now()
	r.closed = true
	r.closeDate = &now
	detach := r.detachLogs
	r.mu.Unlock()

	if detach != nil {
		detach()
	}

	var firstErr error
	if err := r.db.MarkClosed(now); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if r.registry != nil {
		if err := r.registry.MarkClosed(r.sessionID, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		r.log.Warn("session close finished with errors",
			zap.String("sessionId", r.sessionID), zap.Error(firstErr))
	}
	return firstErr
}

// CloseDate returns when the recorder was closed, if it was.
func (r *Recorder) CloseDate() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeDate
}

func resultTypeOf(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64, float32, float64:
		return "number"
	default:
		return "object"
	}
}
