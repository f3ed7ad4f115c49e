// Package dispatch routes client commands arriving on a persistent channel:
// connection-level operations are handled here, tab-level commands pass
// through to the owning tab. A failed command produces an error payload on
// the response; it never tears the channel down.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/profile"
	"github.com/browsertrace/browsertrace/internal/session"
	"github.com/browsertrace/browsertrace/pkg/models"
)

// shutdownGrace is how long a dropped non-persistent connection's sessions
// stay alive before they are closed.
var shutdownGrace = 2 * time.Second

// Event is a push notification delivered to a registered listener.
type Event struct {
	ListenerID string      `json:"listenerId"`
	EventType  string      `json:"eventType"`
	Data       interface{} `json:"data"`
}

// EventSink receives push events bound for the client.
type EventSink func(Event)

// Connection tracks the sessions and listeners created over one client
// channel.
type Connection struct {
	ID string

	log      *zap.Logger
	manager  *session.Manager
	profiles *profile.Manager
	sink     EventSink

	mu            sync.Mutex
	persistent    bool
	sessions      map[string]struct{}
	listeners     map[string]func()
	shutdownTimer *time.Timer
	closed        bool
}

// NewConnection creates a connection bound to an event sink.
func NewConnection(manager *session.Manager, profiles *profile.Manager, sink EventSink, log *zap.Logger) *Connection {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Connection{
		ID:        uuid.New().String(),
		log:       log,
		manager:   manager,
		profiles:  profiles,
		sink:      sink,
		sessions:  make(map[string]struct{}),
		listeners: make(map[string]func()),
	}
}

// IsActive reports whether the connection still owns live sessions or is
// marked persistent.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && (c.persistent || len(c.sessions) > 0)
}

// HandleCommand executes one command and always returns a response. A failure
// becomes an ErrorPayload with IsError set.
func (c *Connection) HandleCommand(ctx context.Context, req models.CommandRequest) models.CommandResponse {
	resp := models.CommandResponse{ResponseID: req.MessageID}

	data, commandID, err := c.dispatch(ctx, req)
	resp.CommandID = commandID
	if err != nil {
		c.log.Debug("command failed",
			zap.String("command", req.Command),
			zap.String("sessionId", req.SessionID),
			zap.Error(err))
		resp.IsError = true
		resp.Data = models.ErrorPayload{Message: err.Error()}
		return resp
	}
	resp.Data = data
	return resp
}

func (c *Connection) dispatch(ctx context.Context, req models.CommandRequest) (interface{}, int64, error) {
	switch req.Command {
	case "connect":
		return c.doConnect(req.Args)
	case "disconnect":
		return nil, 0, c.Disconnect()
	case "createSession":
		return c.doCreateSession(ctx, req.Args)
	case "closeSession":
		return nil, 0, c.doCloseSession(req)
	case "configure":
		return c.doConfigure(req)
	case "getTabs":
		return c.doGetTabs(req)
	case "waitForNewTab":
		return c.doWaitForNewTab(ctx, req)
	case "exportUserProfile":
		return c.doExportUserProfile(req)
	case "addEventListener":
		return c.doAddEventListener(req)
	case "removeEventListener":
		return nil, 0, c.doRemoveEventListener(req.Args)
	default:
		return c.dispatchToTab(ctx, req)
	}
}

type connectArgs struct {
	ClientVersion string `json:"clientVersion,omitempty"`
	Persistent    bool   `json:"persistent,omitempty"`
}

func (c *Connection) doConnect(args json.RawMessage) (interface{}, int64, error) {
	var a connectArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, 0, fmt.Errorf("invalid connect args: %w", err)
		}
	}
	c.mu.Lock()
	c.persistent = a.Persistent
	if c.shutdownTimer != nil {
		c.shutdownTimer.Stop()
		c.shutdownTimer = nil
	}
	c.mu.Unlock()
	return map[string]interface{}{"connectionId": c.ID}, 0, nil
}

func (c *Connection) doCreateSession(ctx context.Context, args json.RawMessage) (interface{}, int64, error) {
	var req models.CreateSessionRequest
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, 0, fmt.Errorf("invalid createSession args: %w", err)
		}
	}
	s, err := c.manager.CreateSession(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	c.sessions[s.ID()] = struct{}{}
	c.mu.Unlock()
	return s.Meta(), 0, nil
}

func (c *Connection) doCloseSession(req models.CommandRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("closeSession requires a sessionId")
	}
	c.mu.Lock()
	delete(c.sessions, req.SessionID)
	c.mu.Unlock()
	return c.manager.CloseSession(req.SessionID)
}

type configureArgs struct {
	Name     string           `json:"name,omitempty"`
	Viewport *models.Viewport `json:"viewport,omitempty"`
}

func (c *Connection) doConfigure(req models.CommandRequest) (interface{}, int64, error) {
	s, err := c.manager.GetSession(req.SessionID)
	if err != nil {
		return nil, 0, err
	}
	var a configureArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &a); err != nil {
			return nil, 0, fmt.Errorf("invalid configure args: %w", err)
		}
	}
	meta := s.Meta()
	if a.Name != "" {
		meta.Name = a.Name
	}
	if a.Viewport != nil {
		meta.Viewport = *a.Viewport
	}
	return meta, 0, nil
}

func (c *Connection) doGetTabs(req models.CommandRequest) (interface{}, int64, error) {
	s, err := c.manager.GetSession(req.SessionID)
	if err != nil {
		return nil, 0, err
	}
	tabs := s.Tabs()
	out := make([]map[string]interface{}, 0, len(tabs))
	for _, tab := range tabs {
		out = append(out, map[string]interface{}{
			"tabId": tab.ID,
			"url":   tab.URL(),
		})
	}
	return out, 0, nil
}

func (c *Connection) doWaitForNewTab(ctx context.Context, req models.CommandRequest) (interface{}, int64, error) {
	s, err := c.manager.GetSession(req.SessionID)
	if err != nil {
		return nil, 0, err
	}
	ch, err := s.NextTabCreated()
	if err != nil {
		return nil, 0, err
	}
	select {
	case tab, ok := <-ch:
		if !ok {
			return nil, 0, session.ErrSessionClosed
		}
		return map[string]interface{}{"tabId": tab.ID, "url": tab.URL()}, 0, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (c *Connection) doExportUserProfile(req models.CommandRequest) (interface{}, int64, error) {
	s, err := c.manager.GetSession(req.SessionID)
	if err != nil {
		return nil, 0, err
	}
	meta := s.Meta()
	if meta.UserDataDir == "" {
		return nil, 0, fmt.Errorf("session %s has no user profile data", req.SessionID)
	}
	profileID := meta.ProfileID
	if profileID == "" {
		profileID = c.profiles.CreateProfile(meta.Name).ID
		meta.ProfileID = profileID
	}
	if err := c.profiles.SaveProfileData(profileID, meta.UserDataDir); err != nil {
		return nil, 0, err
	}
	data, err := c.profiles.ExportProfile(profileID)
	if err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"profileId": profileID, "data": data}, 0, nil
}

type eventListenerArgs struct {
	Type       string `json:"type"`
	ResourceID int64  `json:"resourceId,omitempty"`
	ListenerID string `json:"listenerId,omitempty"`
}

func (c *Connection) doAddEventListener(req models.CommandRequest) (interface{}, int64, error) {
	s, err := c.manager.GetSession(req.SessionID)
	if err != nil {
		return nil, 0, err
	}
	var a eventListenerArgs
	if err := json.Unmarshal(req.Args, &a); err != nil {
		return nil, 0, fmt.Errorf("invalid addEventListener args: %w", err)
	}

	switch a.Type {
	case "websocket-message":
		listenerID := uuid.New().String()
		rec := s.Recorder()
		id := rec.OnWebsocketMessages(a.ResourceID, func(msg models.WebsocketMessage) {
			c.sink(Event{ListenerID: listenerID, EventType: "websocket-message", Data: msg})
		})
		resourceID := a.ResourceID
		c.mu.Lock()
		c.listeners[listenerID] = func() { rec.StopWebsocketMessages(resourceID, id) }
		c.mu.Unlock()
		return map[string]interface{}{"listenerId": listenerID}, 0, nil
	default:
		return nil, 0, fmt.Errorf("unknown event listener type %q", a.Type)
	}
}

func (c *Connection) doRemoveEventListener(args json.RawMessage) error {
	var a eventListenerArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("invalid removeEventListener args: %w", err)
	}
	c.mu.Lock()
	detach, ok := c.listeners[a.ListenerID]
	delete(c.listeners, a.ListenerID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("listener %s not found", a.ListenerID)
	}
	detach()
	return nil
}

// dispatchToTab passes any unrecognized command through to the addressed tab.
func (c *Connection) dispatchToTab(ctx context.Context, req models.CommandRequest) (interface{}, int64, error) {
	if req.SessionID == "" {
		return nil, 0, fmt.Errorf("unknown connection command %q", req.Command)
	}
	s, err := c.manager.GetSession(req.SessionID)
	if err != nil {
		return nil, 0, err
	}

	var tab *session.Tab
	if req.TabID != 0 {
		found, ok := s.Tab(req.TabID)
		if !ok {
			return nil, 0, fmt.Errorf("tab %d not found in session %s", req.TabID, req.SessionID)
		}
		tab = found
	} else {
		tabs := s.Tabs()
		if len(tabs) == 0 {
			created, err := s.CreateTab()
			if err != nil {
				return nil, 0, err
			}
			tab = created
		} else {
			tab = tabs[0]
		}
	}

	result, err := tab.ExecuteCommand(ctx, req.Command, req.Args)
	commandID := s.Recorder().LastCommandID()
	if err != nil {
		return nil, commandID, err
	}
	return result, commandID, nil
}

// Disconnect detaches listeners and, for non-persistent connections,
// schedules owned sessions for closure after a short grace period so a quick
// reconnect keeps them alive.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	detach := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		detach = append(detach, fn)
	}
	c.listeners = make(map[string]func())
	persistent := c.persistent
	if !persistent && c.shutdownTimer == nil {
		c.shutdownTimer = time.AfterFunc(shutdownGrace, c.closeOwnedSessions)
	}
	c.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	if persistent {
		c.log.Debug("persistent connection detached, sessions kept alive",
			zap.String("connectionId", c.ID))
	}
	return nil
}

func (c *Connection) closeOwnedSessions() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.sessions = make(map[string]struct{})
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.manager.CloseSession(id); err != nil {
			c.log.Debug("session already closed",
				zap.String("connectionId", c.ID), zap.String("sessionId", id))
		}
	}
	if len(ids) > 0 {
		c.log.Info("closed orphaned sessions",
			zap.String("connectionId", c.ID), zap.Int("count", len(ids)))
	}
}
