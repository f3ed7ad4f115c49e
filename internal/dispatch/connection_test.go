package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/config"
	"github.com/browsertrace/browsertrace/internal/profile"
	"github.com/browsertrace/browsertrace/internal/session"
	"github.com/browsertrace/browsertrace/internal/storage"
	"github.com/browsertrace/browsertrace/pkg/models"
)

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventCollector) sink(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventCollector) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

func newTestConnection(t *testing.T) (*Connection, *session.Manager, *eventCollector) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir, MaxConcurrent: 4}

	registry, err := storage.NewRegistry(dir)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	profiles, err := profile.NewManager(filepath.Join(dir, "profiles"))
	require.NoError(t, err)

	manager := session.NewManager(cfg, nil, registry, profiles, nil, zap.NewNop())
	t.Cleanup(manager.Shutdown)

	collector := &eventCollector{}
	conn := NewConnection(manager, profiles, collector.sink, zap.NewNop())
	return conn, manager, collector
}

func (c *Connection) run(t *testing.T, command, sessionID, args string) models.CommandResponse {
	t.Helper()
	return c.HandleCommand(context.Background(), models.CommandRequest{
		MessageID: "m1",
		Command:   command,
		SessionID: sessionID,
		Args:      json.RawMessage(args),
	})
}

func createSession(t *testing.T, conn *Connection) string {
	t.Helper()
	resp := conn.run(t, "createSession", "", `{"name":"test"}`)
	require.False(t, resp.IsError, "createSession failed: %v", resp.Data)
	meta := resp.Data.(*models.Session)
	return meta.ID
}

func TestConnectionSessionLifecycle(t *testing.T) {
	conn, manager, _ := newTestConnection(t)

	resp := conn.run(t, "connect", "", `{"clientVersion":"2.0.0"}`)
	require.False(t, resp.IsError)
	assert.Equal(t, "m1", resp.ResponseID)

	id := createSession(t, conn)
	assert.Equal(t, 1, manager.ActiveCount())
	assert.True(t, conn.IsActive())

	resp = conn.run(t, "closeSession", id, "")
	require.False(t, resp.IsError)
	assert.Equal(t, 0, manager.ActiveCount())
	assert.False(t, conn.IsActive())
}

func TestFailedCommandKeepsChannelAlive(t *testing.T) {
	conn, _, _ := newTestConnection(t)

	resp := conn.run(t, "selfDestruct", "", "")
	require.True(t, resp.IsError)
	payload := resp.Data.(models.ErrorPayload)
	assert.Contains(t, payload.Message, "selfDestruct")

	// the channel still works
	id := createSession(t, conn)
	assert.NotEmpty(t, id)
}

func TestTabCommandPassThrough(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	id := createSession(t, conn)

	// first tab command creates the tab implicitly
	resp := conn.run(t, "getUrl", id, "")
	require.False(t, resp.IsError)
	assert.Equal(t, "", resp.Data)
	assert.Equal(t, int64(1), resp.CommandID)

	resp = conn.run(t, "getTabs", id, "")
	require.False(t, resp.IsError)
	tabs := resp.Data.([]map[string]interface{})
	require.Len(t, tabs, 1)
	assert.Equal(t, int64(1), tabs[0]["tabId"])
}

func TestTabCommandErrorIsStructured(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	id := createSession(t, conn)

	resp := conn.run(t, "reload", id, "")
	require.True(t, resp.IsError)
	payload := resp.Data.(models.ErrorPayload)
	assert.Contains(t, payload.Message, "never navigated")
	// the failed command was still recorded and numbered
	assert.Equal(t, int64(1), resp.CommandID)
}

func TestConfigure(t *testing.T) {
	conn, manager, _ := newTestConnection(t)
	id := createSession(t, conn)

	resp := conn.run(t, "configure", id, `{"viewport":{"width":1920,"height":1080}}`)
	require.False(t, resp.IsError)

	s, err := manager.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, 1920, s.Meta().Viewport.Width)
}

func TestWaitForNewTab(t *testing.T) {
	conn, manager, _ := newTestConnection(t)
	id := createSession(t, conn)

	done := make(chan models.CommandResponse, 1)
	go func() {
		done <- conn.HandleCommand(context.Background(), models.CommandRequest{
			MessageID: "m2", Command: "waitForNewTab", SessionID: id,
		})
	}()
	time.Sleep(20 * time.Millisecond)

	s, err := manager.GetSession(id)
	require.NoError(t, err)
	_, err = s.OnTabOpened("https://example.org/popup")
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.False(t, resp.IsError)
		payload := resp.Data.(map[string]interface{})
		assert.Equal(t, "https://example.org/popup", payload["url"])
	case <-time.After(2 * time.Second):
		t.Fatal("waitForNewTab did not resolve")
	}
}

func TestWebsocketEventListener(t *testing.T) {
	conn, manager, collector := newTestConnection(t)
	id := createSession(t, conn)

	s, err := manager.GetSession(id)
	require.NoError(t, err)
	rec := s.Recorder()
	_, err = rec.CaptureResource(models.ResourceEvent{
		BrowserRequestID: "ws-1", TabID: 1, URL: "wss://example.org/socket", Method: "GET",
	}, true)
	require.NoError(t, err)
	require.NoError(t, rec.CaptureWebsocketMessage(models.WebsocketMessageEvent{
		BrowserRequestID: "ws-1", Message: []byte("early"), FromServer: true,
	}))
	resourceID, ok := rec.ResourceIDForBrowserRequest("ws-1")
	require.True(t, ok)

	resp := conn.run(t, "addEventListener", id,
		`{"type":"websocket-message","resourceId":`+jsonInt(resourceID)+`}`)
	require.False(t, resp.IsError)
	listenerID := resp.Data.(map[string]interface{})["listenerId"].(string)

	// the pre-registration message was replayed
	events := collector.all()
	require.Len(t, events, 1)
	assert.Equal(t, listenerID, events[0].ListenerID)

	require.NoError(t, rec.CaptureWebsocketMessage(models.WebsocketMessageEvent{
		BrowserRequestID: "ws-1", Message: []byte("live"), FromServer: true,
	}))
	assert.Len(t, collector.all(), 2)

	resp = conn.run(t, "removeEventListener", id, `{"listenerId":"`+listenerID+`"}`)
	require.False(t, resp.IsError)
	require.NoError(t, rec.CaptureWebsocketMessage(models.WebsocketMessageEvent{
		BrowserRequestID: "ws-1", Message: []byte("after"), FromServer: true,
	}))
	assert.Len(t, collector.all(), 2)
}

func TestDisconnectClosesOrphanedSessions(t *testing.T) {
	old := shutdownGrace
	shutdownGrace = 20 * time.Millisecond
	defer func() { shutdownGrace = old }()

	conn, manager, _ := newTestConnection(t)
	createSession(t, conn)
	require.Equal(t, 1, manager.ActiveCount())

	require.NoError(t, conn.Disconnect())

	require.Eventually(t, func() bool { return manager.ActiveCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestPersistentConnectionIsActiveWithoutSessions(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	assert.False(t, conn.IsActive())

	resp := conn.run(t, "connect", "", `{"persistent":true}`)
	require.False(t, resp.IsError)
	assert.True(t, conn.IsActive())
}

func TestPersistentConnectionKeepsSessions(t *testing.T) {
	old := shutdownGrace
	shutdownGrace = 20 * time.Millisecond
	defer func() { shutdownGrace = old }()

	conn, manager, _ := newTestConnection(t)
	resp := conn.run(t, "connect", "", `{"persistent":true}`)
	require.False(t, resp.IsError)
	createSession(t, conn)

	require.NoError(t, conn.Disconnect())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, manager.ActiveCount())
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
