package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEngine answers devtools calls the way a real engine would, recording
// every method it sees.
type fakeEngine struct {
	mu      sync.Mutex
	methods []string
	failOn  string
}

func (f *fakeEngine) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req message
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.methods = append(f.methods, req.Method)
			failOn := f.failOn
			f.mu.Unlock()

			resp := message{ID: req.ID}
			switch {
			case req.Method == failOn:
				resp.Error = &cdpError{Code: -32000, Message: "engine says no"}
			case req.Method == "Target.createTarget":
				resp.Result = json.RawMessage(`{"targetId":"target-1"}`)
			case req.Method == "Target.attachToTarget":
				resp.Result = json.RawMessage(`{"sessionId":"session-1"}`)
			default:
				resp.Result = json.RawMessage(`{}`)
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func (f *fakeEngine) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

type recordedTraffic struct {
	mu       sync.Mutex
	messages []string
	sockets  int
}

func (r *recordedTraffic) CaptureDevtoolsMessage(direction, message string) error {
	r.mu.Lock()
	r.messages = append(r.messages, direction+": "+message)
	r.mu.Unlock()
	return nil
}

func (r *recordedTraffic) CaptureSocket(id int64, remoteAddr, localAddr string) error {
	r.mu.Lock()
	r.sockets++
	r.mu.Unlock()
	return nil
}

func newTestDriver(t *testing.T, engine *fakeEngine, msgLog MessageLog) *Devtools {
	t.Helper()
	srv := httptest.NewServer(engine.handler(t))
	t.Cleanup(srv.Close)

	d, err := New("ws"+strings.TrimPrefix(srv.URL, "http"), msgLog, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNavigateCreatesAndReusesTarget(t *testing.T) {
	engine := &fakeEngine{}
	d := newTestDriver(t, engine, nil)

	require.NoError(t, d.Navigate(context.Background(), 1, "https://example.org"))
	require.NoError(t, d.Navigate(context.Background(), 1, "https://example.org/next"))

	// the target is created and attached once, then navigated twice
	assert.Equal(t, []string{
		"Target.createTarget",
		"Target.attachToTarget",
		"Page.navigate",
		"Page.navigate",
	}, engine.seen())
}

func TestReloadRequiresExistingTarget(t *testing.T) {
	engine := &fakeEngine{}
	d := newTestDriver(t, engine, nil)

	err := d.Reload(context.Background(), 9)
	assert.Error(t, err)

	require.NoError(t, d.Navigate(context.Background(), 9, "https://example.org"))
	require.NoError(t, d.Reload(context.Background(), 9))
}

func TestEngineErrorSurfaces(t *testing.T) {
	engine := &fakeEngine{failOn: "Page.navigate"}
	d := newTestDriver(t, engine, nil)

	err := d.Navigate(context.Background(), 1, "https://example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine says no")
}

func TestRawTrafficIsCaptured(t *testing.T) {
	engine := &fakeEngine{}
	traffic := &recordedTraffic{}
	d := newTestDriver(t, engine, traffic)

	require.NoError(t, d.Navigate(context.Background(), 1, "https://example.org"))

	traffic.mu.Lock()
	defer traffic.mu.Unlock()
	assert.Equal(t, 1, traffic.sockets)
	// three calls, each with a send and a receive
	assert.Len(t, traffic.messages, 6)
	assert.Contains(t, traffic.messages[0], "send")
}

func TestCallsFailAfterClose(t *testing.T) {
	engine := &fakeEngine{}
	d := newTestDriver(t, engine, nil)

	require.NoError(t, d.Close())
	err := d.Navigate(context.Background(), 1, "https://example.org")
	assert.Error(t, err)
}
