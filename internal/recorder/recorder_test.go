package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/navigation"
	"github.com/browsertrace/browsertrace/internal/storage"
	"github.com/browsertrace/browsertrace/pkg/models"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := storage.NewSessionDB(t.TempDir(), "test-session")
	require.NoError(t, err)
	r := New("test-session", db, nil, zap.NewNop())
	t.Cleanup(func() { r.Close() })
	return r
}


func TestRunCommandRecordsStartAndEnd(t *testing.T) {
	r := newTestRecorder(t)

	result, err := r.RunCommand(context.Background(),
		CommandMeta{TabID: 1, Name: "goto", Args: `["https://example.org"]`},
		func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error) {
			assert.Equal(t, int64(1), cmd.ID)
			assert.Empty(t, previous)
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	stored, err := r.db.GetCommand(1)
	require.NoError(t, err)
	require.NotNil(t, stored.EndDate)
	assert.Equal(t, `"ok"`, stored.Result)
	assert.Equal(t, "string", stored.ResultType)
}

func TestRunCommandRecordsErrorDurably(t *testing.T) {
	r := newTestRecorder(t)

	cmdErr := errors.New("element not found")
	_, err := r.RunCommand(context.Background(), CommandMeta{TabID: 1, Name: "click"},
		func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error) {
			return nil, cmdErr
		})
	assert.ErrorIs(t, err, cmdErr)

	// exactly one row, end date set, error recorded as the result
	n, err := r.db.CountCommands()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := r.db.GetCommand(1)
	require.NoError(t, err)
	require.NotNil(t, stored.EndDate)
	assert.Equal(t, "element not found", stored.Result)
	assert.Equal(t, "error", stored.ResultType)
}

func TestCommandIDsAreMonotonic(t *testing.T) {
	r := newTestRecorder(t)

	var seen []int64
	for i := 0; i < 5; i++ {
		_, err := r.RunCommand(context.Background(), CommandMeta{TabID: 1, Name: "click"},
			func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error) {
				seen = append(seen, cmd.ID)
				assert.Len(t, previous, len(seen)-1)
				return nil, nil
			})
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
}

func TestCaptureResourceBridgesNavigation(t *testing.T) {
	r := newTestRecorder(t)
	history := r.RegisterTab(1)
	history.RecordNavigationRequested(navigation.ReasonGoto, 1, "https://example.org", 1)

	res, err := r.CaptureResource(models.ResourceEvent{
		BrowserRequestID: "req-1",
		TabID:            1,
		URL:              "https://example.org",
		Method:           "GET",
		Type:             "document",
		StatusCode:       200,
	}, true)
	require.NoError(t, err)

	id, waitErr := history.Top().Resource.Wait(context.Background())
	require.NoError(t, waitErr)
	assert.Equal(t, res.ID, id)
}

func TestOptionsPreflightDoesNotBridge(t *testing.T) {
	r := newTestRecorder(t)
	history := r.RegisterTab(1)
	history.RecordNavigationRequested(navigation.ReasonGoto, 1, "https://example.org", 1)

	_, err := r.CaptureResource(models.ResourceEvent{
		BrowserRequestID: "req-1",
		TabID:            1,
		URL:              "https://example.org",
		Method:           "OPTIONS",
		StatusCode:       204,
	}, true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, waitErr := history.Top().Resource.Wait(ctx)
	assert.ErrorIs(t, waitErr, context.DeadlineExceeded)
}

func TestCaptureResourceErrorPropagatesNavigationError(t *testing.T) {
	r := newTestRecorder(t)
	history := r.RegisterTab(1)
	history.RecordNavigationRequested(navigation.ReasonGoto, 1, "https://example.org", 1)

	navErr := errors.New("net::ERR_CONNECTION_REFUSED")
	_, err := r.CaptureResourceError(models.ResourceEvent{
		BrowserRequestID: "req-1",
		TabID:            1,
		URL:              "https://example.org",
		Method:           "GET",
	}, navErr)
	require.NoError(t, err)

	_, waitErr := history.Top().Resource.Wait(context.Background())
	assert.ErrorIs(t, waitErr, navErr)
}

func TestWebsocketReplayToLateListener(t *testing.T) {
	r := newTestRecorder(t)

	_, err := r.CaptureResource(models.ResourceEvent{
		BrowserRequestID: "ws-1", TabID: 1, URL: "wss://example.org/socket", Method: "GET",
	}, true)
	require.NoError(t, err)

	for _, payload := range []string{"one", "two", "three"} {
		require.NoError(t, r.CaptureWebsocketMessage(models.WebsocketMessageEvent{
			BrowserRequestID: "ws-1", Message: []byte(payload), FromServer: true,
		}))
	}

	resourceID, ok := r.ResourceIDForBrowserRequest("ws-1")
	require.True(t, ok)

	var got []string
	listenerID := r.OnWebsocketMessages(resourceID, func(msg models.WebsocketMessage) {
		got = append(got, string(msg.Message))
	})
	// all history replayed synchronously, in capture order
	assert.Equal(t, []string{"one", "two", "three"}, got)

	require.NoError(t, r.CaptureWebsocketMessage(models.WebsocketMessageEvent{
		BrowserRequestID: "ws-1", Message: []byte("four"), FromServer: true,
	}))
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)

	r.StopWebsocketMessages(resourceID, listenerID)
	require.NoError(t, r.CaptureWebsocketMessage(models.WebsocketMessageEvent{
		BrowserRequestID: "ws-1", Message: []byte("five"), FromServer: true,
	}))
	assert.Len(t, got, 4)
}

func TestWebsocketUnregisteredRequestDropped(t *testing.T) {
	r := newTestRecorder(t)

	err := r.CaptureWebsocketMessage(models.WebsocketMessageEvent{
		BrowserRequestID: "never-seen", Message: []byte("lost"),
	})
	assert.ErrorIs(t, err, ErrUnregisteredResource)
}

func TestOnPageEventsResolvesUnknownCommandID(t *testing.T) {
	r := newTestRecorder(t)
	history := r.RegisterTab(1)

	// command 1 navigates and its navigation reaches HttpResponded
	_, err := r.RunCommand(context.Background(), CommandMeta{TabID: 1, Name: "goto"},
		func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error) {
			history.RecordNavigationRequested(navigation.ReasonGoto, 1, "https://example.org", cmd.ID)
			return nil, nil
		})
	require.NoError(t, err)
	history.RecordLifecycleEvent(navigation.HttpResponded, time.Now())

	// a later command that did not navigate
	_, err = r.RunCommand(context.Background(), CommandMeta{TabID: 1, Name: "click"},
		func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error) {
			return nil, nil
		})
	require.NoError(t, err)

	err = r.OnPageEvents([]models.PageEventBatch{{
		TabID:     1,
		CommandID: models.CommandIDUnknown,
		DomChanges: []models.DomChange{
			{FrameID: 1, Action: "added", NodeID: 12, Timestamp: time.Now()},
		},
	}})
	require.NoError(t, err)
	// resolution scans navigation history, landing on the goto's command id
}

func TestCheckForResponsive(t *testing.T) {
	r := newTestRecorder(t)
	history := r.RegisterTab(1)
	history.RecordNavigationRequested(navigation.ReasonGoto, 1, "https://example.org", 1)

	t1 := time.Now().Add(-time.Minute)
	history.RecordLifecycleEvent(navigation.AllContentLoaded, t1)

	resp := r.CheckForResponsive()
	assert.False(t, resp.HasRecentErrors)
	require.NotNil(t, resp.LastActivityDate)
	assert.Equal(t, t1, *resp.LastActivityDate)

	// a later error with no successful activity after it
	r.CaptureError(1, 1, "page", errors.New("Uncaught TypeError"))
	resp = r.CheckForResponsive()
	assert.True(t, resp.HasRecentErrors)
}

func TestErrorPatternPromotesLogLevel(t *testing.T) {
	r := newTestRecorder(t)
	r.RegisterTab(1)

	r.CaptureLog(1, 1, "console", "info", "Uncaught ReferenceError: x is not defined")
	resp := r.CheckForResponsive()
	assert.True(t, resp.HasRecentErrors)
}

func TestCaptureAfterCloseFails(t *testing.T) {
	db, err := storage.NewSessionDB(t.TempDir(), "closing")
	require.NoError(t, err)
	r := New("closing", db, nil, zap.NewNop())
	r.RegisterTab(1)
	require.NoError(t, r.Close())

	_, err = r.CaptureResource(models.ResourceEvent{BrowserRequestID: "r", TabID: 1, URL: "https://x"}, true)
	assert.ErrorIs(t, err, ErrSessionClosed)

	err = r.OnPageEvents([]models.PageEventBatch{{TabID: 1, CommandID: 1}})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = r.RunCommand(context.Background(), CommandMeta{TabID: 1, Name: "goto"},
		func(ctx context.Context, cmd models.Command, previous []models.Command) (interface{}, error) {
			return nil, nil
		})
	assert.ErrorIs(t, err, ErrSessionClosed)

	require.NotNil(t, r.CloseDate())
}

func TestCloseUpdatesRegistry(t *testing.T) {
	dir := t.TempDir()
	reg, err := storage.NewRegistry(dir)
	require.NoError(t, err)
	defer reg.Close()

	db, err := storage.NewSessionDB(dir, "with-registry")
	require.NoError(t, err)
	meta := models.Session{ID: "with-registry", CreateDate: time.Now()}
	require.NoError(t, reg.Register(meta))

	r := New("with-registry", db, reg, zap.NewNop())
	require.NoError(t, r.Close())

	stored, err := reg.Get("with-registry")
	require.NoError(t, err)
	assert.NotNil(t, stored.CloseDate)
}
