package navigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	return NewHistory(1, zap.NewNop())
}

func TestRecordNavigationRequested(t *testing.T) {
	h := newTestHistory(t)

	var events []Event
	h.Subscribe(func(ev Event) { events = append(events, ev) })

	entry := h.RecordNavigationRequested(ReasonGoto, 1, "https://example.org", 5)

	require.NotNil(t, entry)
	assert.Equal(t, ReasonGoto, entry.Reason)
	assert.Equal(t, int64(5), entry.StartCommandID)
	assert.Equal(t, NavigationRequested, entry.CurrentStatus())
	assert.Contains(t, entry.StateChanges, NavigationRequested)

	require.Len(t, events, 1)
	assert.Equal(t, EventNavigationRequested, events[0].Kind)
	assert.Same(t, entry, h.Top())
}

func TestLifecycleOnlyMovesForward(t *testing.T) {
	h := newTestHistory(t)
	h.RecordNavigationRequested(ReasonGoto, 1, "https://example.org", 1)

	t1 := time.Now()
	h.RecordLifecycleEvent(HttpResponded, t1)
	top := h.Top()
	assert.Equal(t, HttpResponded, top.CurrentStatus())

	// an earlier step arriving late never rewinds or rewrites state
	h.RecordLifecycleEvent(HttpRequested, t1.Add(time.Second))
	assert.Equal(t, HttpResponded, top.CurrentStatus())
	assert.Equal(t, t1, top.StateChanges[HttpRequested])
}

func TestRedirectCoalescing(t *testing.T) {
	h := newTestHistory(t)
	h.RecordNavigationRequested(ReasonGoto, 1, "https://example.org", 1)

	var announced []PipelineStatus
	h.Subscribe(func(ev Event) {
		if ev.Kind == EventStatusChange {
			announced = append(announced, ev.Status)
		}
	})

	base := time.Now()
	h.RecordLifecycleBatch([]LifecycleEvent{
		{Status: HttpRequested, Timestamp: base},
		{Status: HttpRedirected, Timestamp: base.Add(10 * time.Millisecond)},
		{Status: HttpRedirected, Timestamp: base.Add(20 * time.Millisecond)},
		{Status: HttpResponded, Timestamp: base.Add(30 * time.Millisecond)},
	})

	// one announcement, all steps recorded
	require.Equal(t, []PipelineStatus{HttpResponded}, announced)
	top := h.Top()
	assert.Contains(t, top.StateChanges, HttpRequested)
	assert.Contains(t, top.StateChanges, HttpRedirected)
	assert.Contains(t, top.StateChanges, HttpResponded)
	assert.Len(t, top.StateChanges, 4) // plus NavigationRequested
}

func TestSkippedStepsAreBackfilled(t *testing.T) {
	h := newTestHistory(t)
	h.RecordNavigationRequested(ReasonGoto, 1, "https://example.org", 1)

	ts := time.Now()
	h.RecordLifecycleEvent(DomContentLoaded, ts)

	top := h.Top()
	assert.Equal(t, ts, top.StateChanges[HttpRequested])
	assert.Equal(t, ts, top.StateChanges[HttpResponded])
	assert.Equal(t, DomContentLoaded, top.CurrentStatus())
}

func TestResourceSlotResolution(t *testing.T) {
	h := newTestHistory(t)
	h.RecordNavigationRequested(ReasonGoto, 1, "https://example.org", 1)

	h.ResourceLoadedForLocation(42, 200, nil)

	id, err := h.Top().Resource.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	// late failure does not overwrite the resolved value
	h.ResourceLoadedForLocation(0, 0, errors.New("late"))
	id, err = h.Top().Resource.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestResourceSlotFailure(t *testing.T) {
	h := newTestHistory(t)
	h.RecordNavigationRequested(ReasonGoto, 1, "https://example.org", 1)

	navErr := errors.New("net::ERR_NAME_NOT_RESOLVED")
	h.ResourceLoadedForLocation(0, 0, navErr)

	_, err := h.Top().Resource.Wait(context.Background())
	assert.ErrorIs(t, err, navErr)
	assert.ErrorIs(t, h.Top().NavigationError, navErr)
}

func TestCurrentLoadingURL(t *testing.T) {
	h := newTestHistory(t)
	assert.Empty(t, h.CurrentLoadingURL())

	h.RecordNavigationRequested(ReasonGoto, 1, "https://example.org", 1)
	assert.Equal(t, "https://example.org", h.CurrentLoadingURL())

	h.ResourceLoadedForLocation(1, 200, nil)
	assert.Empty(t, h.CurrentLoadingURL())
}

func TestTriggerForReason(t *testing.T) {
	cases := []struct {
		reason  Reason
		trigger Trigger
		ok      bool
	}{
		{ReasonReload, TriggerReload, true},
		{ReasonHttpHeaderRefresh, TriggerReload, true},
		{ReasonMetaTagRefresh, TriggerReload, true},
		{ReasonGoto, TriggerChange, true},
		{ReasonAnchorClick, TriggerChange, true},
		{ReasonFormSubmission, TriggerChange, true},
		{ReasonNewTab, "", false},
	}
	for _, tc := range cases {
		trigger, ok := TriggerForReason(tc.reason)
		assert.Equal(t, tc.ok, ok, "reason %s", tc.reason)
		assert.Equal(t, tc.trigger, trigger, "reason %s", tc.reason)
	}
}
