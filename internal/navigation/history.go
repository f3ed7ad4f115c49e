package navigation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ResourceSlot is a one-shot value for a navigation's main HTTP resource:
// pending until the response (or a navigation error) is known.
type ResourceSlot struct {
	mu         sync.Mutex
	done       chan struct{}
	resourceID int64
	statusCode int
	err        error
	settled    bool
}

func newResourceSlot() *ResourceSlot {
	return &ResourceSlot{done: make(chan struct{})}
}

// Resolve stores the resource id. Only the first settle wins.
func (s *ResourceSlot) Resolve(resourceID int64, statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return
	}
	s.resourceID = resourceID
	s.statusCode = statusCode
	s.settled = true
	close(s.done)
}

// Fail stores the navigation error. Only the first settle wins.
func (s *ResourceSlot) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return
	}
	s.err = err
	s.settled = true
	close(s.done)
}

// Wait blocks until the slot settles or ctx is done.
func (s *ResourceSlot) Wait(ctx context.Context) (int64, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.resourceID, s.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Entry is one navigation attempt on a tab.
type Entry struct {
	FrameID         int64
	Reason          Reason
	URL             string
	StartCommandID  int64
	StateChanges    map[PipelineStatus]time.Time
	Resource        *ResourceSlot
	NavigationError error

	// index into statusOrder of the highest recorded status
	currentIdx int
}

// CurrentStatus returns the highest pipeline step this entry has reached.
func (e *Entry) CurrentStatus() PipelineStatus {
	return statusOrder[e.currentIdx]
}

// Trigger classifies this entry's reason.
func (e *Entry) Trigger() (Trigger, bool) {
	return TriggerForReason(e.Reason)
}

// EventKind distinguishes history notifications.
type EventKind int

const (
	EventNavigationRequested EventKind = iota
	EventStatusChange
)

// Event is a history notification delivered to subscribers in FIFO order.
type Event struct {
	Kind   EventKind
	Entry  *Entry
	Status PipelineStatus
	At     time.Time
}

// LifecycleEvent is one raw lifecycle status from the browser driver.
type LifecycleEvent struct {
	Status    PipelineStatus
	Timestamp time.Time
}

// History is the append-only record of navigation attempts for one tab.
// The last entry is the current navigation.
type History struct {
	mu      sync.Mutex
	tabID   int64
	entries []*Entry
	subs    []func(Event)
	log     *zap.Logger
}

// NewHistory creates an empty navigation history for a tab.
func NewHistory(tabID int64, log *zap.Logger) *History {
	return &History{tabID: tabID, log: log}
}

// TabID returns the owning tab id.
func (h *History) TabID() int64 { return h.tabID }

// Subscribe registers a notification callback. Callbacks run synchronously,
// in registration order, outside the history lock.
func (h *History) Subscribe(fn func(Event)) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

// RecordNavigationRequested appends a new navigation entry and announces it.
func (h *History) RecordNavigationRequested(reason Reason, frameID int64, url string, startCommandID int64) *Entry {
	now := time.Now()
	entry := &Entry{
		FrameID:        frameID,
		Reason:         reason,
		URL:            url,
		StartCommandID: startCommandID,
		StateChanges:   map[PipelineStatus]time.Time{NavigationRequested: now},
		Resource:       newResourceSlot(),
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	subs := append([]func(Event){}, h.subs...)
	h.mu.Unlock()

	h.log.Debug("navigation requested",
		zap.Int64("tabId", h.tabID),
		zap.String("reason", string(reason)),
		zap.String("url", url),
		zap.Int64("startCommandId", startCommandID))

	ev := Event{Kind: EventNavigationRequested, Entry: entry, At: now}
	for _, fn := range subs {
		fn(ev)
	}
	return entry
}

// RecordLifecycleEvent records a single lifecycle status on the current
// navigation. Equivalent to a one-element batch.
func (h *History) RecordLifecycleEvent(status PipelineStatus, ts time.Time) {
	h.RecordLifecycleBatch([]LifecycleEvent{{Status: status, Timestamp: ts}})
}

// RecordLifecycleBatch records a contiguous batch of lifecycle statuses on
// the current navigation. Every status in the batch lands in StateChanges
// (skipped intermediate steps inherit the timestamp of the step that revealed
// them), but only the final forward step is announced, so consecutive
// redirects collapse into the single status that follows them.
func (h *History) RecordLifecycleBatch(events []LifecycleEvent) {
	if len(events) == 0 {
		return
	}

	h.mu.Lock()
	if len(h.entries) == 0 {
		h.mu.Unlock()
		h.log.Warn("lifecycle event with no navigation", zap.Int64("tabId", h.tabID))
		return
	}
	top := h.entries[len(h.entries)-1]

	var announced bool
	var final PipelineStatus
	var finalAt time.Time
	for _, ev := range events {
		target := statusIndex(ev.Status)
		if target <= top.currentIdx {
			// already recorded; never re-record with an earlier step
			continue
		}
		for i := top.currentIdx + 1; i <= target; i++ {
			if _, ok := top.StateChanges[statusOrder[i]]; !ok {
				top.StateChanges[statusOrder[i]] = ev.Timestamp
			}
		}
		top.currentIdx = target
		announced = true
		final = ev.Status
		finalAt = ev.Timestamp
	}
	subs := append([]func(Event){}, h.subs...)
	h.mu.Unlock()

	if !announced {
		return
	}

	h.log.Debug("pipeline status",
		zap.Int64("tabId", h.tabID),
		zap.Stringer("status", final))

	ev := Event{Kind: EventStatusChange, Entry: top, Status: final, At: finalAt}
	for _, fn := range subs {
		fn(ev)
	}
}

// ResourceLoadedForLocation settles the current navigation's resource slot.
// On error the entry keeps the navigation error and pending resource waiters
// receive it.
func (h *History) ResourceLoadedForLocation(resourceID int64, statusCode int, err error) {
	h.mu.Lock()
	if len(h.entries) == 0 {
		h.mu.Unlock()
		return
	}
	top := h.entries[len(h.entries)-1]
	if err != nil {
		top.NavigationError = err
	}
	h.mu.Unlock()

	if err != nil {
		top.Resource.Fail(err)
		return
	}
	top.Resource.Resolve(resourceID, statusCode)
}

// Top returns the current navigation, or nil when none exists.
func (h *History) Top() *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[len(h.entries)-1]
}

// Entries returns a snapshot of all navigation entries in order.
func (h *History) Entries() []*Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Entry(nil), h.entries...)
}

// CurrentLoadingURL is the URL of the current navigation while its main
// resource is still pending; empty otherwise.
func (h *History) CurrentLoadingURL() string {
	top := h.Top()
	if top == nil {
		return ""
	}
	top.Resource.mu.Lock()
	settled := top.Resource.settled
	top.Resource.mu.Unlock()
	if settled {
		return ""
	}
	return top.URL
}

// LastContentLoadedAt returns the most recent AllContentLoaded timestamp
// across this tab's navigations, if any.
func (h *History) LastContentLoadedAt() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var latest time.Time
	var found bool
	for _, e := range h.entries {
		if ts, ok := e.StateChanges[AllContentLoaded]; ok && ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found
}

// LastCommandIDAtStatus scans backward for the most recent navigation that
// reached the given status and returns its start command id.
func (h *History) LastCommandIDAtStatus(status PipelineStatus) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if _, ok := h.entries[i].StateChanges[status]; ok {
			return h.entries[i].StartCommandID, true
		}
	}
	return 0, false
}

func statusIndex(status PipelineStatus) int {
	for i, s := range statusOrder {
		if s == status {
			return i
		}
	}
	return 0
}
