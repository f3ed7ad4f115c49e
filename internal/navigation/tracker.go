package navigation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/pkg/models"
)

// ErrTrackerClosed is returned to waiters when the owning session closes
// before their condition is met.
var ErrTrackerClosed = errors.New("navigation: session closed")

// WaitOptions tunes a wait call. The zero value uses the tracker's default
// anchor and treats a navigation started exactly at the anchor as a match.
type WaitOptions struct {
	// SinceCommandID overrides the default anchor command id
	SinceCommandID *int64
	// Exclusive requires a navigation strictly after the anchor command
	Exclusive bool
}

type waiterKind int

const (
	waitStatus waiterKind = iota
	waitTrigger
	waitAnyNavigation
)

type waiter struct {
	kind      waiterKind
	status    PipelineStatus
	trigger   Trigger
	since     int64
	inclusive bool
	ch        chan error
}

// LocationTracker is the per-tab state machine exposing "wait until the
// pipeline reaches status X" and "wait until a navigation trigger of kind Y
// occurs". Waiters are released in FIFO order.
type LocationTracker struct {
	mu           sync.Mutex
	history      *History
	defaultSince int64
	waiters      []*waiter
	closed       bool
	closeErr     error
	closedCh     chan struct{}
	log          *zap.Logger
}

// NewLocationTracker wires a tracker to a tab's navigation history.
func NewLocationTracker(history *History, log *zap.Logger) *LocationTracker {
	t := &LocationTracker{
		history:  history,
		closedCh: make(chan struct{}),
		log:      log,
	}
	history.Subscribe(t.onHistoryEvent)
	return t
}

// WillRunCommand recomputes the default wait anchor before a command runs:
// the most recent goto, or the first command after a run of waitFor*
// commands. Two waitForLocation calls in a row anchor the second at itself so
// it cannot be satisfied by the navigation the first one saw.
func (t *LocationTracker) WillRunCommand(newCommand models.Command, previousCommands []models.Command) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var last *models.Command
	for i := range previousCommands {
		cmd := &previousCommands[i]
		if cmd.Name == "goto" {
			t.defaultSince = cmd.ID
		}
		if last != nil && isWaitCommand(last.Name) && !isWaitCommand(cmd.Name) {
			t.defaultSince = cmd.ID
		}
		last = cmd
	}
	if newCommand.Name == "waitForLocation" && last != nil && last.Name == "waitForLocation" {
		t.defaultSince = newCommand.ID
	}
}

// DefaultSinceCommandID returns the current default anchor.
func (t *LocationTracker) DefaultSinceCommandID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.defaultSince
}

// WaitForLocation suspends until a navigation whose reason maps to the given
// trigger starts at or after the anchor command. Resolves immediately when
// history already contains such a navigation.
func (t *LocationTracker) WaitForLocation(ctx context.Context, trigger Trigger, opts WaitOptions) error {
	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return err
	}
	anchor, inclusive := t.resolveAnchor(opts)
	if t.triggerSatisfiedLocked(trigger, anchor, inclusive) {
		t.mu.Unlock()
		return nil
	}
	w := &waiter{kind: waitTrigger, trigger: trigger, since: anchor, inclusive: inclusive, ch: make(chan error, 1)}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	return t.await(ctx, w)
}

// WaitForLoad suspends until the current navigation's pipeline reaches the
// given status. A step already passed resolves immediately.
func (t *LocationTracker) WaitForLoad(ctx context.Context, status PipelineStatus) error {
	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return err
	}
	if top := t.history.Top(); top != nil && statusIndex(top.CurrentStatus()) >= statusIndex(status) {
		t.mu.Unlock()
		return nil
	}
	w := &waiter{kind: waitStatus, status: status, ch: make(chan error, 1)}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	return t.await(ctx, w)
}

// WaitForReady resolves once DOM content has loaded if a navigation exists,
// and immediately when the tab has never navigated.
func (t *LocationTracker) WaitForReady(ctx context.Context) error {
	if t.history.Top() == nil {
		return nil
	}
	return t.WaitForLoad(ctx, DomContentLoaded)
}

// WaitForLocationResourceID suspends until the current navigation's main
// resource id is known, or fails with the stored navigation error. With no
// existing navigation it first waits for one to be created.
func (t *LocationTracker) WaitForLocationResourceID(ctx context.Context) (int64, error) {
	top := t.history.Top()
	if top == nil {
		if err := t.waitForAnyNavigation(ctx); err != nil {
			return 0, err
		}
		top = t.history.Top()
	}

	select {
	case <-top.Resource.done:
		top.Resource.mu.Lock()
		defer top.Resource.mu.Unlock()
		return top.Resource.resourceID, top.Resource.err
	case <-t.closedCh:
		t.mu.Lock()
		err := t.closeErr
		t.mu.Unlock()
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Cancel fails every pending waiter and all future wait calls. Used on
// session close so navigation waits never hang forever.
func (t *LocationTracker) Cancel(err error) {
	if err == nil {
		err = ErrTrackerClosed
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	pending := t.waiters
	t.waiters = nil
	close(t.closedCh)
	t.mu.Unlock()

	if len(pending) > 0 {
		t.log.Debug("cancelling pending navigation waiters",
			zap.Int64("tabId", t.history.TabID()),
			zap.Int("count", len(pending)))
	}
	for _, w := range pending {
		w.ch <- err
	}
}

func (t *LocationTracker) waitForAnyNavigation(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return err
	}
	if t.history.Top() != nil {
		t.mu.Unlock()
		return nil
	}
	w := &waiter{kind: waitAnyNavigation, ch: make(chan error, 1)}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	return t.await(ctx, w)
}

func (t *LocationTracker) await(ctx context.Context, w *waiter) error {
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		t.removeWaiter(w)
		return ctx.Err()
	}
}

func (t *LocationTracker) removeWaiter(w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, other := range t.waiters {
		if other == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}

func (t *LocationTracker) resolveAnchor(opts WaitOptions) (anchor int64, inclusive bool) {
	anchor = t.defaultSince
	if opts.SinceCommandID != nil {
		anchor = *opts.SinceCommandID
	}
	return anchor, !opts.Exclusive
}

// triggerSatisfiedLocked scans the navigation history for an entry at/after
// the anchor whose reason maps to the requested trigger. A newTab navigation
// never satisfies a trigger wait.
func (t *LocationTracker) triggerSatisfiedLocked(trigger Trigger, anchor int64, inclusive bool) bool {
	for _, entry := range t.history.Entries() {
		if entryMatchesTrigger(entry, trigger, anchor, inclusive) {
			return true
		}
	}
	return false
}

func entryMatchesTrigger(entry *Entry, trigger Trigger, anchor int64, inclusive bool) bool {
	entryTrigger, ok := entry.Trigger()
	if !ok || entryTrigger != trigger {
		return false
	}
	if inclusive {
		return entry.StartCommandID >= anchor
	}
	return entry.StartCommandID > anchor
}

// onHistoryEvent releases satisfied waiters in FIFO order. A coalesced batch
// announces only its final status, so waiters for an intermediate redirect
// are only woken when the redirect itself is the announced status.
func (t *LocationTracker) onHistoryEvent(ev Event) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var released []*waiter
	remaining := t.waiters[:0]
	for _, w := range t.waiters {
		if waiterSatisfied(w, ev) {
			released = append(released, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	t.waiters = remaining
	t.mu.Unlock()

	for _, w := range released {
		w.ch <- nil
	}
}

func waiterSatisfied(w *waiter, ev Event) bool {
	switch w.kind {
	case waitAnyNavigation:
		return ev.Kind == EventNavigationRequested
	case waitTrigger:
		return ev.Kind == EventNavigationRequested &&
			entryMatchesTrigger(ev.Entry, w.trigger, w.since, w.inclusive)
	case waitStatus:
		if ev.Kind != EventStatusChange {
			return false
		}
		if w.status == HttpRedirected {
			return ev.Status == HttpRedirected
		}
		return statusIndex(ev.Status) >= statusIndex(w.status)
	default:
		return false
	}
}

func isWaitCommand(name string) bool {
	return strings.HasPrefix(name, "waitFor")
}
