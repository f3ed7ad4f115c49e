// Package session owns the live session objects: tabs, their navigation
// trackers, the driver connection, and the pool manager that bounds how many
// sessions run at once.
package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/engine"
	"github.com/browsertrace/browsertrace/internal/navigation"
	"github.com/browsertrace/browsertrace/internal/recorder"
	"github.com/browsertrace/browsertrace/pkg/models"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("session: closed")

// Session is one live recorded browsing run.
type Session struct {
	log    *zap.Logger
	meta   *models.Session
	rec    *recorder.Recorder
	driver Driver
	inst   *engine.Instance

	mu         sync.Mutex
	tabs       map[int64]*Tab
	nextTabID  int64
	closed     bool
	tabWaiters []chan *Tab
}

func newSession(meta *models.Session, rec *recorder.Recorder, driver Driver, inst *engine.Instance, log *zap.Logger) *Session {
	return &Session{
		log:    log,
		meta:   meta,
		rec:    rec,
		driver: driver,
		inst:   inst,
		tabs:   make(map[int64]*Tab),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.meta.ID }

// Meta returns the session's metadata.
func (s *Session) Meta() *models.Session { return s.meta }

// Recorder exposes the session's recorder for event ingestion.
func (s *Session) Recorder() *recorder.Recorder { return s.rec }

// CreateTab opens a new tab and wires its navigation history and tracker.
// A tab the page itself opened should go through OnTabOpened instead so the
// newTab navigation is recorded.
func (s *Session) CreateTab() (*Tab, error) {
	return s.addTab("")
}

// OnTabOpened registers a tab the page opened (popup or target=_blank) and
// records its first navigation with the newTab reason, attributed to the most
// recent command.
func (s *Session) OnTabOpened(url string) (*Tab, error) {
	return s.addTab(url)
}

func (s *Session) addTab(newTabURL string) (*Tab, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextTabID++
	tabID := s.nextTabID
	history := s.rec.RegisterTab(tabID)
	tab := &Tab{
		ID:          tabID,
		MainFrameID: tabID,
		session:     s,
		history:     history,
		tracker:     navigation.NewLocationTracker(history, s.log),
	}
	s.tabs[tabID] = tab
	waiters := s.tabWaiters
	s.tabWaiters = nil
	s.mu.Unlock()

	if err := s.rec.CaptureFrameCreated(models.Frame{ID: tab.MainFrameID, TabID: tabID}); err != nil {
		s.log.Warn("failed to record main frame", zap.Int64("tabId", tabID), zap.Error(err))
	}
	if newTabURL != "" {
		history.RecordNavigationRequested(navigation.ReasonNewTab, tab.MainFrameID, newTabURL, s.rec.LastCommandID())
	}

	s.log.Debug("tab opened", zap.String("sessionId", s.meta.ID), zap.Int64("tabId", tabID))
	for _, ch := range waiters {
		ch <- tab
	}
	return tab, nil
}

// Tab looks up a tab by id.
func (s *Session) Tab(tabID int64) (*Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	return tab, ok
}

// Tabs returns all open tabs, ordered by id.
func (s *Session) Tabs() []*Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	tabs := make([]*Tab, 0, len(s.tabs))
	for id := int64(1); id <= s.nextTabID; id++ {
		if tab, ok := s.tabs[id]; ok {
			tabs = append(tabs, tab)
		}
	}
	return tabs
}

// NextTabCreated returns a channel that delivers the next tab opened on this
// session. Used by waitForNewTab.
func (s *Session) NextTabCreated() (<-chan *Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	ch := make(chan *Tab, 1)
	s.tabWaiters = append(s.tabWaiters, ch)
	return ch, nil
}

// OnNavigationRequested ingests a navigation the page started on its own
// (link click, script, meta refresh), attributed to the most recent command.
func (s *Session) OnNavigationRequested(tabID, frameID int64, reason navigation.Reason, url string) error {
	tab, ok := s.Tab(tabID)
	if !ok {
		return errors.New("session: navigation event for unknown tab")
	}
	tab.history.RecordNavigationRequested(reason, frameID, url, s.rec.LastCommandID())
	return nil
}

// OnLifecycleEvents ingests a batch of page-load lifecycle statuses for a tab.
func (s *Session) OnLifecycleEvents(tabID int64, events []navigation.LifecycleEvent) error {
	tab, ok := s.Tab(tabID)
	if !ok {
		return errors.New("session: lifecycle event for unknown tab")
	}
	tab.history.RecordLifecycleBatch(events)
	return nil
}

// Responsiveness reports whether the session looks stuck.
func (s *Session) Responsiveness() models.Responsiveness {
	return s.rec.CheckForResponsive()
}

// Close cancels every tab's pending waiters, closes the driver, and seals the
// recorder. Idempotent; the second close reports it was already done.
func (s *Session) Close(status models.SessionStatus) (alreadyClosed bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	s.closed = true
	now := time.Now()
	s.meta.Status = status
	s.meta.CloseDate = &now
	tabs := make([]*Tab, 0, len(s.tabs))
	for _, tab := range s.tabs {
		tabs = append(tabs, tab)
	}
	waiters := s.tabWaiters
	s.tabWaiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, tab := range tabs {
		tab.tracker.Cancel(navigation.ErrTrackerClosed)
	}
	s.rec.CaptureSessionLog("info", "session closing with status "+string(status))
	if err := s.driver.Close(); err != nil {
		s.log.Warn("driver close failed", zap.String("sessionId", s.meta.ID), zap.Error(err))
	}
	if err := s.rec.Close(); err != nil {
		s.log.Warn("recorder close failed", zap.String("sessionId", s.meta.ID), zap.Error(err))
	}
	s.log.Info("session closed",
		zap.String("sessionId", s.meta.ID),
		zap.String("status", string(status)))
	return false
}
