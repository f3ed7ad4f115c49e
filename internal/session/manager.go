package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/browsertrace/browsertrace/internal/config"
	"github.com/browsertrace/browsertrace/internal/engine"
	"github.com/browsertrace/browsertrace/internal/profile"
	"github.com/browsertrace/browsertrace/internal/recorder"
	"github.com/browsertrace/browsertrace/internal/storage"
	"github.com/browsertrace/browsertrace/pkg/models"
)

// DriverFactory builds the driver for a freshly launched engine. The
// session's recorder is passed so drivers can capture raw protocol traffic.
// A nil factory (or a session without an engine) gets a no-op driver.
type DriverFactory func(connectURL string, rec *recorder.Recorder) (Driver, error)

// Manager is the session pool. Admission is a weighted semaphore: a create
// call above the concurrency bound suspends until a slot frees, it does not
// fail.
type Manager struct {
	log       *zap.Logger
	cfg       *config.Config
	launcher  engine.Launcher
	registry  *storage.Registry
	profiles  *profile.Manager
	newDriver DriverFactory
	sem       *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates the session pool. launcher may be nil to run without a
// browser engine (recording driven purely by ingested events).
func NewManager(cfg *config.Config, launcher engine.Launcher, registry *storage.Registry, profiles *profile.Manager, newDriver DriverFactory, log *zap.Logger) *Manager {
	return &Manager{
		log:       log,
		cfg:       cfg,
		launcher:  launcher,
		registry:  registry,
		profiles:  profiles,
		newDriver: newDriver,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sessions:  make(map[string]*Session),
	}
}

// CreateSession admits, launches, and registers a new session. When the pool
// is full the call blocks until another session closes or ctx is done.
func (m *Manager) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*Session, error) {
	if req.Timeout == 0 {
		req.Timeout = 3600
	}
	if req.Timeout < 60 || req.Timeout > 21600 {
		return nil, fmt.Errorf("timeout must be between 60 and 21600 seconds")
	}
	if req.Viewport.Width == 0 || req.Viewport.Height == 0 {
		req.Viewport = models.Viewport{Width: 1280, Height: 800}
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("session admission cancelled: %w", err)
	}

	s, err := m.launchSession(ctx, req)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}

	go m.handleTimeout(s)
	return s, nil
}

func (m *Manager) launchSession(ctx context.Context, req models.CreateSessionRequest) (*Session, error) {
	sessionID := uuid.New().String()
	now := time.Now()

	meta := &models.Session{
		ID:                sessionID,
		Name:              req.Name,
		Status:            models.StatusRunning,
		CreateDate:        now,
		Viewport:          req.Viewport,
		ScriptInstanceID:  req.ScriptInstanceID,
		BrowserEmulatorID: req.BrowserEmulatorID,
		HumanEmulatorID:   req.HumanEmulatorID,
		Timeout:           req.Timeout,
		ProfileID:         req.ProfileID,
	}

	var userDataDir string
	if req.ProfileID != "" {
		if _, err := m.profiles.GetProfile(req.ProfileID); err != nil {
			return nil, fmt.Errorf("profile not found: %w", err)
		}
		dir, err := m.profiles.LoadProfileData(req.ProfileID)
		if err == nil {
			userDataDir = dir
		}
		// a profile with no saved data yet starts fresh
	}

	var inst *engine.Instance
	if m.launcher != nil {
		launched, err := m.launcher.Launch(ctx, engine.LaunchOptions{
			SessionID:   sessionID,
			UserDataDir: userDataDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to launch engine: %w", err)
		}
		inst = launched
		meta.ConnectURL = inst.ConnectURL
		meta.EngineInstanceID = inst.ID
		meta.UserDataDir = inst.UserDataDir
	}

	db, err := storage.NewSessionDB(m.cfg.DataDir, sessionID)
	if err != nil {
		m.stopEngine(inst)
		return nil, err
	}
	meta.DataPath = db.Path()

	if err := db.InsertSessionMeta(*meta); err != nil {
		db.Close()
		m.stopEngine(inst)
		return nil, err
	}
	if err := m.registry.Register(*meta); err != nil {
		db.Close()
		m.stopEngine(inst)
		return nil, err
	}

	rec := recorder.New(sessionID, db, m.registry, m.log)

	var driver Driver = noopDriver{}
	if m.newDriver != nil && inst != nil {
		d, err := m.newDriver(inst.ConnectURL, rec)
		if err != nil {
			rec.Close()
			m.stopEngine(inst)
			return nil, fmt.Errorf("failed to connect driver: %w", err)
		}
		driver = d
	}

	s := newSession(meta, rec, driver, inst, m.log)

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.log.Info("session created",
		zap.String("sessionId", sessionID),
		zap.String("name", req.Name),
		zap.Int("timeout", req.Timeout))
	return s, nil
}

// GetSession looks up a live session by id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

// ListSessions returns all live sessions.
func (m *Manager) ListSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// ActiveCount returns how many sessions currently hold a pool slot.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseSession tears down a session and frees its pool slot.
func (m *Manager) CloseSession(id string) error {
	return m.closeSession(id, models.StatusClosed)
}

func (m *Manager) closeSession(id string, status models.SessionStatus) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	if s.meta.ProfileID != "" && s.meta.UserDataDir != "" {
		if err := m.profiles.SaveProfileData(s.meta.ProfileID, s.meta.UserDataDir); err != nil {
			m.log.Warn("failed to save session profile",
				zap.String("sessionId", id),
				zap.String("profileId", s.meta.ProfileID),
				zap.Error(err))
		}
	}

	s.Close(status)
	m.stopEngine(s.inst)
	m.sem.Release(1)
	return nil
}

// Shutdown closes every live session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.closeSession(id, models.StatusClosed); err != nil {
			m.log.Warn("failed to close session during shutdown",
				zap.String("sessionId", id), zap.Error(err))
		}
	}
}

func (m *Manager) stopEngine(inst *engine.Instance) {
	if inst == nil || m.launcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.launcher.Stop(ctx, inst.ID); err != nil {
		m.log.Warn("failed to stop engine",
			zap.String("sessionId", inst.SessionID), zap.Error(err))
	}
}

// handleTimeout force-closes a session once its timeout elapses.
func (m *Manager) handleTimeout(s *Session) {
	timer := time.NewTimer(time.Duration(s.meta.Timeout) * time.Second)
	defer timer.Stop()
	<-timer.C

	if err := m.closeSession(s.ID(), models.StatusTimedOut); err != nil {
		// already closed normally
		return
	}
	m.log.Info("session timed out", zap.String("sessionId", s.ID()))
}
