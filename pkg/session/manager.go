// Package session owns all mutable session state: a bounded hot cache
// over the persistent store, per-session write serialisation, and the
// expiry rule. Other components borrow sessions through this manager
// and never mutate them behind its back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deepthink-mcp/deepthink/pkg/models"
	"github.com/deepthink-mcp/deepthink/pkg/store"
)

var (
	// ErrSessionNotFound indicates the session id is unknown
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session idled past its timeout
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionTerminal indicates the session is completed, failed, or
	// expired and accepts no further mutation
	ErrSessionTerminal = errors.New("session is terminal")

	// ErrSessionLimit indicates max_sessions active sessions already exist
	ErrSessionLimit = errors.New("session limit reached")
)

// Manager is the authoritative gatekeeper for session state.
type Manager struct {
	store       *store.SessionStore
	cache       *lru.Cache[string, *models.Session]
	timeout     time.Duration
	maxSessions int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a session manager with a bounded write-through
// cache. On eviction the persistent store remains authoritative.
func NewManager(st *store.SessionStore, cacheSize, maxSessions int, timeout time.Duration) (*Manager, error) {
	cache, err := lru.New[string, *models.Session](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &Manager{
		store:       st,
		cache:       cache,
		timeout:     timeout,
		maxSessions: maxSessions,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// Lock acquires the per-session mutex and returns its unlock function.
// Tool handlers hold it for a whole call so per-session operations
// linearise even when the host pipelines requests. Locks for different
// sessions never contend.
func (m *Manager) Lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Create builds, persists, and caches a new active session.
func (m *Manager) Create(ctx context.Context, topic, flowType string, sessionContext map[string]any) (*models.Session, error) {
	active, err := m.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if active >= m.maxSessions {
		return nil, fmt.Errorf("%w: %d active sessions", ErrSessionLimit, active)
	}

	session := models.NewSession(uuid.New().String(), topic, flowType, sessionContext)
	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	m.cache.Add(session.ID, session)

	slog.Info("Session created", "session_id", session.ID, "flow_type", flowType)
	return session, nil
}

// Get returns the live session record. Callers must hold the session
// lock. The expiry rule is applied on every touch: a stale active
// session is marked expired and reported as such. When touch is true
// (an MCP tool is reading) updated_at is refreshed; internal readers
// pass false.
func (m *Manager) Get(ctx context.Context, sessionID string, touch bool) (*models.Session, error) {
	session, ok := m.cache.Get(sessionID)
	if !ok {
		loaded, err := m.store.LoadSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
			}
			return nil, err
		}
		session = loaded
		m.cache.Add(sessionID, session)
	}

	if session.Status == models.SessionStatusActive && time.Since(session.UpdatedAt) > m.timeout {
		if err := m.markStatus(ctx, session, models.SessionStatusExpired); err != nil {
			return nil, err
		}
		slog.Info("Session expired on touch", "session_id", sessionID)
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}

	if touch && session.Status == models.SessionStatusActive {
		if err := m.store.TouchSession(ctx, sessionID); err != nil {
			return nil, err
		}
		session.Touch(time.Now())
	}

	return session, nil
}

// DropFromCache evicts a session from the hot cache. The store remains
// authoritative; the next Get reloads.
func (m *Manager) DropFromCache(sessionID string) {
	m.cache.Remove(sessionID)
}

// RecordStepResult persists one step execution and mirrors it into the
// in-memory record. Callers must hold the session lock.
func (m *Manager) RecordStepResult(ctx context.Context, session *models.Session, result models.StepResult) error {
	if session.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, session.ID)
	}
	if err := m.store.AppendStepResult(ctx, session.ID, result); err != nil {
		return err
	}
	session.SetResult(result)
	if result.QualityScore != nil {
		session.QualityScores[result.StepName] = *result.QualityScore
	}
	session.Touch(time.Now())
	return nil
}

// SetOutput records a step's structured output for later for_each
// resolution. Derived state only: the authoritative copy lives on the
// step rows and is rebuilt on load.
func (m *Manager) SetOutput(session *models.Session, stepName string, output any) {
	session.StepOutputs[stepName] = output
}

// SetCurrentStep moves the session cursor. Callers must hold the
// session lock.
func (m *Manager) SetCurrentStep(ctx context.Context, session *models.Session, stepName string, iteration, stepNumber int) error {
	if err := m.store.UpdateCurrentStep(ctx, session.ID, stepName, iteration, stepNumber); err != nil {
		return err
	}
	session.CurrentStep = stepName
	session.CurrentIteration = iteration
	session.StepNumber = stepNumber
	session.Touch(time.Now())
	return nil
}

// MarkCompleted transitions the session to completed.
func (m *Manager) MarkCompleted(ctx context.Context, session *models.Session) error {
	return m.markStatus(ctx, session, models.SessionStatusCompleted)
}

// MarkFailed transitions the session to failed.
func (m *Manager) MarkFailed(ctx context.Context, session *models.Session) error {
	return m.markStatus(ctx, session, models.SessionStatusFailed)
}

func (m *Manager) markStatus(ctx context.Context, session *models.Session, status models.SessionStatus) error {
	if err := m.store.MarkStatus(ctx, session.ID, status); err != nil {
		return err
	}
	session.Status = status
	session.Touch(time.Now())
	return nil
}

// ExpireStale marks every active session older than the timeout as
// expired and drops it from the hot cache. Called by the periodic sweep
// and safe to run concurrently with tool calls.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := m.store.ListExpired(ctx, now.Add(-m.timeout))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		unlock := m.Lock(id)
		err := m.store.MarkStatus(ctx, id, models.SessionStatusExpired)
		if err == nil {
			m.cache.Remove(id)
			expired++
		}
		unlock()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return expired, err
		}
	}
	return expired, nil
}
