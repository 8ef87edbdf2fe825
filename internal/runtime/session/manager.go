package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ctxctrl/ctxctrl/internal/metrics"
	"github.com/ctxctrl/ctxctrl/internal/policy"
	"github.com/ctxctrl/ctxctrl/internal/runtime/assemble"
	"github.com/ctxctrl/ctxctrl/internal/runtime/directive"
)

// ErrTooManySessions reports that the configured session cap is reached and
// no new session can be admitted until one is torn down or swept.
var ErrTooManySessions = errors.New("session: session limit reached")

// ErrUnknownSession reports a lookup for a session id the manager never saw
// or already tore down.
var ErrUnknownSession = errors.New("session: unknown session")

// NewID mints a sortable session identifier.
func NewID() string {
	return ulid.Make().String()
}

// ManagerConfig wires the manager's shared collaborators. Every controller
// the manager creates inherits them.
type ManagerConfig struct {
	NewStore    StoreFactory
	Parser      *directive.Parser
	Assembler   *assemble.Assembler
	Defaults    Defaults
	MaxSessions int
	IdleTTL     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Manager owns the session population. It creates controllers on demand,
// enforces the session cap, sweeps idle sessions, and fans policy reloads
// out to every controller through a shared provider.
type Manager struct {
	cfg ManagerConfig

	policyMu sync.RWMutex
	policy   *policy.Policy

	mu       sync.RWMutex
	sessions map[string]*Controller
}

// NewManager builds an empty session registry.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.NewStore == nil {
		return nil, errors.New("session: manager requires a store factory")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Controller),
	}, nil
}

// SetPolicy swaps the admission policy for all sessions, current and future.
func (m *Manager) SetPolicy(p *policy.Policy) {
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
}

func (m *Manager) currentPolicy() *policy.Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// Acquire returns the controller for id, creating it on first use. An empty
// id mints a new session.
func (m *Manager) Acquire(id string) (*Controller, error) {
	if id == "" {
		id = NewID()
	}
	m.mu.RLock()
	ctrl, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return ctrl, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ctrl, ok := m.sessions[id]; ok {
		return ctrl, nil
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	ctrl, err := NewController(ControllerConfig{
		ID:        id,
		NewStore:  m.cfg.NewStore,
		Parser:    m.cfg.Parser,
		Assembler: m.cfg.Assembler,
		Policy:    m.currentPolicy,
		Defaults:  m.cfg.Defaults,
		Logger:    m.cfg.Logger,
		Metrics:   m.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	m.sessions[id] = ctrl
	m.cfg.Metrics.SetActiveSessions(len(m.sessions))
	m.cfg.Logger.Info("session created", slog.String("session", id))
	return ctrl, nil
}

// Lookup returns an existing controller without creating one.
func (m *Manager) Lookup(id string) (*Controller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctrl, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return ctrl, nil
}

// Remove tears the session down and drops it from the registry.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	ctrl, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.cfg.Metrics.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return ctrl.Teardown(ctx)
}

// Count returns the live session population.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the live session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Sweep tears down sessions idle past the configured TTL and reports how many
// were removed. A zero IdleTTL disables sweeping.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var stale []*Controller
	for id, ctrl := range m.sessions {
		if ctrl.LastActive().Before(cutoff) {
			stale = append(stale, ctrl)
			delete(m.sessions, id)
		}
	}
	m.cfg.Metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	for _, ctrl := range stale {
		if err := ctrl.Teardown(ctx); err != nil {
			m.cfg.Logger.Warn("idle session teardown failed",
				slog.String("session", ctrl.ID()), slog.String("error", err.Error()))
		} else {
			m.cfg.Logger.Info("idle session removed", slog.String("session", ctrl.ID()))
		}
	}
	return len(stale)
}

// RunSweeper sweeps on the given interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close tears down every session. Used at shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Controller)
	m.cfg.Metrics.SetActiveSessions(0)
	m.mu.Unlock()

	var firstErr error
	for _, ctrl := range sessions {
		if err := ctrl.Teardown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
