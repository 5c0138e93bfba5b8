// Package manager maintains the registry of active sessions: creation,
// lookup, deletion, listing, and idle expiry. It is the only structure
// shared across sessions; everything else is session-scoped.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/orchestrator"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/internal/vad"
)

const (
	// DefaultIdleTimeout is the last-activity age past which cleanup removes
	// a session.
	DefaultIdleTimeout = time.Hour

	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute
)

// Notifier is the transport surface the manager drives: client-facing state
// broadcasts and connection teardown. Implementations must no-op for
// sessions with no attached connection.
type Notifier interface {
	// NotifyTransition broadcasts a state change to the session's client.
	NotifyTransition(sessionID string, tr session.Transition)

	// NotifyStopPlayback tells the client to stop audio playback.
	NotifyStopPlayback(sessionID string)

	// CloseSession tears down the session's connection, if any.
	CloseSession(sessionID string)
}

// Recorder is the durable sink surface. All methods must be non-blocking
// and best-effort.
type Recorder interface {
	RecordSession(snap session.Snapshot)
	RecordTurn(sessionID string, turn session.Turn)
	RecordTransition(sessionID string, tr session.Transition)
}

// Config holds the manager's tuning parameters. Zero values select the
// package defaults.
type Config struct {
	// VADThreshold is the base energy threshold scaled per session by its
	// vad_sensitivity.
	VADThreshold float64

	// VADSilenceWindow ends an utterance after this much silence.
	VADSilenceWindow time.Duration

	// BufferCap is the per-session audio buffer soft cap in bytes.
	BufferCap int

	// IdleTimeout is the last-activity age bound used by the cleanup loop.
	IdleTimeout time.Duration

	// CleanupInterval is the cadence of the background cleanup loop.
	CleanupInterval time.Duration
}

// entry pairs a session with its per-stream detector.
type entry struct {
	sess *session.Session
	det  *vad.Detector
}

// Manager is the cross-session registry. All exported methods are safe for
// concurrent use; List and Cleanup operate on a consistent snapshot.
type Manager struct {
	cfg      Config
	orch     *orchestrator.Orchestrator
	notifier Notifier
	recorder Recorder
	metrics  *observe.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a Manager. orch, notifier, and recorder may be nil in tests;
// nil collaborators are skipped.
func New(cfg Config, orch *orchestrator.Orchestrator, notifier Notifier, recorder Recorder, metrics *observe.Metrics) *Manager {
	if cfg.VADThreshold <= 0 {
		cfg.VADThreshold = vad.DefaultThreshold
	}
	if cfg.VADSilenceWindow <= 0 {
		cfg.VADSilenceWindow = vad.DefaultSilenceWindow
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Manager{
		cfg:      cfg,
		orch:     orch,
		notifier: notifier,
		recorder: recorder,
		metrics:  metrics,
		entries:  make(map[string]*entry),
	}
}

// Create builds a session from cfg with a freshly generated id, wires its
// hooks, starts its event loop, and registers it.
func (m *Manager) Create(cfg session.Config) (*session.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sess := session.New(id, cfg,
		session.WithHooks(m.hooks()),
		session.WithBufferCap(m.cfg.BufferCap),
	)

	det := vad.New(vad.Config{
		Threshold:     vad.EffectiveThreshold(m.cfg.VADThreshold, cfg.VADSensitivity),
		SilenceWindow: m.cfg.VADSilenceWindow,
	}, vad.Events{
		OnSpeechStart: func() { sess.Post(session.VADStarted{}) },
		OnSpeechEnd:   func() { sess.Post(session.VADEnded{}) },
	})

	m.mu.Lock()
	m.entries[id] = &entry{sess: sess, det: det}
	m.mu.Unlock()

	sess.Start()
	m.metrics.SessionOpened(context.Background())
	if m.recorder != nil {
		m.recorder.RecordSession(sess.Snapshot())
	}

	slog.Info("session created",
		"session_id", id,
		"tenant_id", cfg.TenantID,
		"user_id", cfg.UserID,
		"voice", cfg.Voice,
	)
	return sess, nil
}

// Get returns the session for id, or nil, false.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Detector returns the VAD detector paired with the session.
func (m *Manager) Detector(id string) (*vad.Detector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.det, true
}

// Delete finalises and removes the session for id. Returns true if a
// session was removed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.teardown(e)
	slog.Info("session deleted", "session_id", id)
	return true
}

// List returns snapshots of all sessions that have not ended.
func (m *Manager) List() []session.Snapshot {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]session.Snapshot, 0, len(entries))
	for _, e := range entries {
		snap := e.sess.Snapshot()
		if snap.State != session.StateEnded {
			out = append(out, snap)
		}
	}
	return out
}

// Cleanup removes every session whose last-activity age exceeds maxIdle
// and returns the count removed.
func (m *Manager) Cleanup(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var expired []*entry
	for id, e := range m.entries {
		if e.sess.LastActivity().Before(cutoff) {
			delete(m.entries, id)
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.teardown(e)
		slog.Info("session expired", "session_id", e.sess.ID)
	}
	return len(expired)
}

// RunCleanup invokes Cleanup on the configured cadence until ctx is done.
func (m *Manager) RunCleanup(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.Cleanup(m.cfg.IdleTimeout); n > 0 {
				slog.Info("cleanup removed idle sessions", "count", n)
			}
		}
	}
}

// teardown finalises a session that has already been unregistered.
func (m *Manager) teardown(e *entry) {
	if m.orch != nil {
		m.orch.CancelTurn(e.sess.ID)
	}
	e.det.Close()
	e.sess.End()
	if m.notifier != nil {
		m.notifier.CloseSession(e.sess.ID)
	}
	m.metrics.SessionClosed(context.Background())
}

// hooks composes the orchestrator pipeline hooks with transport broadcast
// and durable persistence.
func (m *Manager) hooks() session.Hooks {
	var h session.Hooks
	if m.orch != nil {
		h = m.orch.Hooks()
	}

	h.OnStopPlayback = func(s *session.Session) {
		if m.notifier != nil {
			m.notifier.NotifyStopPlayback(s.ID)
		}
	}

	h.OnTransition = func(s *session.Session, tr session.Transition) {
		if m.notifier != nil {
			m.notifier.NotifyTransition(s.ID, tr)
		}
		if m.recorder != nil {
			m.recorder.RecordTransition(s.ID, tr)
			m.recorder.RecordSession(s.Snapshot())
		}
		switch {
		case tr.To == session.StateInterrupted:
			m.metrics.RecordInterrupt(context.Background())
		case tr.From == session.StateSpeaking && tr.To == session.StateIdle:
			if turns := s.History(); len(turns) > 0 {
				last := turns[len(turns)-1]
				if m.recorder != nil {
					m.recorder.RecordTurn(s.ID, last)
				}
				m.metrics.RecordTurn(context.Background(), last.Latency)
			}
		}
	}

	h.OnEnded = func(s *session.Session) {
		if m.recorder != nil {
			m.recorder.RecordSession(s.Snapshot())
		}
	}
	return h
}
