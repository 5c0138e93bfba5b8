// Package session implements the per-session conversation engine: the
// session entity, its finite state machine, and the actor loop that
// serialises all mutation.
//
// Each session owns exactly one goroutine. Collaborators — the transport
// read loop, the voice activity detector, the turn orchestrator, timers, and
// the control surface — communicate with a session exclusively by posting
// [Event] values into its mailbox. The goroutine applies events one at a
// time, so the state machine, the audio buffer, and the metrics never see
// concurrent mutation.
//
// Hooks registered at construction are invoked on the session goroutine in
// transition order. They must not block; anything slow (service calls,
// persistence, network writes) must be handed off to another goroutine.
package session

import (
	"sync"
	"time"

	"github.com/parleyvoice/parley/pkg/audio"
)

const (
	// mailboxSize bounds the event mailbox. Control events block when the
	// mailbox is full; audio frames are dropped instead (see PostAudio).
	mailboxSize = 512

	// errorRecoveryDelay is how long a session dwells in the error state
	// before auto-recovering to idle.
	errorRecoveryDelay = 2 * time.Second

	// interruptDwell is the maximum time a session may remain interrupted
	// before returning to listening.
	interruptDwell = 200 * time.Millisecond
)

// Turn is one completed user utterance → assistant reply cycle. Turns are
// appended to the session history only on a clean speaking → idle
// transition.
type Turn struct {
	ID            string        `json:"turn_id"`
	UserText      string        `json:"user_text"`
	AssistantText string        `json:"assistant_text"`
	Citations     []string      `json:"citations,omitempty"`
	AudioDuration time.Duration `json:"audio_duration"`
	Latency       time.Duration `json:"latency"`
	CompletedAt   time.Time     `json:"completed_at"`
}

// Response is the reasoning service's reply for one turn.
type Response struct {
	Text      string
	Citations []string
}

// Transition is an immutable record of one state change.
type Transition struct {
	From      State             `json:"from"`
	To        State             `json:"to"`
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Metrics aggregates per-session counters. All fields are mutated only on
// the session goroutine; read them through [Session.Snapshot].
type Metrics struct {
	TotalTurns     int           `json:"total_turns"`
	InterruptCount int           `json:"interrupt_count"`
	ErrorCount     int           `json:"error_count"`
	DroppedFrames  int           `json:"dropped_frames"`
	AudioDuration  time.Duration `json:"audio_duration"`
	TotalLatency   time.Duration `json:"total_latency"`
}

// AvgLatency returns the mean end-to-end turn latency, or 0 with no turns.
func (m Metrics) AvgLatency() time.Duration {
	if m.TotalTurns == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.TotalTurns)
}

// Hooks are callbacks invoked by the session goroutine on specific
// transitions. Nil hooks are skipped. Hooks run synchronously in event
// order and must not block or post events from the same call stack with a
// full mailbox; long work belongs on a separate goroutine.
type Hooks struct {
	// OnTransition fires after every successful transition.
	OnTransition func(s *Session, tr Transition)

	// OnTranscribe fires on entering the transcribing state with a copy of
	// the buffered utterance PCM.
	OnTranscribe func(s *Session, pcm []byte)

	// OnInterpret fires on entering the interpreting state with the final
	// transcript text.
	OnInterpret func(s *Session, userText string)

	// OnSynthesize fires on entering the answering state with the freshly
	// allocated synthesis handle and the reply text.
	OnSynthesize func(s *Session, handle, text string)

	// OnStopSynthesis fires during the interrupt sub-protocol with the
	// handle of the synthesis to cancel ("" when none was in flight).
	OnStopSynthesis func(s *Session, handle string)

	// OnStopPlayback fires during the interrupt sub-protocol; the transport
	// should deliver a stop-playback control frame to the client.
	OnStopPlayback func(s *Session)

	// OnEnded fires once when the session reaches the terminal state.
	OnEnded func(s *Session)
}

// Session is the root per-user conversation entity. It owns the state
// machine, buffers, history, and metrics described above. Exported methods
// are safe for concurrent use; mutation is confined to the session
// goroutine.
type Session struct {
	ID       string
	TenantID string
	UserID   string
	Config   Config

	CreatedAt time.Time

	mu           sync.RWMutex
	state        State
	buffer       *audio.FrameBuffer
	transcript   string    // transcript slot: one pending transcription result
	response     *Response // response slot: one pending reasoning result
	ttsHandle    string    // present iff state ∈ {answering, speaking}
	pending      *Turn     // turn under construction
	turnStarted  time.Time // set on entering transcribing
	history      []Turn
	transitions  []Transition
	metrics      Metrics
	lastActivity time.Time
	endedAt      time.Time

	hooks   Hooks
	mailbox chan Event
	done    chan struct{}
	ended   chan struct{}
	endOnce sync.Once
	wg      sync.WaitGroup

	timerMu    sync.Mutex
	errTimer   *time.Timer
	dwellTimer *time.Timer

	now func() time.Time
}

// Option configures a Session during construction.
type Option func(*Session)

// WithHooks registers the transition callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

// WithBufferCap overrides the audio buffer's soft byte cap.
func WithBufferCap(maxBytes int) Option {
	return func(s *Session) { s.buffer = audio.NewFrameBuffer(maxBytes) }
}

// New creates a Session in the idle state with empty buffers. Call
// [Session.Start] to launch the event loop.
func New(id string, cfg Config, opts ...Option) *Session {
	s := &Session{
		ID:        id,
		TenantID:  cfg.TenantID,
		UserID:    cfg.UserID,
		Config:    cfg,
		state:     StateIdle,
		buffer:    audio.NewFrameBuffer(0),
		mailbox:   make(chan Event, mailboxSize),
		done:      make(chan struct{}),
		ended:     make(chan struct{}),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.CreatedAt = s.now().UTC()
	s.lastActivity = s.CreatedAt
	return s
}

// Start launches the session's event loop goroutine. Must be called exactly
// once, before any Post.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.run()
}

// Post enqueues ev into the session mailbox, blocking while the mailbox is
// full. Returns false if the session has ended and the event was discarded.
func (s *Session) Post(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.mailbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// PostAudio enqueues an inbound audio frame without blocking. When the
// mailbox is saturated the frame is dropped and false is returned; the
// caller should count the drop.
func (s *Session) PostAudio(frame audio.AudioFrame) bool {
	select {
	case s.mailbox <- UserAudio{Frame: frame}:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// End posts the terminal event and waits for the event loop to drain.
// Safe to call multiple times.
func (s *Session) End() {
	s.Post(EndEvent{})
	s.wg.Wait()
}

// Done returns a channel closed once the session has reached the terminal
// state and its event loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// run is the session's single execution context. It applies events in
// arrival order until the terminal state is reached.
func (s *Session) run() {
	defer s.wg.Done()
	defer s.endOnce.Do(func() { close(s.done) })
	for ev := range s.mailbox {
		if s.apply(ev) {
			return
		}
	}
}

// ---- snapshot accessors -----------------------------------------------------

// State returns the current conversation state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivity returns the time of the most recent inbound frame or
// transition.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SynthesisHandle returns the in-flight synthesis handle, or "" when no
// synthesis is pending. Non-empty exactly while the state is answering or
// speaking.
func (s *Session) SynthesisHandle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttsHandle
}

// History returns a copy of the completed turns, oldest first.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	ID           string     `json:"session_id"`
	TenantID     string     `json:"tenant_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	Config       Config     `json:"config"`
	State        State      `json:"state"`
	Metrics      Metrics    `json:"metrics"`
	TurnCount    int        `json:"turn_count"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Snapshot returns a consistent copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:           s.ID,
		TenantID:     s.TenantID,
		UserID:       s.UserID,
		Config:       s.Config,
		State:        s.state,
		Metrics:      s.metrics,
		TurnCount:    len(s.history),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

// Transitions returns a copy of the state history, oldest first.
func (s *Session) Transitions() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}
