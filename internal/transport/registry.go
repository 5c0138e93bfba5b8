// Package transport implements the per-session duplex WebSocket connection.
//
// One connection carries two kinds of frames. Inbound, a payload that is a
// JSON object with a "type" field is a control frame; anything else is a
// binary audio frame fed to the VAD and the session state machine. Outbound,
// pure JSON control messages (ready, state_change, llm_thinking, stop-tts)
// are sent as text, and synthesised audio is sent as a single binary message
// holding a JSON header line followed by the raw PCM bytes.
//
// Disconnection does not end the session immediately: deletion is scheduled
// after a reconnect grace window, and a reconnect within the window
// re-associates the new connection with the existing session.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleyvoice/parley/internal/manager"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/internal/vad"
	"github.com/parleyvoice/parley/pkg/audio"
)

// DefaultReconnectGrace is how long a disconnected session waits for a
// reconnect before it is deleted.
const DefaultReconnectGrace = 5 * time.Second

// Registry tracks the live connection per session and implements both the
// manager's Notifier surface and the orchestrator's Outbound surface.
// All exported methods are safe for concurrent use.
type Registry struct {
	grace   time.Duration
	metrics *observe.Metrics

	mu     sync.Mutex
	mgr    *manager.Manager
	conns  map[string]*conn
	timers map[string]*time.Timer // pending grace deletions
}

// Compile-time interface check against the manager's notifier surface.
var _ manager.Notifier = (*Registry)(nil)

// Option configures a Registry during construction.
type Option func(*Registry)

// WithReconnectGrace overrides the reconnect grace window.
func WithReconnectGrace(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithMetrics attaches the observability instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty connection registry. Bind must be called
// before serving connections.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		grace:  DefaultReconnectGrace,
		conns:  make(map[string]*conn),
		timers: make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Bind attaches the session manager. Called once during wiring; the
// registry and the manager reference each other, so construction happens in
// two steps.
func (r *Registry) Bind(m *manager.Manager) {
	r.mu.Lock()
	r.mgr = m
	r.mu.Unlock()
}

// Handler returns the WebSocket endpoint handler serving /ws/{session_id}.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{session_id}", r.handleWS)
	return mux
}

// handleWS upgrades the connection, validates the session id, and runs the
// read loop until disconnection.
func (r *Registry) handleWS(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("session_id")

	ws, err := websocket.Accept(w, req, nil)
	if err != nil {
		slog.Warn("transport: accept failed", "session_id", sessionID, "err", err)
		return
	}

	r.mu.Lock()
	mgr := r.mgr
	r.mu.Unlock()

	sess, ok := mgr.Get(sessionID)
	if !ok || sess.State() == session.StateEnded {
		_ = ws.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}
	det, _ := mgr.Detector(sessionID)

	c := newConn(sessionID, ws)
	r.attach(sessionID, c)
	slog.Info("transport: client connected", "session_id", sessionID)

	c.enqueue(websocket.MessageText, readyFrame(sessionID))

	r.readLoop(req.Context(), c, sess, det)

	r.detach(sessionID, c)
	c.close(websocket.StatusNormalClosure, "bye")
	slog.Info("transport: client disconnected", "session_id", sessionID)
}

// readLoop delivers inbound frames in arrival order until the connection
// fails or the session ends.
func (r *Registry) readLoop(ctx context.Context, c *conn, sess *session.Session, det *vad.Detector) {
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		if cf, ok := classify(data); ok {
			r.handleControl(c, sess, cf)
			continue
		}
		r.handleAudio(c, sess, det, data)
	}
}

// handleControl dispatches one inbound control frame.
func (r *Registry) handleControl(c *conn, sess *session.Session, cf controlFrame) {
	switch cf.Type {
	case "interrupt":
		sess.Post(session.UserInterrupt{})

	case "offer":
		// Media negotiation is a collaborator concern; answer synthetically
		// so client state flow is not blocked.
		c.enqueue(websocket.MessageText, answerFrame())

	case "ice-candidate":
		slog.Debug("transport: ice candidate acknowledged", "session_id", sess.ID)

	case "start-recording", "stop-recording":
		slog.Debug("transport: advisory control frame",
			"session_id", sess.ID, "type", cf.Type)

	default:
		slog.Warn("transport: unknown control frame ignored",
			"session_id", sess.ID, "type", cf.Type)
	}
}

// handleAudio feeds one inbound PCM frame to the VAD and the session.
func (r *Registry) handleAudio(c *conn, sess *session.Session, det *vad.Detector, data []byte) {
	if len(data)%2 != 0 {
		slog.Warn("transport: malformed audio frame dropped",
			"session_id", sess.ID, "len", len(data))
		r.metrics.RecordDroppedFrames(context.Background(), 1)
		return
	}
	if len(data) == 0 {
		return
	}

	if det != nil {
		if err := det.Process(data); err != nil {
			slog.Warn("transport: vad rejected frame", "session_id", sess.ID, "err", err)
			return
		}
	}

	frame := audio.AudioFrame{
		Data:       data,
		SampleRate: audio.DefaultSampleRate,
		Channels:   1,
		Timestamp:  time.Now(),
	}
	if !sess.PostAudio(frame) {
		r.metrics.RecordDroppedFrames(context.Background(), 1)
	}
}

// ---- attach / detach / grace ------------------------------------------------

// attach registers c as the session's live connection, displacing any
// previous connection and cancelling a pending grace deletion.
func (r *Registry) attach(sessionID string, c *conn) {
	r.mu.Lock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	prev := r.conns[sessionID]
	r.conns[sessionID] = c
	r.mu.Unlock()

	if prev != nil {
		prev.close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
}

// detach removes c and schedules session deletion after the grace window
// unless a new connection arrives first.
func (r *Registry) detach(sessionID string, c *conn) {
	r.mu.Lock()
	if r.conns[sessionID] != c {
		// A newer connection took over; nothing to schedule.
		r.mu.Unlock()
		return
	}
	delete(r.conns, sessionID)
	mgr := r.mgr
	r.timers[sessionID] = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		delete(r.timers, sessionID)
		_, reconnected := r.conns[sessionID]
		r.mu.Unlock()
		if !reconnected && mgr != nil {
			if mgr.Delete(sessionID) {
				slog.Info("transport: session removed after grace window",
					"session_id", sessionID)
			}
		}
	})
	r.mu.Unlock()
}

// Connected reports whether the session currently has a live connection.
func (r *Registry) Connected(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[sessionID]
	return ok
}

// lookup returns the live connection for sessionID, or nil.
func (r *Registry) lookup(sessionID string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[sessionID]
}

// ---- notifier / outbound surfaces -------------------------------------------

// NotifyTransition broadcasts a state change to the session's client.
func (r *Registry) NotifyTransition(sessionID string, tr session.Transition) {
	if c := r.lookup(sessionID); c != nil {
		c.enqueue(websocket.MessageText, stateChangeFrame(tr))
	}
}

// NotifyStopPlayback delivers the stop-tts control frame.
func (r *Registry) NotifyStopPlayback(sessionID string) {
	if c := r.lookup(sessionID); c != nil {
		c.enqueue(websocket.MessageText, stopTTSFrame())
	}
}

// SendThinking delivers the llm_thinking control frame.
func (r *Registry) SendThinking(sessionID string) {
	if c := r.lookup(sessionID); c != nil {
		c.enqueue(websocket.MessageText, thinkingFrame())
	}
}

// SendAudio delivers synthesised audio as one header+payload message.
func (r *Registry) SendAudio(sessionID string, pcm []byte, final bool) {
	if c := r.lookup(sessionID); c != nil {
		c.enqueue(websocket.MessageBinary, audioFrame(pcm, final))
	}
}

// CloseSession tears down the session's connection and cancels any pending
// grace deletion.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	c := r.conns[sessionID]
	delete(r.conns, sessionID)
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	r.mu.Unlock()

	if c != nil {
		c.close(websocket.StatusNormalClosure, "session ended")
	}
}
