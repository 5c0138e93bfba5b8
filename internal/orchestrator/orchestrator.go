// Package orchestrator drives one conversation turn through the three
// external services: transcribe → reason → synthesize.
//
// The orchestrator never mutates session state directly. It is wired into a
// session's transition hooks; each hook launches the next pipeline stage on
// its own goroutine and reports the outcome back by posting events into the
// session mailbox. Every turn carries a cancellation token — an interrupt
// cancels the token and the in-flight service call aborts. Cancellation is
// absorbed silently: a cancelled stage posts nothing.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyvoice/parley/internal/clients"
	"github.com/parleyvoice/parley/internal/observe"
	"github.com/parleyvoice/parley/internal/session"
)

// historyTail is the maximum number of completed turns included as
// conversation context in a reasoning request.
const historyTail = 5

// Outbound is the transport-facing surface the orchestrator needs: client
// notifications for a session. Implementations must tolerate sessions with
// no attached connection (no-op).
type Outbound interface {
	// SendThinking tells the client the reasoning stage has started.
	SendThinking(sessionID string)

	// SendAudio delivers synthesised audio to the client.
	SendAudio(sessionID string, pcm []byte, final bool)
}

// Orchestrator sequences the three service calls for every active session.
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	transcriber clients.Transcriber
	reasoner    clients.Reasoner
	synthesizer clients.Synthesizer
	out         Outbound
	metrics     *observe.Metrics

	mu    sync.Mutex
	turns map[string]*turn // session id → active turn

	// wg tracks stage goroutines so tests can synchronise with pipeline
	// completion.
	wg sync.WaitGroup
}

// turn is the cancellation scope of one in-flight turn.
type turn struct {
	ctx    context.Context
	cancel context.CancelFunc
	handle string
}

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithMetrics attaches the observability instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator over the given service clients and outbound
// transport surface.
func New(t clients.Transcriber, r clients.Reasoner, s clients.Synthesizer, out Outbound, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transcriber: t,
		reasoner:    r,
		synthesizer: s,
		out:         out,
		turns:       make(map[string]*turn),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Hooks returns the session hook set that wires a session into this
// orchestrator. Transition broadcasting and persistence hooks are layered
// on separately by the session manager.
func (o *Orchestrator) Hooks() session.Hooks {
	return session.Hooks{
		OnTranscribe:    o.StartTurn,
		OnInterpret:     o.Interpret,
		OnSynthesize:    o.Synthesize,
		OnStopSynthesis: o.StopSynthesis,
	}
}

// StartTurn begins a new turn for a session that has just entered the
// transcribing state. Any previous turn for the same session is cancelled.
func (o *Orchestrator) StartTurn(s *session.Session, pcm []byte) {
	o.mu.Lock()
	if prev, ok := o.turns[s.ID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &turn{ctx: ctx, cancel: cancel}
	o.turns[s.ID] = t
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.transcribe(t, s, pcm)
	}()
}

// Interpret launches the reasoning stage after a non-empty transcript.
func (o *Orchestrator) Interpret(s *session.Session, userText string) {
	t := o.activeTurn(s.ID)
	if t == nil {
		slog.Warn("orchestrator: interpret without active turn", "session_id", s.ID)
		return
	}

	if o.out != nil {
		o.out.SendThinking(s.ID)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.reason(t, s, userText)
	}()
}

// Synthesize launches the synthesis stage for the reply text. If the turn
// was interrupted between the reasoning result and this call, the response
// is discarded and no synthesis request is made.
func (o *Orchestrator) Synthesize(s *session.Session, handle, text string) {
	t := o.activeTurn(s.ID)
	if t == nil {
		slog.Warn("orchestrator: synthesize without active turn", "session_id", s.ID)
		return
	}

	o.mu.Lock()
	t.handle = handle
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.synthesize(t, s, handle, text)
	}()
}

// StopSynthesis cancels the in-flight turn whose synthesis handle matches.
// An empty handle cancels the session's active turn regardless.
func (o *Orchestrator) StopSynthesis(s *session.Session, handle string) {
	o.mu.Lock()
	t, ok := o.turns[s.ID]
	if ok && (handle == "" || t.handle == "" || t.handle == handle) {
		t.cancel()
		delete(o.turns, s.ID)
	}
	o.mu.Unlock()
}

// CancelTurn aborts any in-flight turn for the session. Used on session end.
func (o *Orchestrator) CancelTurn(sessionID string) {
	o.mu.Lock()
	if t, ok := o.turns[sessionID]; ok {
		t.cancel()
		delete(o.turns, sessionID)
	}
	o.mu.Unlock()
}

// Wait blocks until all stage goroutines have finished. Test helper.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// ---- stages -----------------------------------------------------------------

func (o *Orchestrator) transcribe(t *turn, s *session.Session, pcm []byte) {
	ctx, cancel := context.WithTimeout(t.ctx, clients.TranscribeTimeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "turn.transcribe",
		trace.WithAttributes(attribute.String("session_id", s.ID)))
	defer span.End()

	start := time.Now()
	result, err := o.transcriber.Transcribe(ctx, pcm)
	o.metrics.RecordStage(ctx, "transcribe", time.Since(start))

	if o.absorbed(t, err) {
		return
	}
	if err != nil {
		o.fail(ctx, s, session.ErrTranscriptionFailed, err)
		return
	}
	s.Post(session.TranscriptionFinal{Text: result.Text})
}

func (o *Orchestrator) reason(t *turn, s *session.Session, userText string) {
	ctx, cancel := context.WithTimeout(t.ctx, clients.ReasonTimeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "turn.reason",
		trace.WithAttributes(attribute.String("session_id", s.ID)))
	defer span.End()

	req := clients.ReasonRequest{
		Messages:  buildMessages(s.History(), userText),
		TenantID:  s.TenantID,
		UserID:    s.UserID,
		SessionID: s.ID,
	}

	start := time.Now()
	result, err := o.reasoner.Reason(ctx, req)
	o.metrics.RecordStage(ctx, "reason", time.Since(start))

	if o.absorbed(t, err) {
		return
	}
	if err != nil {
		o.fail(ctx, s, session.ErrReasoningFailed, err)
		return
	}
	s.Post(session.ResponseComplete{Response: session.Response{
		Text:      result.Response,
		Citations: result.Citations,
	}})
}

func (o *Orchestrator) synthesize(t *turn, s *session.Session, handle, text string) {
	// An interrupt that landed between the reasoning result and this stage
	// discards the response outright; no synthesis request is made.
	if t.ctx.Err() != nil {
		slog.Debug("orchestrator: response discarded by interrupt", "session_id", s.ID)
		return
	}

	s.Post(session.SynthesisStarted{Handle: handle})

	ctx, cancel := context.WithTimeout(t.ctx, clients.SynthesizeTimeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "turn.synthesize",
		trace.WithAttributes(attribute.String("session_id", s.ID)))
	defer span.End()

	cfg := s.Config
	req := clients.SynthesisRequest{
		Text:          text,
		Voice:         string(cfg.Voice),
		Tone:          string(cfg.Tone),
		Energy:        string(cfg.Energy),
		Pace:          string(cfg.Pace),
		Prosody:       cfg.Prosody,
		EnableBreaths: cfg.EnableBreaths,
		EnableSSML:    cfg.EnableSSML,
	}

	start := time.Now()
	pcm, err := o.synthesizer.Synthesize(ctx, req)
	o.metrics.RecordStage(ctx, "synthesize", time.Since(start))

	if o.absorbed(t, err) {
		return
	}
	if err != nil {
		o.fail(ctx, s, session.ErrSynthesisFailed, err)
		return
	}

	if o.out != nil {
		o.out.SendAudio(s.ID, pcm, true)
	}
	s.Post(session.SynthesisComplete{AudioBytes: len(pcm)})
	o.finish(s.ID)
}

// ---- helpers ----------------------------------------------------------------

// absorbed reports whether err stems from the turn's own cancellation, in
// which case the stage exits without posting anything.
func (o *Orchestrator) absorbed(t *turn, err error) bool {
	if t.ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return true
	}
	return false
}

// fail posts an error event and closes out the turn.
func (o *Orchestrator) fail(ctx context.Context, s *session.Session, kind session.ErrorKind, err error) {
	observe.Logger(ctx).Warn("orchestrator: stage failed",
		"session_id", s.ID, "kind", string(kind), "err", err)
	o.metrics.RecordPipelineError(ctx, string(kind))
	s.Post(session.ErrorEvent{Kind: kind})
	o.finish(s.ID)
}

// finish removes and cancels the session's turn bookkeeping.
func (o *Orchestrator) finish(sessionID string) {
	o.mu.Lock()
	if t, ok := o.turns[sessionID]; ok {
		t.cancel()
		delete(o.turns, sessionID)
	}
	o.mu.Unlock()
}

// activeTurn returns the session's in-flight turn, or nil.
func (o *Orchestrator) activeTurn(sessionID string) *turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turns[sessionID]
}

// buildMessages formats the history tail as alternating user/assistant
// messages followed by the new user text.
func buildMessages(history []session.Turn, userText string) []clients.Message {
	if len(history) > historyTail {
		history = history[len(history)-historyTail:]
	}
	msgs := make([]clients.Message, 0, len(history)*2+1)
	for _, turn := range history {
		msgs = append(msgs,
			clients.Message{Role: "user", Content: turn.UserText},
			clients.Message{Role: "assistant", Content: turn.AssistantText},
		)
	}
	return append(msgs, clients.Message{Role: "user", Content: userText})
}
