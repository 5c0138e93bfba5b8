package session

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyvoice/parley/pkg/audio"
)

// apply processes one event atomically. It returns true once the session
// has reached the terminal state and the event loop should stop.
//
// Mutation happens under the write lock; hook invocations are collected and
// run after the lock is released so that hooks may read snapshots without
// deadlocking. Because apply only ever runs on the session goroutine, hook
// order still matches transition order.
func (s *Session) apply(ev Event) (terminal bool) {
	var after []func()

	s.mu.Lock()
	switch ev := ev.(type) {
	case VADStarted:
		after = s.handleVADStarted()
	case VADEnded:
		after = s.handleVADEnded()
	case UserAudio:
		after = s.handleUserAudio(ev.Frame)
	case UserInterrupt:
		after = s.handleInterrupt("user_interrupt")
	case TranscriptionFinal:
		after = s.handleTranscriptionFinal(ev.Text)
	case ResponseComplete:
		after = s.handleResponseComplete(ev.Response)
	case SynthesisStarted:
		after = s.handleSynthesisStarted(ev.Handle)
	case SynthesisComplete:
		after = s.handleSynthesisComplete(ev.AudioBytes)
	case ErrorEvent:
		after = s.handleError(ev.Kind)
	case errorRecoveryElapsed:
		if s.state == StateError {
			after = s.transition(StateIdle, "error_recovered", nil)
		}
	case interruptDwellElapsed:
		if s.state == StateInterrupted {
			after = s.transition(StateListening, "interrupt_dwell", nil)
		}
	case EndEvent:
		after = s.handleEnd()
		terminal = true
	default:
		slog.Warn("session: unknown event", "session_id", s.ID, "event", ev.eventName())
	}
	s.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	return terminal
}

// ---- event handlers (all called with s.mu held) ----------------------------

func (s *Session) handleVADStarted() []func() {
	switch s.state {
	case StateIdle:
		return s.transition(StateListening, "vad_started", nil)
	case StateAnswering, StateSpeaking:
		return s.handleInterrupt("vad_started")
	default:
		return nil
	}
}

func (s *Session) handleVADEnded() []func() {
	if s.state != StateListening {
		return nil
	}
	if s.buffer.Empty() {
		return s.transition(StateIdle, "vad_ended", nil)
	}
	return s.transition(StateTranscribing, "vad_ended", nil)
}

func (s *Session) handleUserAudio(frame audio.AudioFrame) []func() {
	s.lastActivity = s.now()

	var after []func()
	if s.state == StateIdle {
		after = s.transition(StateListening, "user_audio", nil)
	}
	// The buffer only fills while listening; frames arriving in any other
	// state have already been consumed by the VAD for barge-in detection.
	if s.state == StateListening {
		s.metrics.DroppedFrames += s.buffer.Append(frame)
	}
	return after
}

// handleInterrupt runs the interrupt sub-protocol: move to interrupted,
// stop any in-flight synthesis, tell the transport to stop playback, and
// arm the dwell timer that returns the session to listening.
func (s *Session) handleInterrupt(cause string) []func() {
	if s.state != StateAnswering && s.state != StateSpeaking {
		slog.Debug("session: interrupt ignored", "session_id", s.ID, "state", s.state)
		return nil
	}

	handle := s.ttsHandle
	md := map[string]string{"pre_state": string(s.state)}
	after := s.transition(StateInterrupted, cause, md)

	if s.hooks.OnStopSynthesis != nil {
		after = append(after, func() { s.hooks.OnStopSynthesis(s, handle) })
	}
	if s.hooks.OnStopPlayback != nil {
		after = append(after, func() { s.hooks.OnStopPlayback(s) })
	}
	s.armDwellTimer()
	return after
}

func (s *Session) handleTranscriptionFinal(text string) []func() {
	if s.state != StateTranscribing {
		slog.Debug("session: stale transcription result", "session_id", s.ID, "state", s.state)
		return nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		// Nothing intelligible was said; resume listening.
		return s.transition(StateListening, "transcription_final", nil)
	}

	s.transcript = text
	s.pending = &Turn{ID: uuid.NewString(), UserText: text}

	after := s.transition(StateInterpreting, "transcription_final", nil)
	if s.hooks.OnInterpret != nil {
		after = append(after, func() { s.hooks.OnInterpret(s, text) })
	}
	return after
}

func (s *Session) handleResponseComplete(resp Response) []func() {
	if s.state != StateInterpreting {
		slog.Debug("session: stale reasoning result", "session_id", s.ID, "state", s.state)
		return nil
	}

	r := resp
	s.response = &r
	if s.pending != nil {
		s.pending.AssistantText = resp.Text
		s.pending.Citations = resp.Citations
	}

	// The synthesis handle is allocated on entering answering so that it is
	// present for the whole answering + speaking window.
	handle := uuid.NewString()
	after := s.transition(StateAnswering, "llm_response_complete", nil)
	s.ttsHandle = handle

	if s.hooks.OnSynthesize != nil {
		text := resp.Text
		after = append(after, func() { s.hooks.OnSynthesize(s, handle, text) })
	}
	return after
}

func (s *Session) handleSynthesisStarted(handle string) []func() {
	if s.state != StateAnswering {
		slog.Debug("session: stale synthesis start", "session_id", s.ID, "state", s.state)
		return nil
	}
	if handle != s.ttsHandle {
		slog.Warn("session: synthesis handle mismatch",
			"session_id", s.ID, "got", handle, "want", s.ttsHandle)
		return nil
	}
	return s.transition(StateSpeaking, "tts_started", nil)
}

func (s *Session) handleSynthesisComplete(audioBytes int) []func() {
	if s.state != StateSpeaking {
		slog.Debug("session: stale synthesis completion", "session_id", s.ID, "state", s.state)
		return nil
	}

	now := s.now()
	if s.pending != nil {
		turn := *s.pending
		turn.AudioDuration = audio.PCMDuration(audioBytes, audio.DefaultSampleRate, 1)
		turn.Latency = now.Sub(s.turnStarted)
		turn.CompletedAt = now.UTC()
		s.history = append(s.history, turn)

		s.metrics.TotalTurns++
		s.metrics.AudioDuration += turn.AudioDuration
		s.metrics.TotalLatency += turn.Latency
	}
	return s.transition(StateIdle, "tts_complete", nil)
}

func (s *Session) handleError(kind ErrorKind) []func() {
	if !CanTransition(s.state, StateError) {
		slog.Warn("session: error event in non-pipeline state",
			"session_id", s.ID, "state", s.state, "kind", kind)
		return nil
	}
	s.metrics.ErrorCount++
	after := s.transition(StateError, "error", map[string]string{"kind": string(kind)})
	s.armErrorTimer()
	return after
}

func (s *Session) handleEnd() []func() {
	s.stopTimers()
	var after []func()
	if s.state != StateEnded {
		after = s.transition(StateEnded, "end", nil)
	}
	s.endedAt = s.now().UTC()
	if s.hooks.OnEnded != nil {
		after = append(after, func() { s.hooks.OnEnded(s) })
	}
	return after
}

// ---- transition machinery ---------------------------------------------------

// transition attempts the current-state → to edge. Illegal edges are logged
// and leave the session untouched. On success it records the transition,
// runs entry/exit housekeeping, and returns the hook thunks to invoke once
// the lock is released.
func (s *Session) transition(to State, event string, md map[string]string) []func() {
	from := s.state

	if !from.IsValid() {
		// A state outside the table is a programming invariant violation;
		// force the session to the terminal state and log loudly.
		slog.Error("session: state not in transition table — forcing end",
			"session_id", s.ID, "state", from)
		to = StateEnded
	} else if to != StateEnded && !CanTransition(from, to) {
		slog.Warn("session: invalid transition ignored",
			"session_id", s.ID, "from", from, "to", to, "event", event)
		return nil
	}

	now := s.now()
	tr := Transition{From: from, To: to, Event: event, Timestamp: now.UTC(), Metadata: md}
	s.transitions = append(s.transitions, tr)
	s.state = to
	s.lastActivity = now

	// Exit housekeeping.
	if from == StateTranscribing {
		// The utterance buffer is drained whenever transcription completes,
		// successfully or not.
		s.buffer.Clear()
	}
	if (from == StateAnswering || from == StateSpeaking) &&
		to != StateAnswering && to != StateSpeaking {
		s.ttsHandle = ""
	}

	// Entry housekeeping.
	switch to {
	case StateTranscribing:
		s.turnStarted = now
	case StateInterrupted:
		s.metrics.InterruptCount++
		s.clearTurnState()
	case StateIdle, StateError, StateEnded:
		s.clearTurnState()
	}

	slog.Debug("session: transition",
		"session_id", s.ID, "from", from, "to", to, "event", event)

	var after []func()
	if s.hooks.OnTransition != nil {
		after = append(after, func() { s.hooks.OnTransition(s, tr) })
	}
	if to == StateTranscribing && s.hooks.OnTranscribe != nil {
		pcm := s.buffer.PCM()
		after = append(after, func() { s.hooks.OnTranscribe(s, pcm) })
	}
	return after
}

// clearTurnState drops the transcript slot, response slot, and the turn
// under construction. Called whenever a turn ends for any reason.
func (s *Session) clearTurnState() {
	s.transcript = ""
	s.response = nil
	s.pending = nil
}

// ---- timers -----------------------------------------------------------------

func (s *Session) armErrorTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	s.errTimer = time.AfterFunc(errorRecoveryDelay, func() {
		s.Post(errorRecoveryElapsed{})
	})
}

func (s *Session) armDwellTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.dwellTimer != nil {
		s.dwellTimer.Stop()
	}
	s.dwellTimer = time.AfterFunc(interruptDwell, func() {
		s.Post(interruptDwellElapsed{})
	})
}

func (s *Session) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
	if s.dwellTimer != nil {
		s.dwellTimer.Stop()
		s.dwellTimer = nil
	}
}
