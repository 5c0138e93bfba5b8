package session

import "github.com/parleyvoice/parley/pkg/audio"

// Event is a message posted into a session's mailbox. All session mutation
// happens by applying events on the session's own goroutine; collaborators
// (transport, VAD, orchestrator, timers, control surface) only post.
type Event interface {
	// eventName is the label recorded on transitions caused by this event.
	eventName() string
}

// VADStarted signals that the voice activity detector observed the start of
// a speech region.
type VADStarted struct{}

func (VADStarted) eventName() string { return "vad_started" }

// VADEnded signals that the silence window elapsed after a speech region.
type VADEnded struct{}

func (VADEnded) eventName() string { return "vad_ended" }

// UserAudio carries one inbound PCM frame from the transport.
type UserAudio struct {
	Frame audio.AudioFrame
}

func (UserAudio) eventName() string { return "user_audio" }

// UserInterrupt is an explicit interrupt request, equivalent to speech
// detected while the session is speaking.
type UserInterrupt struct{}

func (UserInterrupt) eventName() string { return "user_interrupt" }

// TranscriptionFinal delivers the transcription service's result for the
// buffered utterance.
type TranscriptionFinal struct {
	Text string
}

func (TranscriptionFinal) eventName() string { return "transcription_final" }

// ResponseComplete delivers the reasoning service's reply.
type ResponseComplete struct {
	Response Response
}

func (ResponseComplete) eventName() string { return "llm_response_complete" }

// SynthesisStarted confirms that synthesis began for the given handle.
type SynthesisStarted struct {
	Handle string
}

func (SynthesisStarted) eventName() string { return "tts_started" }

// SynthesisComplete signals that the synthesised reply was fully delivered.
type SynthesisComplete struct {
	AudioBytes int
}

func (SynthesisComplete) eventName() string { return "tts_complete" }

// ErrorEvent reports a turn-local pipeline failure.
type ErrorEvent struct {
	Kind ErrorKind
}

func (ErrorEvent) eventName() string { return "error" }

// EndEvent finalises the session.
type EndEvent struct{}

func (EndEvent) eventName() string { return "end" }

// errorRecoveryElapsed is posted by the session's own timer 2 s after
// entering the error state.
type errorRecoveryElapsed struct{}

func (errorRecoveryElapsed) eventName() string { return "error_recovered" }

// interruptDwellElapsed is posted by the session's own timer 200 ms after
// entering the interrupted state.
type interruptDwellElapsed struct{}

func (interruptDwellElapsed) eventName() string { return "interrupt_dwell" }
