package session

// State is one of the nine conversation states a session moves through.
type State string

const (
	// StateIdle: no utterance in progress, nothing playing.
	StateIdle State = "idle"

	// StateListening: inbound speech is being captured into the audio buffer.
	StateListening State = "listening"

	// StateTranscribing: the captured utterance is at the transcription service.
	StateTranscribing State = "transcribing"

	// StateInterpreting: the transcript is at the reasoning service.
	StateInterpreting State = "interpreting"

	// StateAnswering: a response is ready and synthesis is about to start.
	StateAnswering State = "answering"

	// StateSpeaking: synthesised audio is streaming to the client.
	StateSpeaking State = "speaking"

	// StateInterrupted: the user barged in; playback is being torn down.
	StateInterrupted State = "interrupted"

	// StateError: a pipeline stage failed; the session recovers to idle shortly.
	StateError State = "error"

	// StateEnded: terminal. The session is finished and will be removed.
	StateEnded State = "ended"
)

// IsValid reports whether s is one of the nine recognised states.
func (s State) IsValid() bool {
	_, ok := legalTransitions[s]
	return ok || s == StateEnded
}

// Terminal reports whether s is the terminal state.
func (s State) Terminal() bool { return s == StateEnded }

// legalTransitions is the authoritative transition table. A transition is
// permitted iff the target state appears in the set keyed by the source
// state. Anything else is rejected as a logged no-op.
var legalTransitions = map[State]map[State]bool{
	StateIdle: {
		StateListening: true,
		StateEnded:     true,
	},
	StateListening: {
		StateTranscribing: true,
		StateIdle:         true,
		StateInterrupted:  true,
		StateEnded:        true,
	},
	StateTranscribing: {
		StateInterpreting: true,
		StateListening:    true,
		StateInterrupted:  true,
		StateError:        true,
		StateEnded:        true,
	},
	StateInterpreting: {
		StateAnswering:   true,
		StateInterrupted: true,
		StateError:       true,
		StateEnded:       true,
	},
	StateAnswering: {
		StateSpeaking:    true,
		StateInterrupted: true,
		StateError:       true,
		StateEnded:       true,
	},
	StateSpeaking: {
		StateListening:   true,
		StateIdle:        true,
		StateInterrupted: true,
		StateError:       true,
		StateEnded:       true,
	},
	StateInterrupted: {
		StateListening: true,
		StateIdle:      true,
		StateEnded:     true,
	},
	StateError: {
		StateIdle:      true,
		StateListening: true,
		StateEnded:     true,
	},
}

// CanTransition reports whether the from → to edge is in the legal table.
func CanTransition(from, to State) bool {
	return legalTransitions[from][to]
}

// ErrorKind classifies a turn-local pipeline failure.
type ErrorKind string

const (
	ErrTranscriptionFailed ErrorKind = "transcription_failed"
	ErrReasoningFailed     ErrorKind = "reasoning_failed"
	ErrSynthesisFailed     ErrorKind = "synthesis_failed"
)
