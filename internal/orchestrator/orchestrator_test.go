package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/clients"
	clientmock "github.com/parleyvoice/parley/internal/clients/mock"
	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/pkg/audio"
)

// fakeOutbound records transport-bound notifications.
type fakeOutbound struct {
	mu       sync.Mutex
	thinking []string
	audio    [][]byte
	finals   []bool
}

func (f *fakeOutbound) SendThinking(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thinking = append(f.thinking, sessionID)
}

func (f *fakeOutbound) SendAudio(_ string, pcm []byte, final bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.audio = append(f.audio, cp)
	f.finals = append(f.finals, final)
}

func (f *fakeOutbound) thinkingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.thinking)
}

func (f *fakeOutbound) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func waitForState(t *testing.T, s *session.Session, want session.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q within %v", s.State(), want, timeout)
}

func loudFrame() audio.AudioFrame {
	data := make([]byte, 640)
	for i := 0; i < len(data); i += 2 {
		data[i+1] = 0x40
	}
	return audio.AudioFrame{Data: data, SampleRate: audio.DefaultSampleRate, Channels: 1, Timestamp: time.Now()}
}

// newPipeline wires a session to an orchestrator over the given mocks.
func newPipeline(t *testing.T, tm *clientmock.Transcriber, rm *clientmock.Reasoner, sm *clientmock.Synthesizer) (*session.Session, *Orchestrator, *fakeOutbound) {
	t.Helper()
	out := &fakeOutbound{}
	o := New(tm, rm, sm, out)
	s := session.New("sess-orch", session.DefaultConfig(), session.WithHooks(o.Hooks()))
	s.Start()
	t.Cleanup(func() {
		o.CancelTurn(s.ID)
		s.End()
	})
	return s, o, out
}

func TestHappyPathPipeline(t *testing.T) {
	t.Parallel()

	tm := &clientmock.Transcriber{Result: clients.Transcription{Text: "hello"}}
	rm := &clientmock.Reasoner{Result: clients.ReasonResult{Response: "hi there", Citations: []string{"c1"}}}
	sm := &clientmock.Synthesizer{Audio: make([]byte, 24_000)}

	s, _, out := newPipeline(t, tm, rm, sm)

	s.Post(session.UserAudio{Frame: loudFrame()})
	s.Post(session.VADEnded{})

	// The session starts idle, so wait for the turn's closing transition into
	// idle rather than for the idle state itself.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if trs := s.Transitions(); len(trs) > 0 && trs[len(trs)-1].To == session.StateIdle {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitForState(t, s, session.StateIdle, 2*time.Second)

	turns := s.History()
	if len(turns) != 1 {
		t.Fatalf("history = %d turns, want 1", len(turns))
	}
	if turns[0].UserText != "hello" || turns[0].AssistantText != "hi there" {
		t.Errorf("turn = %+v", turns[0])
	}
	if len(turns[0].Citations) != 1 {
		t.Errorf("citations = %v", turns[0].Citations)
	}

	if out.thinkingCount() != 1 {
		t.Errorf("llm_thinking notifications = %d, want 1", out.thinkingCount())
	}
	if out.audioCount() != 1 {
		t.Fatalf("audio deliveries = %d, want 1", out.audioCount())
	}
	if len(out.audio[0]) != 24_000 || !out.finals[0] {
		t.Errorf("audio delivery = %d bytes final=%v", len(out.audio[0]), out.finals[0])
	}

	// The reasoning request carried only the new user text.
	req := rm.LastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
		t.Errorf("reason messages = %+v", req.Messages)
	}
	if req.SessionID != s.ID {
		t.Errorf("SessionID = %q, want %q", req.SessionID, s.ID)
	}
}

func TestTranscriptionFailureReachesErrorState(t *testing.T) {
	t.Parallel()

	tm := &clientmock.Transcriber{Err: errors.New("upstream 500")}
	rm := &clientmock.Reasoner{}
	sm := &clientmock.Synthesizer{}

	s, _, _ := newPipeline(t, tm, rm, sm)

	s.Post(session.UserAudio{Frame: loudFrame()})
	s.Post(session.VADEnded{})

	waitForState(t, s, session.StateError, 2*time.Second)

	var kind string
	for _, tr := range s.Transitions() {
		if tr.To == session.StateError {
			kind = tr.Metadata["kind"]
		}
	}
	if kind != string(session.ErrTranscriptionFailed) {
		t.Errorf("error kind = %q, want transcription_failed", kind)
	}
	if rm.LastRequest().SessionID != "" {
		t.Error("reasoner must not be called after a transcription failure")
	}

	// Auto-recovery back to idle.
	waitForState(t, s, session.StateIdle, 3*time.Second)
	if len(s.History()) != 0 {
		t.Error("failed turn must not be persisted")
	}
}

func TestReasoningFailure(t *testing.T) {
	t.Parallel()

	tm := &clientmock.Transcriber{Result: clients.Transcription{Text: "question"}}
	rm := &clientmock.Reasoner{Err: errors.New("model timeout")}
	sm := &clientmock.Synthesizer{}

	s, _, _ := newPipeline(t, tm, rm, sm)

	s.Post(session.UserAudio{Frame: loudFrame()})
	s.Post(session.VADEnded{})

	waitForState(t, s, session.StateError, 2*time.Second)
	if sm.CallCount() != 0 {
		t.Error("synthesizer must not be called after a reasoning failure")
	}
}

func TestEmptyTranscriptionSkipsReasoning(t *testing.T) {
	t.Parallel()

	tm := &clientmock.Transcriber{Result: clients.Transcription{Text: "  "}}
	rm := &clientmock.Reasoner{}
	sm := &clientmock.Synthesizer{}

	s, o, _ := newPipeline(t, tm, rm, sm)

	s.Post(session.UserAudio{Frame: loudFrame()})
	s.Post(session.VADEnded{})

	// Listening is first reached on the audio frame; wait for the return to
	// listening that follows the empty transcription.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if trs := s.Transitions(); len(trs) > 0 && trs[len(trs)-1].From == session.StateTranscribing {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitForState(t, s, session.StateListening, 2*time.Second)
	o.Wait()
	if got := rm.LastRequest(); got.SessionID != "" {
		t.Error("reasoner must not be called for an empty transcription")
	}
}

func TestInterruptCancelsInFlightSynthesis(t *testing.T) {
	t.Parallel()

	tm := &clientmock.Transcriber{Result: clients.Transcription{Text: "question"}}
	rm := &clientmock.Reasoner{Result: clients.ReasonResult{Response: "answer"}}
	sm := &clientmock.Synthesizer{}
	sm.Fn = func(ctx context.Context, _ clients.SynthesisRequest) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	s, o, _ := newPipeline(t, tm, rm, sm)

	s.Post(session.UserAudio{Frame: loudFrame()})
	s.Post(session.VADEnded{})
	waitForState(t, s, session.StateSpeaking, 2*time.Second)

	s.Post(session.UserInterrupt{})
	waitForState(t, s, session.StateInterrupted, time.Second)

	// Cancellation is absorbed: the session must reach listening via the
	// dwell timer, not the error state.
	waitForState(t, s, session.StateListening, time.Second)
	o.Wait()

	for _, tr := range s.Transitions() {
		if tr.To == session.StateError {
			t.Fatal("cancelled synthesis must not produce an error transition")
		}
	}
	if len(s.History()) != 0 {
		t.Error("interrupted turn must not be persisted")
	}
}

func TestStopSynthesisDiscardsResponseBeforeCall(t *testing.T) {
	t.Parallel()

	tm := &clientmock.Transcriber{}
	rm := &clientmock.Reasoner{}
	sm := &clientmock.Synthesizer{}

	out := &fakeOutbound{}
	o := New(tm, rm, sm, out)
	s := session.New("sess-discard", session.DefaultConfig())
	s.Start()
	t.Cleanup(s.End)

	o.StartTurn(s, []byte{0, 0})
	o.StopSynthesis(s, "")
	o.Synthesize(s, "handle-1", "discarded text")
	o.Wait()

	if sm.CallCount() != 0 {
		t.Errorf("synthesizer calls = %d, want 0 after stop", sm.CallCount())
	}
}

func TestBuildMessagesTail(t *testing.T) {
	t.Parallel()

	var history []session.Turn
	for i := 0; i < 8; i++ {
		history = append(history, session.Turn{
			UserText:      "q" + string(rune('0'+i)),
			AssistantText: "a" + string(rune('0'+i)),
		})
	}

	msgs := buildMessages(history, "latest")

	// Last 5 turns → 10 messages, plus the new user text.
	if len(msgs) != 11 {
		t.Fatalf("messages = %d, want 11", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "q3" {
		t.Errorf("first message = %+v, want user q3", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "a3" {
		t.Errorf("second message = %+v, want assistant a3", msgs[1])
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "latest" {
		t.Errorf("last message = %+v, want user latest", last)
	}

	// Roles alternate user/assistant through the tail.
	for i := 0; i < len(msgs)-1; i++ {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if msgs[i].Role != want {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, want)
		}
	}
}
