package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/session"
	"github.com/parleyvoice/parley/pkg/audio"
)

// audioFrame wraps raw PCM in the transport frame shape.
func audioFrame(data []byte) audio.AudioFrame {
	return audio.AudioFrame{Data: data, SampleRate: audio.DefaultSampleRate, Channels: 1, Timestamp: time.Now()}
}

// recordingSink is an in-memory Recorder for assertions.
type recordingSink struct {
	mu          sync.Mutex
	sessions    []session.Snapshot
	turns       []session.Turn
	transitions []session.Transition
}

func (r *recordingSink) RecordSession(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, snap)
}

func (r *recordingSink) RecordTurn(_ string, turn session.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
}

func (r *recordingSink) RecordTransition(_ string, tr session.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recordingSink) turnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

func (r *recordingSink) transitionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transitions)
}

// fakeNotifier records notifier invocations.
type fakeNotifier struct {
	mu          sync.Mutex
	transitions []session.Transition
	stops       []string
	closed      []string
}

func (f *fakeNotifier) NotifyTransition(_ string, tr session.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, tr)
}

func (f *fakeNotifier) NotifyStopPlayback(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID)
}

func (f *fakeNotifier) CloseSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func newTestManager(t *testing.T) (*Manager, *recordingSink, *fakeNotifier) {
	t.Helper()
	rec := &recordingSink{}
	not := &fakeNotifier{}
	m := New(Config{}, nil, not, rec, nil)
	return m, rec, not
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)

	cfg := session.DefaultConfig()
	cfg.TenantID = "t1"
	cfg.UserID = "u1"
	cfg.Voice = session.VoiceNova

	sess, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("session id must be generated")
	}
	if sess.State() != session.StateIdle {
		t.Errorf("initial state = %s, want idle", sess.State())
	}

	got, ok := m.Get(sess.ID)
	if !ok {
		t.Fatal("Get should find the created session")
	}
	if got.Config != cfg {
		t.Errorf("config round-trip mismatch:\n got %+v\nwant %+v", got.Config, cfg)
	}

	if _, ok := m.Detector(sess.ID); !ok {
		t.Error("a detector should be paired with the session")
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	cfg := session.DefaultConfig()
	cfg.Voice = "vocoder"
	if _, err := m.Create(cfg); err == nil {
		t.Fatal("Create should reject invalid config")
	}
}

func TestDeleteTwice(t *testing.T) {
	t.Parallel()

	m, _, not := newTestManager(t)
	sess, err := m.Create(session.DefaultConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !m.Delete(sess.ID) {
		t.Fatal("first Delete should return true")
	}
	if m.Delete(sess.ID) {
		t.Fatal("second Delete should return false")
	}
	if _, ok := m.Get(sess.ID); ok {
		t.Error("Get should miss after Delete")
	}
	if sess.State() != session.StateEnded {
		t.Errorf("deleted session state = %s, want ended", sess.State())
	}

	not.mu.Lock()
	closed := len(not.closed)
	not.mu.Unlock()
	if closed != 1 {
		t.Errorf("CloseSession calls = %d, want 1", closed)
	}
}

func TestListExcludesEnded(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	a, _ := m.Create(session.DefaultConfig())
	b, _ := m.Create(session.DefaultConfig())

	if got := len(m.List()); got != 2 {
		t.Fatalf("List = %d sessions, want 2", got)
	}

	// End one session without removing it from the registry.
	a.End()
	list := m.List()
	if len(list) != 1 {
		t.Fatalf("List = %d sessions, want 1 after one ended", len(list))
	}
	if list[0].ID != b.ID {
		t.Errorf("remaining session = %s, want %s", list[0].ID, b.ID)
	}
}

func TestCleanupRemovesIdleSessions(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	sess, _ := m.Create(session.DefaultConfig())

	// Fresh sessions survive a generous idle bound.
	if n := m.Cleanup(time.Minute); n != 0 {
		t.Fatalf("Cleanup removed %d sessions, want 0", n)
	}

	time.Sleep(50 * time.Millisecond)
	if n := m.Cleanup(10 * time.Millisecond); n != 1 {
		t.Fatalf("Cleanup removed %d sessions, want 1", n)
	}
	if _, ok := m.Get(sess.ID); ok {
		t.Error("expired session should be gone")
	}
}

func TestTransitionsBroadcastAndPersisted(t *testing.T) {
	t.Parallel()

	m, rec, not := newTestManager(t)
	sess, _ := m.Create(session.DefaultConfig())

	sess.Post(session.VADStarted{})
	waitFor(t, func() bool { return sess.State() == session.StateListening })

	waitFor(t, func() bool { return rec.transitionCount() == 1 })
	not.mu.Lock()
	broadcasts := len(not.transitions)
	not.mu.Unlock()
	if broadcasts != 1 {
		t.Errorf("broadcast transitions = %d, want 1", broadcasts)
	}
}

func TestTurnPersistedOnCleanCompletion(t *testing.T) {
	t.Parallel()

	m, rec, _ := newTestManager(t)
	sess, _ := m.Create(session.DefaultConfig())

	frame := make([]byte, 640)
	for i := 0; i < len(frame); i += 2 {
		frame[i+1] = 0x40
	}
	sess.Post(session.UserAudio{Frame: audioFrame(frame)})
	sess.Post(session.VADEnded{})
	sess.Post(session.TranscriptionFinal{Text: "hello"})
	sess.Post(session.ResponseComplete{Response: session.Response{Text: "hi"}})
	waitFor(t, func() bool { return sess.State() == session.StateAnswering })
	sess.Post(session.SynthesisStarted{Handle: sess.SynthesisHandle()})
	sess.Post(session.SynthesisComplete{AudioBytes: 320})
	waitFor(t, func() bool { return sess.State() == session.StateIdle })

	waitFor(t, func() bool { return rec.turnCount() == 1 })
	rec.mu.Lock()
	turn := rec.turns[0]
	rec.mu.Unlock()
	if turn.UserText != "hello" || turn.AssistantText != "hi" {
		t.Errorf("persisted turn = %+v", turn)
	}
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}
