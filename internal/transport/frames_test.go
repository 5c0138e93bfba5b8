package transport

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/parleyvoice/parley/internal/session"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  []byte
		control  bool
		wantType string
	}{
		{"interrupt frame", []byte(`{"type":"interrupt"}`), true, "interrupt"},
		{"offer with sdp", []byte(`{"type":"offer","sdp":"v=0"}`), true, "offer"},
		{"leading whitespace", []byte("  \n{\"type\":\"stop-recording\"}"), true, "stop-recording"},
		{"json without type", []byte(`{"foo":"bar"}`), false, ""},
		{"empty payload", nil, false, ""},
		{"raw pcm", []byte{0x00, 0x40, 0x00, 0x40}, false, ""},
		{"json array", []byte(`[1,2,3]`), false, ""},
		{"truncated json", []byte(`{"type":"interr`), false, ""},
		{"pcm starting with brace byte", append([]byte{'{'}, 0xFF, 0xFE), false, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cf, ok := classify(tc.payload)
			if ok != tc.control {
				t.Fatalf("classify control = %v, want %v", ok, tc.control)
			}
			if ok && cf.Type != tc.wantType {
				t.Errorf("type = %q, want %q", cf.Type, tc.wantType)
			}
		})
	}
}

func TestAudioFrameLayout(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0xCA, 0xFE}, 100)
	msg := audioFrame(pcm, true)

	idx := bytes.IndexByte(msg, '\n')
	if idx < 0 {
		t.Fatal("audio message must contain a newline separating header and payload")
	}

	var header struct {
		Type      string `json:"type"`
		IsFinal   bool   `json:"is_final"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(msg[:idx], &header); err != nil {
		t.Fatalf("header is not valid JSON: %v", err)
	}
	if header.Type != "audio" || !header.IsFinal {
		t.Errorf("header = %+v", header)
	}
	if header.Timestamp == 0 {
		t.Error("header timestamp missing")
	}
	if !bytes.Equal(msg[idx+1:], pcm) {
		t.Error("payload after newline does not match the PCM input")
	}
}

func TestStateChangeFrame(t *testing.T) {
	t.Parallel()

	tr := session.Transition{
		From:      session.StateIdle,
		To:        session.StateListening,
		Event:     "vad_started",
		Timestamp: time.Now().UTC(),
	}
	raw := stateChangeFrame(tr)

	var decoded struct {
		Type       string             `json:"type"`
		State      string             `json:"state"`
		Transition session.Transition `json:"transition"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != "state_change" {
		t.Errorf("type = %q", decoded.Type)
	}
	if decoded.State != string(session.StateListening) {
		t.Errorf("state = %q, want listening", decoded.State)
	}
	if decoded.Transition.Event != "vad_started" {
		t.Errorf("transition event = %q", decoded.Transition.Event)
	}
}
