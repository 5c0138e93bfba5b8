package clients

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTranscribeClient(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x01, 0x02}, 1600)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Reachability probe issued by Healthy.
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		wav, _ := io.ReadAll(f)

		// 44-byte RIFF header followed by the raw PCM.
		if len(wav) != 44+len(pcm) {
			t.Errorf("wav length = %d, want %d", len(wav), 44+len(pcm))
		}
		if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
			t.Error("missing RIFF/WAVE header")
		}
		if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
			t.Errorf("sample rate = %d, want 16000", rate)
		}
		if !bytes.Equal(wav[44:], pcm) {
			t.Error("wav payload does not match the uploaded PCM")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello","language":"en"}`))
	}))
	defer srv.Close()

	c, err := NewTranscribeClient(srv.URL)
	if err != nil {
		t.Fatalf("NewTranscribeClient: %v", err)
	}

	out, err := c.Transcribe(context.Background(), pcm)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if out.Text != "hello" || out.Language != "en" {
		t.Errorf("result = %+v, want {hello en}", out)
	}
	if !c.Healthy(context.Background()) {
		t.Error("Healthy should be true for a responding server")
	}
}

func TestTranscribeClientNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewTranscribeClient(srv.URL)
	if _, err := c.Transcribe(context.Background(), []byte{0, 0}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestTranscribeClientCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"text":"late"}`))
	}))
	defer srv.Close()
	defer close(release)

	c, _ := NewTranscribeClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := c.Transcribe(ctx, []byte{0, 0}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestReasonClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ReasonRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SessionID != "sess-1" || req.TenantID != "t1" {
			t.Errorf("identity not forwarded: %+v", req)
		}
		if len(req.Messages) != 3 {
			t.Errorf("messages = %d, want 3", len(req.Messages))
		}
		if last := req.Messages[len(req.Messages)-1]; last.Role != "user" || last.Content != "and now?" {
			t.Errorf("last message = %+v", last)
		}

		_ = json.NewEncoder(w).Encode(ReasonResult{
			Response:  "here you go",
			Citations: []string{"doc-9"},
		})
	}))
	defer srv.Close()

	c, err := NewReasonClient(srv.URL)
	if err != nil {
		t.Fatalf("NewReasonClient: %v", err)
	}

	out, err := c.Reason(context.Background(), ReasonRequest{
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "and now?"},
		},
		TenantID:  "t1",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("Reason: %v", err)
	}
	if out.Response != "here you go" {
		t.Errorf("Response = %q", out.Response)
	}
	if len(out.Citations) != 1 || out.Citations[0] != "doc-9" {
		t.Errorf("Citations = %v", out.Citations)
	}
}

func TestSynthesizeClient(t *testing.T) {
	t.Parallel()

	audioOut := bytes.Repeat([]byte{0xAB}, 24_000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SynthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Voice != "alloy" || req.Tone != "professional" || req.Pace != "normal" {
			t.Errorf("prosody config not forwarded: %+v", req)
		}
		if !req.EnableBreaths {
			t.Error("enable_breaths not forwarded")
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(audioOut)
	}))
	defer srv.Close()

	c, err := NewSynthesizeClient(srv.URL)
	if err != nil {
		t.Fatalf("NewSynthesizeClient: %v", err)
	}

	pcm, err := c.Synthesize(context.Background(), SynthesisRequest{
		Text:          "hi there",
		Voice:         "alloy",
		Tone:          "professional",
		Pace:          "normal",
		Energy:        "medium",
		EnableBreaths: true,
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(pcm, audioOut) {
		t.Errorf("audio length = %d, want %d", len(pcm), len(audioOut))
	}
}

func TestHealthyFalseWhenUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close() // immediately unreachable

	c, _ := NewReasonClient(srv.URL)
	if c.Healthy(context.Background()) {
		t.Error("Healthy should be false for a closed server")
	}
}

func TestEmptyBaseURLRejected(t *testing.T) {
	t.Parallel()

	if _, err := NewTranscribeClient(""); err == nil {
		t.Error("NewTranscribeClient(\"\") should fail")
	}
	if _, err := NewReasonClient(""); err == nil {
		t.Error("NewReasonClient(\"\") should fail")
	}
	if _, err := NewSynthesizeClient(""); err == nil {
		t.Error("NewSynthesizeClient(\"\") should fail")
	}
}
