// Package mock provides scriptable in-memory implementations of the service
// client interfaces for tests.
package mock

import (
	"context"
	"sync"

	"github.com/parleyvoice/parley/internal/clients"
)

// Transcriber is a scriptable [clients.Transcriber]. Set Result/Err before
// use, or Fn for full control. Calls are recorded for assertions.
type Transcriber struct {
	mu     sync.Mutex
	Result clients.Transcription
	Err    error
	Fn     func(ctx context.Context, pcm []byte) (clients.Transcription, error)
	Alive  bool
	Calls  [][]byte
}

func (m *Transcriber) Transcribe(ctx context.Context, pcm []byte) (clients.Transcription, error) {
	m.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	m.Calls = append(m.Calls, cp)
	fn := m.Fn
	res, err := m.Result, m.Err
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, pcm)
	}
	return res, err
}

func (m *Transcriber) Healthy(context.Context) bool { return m.Alive }

// CallCount returns how many Transcribe calls were made.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reasoner is a scriptable [clients.Reasoner].
type Reasoner struct {
	mu     sync.Mutex
	Result clients.ReasonResult
	Err    error
	Fn     func(ctx context.Context, req clients.ReasonRequest) (clients.ReasonResult, error)
	Alive  bool
	Calls  []clients.ReasonRequest
}

func (m *Reasoner) Reason(ctx context.Context, req clients.ReasonRequest) (clients.ReasonResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn := m.Fn
	res, err := m.Result, m.Err
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return res, err
}

func (m *Reasoner) Healthy(context.Context) bool { return m.Alive }

// LastRequest returns the most recent Reason request, or a zero value.
func (m *Reasoner) LastRequest() clients.ReasonRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return clients.ReasonRequest{}
	}
	return m.Calls[len(m.Calls)-1]
}

// Synthesizer is a scriptable [clients.Synthesizer].
type Synthesizer struct {
	mu    sync.Mutex
	Audio []byte
	Err   error
	Fn    func(ctx context.Context, req clients.SynthesisRequest) ([]byte, error)
	Alive bool
	Calls []clients.SynthesisRequest
}

func (m *Synthesizer) Synthesize(ctx context.Context, req clients.SynthesisRequest) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	fn := m.Fn
	pcm, err := m.Audio, m.Err
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return pcm, err
}

func (m *Synthesizer) Healthy(context.Context) bool { return m.Alive }

// CallCount returns how many Synthesize calls were made.
func (m *Synthesizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Compile-time interface checks.
var (
	_ clients.Transcriber = (*Transcriber)(nil)
	_ clients.Reasoner    = (*Reasoner)(nil)
	_ clients.Synthesizer = (*Synthesizer)(nil)
)
