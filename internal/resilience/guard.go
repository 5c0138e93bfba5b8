package resilience

import (
	"context"

	"github.com/parleyvoice/parley/internal/clients"
)

// GuardedTranscriber wraps a [clients.Transcriber] with a circuit breaker.
// Health probes bypass the breaker so that a tripped breaker does not mask
// a recovered endpoint on the control surface.
type GuardedTranscriber struct {
	inner   clients.Transcriber
	breaker *Breaker
}

var _ clients.Transcriber = (*GuardedTranscriber)(nil)

// NewGuardedTranscriber wraps inner with a breaker named "transcribe".
func NewGuardedTranscriber(inner clients.Transcriber) *GuardedTranscriber {
	return &GuardedTranscriber{
		inner:   inner,
		breaker: NewBreaker(BreakerConfig{Name: "transcribe"}),
	}
}

func (g *GuardedTranscriber) Transcribe(ctx context.Context, pcm []byte) (clients.Transcription, error) {
	var out clients.Transcription
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = g.inner.Transcribe(ctx, pcm)
		return callErr
	})
	return out, err
}

func (g *GuardedTranscriber) Healthy(ctx context.Context) bool {
	return g.inner.Healthy(ctx)
}

// GuardedReasoner wraps a [clients.Reasoner] with a circuit breaker.
type GuardedReasoner struct {
	inner   clients.Reasoner
	breaker *Breaker
}

var _ clients.Reasoner = (*GuardedReasoner)(nil)

// NewGuardedReasoner wraps inner with a breaker named "reason".
func NewGuardedReasoner(inner clients.Reasoner) *GuardedReasoner {
	return &GuardedReasoner{
		inner:   inner,
		breaker: NewBreaker(BreakerConfig{Name: "reason"}),
	}
}

func (g *GuardedReasoner) Reason(ctx context.Context, req clients.ReasonRequest) (clients.ReasonResult, error) {
	var out clients.ReasonResult
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = g.inner.Reason(ctx, req)
		return callErr
	})
	return out, err
}

func (g *GuardedReasoner) Healthy(ctx context.Context) bool {
	return g.inner.Healthy(ctx)
}

// GuardedSynthesizer wraps a [clients.Synthesizer] with a circuit breaker.
type GuardedSynthesizer struct {
	inner   clients.Synthesizer
	breaker *Breaker
}

var _ clients.Synthesizer = (*GuardedSynthesizer)(nil)

// NewGuardedSynthesizer wraps inner with a breaker named "synthesize".
func NewGuardedSynthesizer(inner clients.Synthesizer) *GuardedSynthesizer {
	return &GuardedSynthesizer{
		inner:   inner,
		breaker: NewBreaker(BreakerConfig{Name: "synthesize"}),
	}
}

func (g *GuardedSynthesizer) Synthesize(ctx context.Context, req clients.SynthesisRequest) ([]byte, error) {
	var out []byte
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = g.inner.Synthesize(ctx, req)
		return callErr
	})
	return out, err
}

func (g *GuardedSynthesizer) Healthy(ctx context.Context) bool {
	return g.inner.Healthy(ctx)
}
