package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxSynthesisBytes caps the audio payload accepted from the synthesis
// service (roughly ten minutes of 16 kHz mono PCM).
const maxSynthesisBytes = 20 << 20

// SynthesizeClient implements [Synthesizer] against an HTTP synthesis
// endpoint that accepts a JSON prosody request and returns raw audio bytes.
type SynthesizeClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Synthesizer = (*SynthesizeClient)(nil)

// NewSynthesizeClient creates a client for the synthesis endpoint at baseURL.
func NewSynthesizeClient(baseURL string) (*SynthesizeClient, error) {
	if baseURL == "" {
		return nil, errors.New("synthesize: baseURL must not be empty")
	}
	return &SynthesizeClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: SynthesizeTimeout},
	}, nil
}

// Synthesize POSTs the reply text with its prosody configuration and reads
// back the opaque audio byte stream.
func (c *SynthesizeClient) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("synthesize: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("synthesize: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("synthesize: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesize: unexpected status %d: %s", resp.StatusCode, msg)
	}

	pcm, err := io.ReadAll(io.LimitReader(resp.Body, maxSynthesisBytes))
	if err != nil {
		return nil, fmt.Errorf("synthesize: read audio: %w", err)
	}
	return pcm, nil
}

// Healthy reports whether the synthesis endpoint is reachable.
func (c *SynthesizeClient) Healthy(ctx context.Context) bool {
	return probe(ctx, c.httpClient, c.baseURL)
}
