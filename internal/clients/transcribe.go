package clients

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/parleyvoice/parley/pkg/audio"
)

// TranscribeClient implements [Transcriber] against an HTTP transcription
// endpoint that accepts a multipart WAV upload and returns
// {"text": ..., "language": ...}.
type TranscribeClient struct {
	baseURL    string
	httpClient *http.Client
	sampleRate int
}

// Compile-time assertion that TranscribeClient satisfies Transcriber.
var _ Transcriber = (*TranscribeClient)(nil)

// NewTranscribeClient creates a client for the transcription endpoint at
// baseURL. baseURL must be non-empty.
func NewTranscribeClient(baseURL string) (*TranscribeClient, error) {
	if baseURL == "" {
		return nil, errors.New("transcribe: baseURL must not be empty")
	}
	return &TranscribeClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: TranscribeTimeout},
		sampleRate: audio.DefaultSampleRate,
	}, nil
}

// Transcribe wraps pcm in a WAV container and POSTs it as multipart
// form-data. The ctx deadline governs cancellation; interrupts cancel the
// request mid-flight.
func (c *TranscribeClient) Transcribe(ctx context.Context, pcm []byte) (Transcription, error) {
	wav := encodeWAV(pcm, c.sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: write wav data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, &body)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("transcribe: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcription{}, fmt.Errorf("transcribe: unexpected status %d: %s", resp.StatusCode, msg)
	}

	var out Transcription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, fmt.Errorf("transcribe: decode response: %w", err)
	}
	return out, nil
}

// Healthy reports whether the transcription endpoint is reachable.
func (c *TranscribeClient) Healthy(ctx context.Context) bool {
	return probe(ctx, c.httpClient, c.baseURL)
}

// encodeWAV wraps raw 16-bit signed little-endian PCM in a 44-byte RIFF/WAVE
// header.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
