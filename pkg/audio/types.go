// Package audio defines the audio primitives shared by the Parley pipeline:
// the AudioFrame unit of transport and the bounded FrameBuffer that collects
// an utterance while a session is listening.
package audio

import "time"

// DefaultSampleRate is the PCM sample rate the client transport operates at.
const DefaultSampleRate = 16000

// BytesPerSample is fixed at 2 for 16-bit signed little-endian PCM.
const BytesPerSample = 2

// AudioFrame represents a single chunk of audio flowing through the pipeline.
// Frames are the atomic unit of transport — received from the client
// connection, analysed by the VAD, buffered by the session, and shipped to
// the transcription service.
type AudioFrame struct {
	// Data is raw 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 for the client transport).
	SampleRate int

	// Channels: 1 for mono input.
	Channels int

	// Timestamp marks the wall-clock arrival time of this frame.
	Timestamp time.Time
}

// Duration returns the playback duration of the frame's PCM content.
// Returns 0 for frames with an invalid sample rate or channel count.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (BytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// PCMDuration returns the playback duration of a raw PCM byte slice at the
// given format. Used for reporting synthesised audio lengths.
func PCMDuration(n int, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
