// Package vad implements an energy-based voice activity detector.
//
// A Detector consumes inbound PCM frames in arrival order and converts them
// into speech edges: a speech_started callback when frame energy first rises
// above the threshold, and a speech_ended callback once energy has stayed at
// or below the threshold for the configured silence window. The detector
// never mutates session state itself; the callbacks post events that the
// session state machine consumes.
//
// Detection is synchronous per frame except for the silence window, which is
// a cancelable one-shot timer: a loud frame cancels it, and when it fires
// the speech region is closed. One Detector serves one audio stream.
package vad

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the normalised RMS energy above which a frame is
	// classified as speech. Energy exactly equal to the threshold counts as
	// silence.
	DefaultThreshold = 0.01

	// DefaultSilenceWindow is how long energy must stay sub-threshold after
	// speech before the utterance is considered finished.
	DefaultSilenceWindow = 1000 * time.Millisecond
)

// ErrBadFrame is returned for PCM payloads whose length is not a whole
// number of 16-bit samples.
var ErrBadFrame = errors.New("vad: frame length is not a multiple of 2")

// Config holds the tuning parameters for a Detector. Zero values select the
// package defaults.
type Config struct {
	// Threshold is the normalised RMS energy bound in [0, 1].
	Threshold float64

	// SilenceWindow is the sub-threshold duration that ends a speech region.
	SilenceWindow time.Duration
}

// Events carries the detector's output callbacks. Either may be nil.
// Callbacks are invoked from the goroutine calling Process, except
// OnSpeechEnd which fires from the silence timer goroutine.
type Events struct {
	OnSpeechStart func()
	OnSpeechEnd   func()
}

// Detector is a stateful per-stream speech detector. Process may be called
// from one goroutine at a time; the internal state is additionally guarded
// against the silence timer.
type Detector struct {
	threshold float64
	window    time.Duration
	ev        Events

	mu       sync.Mutex
	speaking bool
	timer    *time.Timer
	closed   bool
}

// New creates a Detector with the given configuration and callbacks.
func New(cfg Config, ev Events) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	return &Detector{
		threshold: cfg.Threshold,
		window:    cfg.SilenceWindow,
		ev:        ev,
	}
}

// EffectiveThreshold scales a base energy threshold by a per-session
// sensitivity in (0, 1]. A sensitivity of 0.5 leaves the base unchanged;
// higher sensitivity lowers the threshold so quieter speech is detected.
func EffectiveThreshold(base, sensitivity float64) float64 {
	if base <= 0 {
		base = DefaultThreshold
	}
	if sensitivity <= 0 || sensitivity > 1 {
		return base
	}
	return base * 2 * (1 - sensitivity)
}

// Process analyses one PCM frame. Frames of odd length are rejected with
// [ErrBadFrame]; empty frames are ignored without altering state.
func (d *Detector) Process(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return ErrBadFrame
	}
	if len(pcm) == 0 {
		return nil
	}

	energy := Energy(pcm)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}

	if energy > d.threshold {
		// Loud frame: any pending silence deadline is void.
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		if !d.speaking {
			d.speaking = true
			start := d.ev.OnSpeechStart
			d.mu.Unlock()
			if start != nil {
				start()
			}
			return nil
		}
		d.mu.Unlock()
		return nil
	}

	// Sub-threshold frame: arm the silence window once per speech region.
	if d.speaking && d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.silenceElapsed)
	}
	d.mu.Unlock()
	return nil
}

// silenceElapsed fires when the silence window passes without a loud frame.
func (d *Detector) silenceElapsed() {
	d.mu.Lock()
	if d.closed || !d.speaking {
		d.mu.Unlock()
		return
	}
	d.speaking = false
	d.timer = nil
	end := d.ev.OnSpeechEnd
	d.mu.Unlock()
	if end != nil {
		end()
	}
}

// Speaking reports whether the detector is currently inside a speech region.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset clears the speech flag and cancels any pending silence deadline
// without emitting events. Use when the stream is restarted.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Close cancels the silence timer and suppresses all further events.
// Safe to call multiple times.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Energy returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, normalised to [0, 1]. Returns 0 for buffers
// shorter than one sample.
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
