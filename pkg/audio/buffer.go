package audio

import "time"

// DefaultMaxBufferBytes caps the inbound frame buffer at roughly 30 seconds
// of 16 kHz mono 16-bit PCM.
const DefaultMaxBufferBytes = 30 * DefaultSampleRate * BytesPerSample

// FrameBuffer accumulates inbound audio frames for the utterance currently
// being captured. It enforces a soft byte cap with a drop-oldest policy:
// appending past the cap evicts whole frames from the front until the new
// frame fits.
//
// FrameBuffer is not safe for concurrent use. It is owned by a single
// session's event loop, which serialises all access.
type FrameBuffer struct {
	frames   []AudioFrame
	bytes    int
	maxBytes int
}

// NewFrameBuffer creates a buffer capped at maxBytes. A non-positive cap
// selects [DefaultMaxBufferBytes].
func NewFrameBuffer(maxBytes int) *FrameBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	return &FrameBuffer{maxBytes: maxBytes}
}

// Append adds frame to the buffer and returns the number of frames evicted
// from the front to stay within the byte cap. A frame larger than the cap
// itself evicts everything and is kept alone.
func (b *FrameBuffer) Append(frame AudioFrame) (dropped int) {
	b.frames = append(b.frames, frame)
	b.bytes += len(frame.Data)

	for b.bytes > b.maxBytes && len(b.frames) > 1 {
		b.bytes -= len(b.frames[0].Data)
		b.frames[0] = AudioFrame{}
		b.frames = b.frames[1:]
		dropped++
	}

	// Re-base the backing array once eviction has occurred so dropped frames
	// do not pin memory for the session lifetime.
	if dropped > 0 {
		fresh := make([]AudioFrame, len(b.frames))
		copy(fresh, b.frames)
		b.frames = fresh
	}
	return dropped
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int { return len(b.frames) }

// Bytes returns the total PCM byte count currently buffered.
func (b *FrameBuffer) Bytes() int { return b.bytes }

// Empty reports whether the buffer holds no audio.
func (b *FrameBuffer) Empty() bool { return len(b.frames) == 0 }

// PCM concatenates all buffered frames into a single PCM byte slice.
// The result is a copy; mutating it does not affect the buffer.
func (b *FrameBuffer) PCM() []byte {
	out := make([]byte, 0, b.bytes)
	for _, f := range b.frames {
		out = append(out, f.Data...)
	}
	return out
}

// Duration returns the total playback duration of the buffered audio.
func (b *FrameBuffer) Duration() time.Duration {
	var d time.Duration
	for _, f := range b.frames {
		d += f.Duration()
	}
	return d
}

// Clear discards all buffered frames.
func (b *FrameBuffer) Clear() {
	b.frames = nil
	b.bytes = 0
}
