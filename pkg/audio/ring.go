package audio

import (
	"sync"
	"time"
)

// RingBuffer retains a bounded recent history of PCM audio frames and serves
// "last N ms" queries against it. It backs forcedcommit.AudioSource: a
// transient recovery recognizer asks it for the audio window that preceded
// the decision to force a commit.
//
// Safe for concurrent use. A single RingBuffer is written by one capture
// pipeline (via Write) and read by the forced-commit recovery path
// (via Recent); concurrent readers are expected, concurrent writers are not
// a design goal but are not unsafe either since both are mutex-guarded.
type RingBuffer struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	frames  []AudioFrame
	next    int
	count   int
	written time.Duration
}

// NewRingBuffer returns a RingBuffer that retains enough frames to cover at
// least retain of audio at the given format, assuming roughly uniform frame
// sizes. sampleRate and channels describe the PCM format Write will be
// called with; retain is the target history horizon (e.g. 2200ms to cover
// the recovery recapture window plus settle time).
func NewRingBuffer(sampleRate, channels int, retain time.Duration) *RingBuffer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	if retain <= 0 {
		retain = 2200 * time.Millisecond
	}

	// Assume 20ms frames (a common capture chunk size) to size the ring;
	// Write tolerates frames of any duration, this only affects preallocation.
	const assumedFrameDuration = 20 * time.Millisecond
	slots := int(retain/assumedFrameDuration) + 4

	return &RingBuffer{
		sampleRate: sampleRate,
		channels:   channels,
		frames:     make([]AudioFrame, slots),
	}
}

// Write appends a captured frame to the history, evicting the oldest frame
// once the ring is full.
func (r *RingBuffer) Write(frame AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames[r.next] = frame
	r.next = (r.next + 1) % len(r.frames)
	if r.count < len(r.frames) {
		r.count++
	}
}

// Recent returns contiguous PCM covering up to the last window of audio,
// oldest-first. It is best-effort: if fewer than window of history has been
// captured, it returns whatever is available, and an empty ring returns nil.
// Matches forcedcommit.AudioSource's signature so a RingBuffer can be used
// directly as one.
func (r *RingBuffer) Recent(window time.Duration) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 || window <= 0 {
		return nil
	}

	bytesPerSample := 2 * r.channels
	wantBytes := int(window.Seconds()*float64(r.sampleRate)) * bytesPerSample

	// Walk backward from the most recently written frame, collecting
	// frames until we've covered wantBytes or exhausted history.
	type span struct{ data []byte }
	var collected []span
	total := 0
	idx := (r.next - 1 + len(r.frames)) % len(r.frames)
	for i := 0; i < r.count && total < wantBytes; i++ {
		f := r.frames[idx]
		if len(f.Data) > 0 {
			collected = append(collected, span{f.Data})
			total += len(f.Data)
		}
		idx = (idx - 1 + len(r.frames)) % len(r.frames)
	}

	if len(collected) == 0 {
		return nil
	}

	out := make([]byte, 0, total)
	for i := len(collected) - 1; i >= 0; i-- {
		out = append(out, collected[i].data...)
	}
	if len(out) > wantBytes {
		out = out[len(out)-wantBytes:]
	}
	return out
}

// Format returns the PCM format frames are expected to arrive in.
func (r *RingBuffer) Format() Format {
	return Format{SampleRate: r.sampleRate, Channels: r.channels}
}
