package audio

import (
	"bytes"
	"testing"
	"time"
)

func frame(data []byte, ts time.Duration) AudioFrame {
	return AudioFrame{Data: data, SampleRate: 16000, Channels: 1, Timestamp: ts}
}

func TestRingBuffer_EmptyReturnsNil(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(16000, 1, 2200*time.Millisecond)
	if got := rb.Recent(500 * time.Millisecond); got != nil {
		t.Errorf("Recent() on empty buffer = %v, want nil", got)
	}
}

func TestRingBuffer_ReturnsContiguousRecentBytes(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(16000, 1, 100*time.Millisecond)

	// 20ms of 16kHz mono int16 PCM = 640 bytes.
	chunk := func(b byte) []byte {
		d := make([]byte, 640)
		for i := range d {
			d[i] = b
		}
		return d
	}

	rb.Write(frame(chunk(1), 0))
	rb.Write(frame(chunk(2), 20*time.Millisecond))
	rb.Write(frame(chunk(3), 40*time.Millisecond))

	// Ask for 40ms: should get chunks 2 and 3, oldest-first.
	got := rb.Recent(40 * time.Millisecond)
	want := append(append([]byte{}, chunk(2)...), chunk(3)...)
	if !bytes.Equal(got, want) {
		t.Errorf("Recent(40ms) returned %d bytes not matching expected order/content", len(got))
	}
}

func TestRingBuffer_BestEffortWhenHistoryShorterThanWindow(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(16000, 1, 100*time.Millisecond)
	data := make([]byte, 640)
	for i := range data {
		data[i] = 9
	}
	rb.Write(frame(data, 0))

	got := rb.Recent(2 * time.Second)
	if !bytes.Equal(got, data) {
		t.Errorf("Recent() with short history = %d bytes, want the single written frame", len(got))
	}
}

func TestRingBuffer_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(16000, 1, 20*time.Millisecond) // small ring: few slots
	slots := len(rb.frames)

	small := func(b byte) []byte { return []byte{b} }
	for i := 0; i < slots+2; i++ {
		rb.Write(frame(small(byte(i)), time.Duration(i)*20*time.Millisecond))
	}

	if rb.count != slots {
		t.Fatalf("count = %d, want ring fully wrapped to %d", rb.count, slots)
	}

	got := rb.Recent(time.Duration(slots+2) * 20 * time.Millisecond)
	// Oldest surviving frame should be byte value 2 (0 and 1 evicted).
	if len(got) == 0 || got[0] != 2 {
		t.Errorf("Recent() first byte = %v, want the oldest surviving frame (2)", got)
	}
}

func TestRingBuffer_Format(t *testing.T) {
	t.Parallel()

	rb := NewRingBuffer(48000, 2, time.Second)
	f := rb.Format()
	if f.SampleRate != 48000 || f.Channels != 2 {
		t.Errorf("Format() = %+v, want {48000 2}", f)
	}
}
