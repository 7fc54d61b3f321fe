package rtt_test

import (
	"testing"
	"time"

	"github.com/opendictate/transvox/internal/transcript/rtt"
)

func TestTracker_DefaultsToEmptyLookahead(t *testing.T) {
	t.Parallel()

	tr := rtt.New(rtt.DefaultConfig())
	if got := tr.AdaptiveLookahead(); got != rtt.DefaultLookaheadEmpty {
		t.Errorf("AdaptiveLookahead() = %v, want %v", got, rtt.DefaultLookaheadEmpty)
	}
}

func TestTracker_ClampsToMinMax(t *testing.T) {
	t.Parallel()

	tr := rtt.New(rtt.DefaultConfig())
	for i := 0; i < 5; i++ {
		tr.Observe(10 * time.Millisecond)
	}
	if got := tr.AdaptiveLookahead(); got != rtt.DefaultLookaheadMin {
		t.Errorf("AdaptiveLookahead() = %v, want clamp to min %v", got, rtt.DefaultLookaheadMin)
	}

	tr2 := rtt.New(rtt.DefaultConfig())
	for i := 0; i < 5; i++ {
		tr2.Observe(5 * time.Second)
	}
	if got := tr2.AdaptiveLookahead(); got != rtt.DefaultLookaheadMax {
		t.Errorf("AdaptiveLookahead() = %v, want clamp to max %v", got, rtt.DefaultLookaheadMax)
	}
}

func TestTracker_RejectsOutOfRangeSamples(t *testing.T) {
	t.Parallel()

	tr := rtt.New(rtt.DefaultConfig())
	if tr.Observe(-1) {
		t.Error("expected negative RTT to be rejected")
	}
	if tr.Observe(31 * time.Second) {
		t.Error("expected RTT > 30s to be rejected")
	}
	if got := tr.AdaptiveLookahead(); got != rtt.DefaultLookaheadEmpty {
		t.Errorf("AdaptiveLookahead() = %v, want empty default after all rejections", got)
	}
}

func TestTracker_AveragesWithinWindow(t *testing.T) {
	t.Parallel()

	tr := rtt.New(rtt.Config{Samples: 2, LookaheadMin: 0, LookaheadMax: time.Second})
	tr.Observe(400 * time.Millisecond)
	tr.Observe(600 * time.Millisecond)
	// avg = 500ms, /2 = 250ms.
	if got := tr.AdaptiveLookahead(); got != 250*time.Millisecond {
		t.Errorf("AdaptiveLookahead() = %v, want 250ms", got)
	}

	// Window size 2: the oldest sample (400ms) is evicted by the third.
	tr.Observe(600 * time.Millisecond)
	if got := tr.AdaptiveLookahead(); got != 300*time.Millisecond {
		t.Errorf("AdaptiveLookahead() after eviction = %v, want 300ms", got)
	}
}
