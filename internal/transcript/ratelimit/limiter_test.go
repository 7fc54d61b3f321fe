package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opendictate/transvox/internal/transcript/ratelimit"
)

func TestLimiter_SetRPMAppliesToSubsequentAcquire(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 1, TPM: 1_000_000, SkipThreshold: 0})
	// First call consumes the global budget of 1 request/minute.
	out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "")
	if out.Kind != ratelimit.Proceed {
		t.Fatalf("first Acquire Kind = %v, want Proceed", out.Kind)
	}
	if out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, ""); out.Kind == ratelimit.Proceed {
		t.Fatal("expected the second Acquire to be gated under RPM=1")
	}

	lim.SetRPM(100)
	if out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, ""); out.Kind != ratelimit.Proceed {
		t.Errorf("Kind = %v, want Proceed after raising RPM", out.Kind)
	}
}

func TestLimiter_SetRPMIgnoresZero(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 5, TPM: 1_000_000})
	lim.SetRPM(0)
	// No direct getter for cfg.RPM; exercised indirectly via Acquire staying
	// gated at the original budget rather than falling to an unbounded zero.
	for i := 0; i < 5; i++ {
		lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "")
	}
	if out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, ""); out.Kind == ratelimit.Proceed {
		t.Error("expected RPM=5 to still gate after SetRPM(0) is ignored")
	}
}

func TestLimiter_ProceedsUnderBudget(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 10, TPM: 10_000})
	out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 40}, "s1")
	if out.Kind != ratelimit.Proceed {
		t.Fatalf("Kind = %v, want Proceed", out.Kind)
	}
}

func TestLimiter_FairShareSplitsAcrossSessions(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 2, TPM: 1_000_000, SkipThreshold: time.Hour})

	// Two active sessions: fair share is floor(2/2) = 1 request each.
	if out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "a"); out.Kind != ratelimit.Proceed {
		t.Fatalf("session a first acquire: Kind = %v, want Proceed", out.Kind)
	}
	if out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "b"); out.Kind != ratelimit.Proceed {
		t.Fatalf("session b first acquire: Kind = %v, want Proceed", out.Kind)
	}

	// Session a's second request should now be throttled by its fair share
	// even though the global RPM budget (2) has not yet been exhausted.
	out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "a")
	if out.Kind == ratelimit.Proceed {
		t.Fatalf("session a second acquire: Kind = Proceed, want Wait or Skip under fair share")
	}
}

func TestLimiter_SkipWhenWaitExceedsThreshold(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 1, TPM: 1_000_000, SkipThreshold: time.Millisecond})
	lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "s1")

	out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "s1")
	if out.Kind != ratelimit.Skip {
		t.Errorf("Kind = %v, want Skip (projected wait exceeds the 1ms threshold)", out.Kind)
	}
}

func TestLimiter_WaitWhenWaitUnderThreshold(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 1, TPM: 1_000_000, SkipThreshold: time.Hour})
	lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "s1")

	out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "s1")
	if out.Kind != ratelimit.Wait {
		t.Fatalf("Kind = %v, want Wait", out.Kind)
	}
	if out.WaitFor <= 0 || out.WaitFor > time.Minute {
		t.Errorf("WaitFor = %v, want a positive duration under a minute", out.WaitFor)
	}
}

func TestLimiter_ObserveResponse_ParsesRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 100, TPM: 1_000_000, SkipThreshold: time.Hour, MaxDelay: 10 * time.Second})
	delay := lim.ObserveResponse("s1", "rate limit exceeded, please try again in 2s")
	// 2s * 1.2 + 200ms = 2.6s.
	if delay < 2*time.Second || delay > 3*time.Second {
		t.Errorf("delay = %v, want roughly 2.6s", delay)
	}

	out := lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "s1")
	if out.Kind != ratelimit.Wait {
		t.Fatalf("Kind = %v, want Wait (blocked by observed retry-after)", out.Kind)
	}
	if out.WaitFor <= 0 {
		t.Errorf("WaitFor = %v, want positive", out.WaitFor)
	}
}

func TestLimiter_ObserveResponse_TPMMentionEnforcesOneSecondFloor(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{MaxDelay: 10 * time.Second})
	delay := lim.ObserveResponse("", "TPM limit reached, retry after 10ms")
	if delay < time.Second {
		t.Errorf("delay = %v, want at least 1s floor for a TPM-mentioning message", delay)
	}
}

func TestLimiter_ObserveResponse_NoMatchReturnsZero(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{})
	if delay := lim.ObserveResponse("s1", "internal server error"); delay != 0 {
		t.Errorf("delay = %v, want 0 for an unparseable message", delay)
	}
}

func TestLimiter_Do_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3})
	attempts := 0
	var retries int
	err := lim.Do(context.Background(), "s1", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: try again in 1ms", ratelimit.ErrRateLimited)
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		retries++
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if retries != 2 {
		t.Errorf("retries observed = %d, want 2", retries)
	}
}

func TestLimiter_Do_NonRateLimitErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{MaxRetries: 3})
	boom := errors.New("boom")
	attempts := 0
	err := lim.Do(context.Background(), "s1", func(context.Context) error {
		attempts++
		return boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on non-rate-limit error)", attempts)
	}
}

func TestLimiter_Do_ExhaustsToTerminalError(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 2})
	err := lim.Do(context.Background(), "s1", func(context.Context) error {
		return ratelimit.ErrRateLimited
	}, nil)
	if !errors.Is(err, ratelimit.ErrRateLimitExhausted) {
		t.Fatalf("error = %v, want ErrRateLimitExhausted", err)
	}
}

func TestLimiter_IsRateLimited(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(ratelimit.Config{RPM: 1, TPM: 1_000_000})
	if lim.IsRateLimited() {
		t.Error("fresh limiter should not report rate limited")
	}
	lim.Acquire(context.Background(), ratelimit.RequestSpec{MessageChars: 4}, "")
	if !lim.IsRateLimited() {
		t.Error("expected rate limited after exhausting global RPM of 1")
	}
}

func TestEstimateTokens_RespectsMaxTokensCap(t *testing.T) {
	t.Parallel()

	input, output, total := ratelimit.EstimateTokens(ratelimit.RequestSpec{MessageChars: 400, MaxTokens: 50})
	if input != 100 {
		t.Errorf("input = %d, want 100", input)
	}
	if output != 50 {
		t.Errorf("output = %d, want 50 (explicit cap below the 1.2x heuristic)", output)
	}
	if total != input+output {
		t.Errorf("total = %d, want %d", total, input+output)
	}
}
