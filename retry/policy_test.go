package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

func TestPolicy_DelayIsCappedAndNonDecreasing(t *testing.T) {
	policy := DefaultPolicy()
	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		if got := policy.Delay(i + 1); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, want, got)
		}
	}
}

func TestPolicyFromConfig_NormalizesZeroValues(t *testing.T) {
	policy := PolicyFromConfig(core.RetryConfig{})
	if policy != DefaultPolicy() {
		t.Fatalf("expected defaults for empty config, got %+v", policy)
	}
}

func TestDo_TransientThenSuccessRespectsMaxAttempts(t *testing.T) {
	upstream503 := core.TransientUpstream(nil, 503, "courier unavailable")
	run := func(maxAttempts int) (int, error, []time.Duration) {
		calls := 0
		var delays []time.Duration
		attempts, err := Do(context.Background(),
			Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, MaxAttempts: maxAttempts},
			func(context.Context, int) error {
				calls++
				if calls <= 3 {
					return upstream503
				}
				return nil
			},
			WithSleep(func(_ context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			}),
		)
		return attempts, err, delays
	}

	attempts, err, delays := run(3)
	if err == nil || attempts != 3 {
		t.Fatalf("expected failure after 3 attempts, got attempts=%d err=%v", attempts, err)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected delays %v", delays)
	}

	attempts, err, _ = run(4)
	if err != nil || attempts != 4 {
		t.Fatalf("expected success on 4th attempt, got attempts=%d err=%v", attempts, err)
	}
}

func TestDo_TerminalErrorStopsAfterOneAttempt(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), DefaultPolicy(), func(context.Context, int) error {
		calls++
		return core.UpstreamRejected(422, "bad address")
	}, WithSleep(func(context.Context, time.Duration) error { return nil }))
	if calls != 1 || attempts != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
	if !core.HasTextCode(err, core.ErrorUpstreamRejected) {
		t.Fatalf("expected rejected error, got %v", err)
	}
}

func TestDo_DelayHintExtendsBackoff(t *testing.T) {
	var delays []time.Duration
	_, _ = Do(context.Background(), Policy{MaxAttempts: 2}, func(context.Context, int) error {
		return errors.New("slow down")
	},
		WithDelayHint(func(error) (time.Duration, bool) { return 10 * time.Second, true }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)
	if len(delays) != 1 || delays[0] != 10*time.Second {
		t.Fatalf("expected hinted delay, got %v", delays)
	}
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, DefaultPolicy(), func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected loop to stop after cancellation, got %d calls", calls)
	}
}
