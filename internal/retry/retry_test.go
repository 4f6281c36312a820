package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

var errTransient = errors.New("transient")

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	var delays []int
	p := Policy{
		Attempts: 3,
		Delay: func(failed int, _ error) time.Duration {
			delays = append(delays, failed)
			return 0
		},
	}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.Newf("attempt %d", calls)
	})

	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if err == nil || err.Error() != "attempt 3" {
		t.Errorf("Expected the last attempt's error, got %v", err)
	}
	if len(delays) != 2 || delays[0] != 1 || delays[1] != 2 {
		t.Errorf("Expected delays requested after failures 1 and 2, got %v", delays)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	p := Policy{
		Attempts:  5,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errTransient
		}
		return permanent
	})

	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	var retried []int
	p := Policy{
		Attempts: 4,
		OnRetry:  func(failed int, _ error) { retried = append(retried, failed) },
	}

	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if got != "ok" {
		t.Errorf("Expected ok, got %q", got)
	}
	if len(retried) != 2 {
		t.Errorf("Expected 2 retry callbacks, got %v", retried)
	}
}

func TestZeroPolicyMakesOneAttempt(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}

func TestLinearDelay(t *testing.T) {
	d := Linear(2 * time.Second)
	if d(1, nil) != 2*time.Second || d(3, nil) != 6*time.Second {
		t.Errorf("Unexpected linear delays: %v, %v", d(1, nil), d(3, nil))
	}
}

func TestDoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Policy{Attempts: 3}.Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("Expected no calls on a cancelled context, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
