package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// instantTimer fires immediately and records every requested delay.
type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

// TestDelaySchedule verifies the documented upload backoff delays and cap.
func TestDelaySchedule(t *testing.T) {
	p := UploadPolicy(3)
	var got []time.Duration
	for attempt := 1; attempt <= 7; attempt++ {
		got = append(got, p.Delay(attempt))
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("delays mismatch (-want +got):\n%s", diff)
	}

	r := ResubmitPolicy(5)
	if r.Delay(1) != 2*time.Second || r.Delay(4) != 16*time.Second || r.Delay(5) != 30*time.Second {
		t.Fatalf("resubmit delays = %s %s %s", r.Delay(1), r.Delay(4), r.Delay(5))
	}
}

// TestDoWaitsWithPolicyDelays checks that backoff waits match Delay().
func TestDoWaitsWithPolicyDelays(t *testing.T) {
	timer := newInstantTimer()
	p := UploadPolicy(4)
	p.Timer = timer

	err := p.Do(context.Background(), "upload", func(int) error {
		return errors.New("boom")
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, timer.delays); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}
}

// TestDoExhaustionReferencesLastError verifies the attempt context on exhaustion.
func TestDoExhaustionReferencesLastError(t *testing.T) {
	p := UploadPolicy(3)
	p.Timer = newInstantTimer()

	calls := 0
	err := p.Do(context.Background(), "upload", func(attempt int) error {
		calls++
		return errors.New("connection reset #" + string(rune('0'+attempt)))
	}, nil)

	var attemptErr *AttemptError
	if !errors.As(err, &attemptErr) {
		t.Fatalf("error = %T %v, want *AttemptError", err, err)
	}
	if calls != 3 || attemptErr.Attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3", calls, attemptErr.Attempts)
	}
	if !strings.Contains(err.Error(), "connection reset #3") {
		t.Fatalf("error %q does not reference last failure", err)
	}
}

// TestDoSucceedsAfterFailures verifies notify sees each retried attempt.
func TestDoSucceedsAfterFailures(t *testing.T) {
	p := UploadPolicy(3)
	p.Timer = newInstantTimer()

	var notified []int
	err := p.Do(context.Background(), "chunk", func(attempt int) error {
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if diff := cmp.Diff([]int{1, 2}, notified); diff != "" {
		t.Fatalf("notified mismatch (-want +got):\n%s", diff)
	}
}

// TestDoPermanentStopsImmediately checks validation-style errors are not retried.
func TestDoPermanentStopsImmediately(t *testing.T) {
	p := UploadPolicy(5)
	p.Timer = newInstantTimer()
	sentinel := errors.New("bad request")

	calls := 0
	err := p.Do(context.Background(), "upload", func(int) error {
		calls++
		return Permanent(sentinel)
	}, nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want sentinel", err)
	}
	var attemptErr *AttemptError
	if errors.As(err, &attemptErr) {
		t.Fatal("permanent errors should not be wrapped with attempt context")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// TestDoHonoursCancelledContext verifies cancellation ends retries with context.
func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := UploadPolicy(5)
	p.Timer = newInstantTimer()

	err := p.Do(ctx, "upload", func(attempt int) error {
		if attempt == 2 {
			cancel()
		}
		return errors.New("down")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
