package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"promobot/internal/eventbus"
	logx "promobot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestEnqueueDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatalf("expected error for nil Run")
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestOverlapSkipSameKey(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 4})
	release := make(chan struct{})
	var runs atomic.Int32
	task := Task{
		Name:           "occurrence",
		ConcurrencyKey: "t1/ad1/2026-01-01T00:00:00Z",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	}

	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	skipped := 0
	for i := 0; i < 10; i++ {
		if err := s.Enqueue(task); errors.Is(err, ErrOverlapSkip) {
			skipped++
		}
	}
	if skipped != 10 {
		t.Fatalf("skipped=%d want 10", skipped)
	}
	close(release)
	waitUntil(t, time.Second, func() bool { return s.Snapshot().InFlight == 0 && len(s.Snapshot().History) == 1 })
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs=%d want 1", got)
	}

	// Once released the key can run again.
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue after release: %v", err)
	}
}

func TestRetriesThenNoRetry(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	var runs atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if runs.Add(1) == 2 {
				return NoRetry(errors.New("permanent"))
			}
			return errors.New("transient")
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Attempts != 2 || h.Error != "permanent" {
		t.Fatalf("history=%+v want 2 attempts and permanent error", h)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, RetryMax: -1})
	_ = s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})
	waitUntil(t, time.Second, func() bool { return len(s.Snapshot().History) == 1 })
	if s.Snapshot().History[0].Error == "" {
		t.Fatalf("expected panic recorded as error")
	}
	// Worker survives.
	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not survive panic")
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	run := func(context.Context) error { <-block; return nil }

	_ = s.Enqueue(Task{Name: "a", Run: run})
	waitUntil(t, time.Second, func() bool { return s.Snapshot().InFlight == 1 })
	_ = s.Enqueue(Task{Name: "b", Run: run})
	if err := s.Enqueue(Task{Name: "c", Run: run}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	if s.Snapshot().DroppedQueueFull != 1 {
		t.Fatalf("dropped counter not updated")
	}
}

func TestPruneStates(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan struct{})
	_ = s.Enqueue(Task{
		Name:           "k",
		ConcurrencyKey: "key-1",
		Opt:            TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:            func(context.Context) error { close(done); return nil },
	})
	<-done
	waitUntil(t, time.Second, func() bool { return s.Snapshot().InFlight == 0 })
	time.Sleep(10 * time.Millisecond)

	if n := s.PruneStates(time.Hour); n != 0 {
		t.Fatalf("pruned %d fresh states", n)
	}
	if n := s.PruneStates(time.Millisecond); n != 1 {
		t.Fatalf("pruned=%d want 1", n)
	}
	if s.Snapshot().Keys != 0 {
		t.Fatalf("keys not removed")
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	t.Parallel()

	opt := (TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}).withDefaults(Config{})
	for retry := 1; retry < 20; retry++ {
		if d := backoffDelay(opt, retry, nil); d > time.Second || d <= 0 {
			t.Fatalf("retry %d: delay %s out of bounds", retry, d)
		}
	}
	if d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("x"), time.Hour), nil); d != time.Second {
		t.Fatalf("hint not capped: %s", d)
	}
}

func TestTaskErrorClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatalf("nil errors must stay nil")
	}
	perm := fmt.Errorf("wrapped: %w", NoRetry(base))
	if !IsNoRetry(perm) || !errors.Is(perm, base) {
		t.Fatalf("permanent error not classified: %v", perm)
	}
	if _, ok := retryAfterOf(perm); ok {
		t.Fatalf("permanent error carries a retry hint")
	}
	hinted := RetryAfter(base, -time.Second)
	if d, ok := retryAfterOf(hinted); !ok || d != 0 {
		t.Fatalf("hint=%s ok=%v", d, ok)
	}
	if IsNoRetry(hinted) || IsNoRetry(base) {
		t.Fatalf("transient error classified as permanent")
	}
}
