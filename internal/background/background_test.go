package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestSubmitRunsTask(t *testing.T) {
	r := NewRunner(2, nil)
	defer r.Close()
	var mu sync.Mutex
	ran := false
	r.Submit(TaskCacheCleanup, func(ctx context.Context) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	})
	waitFor(t, func() bool {
		return r.Stats()[TaskCacheCleanup].Succeeded == 1
	})
	stats := r.Stats()[TaskCacheCleanup]
	if stats.Started != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestErrorsAreIsolated(t *testing.T) {
	r := NewRunner(1, nil)
	defer r.Close()
	r.Submit(TaskAutoSnapshot, func(ctx context.Context) error {
		return errors.New("snapshot failed")
	})
	waitFor(t, func() bool { return len(r.Errors()) == 1 })
	errs := r.Errors()
	if errs[0].Type != TaskAutoSnapshot || errs[0].Err == nil {
		t.Fatalf("errs = %+v", errs)
	}
	if r.Stats()[TaskAutoSnapshot].Failed != 1 {
		t.Fatalf("failed count = %d", r.Stats()[TaskAutoSnapshot].Failed)
	}
}

func TestPanicIsCaptured(t *testing.T) {
	r := NewRunner(1, nil)
	defer r.Close()
	r.Submit(TaskIndexUpdate, func(ctx context.Context) error {
		panic("index exploded")
	})
	waitFor(t, func() bool { return len(r.Errors()) == 1 })
	if r.Stats()[TaskIndexUpdate].Failed != 1 {
		t.Fatal("panic not counted as failure")
	}
}

func TestErrorQueueBounded(t *testing.T) {
	r := NewRunner(1, nil)
	defer r.Close()
	for i := 0; i < 120; i++ {
		i := i
		r.Submit(TaskRevalidation, func(ctx context.Context) error {
			return fmt.Errorf("failure %d", i)
		})
		// Serialize through the single worker so ordering is stable.
		waitFor(t, func() bool {
			s := r.Stats()[TaskRevalidation]
			return int(s.Failed) == i+1
		})
	}
	errs := r.Errors()
	if len(errs) != 100 {
		t.Fatalf("queue length = %d, want bounded at 100", len(errs))
	}
	// Oldest entries were dropped.
	if errs[0].Err.Error() != "failure 20" {
		t.Fatalf("oldest retained = %v", errs[0].Err)
	}
}

func TestCloseDropsPending(t *testing.T) {
	r := NewRunner(1, nil)
	block := make(chan struct{})
	r.Submit(TaskPeriodicFlush, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	_ = block
	r.Close()
	// Submitting after close is a no-op.
	r.Submit(TaskPeriodicFlush, func(ctx context.Context) error { return nil })
	if r.Stats()[TaskPeriodicFlush].Started != 1 {
		t.Fatalf("post-close submit was accepted: %+v", r.Stats())
	}
}
