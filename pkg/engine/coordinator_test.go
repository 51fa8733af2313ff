package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSolveAllRunsEveryTask(t *testing.T) {
	var mu sync.Mutex
	ran := make(map[int]bool)
	var tasks []SolveTask
	for i := 0; i < 8; i++ {
		i := i
		tasks = append(tasks, SolveTask{Site: i, Solve: func(context.Context) error {
			mu.Lock()
			ran[i] = true
			mu.Unlock()
			return nil
		}})
	}
	if err := NewCoordinator(3).SolveAll(context.Background(), tasks); err != nil {
		t.Fatalf("SolveAll: %v", err)
	}
	for i := 0; i < 8; i++ {
		if !ran[i] {
			t.Errorf("task for site %d never ran", i)
		}
	}
}

func TestSolveAllPropagatesFirstError(t *testing.T) {
	boom := errors.New("solver exploded")
	tasks := []SolveTask{
		{Site: 0, Solve: func(context.Context) error { return nil }},
		{Site: 1, Solve: func(context.Context) error { return boom }},
	}
	err := NewCoordinator(0).SolveAll(context.Background(), tasks)
	if !errors.Is(err, boom) {
		t.Fatalf("SolveAll error = %v, want %v", err, boom)
	}
}

func TestSolveAllHonorsWorkerBound(t *testing.T) {
	const bound = 2
	var current, peak int64
	var tasks []SolveTask
	gate := make(chan struct{})
	for i := 0; i < 6; i++ {
		tasks = append(tasks, SolveTask{Site: i, Solve: func(context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			<-gate
			atomic.AddInt64(&current, -1)
			return nil
		}})
	}
	done := make(chan error, 1)
	go func() { done <- NewCoordinator(bound).SolveAll(context.Background(), tasks) }()
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("SolveAll: %v", err)
	}
	if p := atomic.LoadInt64(&peak); p > bound {
		t.Errorf("peak concurrency %d exceeds worker bound %d", p, bound)
	}
}

func TestSolveAllStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	tasks := []SolveTask{
		{Site: 0, Solve: func(context.Context) error { ran = true; return nil }},
	}
	if err := NewCoordinator(1).SolveAll(ctx, tasks); err == nil {
		t.Fatal("SolveAll ignored a cancelled context")
	}
	if ran {
		t.Error("task ran despite a cancelled context")
	}
}
