package workers_test

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/workers"
)

func newTestPool(t *testing.T, config workers.PoolConfig) *workers.Pool {
	t.Helper()
	p := workers.NewPool(zap.NewNop(), config)
	p.Start()
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestSubmitWaitReturnsTaskError(t *testing.T) {
	p := newTestPool(t, workers.DefaultPoolConfig("test"))

	if err := p.SubmitWait(workers.TaskFunc(func() error { return nil })); err != nil {
		t.Errorf("Successful task should return nil, got %v", err)
	}

	want := errors.New("boom")
	if err := p.SubmitWait(workers.TaskFunc(func() error { return want })); err != want {
		t.Errorf("SubmitWait should surface the task error, got %v", err)
	}

	if got := p.Stats().TasksSubmitted; got != 2 {
		t.Errorf("TasksSubmitted = %d, want 2", got)
	}

	// Counters are bumped after the waiter is released; poll briefly.
	deadline := time.After(5 * time.Second)
	for {
		stats := p.Stats()
		if stats.TasksCompleted+stats.TasksFailed == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Completed+Failed = %d, want 2", stats.TasksCompleted+stats.TasksFailed)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPanicRecovered(t *testing.T) {
	p := newTestPool(t, workers.DefaultPoolConfig("test"))

	// SubmitWait cannot be used here: a panic skips the completion signal.
	if err := p.SubmitFunc(func() error { panic("kaboom") }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// A panicking task is recovered and counted as failed.
	deadline := time.After(5 * time.Second)
	for {
		stats := p.Stats()
		if stats.PanicRecovered == 1 && stats.TasksFailed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Panic never recorded: %+v", stats)
		case <-time.After(time.Millisecond):
		}
	}

	// The worker survives and keeps serving.
	if err := p.SubmitWait(workers.TaskFunc(func() error { return nil })); err != nil {
		t.Errorf("Pool should survive a panic, got %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	p := newTestPool(t, workers.PoolConfig{
		Name:       "tiny",
		NumWorkers: 1,
		QueueSize:  1,
	})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	// Occupy the single worker.
	if err := p.SubmitFunc(func() error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	// Fill the one queue slot.
	if err := p.SubmitFunc(func() error { return nil }); err != nil {
		t.Fatalf("Queue slot should be free: %v", err)
	}

	if err := p.SubmitFunc(func() error { return nil }); err != workers.ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("test"))
	p.Start()
	if !p.IsRunning() {
		t.Fatal("Pool should be running after Start")
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if p.IsRunning() {
		t.Error("Pool should not be running after Stop")
	}

	if err := p.SubmitFunc(func() error { return nil }); err != workers.ErrPoolStopped {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
	if err := p.SubmitWait(workers.TaskFunc(func() error { return nil })); err != workers.ErrPoolStopped {
		t.Errorf("Expected ErrPoolStopped from SubmitWait, got %v", err)
	}

	// Stopping again is a no-op.
	if err := p.Stop(); err != nil {
		t.Errorf("Repeated Stop should be nil, got %v", err)
	}
}

func TestStopDrainsInFlightWork(t *testing.T) {
	p := workers.NewPool(zap.NewNop(), workers.PoolConfig{
		Name:            "drain",
		NumWorkers:      1,
		QueueSize:       4,
		ShutdownTimeout: 5 * time.Second,
	})
	p.Start()

	started := make(chan struct{})
	finished := make(chan struct{})
	if err := p.SubmitFunc(func() error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop should wait for the running task: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("Stop returned before the in-flight task finished")
	}
}

func TestPanicErrorMessage(t *testing.T) {
	err := &workers.PanicError{Recovered: "boom"}
	if err.Error() != "task panicked: boom" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
