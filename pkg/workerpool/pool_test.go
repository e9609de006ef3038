package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	p, err := New(Config{Workers: 2, QueueSize: 4, MaxRetries: 3, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) *Result {
			if attempts.Add(1) < 3 {
				return &Result{TaskID: task.ID, Error: errors.New("transient")}
			}
			return &Result{TaskID: task.ID, Success: true, Data: task.Payload}
		}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	defer p.Stop()

	r, err := p.SubmitWait(context.Background(), &Task{ID: "t1", Payload: "x"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !r.Success || r.TaskID != "t1" || r.Data != "x" {
		t.Errorf("unexpected result %+v", r)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
	if s := p.Stats(); s.TasksRetried != 2 || s.TasksCompleted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRetriesExhausted(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 1, RetryDelay: time.Millisecond},
		func(ctx context.Context, task *Task) *Result {
			return &Result{TaskID: task.ID, Error: errors.New("down")}
		}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	defer p.Stop()

	if err := p.Submit(&Task{ID: "t1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case r := <-p.Results():
		if r.Success || r.Error == nil {
			t.Errorf("expected failure, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no result")
	}
	if s := p.Stats(); s.TasksFailed != 1 {
		t.Errorf("failed = %d, want 1", s.TasksFailed)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
