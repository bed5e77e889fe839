package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	pool, err := New(Config{Workers: 4, QueueSize: 64}, func(_ context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		go func(n int) {
			res, err := pool.SubmitWait(context.Background(), &Task{ID: fmt.Sprint(n), Payload: n})
			switch {
			case err != nil:
				errs <- err
			case res.TaskID != fmt.Sprint(n) || res.Data.(int) != n*2:
				errs <- fmt.Errorf("task %d got %+v", n, res)
			default:
				errs <- nil
			}
		}(i)
	}
	for i := 0; i < 32; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestResultsChannel(t *testing.T) {
	pool, _ := New(Config{Workers: 2, QueueSize: 8}, func(_ context.Context, task *Task) *Result {
		return &Result{Success: task.ID != "bad", Error: errors.New("bad task")}
	}, nil)
	pool.Start()

	for _, id := range []string{"a", "bad", "c"} {
		if err := pool.SubmitBlocking(context.Background(), &Task{ID: id}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	go pool.Stop()

	failed := 0
	seen := 0
	for res := range pool.Results() {
		seen++
		if !res.Success {
			failed++
		}
	}
	if seen != 3 || failed != 1 {
		t.Errorf("seen %d results, %d failed", seen, failed)
	}
	if err := pool.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("submit after stop: %v", err)
	}
}

func TestRetries(t *testing.T) {
	permanent := errors.New("unsupported trigger")
	var calls int32
	pool, _ := New(Config{
		Workers:    1,
		QueueSize:  4,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	}, func(_ context.Context, task *Task) *Result {
		n := atomic.AddInt32(&calls, 1)
		if task.ID == "perm" {
			return &Result{Error: permanent}
		}
		if n < 2 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true}
	}, nil)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "flaky"})
	if err != nil || !res.Success || res.Attempts != 2 {
		t.Fatalf("flaky: %+v, %v", res, err)
	}

	res, err = pool.SubmitWait(context.Background(), &Task{ID: "perm"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Attempts != 1 || !errors.Is(res.Error, permanent) {
		t.Errorf("perm: %+v", res)
	}
	if pool.Stats().TasksRetried != 1 {
		t.Errorf("retried = %d", pool.Stats().TasksRetried)
	}
}

func TestQueueFull(t *testing.T) {
	release := make(chan struct{})
	pool, _ := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	pool.Start()

	// one task in the worker, one in the queue
	started := 0
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = pool.Submit(&Task{ID: fmt.Sprint(i)})
		if err == nil {
			started++
		}
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	close(release)

	go func() {
		for range pool.Results() {
		}
	}()
	if err := pool.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
	if got := pool.Stats().TasksCompleted; got != int64(started) {
		t.Errorf("completed %d of %d", got, started)
	}
}
