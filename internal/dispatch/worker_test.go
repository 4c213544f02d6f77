package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/queue"
)

type recordedFailure struct {
	buildID string
	cause   error
}

type failureLog struct {
	mu       sync.Mutex
	failures []recordedFailure
}

func (f *failureLog) RecordDispatchFailure(ctx context.Context, buildID string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, recordedFailure{buildID, cause})
	return nil
}

// strictQueue rejects queue writes on a finished context like a database
// backed queue would.
type strictQueue struct {
	*queue.MemoryQueue
}

func (q strictQueue) Ack(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.MemoryQueue.Ack(ctx, jobID)
}

func (q strictQueue) Nack(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.MemoryQueue.Nack(ctx, jobID)
}

func (q strictQueue) Release(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.MemoryQueue.Release(ctx, jobID)
}

func TestWorkerSuccess(t *testing.T) {
	q := queue.NewMemoryQueue()
	var calls []models.DispatchRequest
	d := DispatcherFunc(func(ctx context.Context, req models.DispatchRequest) error {
		calls = append(calls, req)
		return nil
	})
	failures := &failureLog{}
	w := NewWorker(nil, q, d, failures, nil)

	ctx := context.Background()
	if err := NewQueueDispatcher(q).Dispatch(ctx, testRequest()); err != nil {
		t.Fatal(err)
	}

	processed, err := w.ProcessNext(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessNext = %v, %v", processed, err)
	}
	if len(calls) != 1 || calls[0].BuildID != "b-1" {
		t.Errorf("calls = %+v", calls)
	}
	if q.Len() != 0 {
		t.Errorf("job not acked")
	}
	if processed, _ := w.ProcessNext(ctx); processed {
		t.Error("queue should be empty")
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	q := queue.NewMemoryQueue()
	attempts := 0
	d := DispatcherFunc(func(ctx context.Context, req models.DispatchRequest) error {
		attempts++
		return &HTTPError{StatusCode: 503}
	})
	failures := &failureLog{}
	w := NewWorker(&WorkerConfig{Concurrency: 1, PollInterval: time.Millisecond, MaxRetries: 2}, q, d, failures, nil)

	ctx := context.Background()
	NewQueueDispatcher(q).Dispatch(ctx, testRequest())
	for i := 0; i < 5; i++ {
		w.ProcessNext(ctx)
	}

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(failures.failures) != 1 || failures.failures[0].buildID != "b-1" {
		t.Fatalf("failures = %+v", failures.failures)
	}
	if q.Len() != 0 {
		t.Error("failed job should be acked")
	}
}

func TestWorkerPermanentFailure(t *testing.T) {
	q := queue.NewMemoryQueue()
	d := DispatcherFunc(func(ctx context.Context, req models.DispatchRequest) error {
		return &HTTPError{StatusCode: 404}
	})
	failures := &failureLog{}
	w := NewWorker(nil, q, d, failures, nil)

	ctx := context.Background()
	NewQueueDispatcher(q).Dispatch(ctx, testRequest())
	w.ProcessNext(ctx)

	if len(failures.failures) != 1 {
		t.Fatalf("failures = %+v", failures.failures)
	}
	var httpErr *HTTPError
	if !errors.As(failures.failures[0].cause, &httpErr) {
		t.Errorf("cause = %v", failures.failures[0].cause)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q := queue.NewMemoryQueue()
	done := make(chan struct{})
	d := DispatcherFunc(func(ctx context.Context, req models.DispatchRequest) error {
		close(done)
		return nil
	})
	w := NewWorker(&WorkerConfig{Concurrency: 2, PollInterval: time.Millisecond}, q, d, &failureLog{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	NewQueueDispatcher(q).Dispatch(context.Background(), testRequest())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerReleasesJobOnShutdown(t *testing.T) {
	q := queue.NewMemoryQueue()
	started := make(chan struct{})
	d := DispatcherFunc(func(ctx context.Context, req models.DispatchRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	failures := &failureLog{}
	w := NewWorker(&WorkerConfig{Concurrency: 1, PollInterval: time.Millisecond, MaxRetries: 3}, strictQueue{q}, d, failures, nil)

	NewQueueDispatcher(q).Dispatch(context.Background(), testRequest())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not picked up")
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	if len(failures.failures) != 0 {
		t.Fatalf("shutdown must not fail the build, got %+v", failures.failures)
	}
	if q.Len() != 1 {
		t.Fatalf("job should be back in the queue, len = %d", q.Len())
	}
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if job.RetryCount != 0 {
		t.Errorf("RetryCount = %d, shutdown must not charge a retry", job.RetryCount)
	}
}

func TestWorkerSettlesJobAfterContextEnds(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	d := DispatcherFunc(func(context.Context, models.DispatchRequest) error {
		// The dispatch itself went through; the worker is told to stop
		// before it can ack.
		cancel()
		return nil
	})
	w := NewWorker(nil, strictQueue{q}, d, &failureLog{}, nil)

	NewQueueDispatcher(q).Dispatch(context.Background(), testRequest())
	if processed, err := w.ProcessNext(ctx); err != nil || !processed {
		t.Fatalf("ProcessNext = %v, %v", processed, err)
	}
	if q.Len() != 0 {
		t.Errorf("dispatched job must be acked after cancellation, len = %d", q.Len())
	}
}
