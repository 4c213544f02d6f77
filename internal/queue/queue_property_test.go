package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/meshenvy/firmware-builder/internal/models"
)

func newJob(i int) *models.DispatchJob {
	return &models.DispatchJob{
		ID: fmt.Sprintf("job-%d", i),
		Request: models.DispatchRequest{
			BuildID:   fmt.Sprintf("build-%d", i),
			BuildHash: fmt.Sprintf("%064d", i),
			Target:    "tbeam",
			Version:   "v2.5.0",
			Plugins:   []string{"bbs"},
		},
		CreatedAt: time.Unix(int64(i), 0).UTC(),
	}
}

func TestPropertyMemoryQueueFIFO(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("jobs dequeue in enqueue order and drain to empty", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			q := NewMemoryQueue()
			for i := 0; i < n; i++ {
				if err := q.Enqueue(ctx, newJob(i)); err != nil {
					return false
				}
			}
			for i := 0; i < n; i++ {
				job, err := q.Dequeue(ctx)
				if err != nil || job.ID != fmt.Sprintf("job-%d", i) {
					return false
				}
				if err := q.Ack(ctx, job.ID); err != nil {
					return false
				}
			}
			_, err := q.Dequeue(ctx)
			return errors.Is(err, ErrNoJobs) && q.Len() == 0
		},
		gen.IntRange(0, 30),
	))

	properties.Property("nack requeues with an incremented retry count", prop.ForAll(
		func(nacks int) bool {
			ctx := context.Background()
			q := NewMemoryQueue()
			if err := q.Enqueue(ctx, newJob(1)); err != nil {
				return false
			}
			for i := 0; i < nacks; i++ {
				job, err := q.Dequeue(ctx)
				if err != nil || job.RetryCount != i {
					return false
				}
				if err := q.Nack(ctx, job.ID); err != nil {
					return false
				}
			}
			job, err := q.Dequeue(ctx)
			return err == nil && job.RetryCount == nacks && q.Len() == 1
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func TestMemoryQueueCopiesJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	job := newJob(7)
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job.ID = "mutated"

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if diff := cmp.Diff(newJob(7), got); diff != "" {
		t.Errorf("dequeued job mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryQueueUnknownJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	if err := q.Ack(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Ack() = %v, want ErrJobNotFound", err)
	}
	if err := q.Nack(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Nack() = %v, want ErrJobNotFound", err)
	}
}

func TestMemoryQueueRelease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	for i := 1; i <= 2; i++ {
		if err := q.Enqueue(ctx, newJob(i)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := q.Release(ctx, first.ID); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if again.ID != first.ID || again.RetryCount != 0 {
		t.Errorf("released job = %+v, want %s back first with retry count 0", again, first.ID)
	}
	if err := q.Release(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Release() = %v, want ErrJobNotFound", err)
	}
}
