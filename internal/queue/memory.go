package queue

import (
	"context"
	"sync"

	"github.com/meshenvy/firmware-builder/internal/models"
)

// MemoryQueue is an in-process Queue used by tests and single-binary setups.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []*models.DispatchJob
	processing map[string]*models.DispatchJob
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{processing: make(map[string]*models.DispatchJob)}
}

// Enqueue appends a job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *models.DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *job
	q.pending = append(q.pending, &cp)
	return nil
}

// Dequeue pops the oldest pending job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.DispatchJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, ErrNoJobs
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.processing[job.ID] = job
	cp := *job
	return &cp, nil
}

// Ack drops a processing job.
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processing[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(q.processing, jobID)
	return nil
}

// Nack moves a processing job back to the end of the queue.
func (q *MemoryQueue) Nack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.processing[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.processing, jobID)
	job.RetryCount++
	q.pending = append(q.pending, job)
	return nil
}

// Release puts a processing job back at the head of the queue.
func (q *MemoryQueue) Release(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.processing[jobID]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.processing, jobID)
	q.pending = append([]*models.DispatchJob{job}, q.pending...)
	return nil
}

// Len returns the number of pending and processing jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.processing)
}
