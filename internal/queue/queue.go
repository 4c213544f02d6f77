// Package queue provides dispatch job queue interfaces and implementations.
package queue

import (
	"context"
	"errors"

	"github.com/meshenvy/firmware-builder/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are available in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")
)

// Queue defines the interface for dispatch job queue operations.
type Queue interface {
	// Enqueue adds a new dispatch job to the queue.
	// The job will be serialized to JSON for storage.
	Enqueue(ctx context.Context, job *models.DispatchJob) error

	// Dequeue retrieves and locks the next available dispatch job.
	// Returns ErrNoJobs if no jobs are available.
	Dequeue(ctx context.Context) (*models.DispatchJob, error)

	// Ack acknowledges successful processing of a job, removing it from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack indicates that job processing failed, making the job available for retry.
	Nack(ctx context.Context, jobID string) error

	// Release hands a job back untouched, without charging a retry. Used
	// when the worker stops before the job's outcome is known.
	Release(ctx context.Context, jobID string) error
}
