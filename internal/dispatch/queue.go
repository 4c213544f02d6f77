package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meshenvy/firmware-builder/internal/models"
	"github.com/meshenvy/firmware-builder/internal/queue"
)

// QueueDispatcher hands requests to the dispatch queue; a Worker performs
// the actual call.
type QueueDispatcher struct {
	queue queue.Queue
}

// NewQueueDispatcher creates a dispatcher over q.
func NewQueueDispatcher(q queue.Queue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

// Dispatch enqueues the request.
func (d *QueueDispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	job := &models.DispatchJob{
		ID:        uuid.New().String(),
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing dispatch for build %s: %w", req.BuildID, err)
	}
	return nil
}
