// Package queue carries processing jobs from the ingest handler to the
// pipeline workers. The pipeline depends only on the contract here:
// enqueue on one side, receive plus an explicit ack-or-redeliver on the
// other, with the queue supplying the attempt counter on redelivery.
package queue

import (
	"context"
	"errors"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

// ErrClosed is returned by Receive once the queue is shut down.
var ErrClosed = errors.New("queue closed")

type Producer interface {
	Enqueue(ctx context.Context, job models.ProcessingJob) error
}

// Delivery is one received job. Exactly one of Ack or Redeliver must be
// called; there is no implicit acknowledgment.
type Delivery interface {
	Job() models.ProcessingJob
	// Ack removes the job from the queue, on success or permanent failure.
	Ack(ctx context.Context) error
	// Redeliver requeues the job with the attempt counter incremented.
	Redeliver(ctx context.Context) error
}

type Consumer interface {
	// Receive blocks until a job is available, the context ends, or the
	// queue closes.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}
