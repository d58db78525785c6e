package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingJob is the unit of asynchronous work. It lives only on the
// queue; the queue's redelivery mechanism owns the attempt counter.
type ProcessingJob struct {
	ImageID uuid.UUID `json:"image_id"`
	// BlobRef is duplicated from the record so a worker can fetch the
	// bytes without a record lookup first.
	BlobRef    string    `json:"blob_ref"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// AttemptNumber is the 1-based delivery count (Attempt starts at 0 and
// is incremented on each redelivery).
func (j ProcessingJob) AttemptNumber() int {
	return j.Attempt + 1
}
