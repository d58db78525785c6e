package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

// ChannelQueue is an in-process queue over a buffered channel. It is the
// single-binary deployment mode and the queue the tests run against; the
// contract it implements matches the Kafka queue exactly, including
// backoff-delayed redelivery with an incremented attempt counter.
type ChannelQueue struct {
	jobs     chan models.ProcessingJob
	closedCh chan struct{}

	backoffBase time.Duration
	backoffCap  time.Duration

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

func NewChannelQueue(buffer int, backoffBase, backoffCap time.Duration) *ChannelQueue {
	if buffer <= 0 {
		buffer = 128
	}
	if backoffBase <= 0 {
		backoffBase = 250 * time.Millisecond
	}
	if backoffCap <= 0 {
		backoffCap = 10 * time.Second
	}
	return &ChannelQueue{
		jobs:        make(chan models.ProcessingJob, buffer),
		closedCh:    make(chan struct{}),
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, job models.ProcessingJob) error {
	select {
	case <-q.closedCh:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case job := <-q.jobs:
		return &channelDelivery{queue: q, job: job}, nil
	case <-q.closedCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *ChannelQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	close(q.closedCh)
	return nil
}

// redeliverDelay returns the delay before the job's next delivery, one
// backoff step per redelivery already taken.
func (q *ChannelQueue) redeliverDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(q.backoffCap, retry.NewExponential(q.backoffBase))
	delay := q.backoffBase
	for i := 0; i <= attempt; i++ {
		d, stop := b.Next()
		if stop {
			break
		}
		delay = d
	}
	return delay
}

type channelDelivery struct {
	queue *ChannelQueue
	job   models.ProcessingJob
	done  sync.Once
}

func (d *channelDelivery) Job() models.ProcessingJob { return d.job }

func (d *channelDelivery) Ack(ctx context.Context) error {
	// Channel receive already removed the job; Ack just seals the delivery.
	d.done.Do(func() {})
	return nil
}

func (d *channelDelivery) Redeliver(ctx context.Context) error {
	var err error
	d.done.Do(func() {
		next := d.job
		next.Attempt++
		delay := d.queue.redeliverDelay(d.job.Attempt)

		q := d.queue
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			err = ErrClosed
			return
		}
		timer := time.AfterFunc(delay, func() {
			select {
			case q.jobs <- next:
			case <-q.closedCh:
			}
		})
		q.timers = append(q.timers, timer)
		q.mu.Unlock()
	})
	return err
}
