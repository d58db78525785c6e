// Package pipeline drives the deferred extraction work: it consumes
// processing jobs, claims the record, fetches the blob, runs the
// aggregator and publishes the result, with one retry/backoff policy
// for the whole job via the queue's redelivery mechanism.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andreweick/hamlet-hamtramck/internal/blob"
	"github.com/andreweick/hamlet-hamtramck/internal/metadata"
	"github.com/andreweick/hamlet-hamtramck/internal/models"
	"github.com/andreweick/hamlet-hamtramck/internal/queue"
	"github.com/andreweick/hamlet-hamtramck/internal/storage"
)

// Aggregator is what the orchestrator needs from the metadata layer.
type Aggregator interface {
	Aggregate(ctx context.Context, data []byte) metadata.Result
}

const (
	DefaultMaxAttempts = 3
	DefaultJobTimeout  = 30 * time.Second
)

type Orchestrator struct {
	records     storage.RecordStore
	blobs       blob.Store
	aggregator  Aggregator
	maxAttempts int
	jobTimeout  time.Duration
	log         *zap.Logger
}

func NewOrchestrator(records storage.RecordStore, blobs blob.Store, aggregator Aggregator, maxAttempts int, jobTimeout time.Duration, log *zap.Logger) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	return &Orchestrator{
		records:     records,
		blobs:       blobs,
		aggregator:  aggregator,
		maxAttempts: maxAttempts,
		jobTimeout:  jobTimeout,
		log:         log,
	}
}

// Run starts the worker pool and blocks until ctx ends or the consumer
// closes. Each worker handles one job fully before taking the next, so
// a slow job never stalls the queue beyond its own worker.
func (o *Orchestrator) Run(ctx context.Context, consumer queue.Consumer, workers int) {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				delivery, err := consumer.Receive(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
						return
					}
					o.log.Error("receive failed", zap.Int("worker", worker), zap.Error(err))
					continue
				}
				if err := o.ProcessOne(ctx, delivery); err != nil {
					o.log.Error("job handling failed", zap.Int("worker", worker), zap.Error(err))
				}
			}
		}(i)
	}
	wg.Wait()
}

// ProcessOne handles one dequeued job: exactly one conditional claim
// write and one result write per attempt.
func (o *Orchestrator) ProcessOne(ctx context.Context, delivery queue.Delivery) error {
	const op = "pipeline.Orchestrator.ProcessOne"

	job := delivery.Job()
	log := o.log.With(
		zap.String("image_id", job.ImageID.String()),
		zap.Int("attempt", job.AttemptNumber()),
	)

	claimed, err := o.records.UpdateMetadataStatus(ctx, job.ImageID,
		[]models.MetadataStatus{models.MetadataPending, models.MetadataFailed},
		models.MetadataProcessing, nil)
	if err != nil {
		log.Warn("claim write failed", zap.Error(err))
		return o.failAttempt(ctx, delivery, job, log, fmt.Errorf("%s: %w", op, err), false)
	}
	if !claimed {
		// Lost the claim race, or the record is already completed or
		// mid-flight. Either way this delivery is stale: acknowledge it
		// without touching the record.
		log.Info("claim not won, dropping stale delivery")
		return delivery.Ack(ctx)
	}

	jobCtx, cancel := context.WithTimeout(ctx, o.jobTimeout)
	defer cancel()

	data, err := o.blobs.Get(jobCtx, job.BlobRef)
	if err != nil {
		if blob.IsNotFound(err) {
			// The blob will never appear; retrying is pointless.
			log.Error("blob permanently missing", zap.Error(err))
			return o.deadLetter(ctx, delivery, job, log, err)
		}
		log.Warn("blob fetch failed", zap.Error(err))
		return o.failAttempt(ctx, delivery, job, log, err, false)
	}

	result := o.aggregator.Aggregate(jobCtx, data)
	data = nil // the bytes are not held beyond the aggregation

	if result.Failure != nil {
		log.Warn("aggregation failed", zap.Error(result.Failure))
		return o.failAttempt(ctx, delivery, job, log, result.Failure, false)
	}
	if err := jobCtx.Err(); err != nil {
		log.Warn("job timed out", zap.Error(err))
		return o.failAttempt(ctx, delivery, job, log, err, false)
	}

	fields := buildFields(result)
	ok, err := o.records.UpdateMetadataStatus(ctx, job.ImageID,
		[]models.MetadataStatus{models.MetadataProcessing},
		models.MetadataCompleted, fields)
	if err != nil {
		log.Warn("result write failed", zap.Error(err))
		return o.failAttempt(ctx, delivery, job, log, err, false)
	}
	if !ok {
		// Under the single-writer claim discipline this means the record
		// was deleted or reset underneath us; the delivery is stale.
		log.Warn("result write lost the condition, dropping delivery")
		return delivery.Ack(ctx)
	}

	log.Info("extraction completed",
		zap.Bool("exif_present", result.Exif.Data != nil),
		zap.Bool("iptc_present", result.Iptc.Data != nil),
		zap.Bool("c2pa_present", result.C2PA.Data != nil))
	return delivery.Ack(ctx)
}

// failAttempt applies the single job-level retry policy: redeliver while
// attempts remain, dead-letter otherwise. permanent short-circuits
// straight to the dead letter.
func (o *Orchestrator) failAttempt(ctx context.Context, delivery queue.Delivery, job models.ProcessingJob, log *zap.Logger, cause error, permanent bool) error {
	if permanent || job.AttemptNumber() >= o.maxAttempts {
		return o.deadLetter(ctx, delivery, job, log, cause)
	}

	// Release the claim so the redelivered attempt can win it again. If
	// the claim was never taken this update just misses its condition.
	if _, err := o.records.UpdateMetadataStatus(ctx, job.ImageID,
		[]models.MetadataStatus{models.MetadataProcessing},
		models.MetadataPending, nil); err != nil {
		log.Warn("claim release failed", zap.Error(err))
	}

	log.Info("redelivering job", zap.Error(cause))
	return delivery.Redeliver(ctx)
}

// deadLetter marks the record permanently failed, wipes any partial
// extraction fields, and removes the job from the active queue.
func (o *Orchestrator) deadLetter(ctx context.Context, delivery queue.Delivery, job models.ProcessingJob, log *zap.Logger, cause error) error {
	msg := cause.Error()
	fields := &models.ExtractionFields{MetadataError: &msg}
	ok, err := o.records.UpdateMetadataStatus(ctx, job.ImageID,
		[]models.MetadataStatus{models.MetadataProcessing},
		models.MetadataFailed, fields)
	if err == nil && !ok {
		// The record is not in processing, so this attempt never held the
		// claim (the claim write itself kept failing). Take it now so the
		// record reaches failed through legal transitions.
		claimed, cerr := o.records.UpdateMetadataStatus(ctx, job.ImageID,
			[]models.MetadataStatus{models.MetadataPending, models.MetadataFailed},
			models.MetadataProcessing, nil)
		if cerr == nil && claimed {
			_, err = o.records.UpdateMetadataStatus(ctx, job.ImageID,
				[]models.MetadataStatus{models.MetadataProcessing},
				models.MetadataFailed, fields)
		}
	}
	if err != nil {
		log.Error("dead-letter status write failed", zap.Error(err))
	}
	log.Error("job dead-lettered", zap.Int("attempts", job.AttemptNumber()), zap.Error(cause))
	return delivery.Ack(ctx)
}

// RequeueStuck releases records wedged in processing back to pending and
// re-enqueues their jobs. A worker that dies between its claim write and
// its result write leaves the record claimed forever: redeliveries lose
// the claim and get dropped as stale, so nothing else can move it.
// Anything sitting in processing longer than the job timeout is such a
// casualty.
func (o *Orchestrator) RequeueStuck(ctx context.Context, producer queue.Producer) (int, error) {
	const op = "pipeline.Orchestrator.RequeueStuck"

	cutoff := time.Now().Add(-o.jobTimeout)
	stuck, err := o.records.FindStuckProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	requeued := 0
	for _, rec := range stuck {
		ok, err := o.records.UpdateMetadataStatus(ctx, rec.ID,
			[]models.MetadataStatus{models.MetadataProcessing},
			models.MetadataPending, nil)
		if err != nil {
			o.log.Warn("stuck claim release failed", zap.String("image_id", rec.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			// A live worker finished it between the scan and the release.
			continue
		}
		job := models.ProcessingJob{ImageID: rec.ID, BlobRef: rec.BlobRef, EnqueuedAt: time.Now().UTC()}
		if err := producer.Enqueue(ctx, job); err != nil {
			o.log.Error("stuck job enqueue failed", zap.String("image_id", rec.ID.String()), zap.Error(err))
			continue
		}
		o.log.Info("requeued stuck record", zap.String("image_id", rec.ID.String()))
		requeued++
	}
	return requeued, nil
}

// RunReclaimer sweeps for stuck records until ctx ends. The first pass
// runs immediately so records orphaned by a previous process are
// recovered at startup.
func (o *Orchestrator) RunReclaimer(ctx context.Context, producer queue.Producer, interval time.Duration) {
	if interval <= 0 {
		interval = o.jobTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.RequeueStuck(ctx, producer); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Error("stuck record sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildFields merges an aggregate result into the record's extraction
// field group. Absent kinds are written as nil explicitly so nothing
// stale survives a reprocess.
func buildFields(result metadata.Result) *models.ExtractionFields {
	return &models.ExtractionFields{
		Width:           result.Width,
		Height:          result.Height,
		Exif:            result.Exif.Data,
		Iptc:            result.Iptc.Data,
		C2PA:            result.C2PA.Data,
		C2PAVerified:    result.C2PAVerified,
		C2PASignatureOK: result.C2PASignatureOK,
		C2PAIssuer:      result.C2PAIssuer,
		MetadataError:   result.ErrorSummary(),
	}
}
