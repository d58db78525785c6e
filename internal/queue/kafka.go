package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/andreweick/hamlet-hamtramck/internal/models"
)

const attemptHeader = "x-attempt"

// KafkaQueue implements the queue contract on a Kafka topic. Redelivery
// republishes the job with the attempt header incremented and commits
// the original offset, so a crashed worker leaves the message
// uncommitted and the group redelivers it as-is.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

func NewKafkaQueue(broker, topic, groupID string) *KafkaQueue {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{broker},
		Topic:   topic,
	})
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: groupID,
	})
	return &KafkaQueue{writer: writer, reader: reader}
}

// NewKafkaProducer builds the write-only half used by the ingest server.
func NewKafkaProducer(broker, topic string) *KafkaQueue {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{broker},
		Topic:   topic,
	})
	return &KafkaQueue{writer: writer}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job models.ProcessingJob) error {
	const op = "queue.KafkaQueue.Enqueue"

	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := kafka.Message{
		Key:   []byte(job.ImageID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: attemptHeader, Value: []byte(strconv.Itoa(job.Attempt))},
		},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (q *KafkaQueue) Receive(ctx context.Context) (Delivery, error) {
	const op = "queue.KafkaQueue.Receive"

	msg, err := q.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var job models.ProcessingJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, h := range msg.Headers {
		if h.Key == attemptHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				job.Attempt = n
			}
		}
	}
	return &kafkaDelivery{queue: q, msg: msg, job: job}, nil
}

func (q *KafkaQueue) Close() error {
	var first error
	if q.reader != nil {
		first = q.reader.Close()
	}
	if q.writer != nil {
		if err := q.writer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type kafkaDelivery struct {
	queue *KafkaQueue
	msg   kafka.Message
	job   models.ProcessingJob
}

func (d *kafkaDelivery) Job() models.ProcessingJob { return d.job }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.queue.reader.CommitMessages(ctx, d.msg)
}

func (d *kafkaDelivery) Redeliver(ctx context.Context) error {
	const op = "queue.kafkaDelivery.Redeliver"

	next := d.job
	next.Attempt++
	if err := d.queue.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Republish must land before the original offset is committed, or a
	// crash between the two would lose the job.
	if err := d.queue.reader.CommitMessages(ctx, d.msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
