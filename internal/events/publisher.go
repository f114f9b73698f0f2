// Package events carries the engine's Kafka surface: the per-project job
// event publisher, the dispatch producer the request layer enqueues jobs
// through, and the dispatch listener the worker consumes them from.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/enrichment-service/internal/domain"
)

// messageWriter is the subset of kafka.Writer the producers need.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig holds configuration for the event publisher.
type PublisherConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic is the job events topic.
	Topic string

	// BatchSize and BatchTimeout tune the writer's batching.
	BatchSize    int
	BatchTimeout time.Duration
}

// Publisher publishes job events to the per-project event channel.
// Messages are keyed by project id so one project's events stay ordered
// on a single partition.
type Publisher struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewPublisher creates a Kafka-backed event publisher.
func NewPublisher(cfg PublisherConfig, logger zerolog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	return &Publisher{
		writer: writer,
		logger: logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish sends one job event to the project's channel.
func (p *Publisher) Publish(ctx context.Context, event domain.JobEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.ProjectID),
		Value: value,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	p.logger.Debug().
		Stringer("job_id", event.JobID).
		Str("project_id", event.ProjectID).
		Str("type", string(event.Type)).
		Msg("published job event")
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Dispatcher enqueues jobs on the dispatch topic for the worker to pick
// up. Messages are keyed by project id, keeping one project's jobs on
// one partition so the dispatch layer's single-active-worker guarantee
// holds per project.
type Dispatcher struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewDispatcher creates a Kafka-backed job dispatcher.
func NewDispatcher(cfg PublisherConfig, logger zerolog.Logger) *Dispatcher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &Dispatcher{
		writer: writer,
		logger: logger.With().Str("component", "job_dispatcher").Logger(),
	}
}

// Dispatch enqueues one job.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.DispatchMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	if err := d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ProjectID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("failed to dispatch job: %w", err)
	}

	d.logger.Info().
		Stringer("job_id", msg.JobID).
		Str("project_id", msg.ProjectID).
		Str("kind", string(msg.Kind)).
		Msg("dispatched job")
	return nil
}

// Close closes the underlying writer.
func (d *Dispatcher) Close() error {
	return d.writer.Close()
}
