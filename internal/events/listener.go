package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/enrichment-service/internal/domain"
)

// JobExecutor runs one dispatched job to a terminal state.
type JobExecutor interface {
	Execute(ctx context.Context, jobID uuid.UUID) error
}

// messageReader is the subset of kafka.Reader the listener needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ListenerConfig holds configuration for the dispatch listener.
type ListenerConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic is the job dispatch topic.
	Topic string

	// GroupID is the consumer group ID.
	GroupID string
}

// Listener consumes dispatch messages and hands each job to the
// executor. Delivery is at-least-once; the executor dedupes on terminal
// job status, so a bad or re-delivered message is logged and skipped,
// never retried here.
type Listener struct {
	reader   messageReader
	executor JobExecutor
	logger   zerolog.Logger
}

// NewListener creates a dispatch listener.
func NewListener(cfg ListenerConfig, executor JobExecutor, logger zerolog.Logger) *Listener {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})

	return &Listener{
		reader:   reader,
		executor: executor,
		logger:   logger.With().Str("component", "dispatch_listener").Logger(),
	}
}

// Run starts the listener loop. Blocks until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting dispatch listener")

	for {
		msg, err := l.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("dispatch listener stopped via context cancellation")
				return ctx.Err()
			}
			l.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		l.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received dispatch message")

		if err := l.handleMessage(ctx, msg); err != nil {
			l.logger.Error().Err(err).
				Str("raw_value", string(msg.Value)).
				Msg("failed to handle dispatch message")
		}
	}
}

// handleMessage decodes one dispatch message and runs the job.
func (l *Listener) handleMessage(ctx context.Context, msg kafka.Message) error {
	var dispatch domain.DispatchMessage
	if err := json.Unmarshal(msg.Value, &dispatch); err != nil {
		return fmt.Errorf("failed to unmarshal dispatch message: %w", err)
	}
	if dispatch.JobID == uuid.Nil {
		return fmt.Errorf("dispatch message has no job id: %w", domain.ErrInvalidInput)
	}
	if !dispatch.Kind.IsValid() {
		return fmt.Errorf("dispatch message has unknown kind %q: %w", dispatch.Kind, domain.ErrInvalidInput)
	}

	l.logger.Info().
		Stringer("job_id", dispatch.JobID).
		Str("project_id", dispatch.ProjectID).
		Str("kind", string(dispatch.Kind)).
		Msg("executing dispatched job")

	if err := l.executor.Execute(ctx, dispatch.JobID); err != nil {
		return fmt.Errorf("failed to execute job %s: %w", dispatch.JobID, err)
	}
	return nil
}

// Close closes the Kafka reader.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing dispatch listener")
	return l.reader.Close()
}
