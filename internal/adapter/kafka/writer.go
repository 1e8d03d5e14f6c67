package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/jma-forecast-etl/internal/config"
	"github.com/couchcryptid/jma-forecast-etl/internal/domain"
)

// messageWriter is the subset of *kafkago.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// SummaryPublisher produces one message per ingestion run to the summary topic.
// It implements pipeline.SummaryPublisher.
type SummaryPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewSummaryPublisher creates a Kafka producer for the configured summary topic.
func NewSummaryPublisher(cfg *config.Config, logger *slog.Logger) *SummaryPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSummaryTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &SummaryPublisher{writer: w, logger: logger}
}

// Publish serializes the run summary and writes it keyed by run id.
func (p *SummaryPublisher) Publish(ctx context.Context, report domain.IngestionReport) error {
	msg, err := serializeSummary(report)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish run summary: %w", err)
	}
	p.logger.Debug("run summary published", "run_id", report.RunID.String())
	return nil
}

func (p *SummaryPublisher) Close() error {
	return p.writer.Close()
}

// serializeSummary marshals a run summary into a Kafka message.
func serializeSummary(report domain.IngestionReport) (kafkago.Message, error) {
	summary := report.Summary()
	data, err := json.Marshal(summary)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize run summary: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(summary.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "finished_at", Value: []byte(summary.FinishedAt.Format(time.RFC3339))},
			{Key: "failed_areas", Value: []byte(strconv.Itoa(len(summary.Failed)))},
		},
	}, nil
}
