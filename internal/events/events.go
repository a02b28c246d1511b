// Package events is an internal event bus over Kafka, adapted from
// chat_handler.go's publishEvent. Unlike the teacher's usage (notifying
// WebSocket clients of a chat turn), this bus carries outbox-completion
// notifications — conversation.imported, job.completed, job.failed — with
// no external API surface reading them back (spec.md §1 Non-goals exclude
// an HTTP/MCP surface, not an internal notification channel).
package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	// TopicConversationImported fires once per completed Import Service call.
	TopicConversationImported = "conversation.imported"
	// TopicJobCompleted fires when an embedding worker marks a job
	// completed; the transcription pool publishes no events.
	TopicJobCompleted = "job.completed"
	// TopicJobFailed fires when an embedding worker marks a job failed
	// (with or without retry).
	TopicJobFailed = "job.failed"
)

// Publisher publishes structured events to Kafka, swallowing publish
// failures the way the teacher's publishEvent does (observability, not
// delivery guarantee — importing and queueing already persisted the
// change transactionally before the event is published).
type Publisher struct {
	writer *kafka.Writer
	logger *logrus.Logger
}

// NewPublisher builds a publisher against the given brokers.
func NewPublisher(brokers []string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
		logger: logger,
	}
}

// Publish serializes event and writes it to topic. Failures are logged,
// never returned — event delivery is best-effort telemetry, not part of
// any transactional guarantee.
func (p *Publisher) Publish(ctx context.Context, topic string, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("events: marshal failed")
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: data}); err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("events: publish failed")
	}
}

// Close releases the underlying writer's connections.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
