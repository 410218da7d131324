package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smukkama/aqi-server/internal/protocol"
)

const publishTimeout = 5 * time.Second

// EventMirror copies ingestion and alert events onto Kafka topics for
// downstream consumers. It is best effort: callers log failures and move on.
type EventMirror struct {
	ingest *Producer
	alerts *Producer
}

// NewEventMirror creates producers for the ingest and alert topics
func NewEventMirror(brokers []string, ingestTopic, alertTopic string) *EventMirror {
	return &EventMirror{
		ingest: NewProducer(brokers, ingestTopic),
		alerts: NewProducer(brokers, alertTopic),
	}
}

// EnsureTopics creates both topics, tolerating ones that already exist
func (m *EventMirror) EnsureTopics(brokers []string, partitions int) error {
	var errs []error
	for _, topic := range []string{m.ingest.Topic(), m.alerts.Topic()} {
		if err := CreateTopic(brokers, topic, partitions, 1); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// MirrorIngest publishes a persisted batch keyed by source kind
func (m *EventMirror) MirrorIngest(ctx context.Context, msg *protocol.IngestEventMessage) error {
	value, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize ingest event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return m.ingest.Publish(ctx, msg.Source, value)
}

// MirrorAlert publishes a fired alert keyed by source kind
func (m *EventMirror) MirrorAlert(ctx context.Context, msg *protocol.AlertEventMessage) error {
	value, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize alert event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return m.alerts.Publish(ctx, msg.Source, value)
}

// Close closes both producers
func (m *EventMirror) Close() error {
	return errors.Join(m.ingest.Close(), m.alerts.Close())
}
