package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/smukkama/aqi-server/internal/alerting"
	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/internal/metrics"
	"github.com/smukkama/aqi-server/internal/notification"
	"github.com/smukkama/aqi-server/internal/protocol"
)

var (
	// ErrBadPayload means the body was not a JSON array of readings
	ErrBadPayload = errors.New("ingest: body must be a JSON array")
	// ErrUnknownSource means the source kind is not recognised
	ErrUnknownSource = errors.New("ingest: unknown source kind")
	// ErrPersistence means the batch could not be stored; nothing was propagated
	ErrPersistence = errors.New("ingest: failed to persist batch")
)

// ReadingWriter persists a batch atomically
type ReadingWriter interface {
	UpsertReadings(ctx context.Context, source database.SourceKind, readings []database.Reading) error
}

// Broadcaster publishes events to live sessions
type Broadcaster interface {
	Publish(event protocol.MessageType, payload interface{}) int
}

// Notifier delivers an alert to registered devices
type Notifier interface {
	FanOut(ctx context.Context, alert alerting.AlertEvent) []notification.Outcome
}

// Mirror copies events to an external log
type Mirror interface {
	MirrorIngest(ctx context.Context, msg *protocol.IngestEventMessage) error
	MirrorAlert(ctx context.Context, msg *protocol.AlertEventMessage) error
}

// Outcome describes what happened to one batch
type Outcome struct {
	Source     database.SourceKind `json:"source"`
	Received   int                 `json:"received"`
	Accepted   int                 `json:"accepted"`
	Coerced    int                 `json:"coerced"`
	Skipped    int                 `json:"skipped"`
	Peak       int                 `json:"peak"`
	AlertFired bool                `json:"alert_fired"`
	Degraded   bool                `json:"degraded"`
}

// Coordinator runs a producer batch through persistence, live broadcast,
// threshold evaluation and notification fan-out
type Coordinator struct {
	store     ReadingWriter
	hub       Broadcaster
	evaluator *alerting.Evaluator
	notifier  Notifier
	mirror    Mirror
	clock     clockwork.Clock
	metrics   *metrics.Metrics

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator
func NewCoordinator(
	store ReadingWriter,
	hub Broadcaster,
	evaluator *alerting.Evaluator,
	notifier Notifier,
	clock clockwork.Clock,
	m *metrics.Metrics,
) *Coordinator {
	return &Coordinator{
		store:     store,
		hub:       hub,
		evaluator: evaluator,
		notifier:  notifier,
		clock:     clock,
		metrics:   m,
	}
}

// SetMirror enables copying events to mirror
func (c *Coordinator) SetMirror(mirror Mirror) {
	c.mirror = mirror
}

// Ingest decodes and persists a batch, then propagates it. The returned
// outcome reflects persistence only; delivery runs in the background and
// never fails the call.
func (c *Coordinator) Ingest(ctx context.Context, source database.SourceKind, body []byte) (Outcome, error) {
	outcome := Outcome{Source: source}
	if !source.Valid() {
		return outcome, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	readings, stats, err := decodeBatch(source, body)
	if err != nil {
		c.metrics.IngestBatches.WithLabelValues(string(source), "bad_request").Inc()
		return outcome, err
	}

	outcome.Received = stats.received
	outcome.Accepted = len(readings)
	outcome.Coerced = stats.coerced
	outcome.Skipped = stats.skipped
	outcome.Degraded = stats.coerced > 0 || stats.skipped > 0
	outcome.Peak = peakOf(readings)

	receivedAt := c.clock.Now().UTC()

	if err := c.store.UpsertReadings(ctx, source, readings); err != nil {
		c.metrics.IngestBatches.WithLabelValues(string(source), "error").Inc()
		logging.Error().Err(err).Str("source", string(source)).Int("readings", len(readings)).Msg("failed to persist batch")
		return outcome, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	c.record(outcome)

	c.hub.Publish(protocol.MsgTypeUpdate, protocol.UpdateData{
		Source:     string(source),
		Count:      outcome.Accepted,
		ReceivedAt: receivedAt,
	})

	var alert *alerting.AlertEvent
	if decision := c.evaluator.Evaluate(outcome.Peak); decision.Fire {
		outcome.AlertFired = true
		a := alerting.NewAlert(source, outcome.Peak)
		alert = &a

		c.metrics.AlertsFired.WithLabelValues(string(source)).Inc()
		c.hub.Publish(protocol.MsgTypeAlert, protocol.AlertData{
			Source: string(source),
			AQI:    a.Peak,
			Title:  a.Title,
			Body:   a.Body,
			Data:   a.Data,
		})
		logging.Warn().Str("source", string(source)).Int("peak", a.Peak).Int("threshold", decision.Threshold).Msg("alert threshold crossed")
	}

	c.propagate(context.WithoutCancel(ctx), outcome, receivedAt, alert)
	return outcome, nil
}

// propagate runs the mirror and the fan-out off the request path
func (c *Coordinator) propagate(ctx context.Context, outcome Outcome, receivedAt time.Time, alert *alerting.AlertEvent) {
	if c.mirror == nil && alert == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if c.mirror != nil {
			c.mirrorEvents(ctx, outcome, receivedAt, alert)
		}
		if alert != nil {
			c.notifier.FanOut(ctx, *alert)
		}
	}()
}

func (c *Coordinator) mirrorEvents(ctx context.Context, outcome Outcome, receivedAt time.Time, alert *alerting.AlertEvent) {
	err := c.mirror.MirrorIngest(ctx, &protocol.IngestEventMessage{
		Source:     string(outcome.Source),
		Received:   outcome.Received,
		Accepted:   outcome.Accepted,
		Coerced:    outcome.Coerced,
		Skipped:    outcome.Skipped,
		Peak:       outcome.Peak,
		AlertFired: outcome.AlertFired,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		logging.Warn().Err(err).Str("source", string(outcome.Source)).Msg("failed to mirror ingest event")
	}

	if alert == nil {
		return
	}
	err = c.mirror.MirrorAlert(ctx, &protocol.AlertEventMessage{
		Source:  string(alert.Source),
		AQI:     alert.Peak,
		Title:   alert.Title,
		Body:    alert.Body,
		Data:    alert.Data,
		FiredAt: receivedAt,
	})
	if err != nil {
		logging.Warn().Err(err).Str("source", string(alert.Source)).Msg("failed to mirror alert event")
	}
}

// Wait blocks until every background propagation has finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) record(o Outcome) {
	source := string(o.Source)
	status := "ok"
	if o.Degraded {
		status = "degraded"
	}

	c.metrics.IngestBatches.WithLabelValues(source, status).Inc()
	c.metrics.ReadingsAccepted.WithLabelValues(source).Add(float64(o.Accepted))
	c.metrics.RecordsCoerced.WithLabelValues(source).Add(float64(o.Coerced))
	c.metrics.RecordsSkipped.WithLabelValues(source).Add(float64(o.Skipped))

	event := logging.Info()
	if o.Degraded {
		event = logging.Warn()
	}
	event.
		Str("source", source).
		Int("received", o.Received).
		Int("accepted", o.Accepted).
		Int("coerced", o.Coerced).
		Int("skipped", o.Skipped).
		Int("peak", o.Peak).
		Msg("batch ingested")
}

func peakOf(readings []database.Reading) int {
	peak := 0
	for _, r := range readings {
		if r.AQI > peak {
			peak = r.AQI
		}
	}
	return peak
}
