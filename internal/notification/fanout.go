package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smukkama/aqi-server/internal/alerting"
	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/internal/metrics"
)

// Registry lists the devices an alert goes to
type Registry interface {
	DeviceTokens(ctx context.Context) ([]database.DeviceRegistration, error)
}

// Outcome is the delivery result for one device
type Outcome struct {
	UserID string
	Token  string
	Err    error
}

// FanOut delivers an alert to every registered device through a bounded
// pool of workers. One device failing or stalling only affects its own
// outcome.
type FanOut struct {
	registry    Registry
	pusher      Pusher
	workerCount int
	metrics     *metrics.Metrics
}

// NewFanOut creates a fan-out service with at most workerCount deliveries
// in flight
func NewFanOut(registry Registry, pusher Pusher, workerCount int, m *metrics.Metrics) *FanOut {
	if workerCount <= 0 {
		workerCount = 32
	}
	return &FanOut{
		registry:    registry,
		pusher:      pusher,
		workerCount: workerCount,
		metrics:     m,
	}
}

// FanOut sends alert once to every device registered at call time and
// returns when every attempt has settled. Outcomes are in registry order.
func (f *FanOut) FanOut(ctx context.Context, alert alerting.AlertEvent) []Outcome {
	start := time.Now()
	defer func() {
		f.metrics.FanOutDuration.Observe(time.Since(start).Seconds())
	}()

	regs, err := f.registry.DeviceTokens(ctx)
	if err != nil {
		logging.Error().Err(err).Str("source", string(alert.Source)).Msg("failed to load device tokens for fan-out")
		return nil
	}
	if len(regs) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(regs))
	jobs := make(chan int, len(regs))
	for i := range regs {
		jobs <- i
	}
	close(jobs)

	workers := f.workerCount
	if workers > len(regs) {
		workers = len(regs)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = f.deliver(ctx, regs[i], alert)
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	logging.Info().
		Str("source", string(alert.Source)).
		Int("peak", alert.Peak).
		Int("recipients", len(regs)).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("alert fan-out complete")

	return outcomes
}

func (f *FanOut) deliver(ctx context.Context, reg database.DeviceRegistration, alert alerting.AlertEvent) (out Outcome) {
	out = Outcome{UserID: reg.UserID, Token: reg.Token}
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("push panicked: %v", r)
		}
		if out.Err != nil {
			f.metrics.PushDeliveries.WithLabelValues("failure").Inc()
			logging.Warn().Err(out.Err).Str("user_id", reg.UserID).Str("token", redactToken(reg.Token)).Msg("push delivery failed")
			return
		}
		f.metrics.PushDeliveries.WithLabelValues("success").Inc()
	}()

	data := make(map[string]string, len(alert.Data))
	for k, v := range alert.Data {
		data[k] = v
	}
	out.Err = f.pusher.Push(ctx, Message{
		Token: reg.Token,
		Title: alert.Title,
		Body:  alert.Body,
		Data:  data,
	})
	return out
}
