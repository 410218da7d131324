package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/aqi-server/internal/alerting"
	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/metrics"
	"github.com/smukkama/aqi-server/pkg/config"
)

type fakeRegistry struct {
	regs []database.DeviceRegistration
	err  error
}

func (r *fakeRegistry) DeviceTokens(context.Context) ([]database.DeviceRegistration, error) {
	return r.regs, r.err
}

type recordingPusher struct {
	mu       sync.Mutex
	calls    []Message
	delay    time.Duration
	failFor  map[string]error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *recordingPusher) Push(_ context.Context, msg Message) error {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	p.calls = append(p.calls, msg)
	p.mu.Unlock()

	return p.failFor[msg.Token]
}

func registrations(n int) []database.DeviceRegistration {
	regs := make([]database.DeviceRegistration, n)
	for i := range regs {
		regs[i] = database.DeviceRegistration{
			UserID:   fmt.Sprintf("user-%d", i),
			Token:    fmt.Sprintf("token-%02d", i),
			Platform: database.PlatformAndroid,
		}
	}
	return regs
}

func TestFanOut_DeliversOncePerToken(t *testing.T) {
	pusher := &recordingPusher{}
	m := metrics.NewMetricsForTesting()
	f := NewFanOut(&fakeRegistry{regs: registrations(3)}, pusher, 4, m)

	outcomes := f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 320))

	require.Len(t, outcomes, 3)
	require.Len(t, pusher.calls, 3)
	for i, o := range outcomes {
		assert.NoError(t, o.Err)
		assert.Equal(t, fmt.Sprintf("token-%02d", i), o.Token)
	}
	for _, c := range pusher.calls {
		assert.Equal(t, map[string]string{"aqi": "320", "source": "cpcb"}, c.Data)
		assert.Contains(t, c.Body, "320")
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(m.PushDeliveries.WithLabelValues("success")))
}

func TestFanOut_FailureIsIsolated(t *testing.T) {
	pusher := &recordingPusher{failFor: map[string]error{"token-02": errors.New("unregistered")}}
	m := metrics.NewMetricsForTesting()
	f := NewFanOut(&fakeRegistry{regs: registrations(5)}, pusher, 2, m)

	outcomes := f.FanOut(context.Background(), alerting.NewAlert(database.SourceSatellite, 350))

	require.Len(t, outcomes, 5)
	for i, o := range outcomes {
		if i == 2 {
			assert.Error(t, o.Err)
			continue
		}
		assert.NoError(t, o.Err, "token %s", o.Token)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PushDeliveries.WithLabelValues("failure")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.PushDeliveries.WithLabelValues("success")))
}

func TestFanOut_ProviderFailuresStayPerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.HasPrefix(req.To, "bad-") {
			http.Error(w, "InternalServerError", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var regs []database.DeviceRegistration
	for _, token := range []string{"bad-1", "bad-2", "bad-3", "bad-4", "bad-5", "good-1", "good-2", "good-3"} {
		regs = append(regs, database.DeviceRegistration{UserID: "u-" + token, Token: token, Platform: database.PlatformIOS})
	}
	pusher := NewHTTPPusher(config.PushConfig{Endpoint: server.URL, Timeout: 2 * time.Second})
	f := NewFanOut(&fakeRegistry{regs: regs}, pusher, 1, metrics.NewMetricsForTesting())

	// A second alert right after must reach the healthy tokens as well
	for round := 0; round < 2; round++ {
		outcomes := f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 320))
		require.Len(t, outcomes, 8)
		for _, o := range outcomes {
			if strings.HasPrefix(o.Token, "bad-") {
				var perr *ProviderError
				require.True(t, errors.As(o.Err, &perr), "token %s: %v", o.Token, o.Err)
				assert.Equal(t, http.StatusInternalServerError, perr.StatusCode)
				continue
			}
			assert.NoError(t, o.Err, "round %d token %s", round, o.Token)
		}
	}
}

type panickyPusher struct{}

func (panickyPusher) Push(_ context.Context, msg Message) error {
	if msg.Token == "token-01" {
		panic("boom")
	}
	return nil
}

func TestFanOut_PanicIsIsolated(t *testing.T) {
	f := NewFanOut(&fakeRegistry{regs: registrations(3)}, panickyPusher{}, 3, metrics.NewMetricsForTesting())

	outcomes := f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 300))
	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
}

func TestFanOut_LatencyBoundedBySlowestDelivery(t *testing.T) {
	pusher := &recordingPusher{delay: 100 * time.Millisecond}
	f := NewFanOut(&fakeRegistry{regs: registrations(20)}, pusher, 32, metrics.NewMetricsForTesting())

	start := time.Now()
	outcomes := f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 400))
	elapsed := time.Since(start)

	assert.Len(t, outcomes, 20)
	// Serial delivery would take two seconds
	assert.Less(t, elapsed, time.Second)
}

func TestFanOut_ConcurrencyIsCapped(t *testing.T) {
	pusher := &recordingPusher{delay: 20 * time.Millisecond}
	f := NewFanOut(&fakeRegistry{regs: registrations(12)}, pusher, 3, metrics.NewMetricsForTesting())

	outcomes := f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 400))

	assert.Len(t, outcomes, 12)
	assert.LessOrEqual(t, pusher.maxSeen.Load(), int32(3))
	assert.Len(t, pusher.calls, 12)
}

func TestFanOut_RegistryFailure(t *testing.T) {
	pusher := &recordingPusher{}
	f := NewFanOut(&fakeRegistry{err: errors.New("db down")}, pusher, 4, metrics.NewMetricsForTesting())

	assert.Nil(t, f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 320)))
	assert.Empty(t, pusher.calls)
}

func TestFanOut_FetchesRecipientsEveryCall(t *testing.T) {
	registry := &fakeRegistry{regs: registrations(1)}
	pusher := &recordingPusher{}
	f := NewFanOut(registry, pusher, 4, metrics.NewMetricsForTesting())

	f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 320))
	registry.regs = registrations(3)
	outcomes := f.FanOut(context.Background(), alerting.NewAlert(database.SourceGroundStation, 320))

	assert.Len(t, outcomes, 3)
	assert.Len(t, pusher.calls, 4)
}
