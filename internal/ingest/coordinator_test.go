package ingest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/aqi-server/internal/alerting"
	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/internal/metrics"
	"github.com/smukkama/aqi-server/internal/notification"
	"github.com/smukkama/aqi-server/internal/protocol"
	"github.com/smukkama/aqi-server/internal/realtime"
)

var testNow = time.Date(2024, 11, 3, 10, 5, 0, 0, time.UTC)

type recordingPusher struct {
	mu    sync.Mutex
	calls []notification.Message
}

func (p *recordingPusher) Push(_ context.Context, msg notification.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg)
	return nil
}

func (p *recordingPusher) Calls() []notification.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notification.Message(nil), p.calls...)
}

type failingStore struct{}

func (failingStore) UpsertReadings(context.Context, database.SourceKind, []database.Reading) error {
	return errors.New(`pq: duplicate key value violates unique constraint "station_readings_pkey"`)
}

type countingNotifier struct {
	mu     sync.Mutex
	alerts []alerting.AlertEvent
}

func (n *countingNotifier) FanOut(_ context.Context, alert alerting.AlertEvent) []notification.Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

type recordingMirror struct {
	mu     sync.Mutex
	ingest []*protocol.IngestEventMessage
	alerts []*protocol.AlertEventMessage
	err    error
}

func (m *recordingMirror) MirrorIngest(_ context.Context, msg *protocol.IngestEventMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest = append(m.ingest, msg)
	return m.err
}

func (m *recordingMirror) MirrorAlert(_ context.Context, msg *protocol.AlertEventMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, msg)
	return m.err
}

type fixture struct {
	store   *database.MemoryStore
	hub     *realtime.Hub
	session *realtime.Session
	pusher  *recordingPusher
	metrics *metrics.Metrics
	coord   *Coordinator
}

func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()

	m := metrics.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(testNow)
	store := database.NewMemoryStore()
	hub := realtime.NewHub(10, 16, clock, m)
	session, err := hub.Connect()
	require.NoError(t, err)

	pusher := &recordingPusher{}
	fanout := notification.NewFanOut(store, pusher, 4, m)

	return &fixture{
		store:   store,
		hub:     hub,
		session: session,
		pusher:  pusher,
		metrics: m,
		coord:   NewCoordinator(store, hub, alerting.NewEvaluator(threshold), fanout, clock, m),
	}
}

func (f *fixture) registerDevices(t *testing.T, tokens ...string) {
	t.Helper()
	for i, tok := range tokens {
		require.NoError(t, f.store.UpsertDeviceToken(context.Background(), database.DeviceRegistration{
			UserID:   "user-" + string(rune('a'+i)),
			Token:    tok,
			Platform: database.PlatformAndroid,
		}))
	}
}

// drain returns every live message queued for the fixture's session
func (f *fixture) drain(t *testing.T) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case raw := <-f.session.Messages():
			var env protocol.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestCoordinator_EndToEndAlert(t *testing.T) {
	f := newFixture(t, 300)
	f.registerDevices(t, "tok-1", "tok-2", "tok-3")

	body := `[{"station":"S1","timestamp":"2024-11-03T10:00:00Z","aqi":320,"pollutants":[{"name":"PM2.5","value":70}]}]`
	outcome, err := f.coord.Ingest(context.Background(), database.SourceGroundStation, []byte(body))
	require.NoError(t, err)
	f.coord.Wait()

	assert.Equal(t, Outcome{Source: database.SourceGroundStation, Received: 1, Accepted: 1, Peak: 320, AlertFired: true}, outcome)

	stored, err := f.store.LatestByStation(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, 320, stored.AQI)
	assert.Equal(t, []database.Pollutant{{Name: "PM2.5", Value: 70}}, stored.Pollutants)

	events := f.drain(t)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.MsgTypeUpdate, events[0].Type)
	update := events[0].Data.(map[string]interface{})
	assert.Equal(t, "cpcb", update["source"])
	assert.Equal(t, float64(1), update["count"])
	assert.Equal(t, "2024-11-03T10:05:00Z", update["received_at"])

	assert.Equal(t, protocol.MsgTypeAlert, events[1].Type)
	alert := events[1].Data.(map[string]interface{})
	assert.Contains(t, alert["body"], "320")

	calls := f.pusher.Calls()
	require.Len(t, calls, 3)
	tokens := map[string]bool{}
	for _, c := range calls {
		tokens[c.Token] = true
		assert.Equal(t, map[string]string{"aqi": "320", "source": "cpcb"}, c.Data)
	}
	assert.Len(t, tokens, 3, "each token is notified exactly once")

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.AlertsFired.WithLabelValues("cpcb")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IngestBatches.WithLabelValues("cpcb", "ok")))
}

func TestCoordinator_BelowThresholdOnlyBroadcastsUpdate(t *testing.T) {
	f := newFixture(t, 300)
	f.registerDevices(t, "tok-1")

	body := `[{"tile_id":"T1","lat":28.5,"lon":77.1,"timestamp":"2024-11-03T10:00:00Z","aqi":299}]`
	outcome, err := f.coord.Ingest(context.Background(), database.SourceSatellite, []byte(body))
	require.NoError(t, err)
	f.coord.Wait()

	assert.False(t, outcome.AlertFired)
	assert.Equal(t, 299, outcome.Peak)

	events := f.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.MsgTypeUpdate, events[0].Type)
	assert.Empty(t, f.pusher.Calls())
	assert.Len(t, f.store.SatelliteReadings(), 1)
}

func TestCoordinator_EmptyBatch(t *testing.T) {
	f := newFixture(t, 300)

	outcome, err := f.coord.Ingest(context.Background(), database.SourceGroundStation, []byte(`[]`))
	require.NoError(t, err)
	f.coord.Wait()

	assert.Zero(t, outcome.Peak)
	assert.False(t, outcome.AlertFired)
	events := f.drain(t)
	require.Len(t, events, 1)
	assert.Equal(t, float64(0), events[0].Data.(map[string]interface{})["count"])
}

func TestCoordinator_EmptyOrAllSkippedBatchNeverAlerts(t *testing.T) {
	bodies := map[string]string{
		"empty":       `[]`,
		"all skipped": `[{"aqi":900},{"station_id":"S1","timestamp":"later","aqi":900}]`,
		"overflow":    `[{"station_id":"S1","timestamp":"2024-11-03T10:00:00Z","aqi":1e20}]`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.registerDevices(t, "tok-1", "tok-2")

			outcome, err := f.coord.Ingest(context.Background(), database.SourceGroundStation, []byte(body))
			require.NoError(t, err)
			f.coord.Wait()

			assert.Zero(t, outcome.Peak)
			assert.False(t, outcome.AlertFired)
			assert.Empty(t, f.pusher.Calls())
			for _, ev := range f.drain(t) {
				assert.NotEqual(t, protocol.MsgTypeAlert, ev.Type)
			}
		})
	}
}

func TestCoordinator_DegradedBatch(t *testing.T) {
	f := newFixture(t, 300)
	var logs bytes.Buffer
	prev := logging.Logger()
	logging.SetLogger(logging.NewTestLogger(&logs))
	t.Cleanup(func() { logging.SetLogger(prev) })

	body := `[
		{"station_id":"S1","timestamp":"2024-11-03T10:00:00Z","aqi":"bad"},
		{"station_id":"S2","timestamp":"not-a-time","aqi":500},
		{"station_id":"S3","timestamp":"2024-11-03T10:00:00Z","aqi":120}
	]`
	outcome, err := f.coord.Ingest(context.Background(), database.SourceGroundStation, []byte(body))
	require.NoError(t, err)
	f.coord.Wait()

	assert.True(t, outcome.Degraded)
	assert.Equal(t, 3, outcome.Received)
	assert.Equal(t, 2, outcome.Accepted)
	assert.Equal(t, 1, outcome.Coerced)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Equal(t, 120, outcome.Peak, "skipped records never count toward the peak")
	assert.False(t, outcome.AlertFired)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RecordsCoerced.WithLabelValues("cpcb")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RecordsSkipped.WithLabelValues("cpcb")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.IngestBatches.WithLabelValues("cpcb", "degraded")))

	var entry map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &e))
		if e["message"] == "batch ingested" {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "batch ingested", entry["message"])
	assert.Equal(t, float64(1), entry["coerced"])
	assert.Equal(t, float64(1), entry["skipped"])
}

func TestCoordinator_BadPayload(t *testing.T) {
	f := newFixture(t, 300)

	_, err := f.coord.Ingest(context.Background(), database.SourceGroundStation, []byte(`{"station_id":"S1"}`))
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.Empty(t, f.drain(t))
}

func TestCoordinator_UnknownSource(t *testing.T) {
	f := newFixture(t, 300)

	_, err := f.coord.Ingest(context.Background(), database.SourceKind("noaa"), []byte(`[]`))
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestCoordinator_PersistenceFailureAbortsPropagation(t *testing.T) {
	m := metrics.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(testNow)
	hub := realtime.NewHub(10, 16, clock, m)
	session, err := hub.Connect()
	require.NoError(t, err)
	notifier := &countingNotifier{}
	mirror := &recordingMirror{}

	coord := NewCoordinator(failingStore{}, hub, alerting.NewEvaluator(300), notifier, clock, m)
	coord.SetMirror(mirror)

	body := `[{"station_id":"S1","timestamp":"2024-11-03T10:00:00Z","aqi":450}]`
	_, err = coord.Ingest(context.Background(), database.SourceGroundStation, []byte(body))
	coord.Wait()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, notifier.alerts)
	assert.Empty(t, mirror.ingest)
	select {
	case <-session.Messages():
		t.Fatal("nothing may be broadcast when persistence fails")
	default:
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IngestBatches.WithLabelValues("cpcb", "error")))
}

func TestCoordinator_FanOutInvokedOncePerBatch(t *testing.T) {
	m := metrics.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(testNow)
	notifier := &countingNotifier{}
	coord := NewCoordinator(database.NewMemoryStore(), realtime.NewHub(10, 16, clock, m), alerting.NewEvaluator(300), notifier, clock, m)

	body := `[{"station_id":"S1","timestamp":"2024-11-03T10:00:00Z","aqi":310},
		{"station_id":"S2","timestamp":"2024-11-03T10:00:00Z","aqi":420}]`
	_, err := coord.Ingest(context.Background(), database.SourceGroundStation, []byte(body))
	require.NoError(t, err)
	coord.Wait()

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, 420, notifier.alerts[0].Peak)
}

func TestCoordinator_CancelledRequestStillPropagates(t *testing.T) {
	m := metrics.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(testNow)
	notifier := &countingNotifier{}
	coord := NewCoordinator(database.NewMemoryStore(), realtime.NewHub(10, 16, clock, m), alerting.NewEvaluator(300), notifier, clock, m)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := coord.Ingest(ctx, database.SourceGroundStation, []byte(`[{"station_id":"S1","timestamp":"2024-11-03T10:00:00Z","aqi":300}]`))
	require.NoError(t, err)
	cancel()
	coord.Wait()

	assert.Len(t, notifier.alerts, 1)
}

func TestCoordinator_MirrorsEvents(t *testing.T) {
	f := newFixture(t, 300)
	mirror := &recordingMirror{err: errors.New("broker down")}
	f.coord.SetMirror(mirror)

	body := `[{"station_id":"S1","timestamp":"2024-11-03T10:00:00Z","aqi":350}]`
	outcome, err := f.coord.Ingest(context.Background(), database.SourceGroundStation, []byte(body))
	require.NoError(t, err, "mirror failures never reach the producer")
	f.coord.Wait()

	require.Len(t, mirror.ingest, 1)
	assert.Equal(t, "cpcb", mirror.ingest[0].Source)
	assert.True(t, mirror.ingest[0].AlertFired)
	assert.True(t, mirror.ingest[0].ReceivedAt.Equal(testNow))

	require.Len(t, mirror.alerts, 1)
	assert.Equal(t, outcome.Peak, mirror.alerts[0].AQI)
	assert.Equal(t, "350", mirror.alerts[0].Data["aqi"])
}
