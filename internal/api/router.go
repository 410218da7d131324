// Package api exposes ingestion, query, user and live-channel endpoints over
// a chi router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smukkama/aqi-server/internal/auth"
	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/forecast"
	"github.com/smukkama/aqi-server/internal/ingest"
	"github.com/smukkama/aqi-server/internal/metrics"
)

// Ingester runs producer batches through the ingestion pipeline
type Ingester interface {
	Ingest(ctx context.Context, source database.SourceKind, body []byte) (ingest.Outcome, error)
}

// ReadingReader serves the query endpoints
type ReadingReader interface {
	LatestByStation(ctx context.Context, stationID string) (*database.Reading, error)
	LatestByLocation(ctx context.Context, lat, lon float64) (*database.Reading, error)
	ReadingsByStation(ctx context.Context, stationID string, from, to time.Time) ([]database.Reading, error)
}

// DeviceStore persists push registrations
type DeviceStore interface {
	UpsertDeviceToken(ctx context.Context, reg database.DeviceRegistration) error
	CountDeviceTokens(ctx context.Context, userID string) (int, error)
}

// Pinger reports whether the backing store is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// LiveChannel upgrades requests to live sessions
type LiveChannel interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Options wires the router's collaborators
type Options struct {
	Ingester   Ingester
	IngestAuth *ingest.Authenticator
	Readings   ReadingReader
	Devices    DeviceStore
	Identity   auth.IdentityProvider
	Live       LiveChannel
	Store      Pinger
	Clock      clockwork.Clock
	Metrics    *metrics.Metrics

	// RateLimitPerMinute caps query requests per client IP; 0 disables
	RateLimitPerMinute int
	// MaxBodyBytes caps ingestion and user request bodies
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 8 << 20

type handler struct {
	ingester   Ingester
	ingestAuth *ingest.Authenticator
	readings   ReadingReader
	forecaster *forecast.Forecaster
	devices    DeviceStore
	store      Pinger
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	validate   *validator.Validate
	maxBody    int64
}

// NewRouter builds the HTTP handler
func NewRouter(opts Options) http.Handler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	h := &handler{
		ingester:   opts.Ingester,
		ingestAuth: opts.IngestAuth,
		readings:   opts.Readings,
		forecaster: forecast.NewForecaster(opts.Readings),
		devices:    opts.Devices,
		store:      opts.Store,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		maxBody:    opts.MaxBodyBytes,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(opts.Metrics))
	r.Use(chimiddleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed", nil)
	})

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	r.Handle("/metrics", promhttp.Handler())
	if opts.Live != nil {
		r.Get("/ws", opts.Live.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/ingest/{source}", h.ingest)

		r.Group(func(r chi.Router) {
			r.Use(rateLimitByIP(opts.RateLimitPerMinute))
			r.Get("/aqi/location", h.latestByLocation)
			r.Get("/aqi/station/{id}", h.latestByStation)
			r.Get("/aqi/station/{id}/history", h.stationHistory)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser(opts.Identity, respondUnauthorized))
			r.Get("/user/me", h.currentUser)
			r.Post("/user/device-token", h.registerDeviceToken)
		})
	})

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// ready fails while the store is unreachable
func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.PingContext(ctx); err != nil {
			respondError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "store unavailable", err)
			return
		}
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}
