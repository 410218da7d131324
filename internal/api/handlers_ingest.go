package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/ingest"
)

type ingestResponse struct {
	Status   string `json:"status"`
	Received int    `json:"received"`
	Accepted int    `json:"accepted"`
	Coerced  int    `json:"coerced"`
	Skipped  int    `json:"skipped"`
	Degraded bool   `json:"degraded"`
}

func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	source := database.SourceKind(chi.URLParam(r, "source"))
	if !source.Valid() {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "unknown source", nil)
		return
	}

	if !h.ingestAuth.Authenticate(r.Header.Get(ingest.SecretHeader), source) {
		h.metrics.IngestBatches.WithLabelValues(string(source), "unauthorized").Inc()
		respondUnauthorized(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.metrics.IngestBatches.WithLabelValues(string(source), "bad_request").Inc()
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "unreadable request body", nil)
		return
	}

	outcome, err := h.ingester.Ingest(r.Context(), source, body)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrBadPayload):
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "body must be a JSON array of readings", nil)
		return
	case errors.Is(err, ingest.ErrUnknownSource):
		respondError(w, r, http.StatusNotFound, CodeNotFound, "unknown source", nil)
		return
	default:
		respondInternal(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, ingestResponse{
		Status:   "ok",
		Received: outcome.Received,
		Accepted: outcome.Accepted,
		Coerced:  outcome.Coerced,
		Skipped:  outcome.Skipped,
		Degraded: outcome.Degraded,
	})
}
