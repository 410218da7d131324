package api

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/smukkama/aqi-server/internal/auth"
	"github.com/smukkama/aqi-server/internal/database"
)

// ProfileResponse is the caller's identity
type ProfileResponse struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DeviceCount int    `json:"device_count"`
}

// DeviceTokenRequest registers a push token for the caller
type DeviceTokenRequest struct {
	Token    string `json:"token" validate:"required,max=4096"`
	Platform string `json:"platform" validate:"required,oneof=android ios web"`
}

func (h *handler) currentUser(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondUnauthorized(w, r)
		return
	}

	count, err := h.devices.CountDeviceTokens(r.Context(), id.UserID)
	if err != nil {
		respondInternal(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, ProfileResponse{
		UserID:      id.UserID,
		Email:       id.Email,
		DeviceCount: count,
	})
}

func (h *handler) registerDeviceToken(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondUnauthorized(w, r)
		return
	}

	var req DeviceTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid JSON body", nil)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	if err := h.validate.Struct(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "token is required and platform must be one of android, ios, web", nil)
		return
	}

	err := h.devices.UpsertDeviceToken(r.Context(), database.DeviceRegistration{
		UserID:    id.UserID,
		Token:     req.Token,
		Platform:  database.Platform(req.Platform),
		UpdatedAt: h.clock.Now().UTC(),
	})
	if err != nil {
		respondInternal(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}
