package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/numhive/platform/internal/domain/event"
	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/errors"
)

type endpointRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	rows, err := s.outbox.ListWebhookEndpoints(r.Context(), claims.UserID, true)
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	endpoints := make([]endpointView, 0, len(rows))
	for _, ep := range rows {
		endpoints = append(endpoints, newEndpointView(ep))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": endpoints,
		"total":     len(endpoints),
	})
}

// handleCreateEndpoint registers a delivery target. The signing secret is
// returned in this response only; list responses never carry it.
func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	var req endpointRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		writeError(w, errors.Validation("url must be an absolute http(s) address"))
		return
	}
	for _, t := range req.EventTypes {
		if !event.Known(t) {
			writeError(w, errors.Validation(fmt.Sprintf("unknown event type %q", t)))
			return
		}
	}
	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		secret, err = newEndpointSecret()
		if err != nil {
			writeError(w, errors.Internal("secret generation failed", err))
			return
		}
	}
	created, err := s.outbox.CreateWebhookEndpoint(r.Context(), outbox.WebhookEndpoint{
		UserID:     claims.UserID,
		URL:        target.String(),
		Secret:     secret,
		EventTypes: req.EventTypes,
	})
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	s.log.WithFields(map[string]interface{}{
		"user_id":     claims.UserID,
		"endpoint_id": created.ID,
	}).Info("webhook endpoint registered")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"endpoint": newEndpointView(created),
		"secret":   secret,
	})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	id := chi.URLParam(r, "endpointID")
	if err := s.outbox.DeleteWebhookEndpoint(r.Context(), id, claims.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newEndpointSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
