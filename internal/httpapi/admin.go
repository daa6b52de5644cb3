package httpapi

import (
	"database/sql"
	"net/http"

	stderrors "errors"

	"github.com/go-chi/chi/v5"

	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/queue"
	"github.com/numhive/platform/internal/errors"
	jobs "github.com/numhive/platform/internal/queue"
)

// The admin surface accepts the same declarative provider document the
// YAML seed file uses, so an operator can promote a tested seed entry
// verbatim.

func (s *Server) handleAdminListProviders(w http.ResponseWriter, r *http.Request) {
	rows, err := s.providers.ListProviders(r.Context(), true)
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	providers := make([]adminProviderView, 0, len(rows))
	for _, p := range rows {
		providers = append(providers, newAdminProviderView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"total":     len(providers),
	})
}

func (s *Server) handleAdminCreateProvider(w http.ResponseWriter, r *http.Request) {
	var seed config.ProviderSeed
	if err := decodeJSON(r.Body, &seed); err != nil {
		writeError(w, err)
		return
	}
	if err := seed.Validate(); err != nil {
		writeError(w, errors.Validation(err.Error()))
		return
	}
	p, err := seed.Provider()
	if err != nil {
		writeError(w, errors.Validation(err.Error()))
		return
	}
	if _, err := s.providers.GetProviderBySlug(r.Context(), seed.Slug); err == nil {
		writeError(w, errors.Validation("provider slug already exists").WithStatus(http.StatusConflict))
		return
	} else if !stderrors.Is(err, sql.ErrNoRows) {
		writeError(w, errors.Database(err))
		return
	}
	created, err := s.providers.CreateProvider(r.Context(), *p)
	if err != nil {
		writeError(w, errors.Database(err))
		return
	}
	s.log.WithFields(map[string]interface{}{
		"provider": created.Slug,
		"admin":    adminID(r),
	}).Info("provider created")
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"provider": newAdminProviderView(created),
	})
}

func (s *Server) handleAdminUpdateProvider(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	existing, err := s.providers.GetProviderBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	var seed config.ProviderSeed
	if err := decodeJSON(r.Body, &seed); err != nil {
		writeError(w, err)
		return
	}
	if seed.Slug == "" {
		seed.Slug = slug
	}
	if seed.Slug != slug {
		writeError(w, errors.Validation("slug in body must match the path"))
		return
	}
	if err := seed.Validate(); err != nil {
		writeError(w, errors.Validation(err.Error()))
		return
	}
	p, err := seed.Provider()
	if err != nil {
		writeError(w, errors.Validation(err.Error()))
		return
	}
	// Operational state is owned by sync jobs, not by the config document.
	p.ID = existing.ID
	p.EncryptedKeys = existing.EncryptedKeys
	p.DepositReceived = existing.DepositReceived
	p.DepositSpent = existing.DepositSpent
	p.Balance = existing.Balance
	p.LastMetadataSyncAt = existing.LastMetadataSyncAt
	p.LastBalanceSyncAt = existing.LastBalanceSyncAt
	p.LastSyncAt = existing.LastSyncAt
	p.SyncStatus = existing.SyncStatus
	p.SyncError = existing.SyncError

	updated, err := s.providers.UpdateProvider(r.Context(), *p)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.registry != nil {
		s.registry.Invalidate(existing.ID)
	}
	s.log.WithFields(map[string]interface{}{
		"provider": updated.Slug,
		"admin":    adminID(r),
	}).Info("provider updated")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": newAdminProviderView(updated),
	})
}

func (s *Server) handleAdminDeleteProvider(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	existing, err := s.providers.GetProviderBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.providers.SoftDeleteProvider(r.Context(), existing.ID); err != nil {
		writeError(w, err)
		return
	}
	if s.registry != nil {
		s.registry.Invalidate(existing.ID)
	}
	s.log.WithFields(map[string]interface{}{
		"provider": slug,
		"admin":    adminID(r),
	}).Info("provider deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminSyncProvider queues an immediate catalogue sync instead of
// waiting for the nightly schedule.
func (s *Server) handleAdminSyncProvider(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, errors.Internal("job queue is not configured", nil).WithStatus(http.StatusNotImplemented))
		return
	}
	slug := chi.URLParam(r, "slug")
	existing, err := s.providers.GetProviderBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Publish(r.Context(), queue.QueueProviderSync, queue.TypeProviderSync,
		map[string]string{"providerId": existing.ID},
		&jobs.PublishOptions{
			DedupKey:      "admin-sync:" + existing.ID,
			CorrelationID: CorrelationFrom(r.Context()),
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"jobId":  job.ID,
	})
}

func adminID(r *http.Request) string {
	if claims := ClaimsFrom(r.Context()); claims != nil {
		return claims.UserID
	}
	return ""
}
