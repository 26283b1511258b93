package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/models"
	"github.com/lorawan-server/lorawan-sim/internal/storage"
)

// HandleListRuns lists runs, newest first
func (s *RESTServer) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		s.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": total,
	})
}

// HandleGetRun gets a run
func (s *RESTServer) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "run")
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

// HandleGetSummary gets the end-of-run tables. With ?format=text they are
// rendered the way the command line prints them.
func (s *RESTServer) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	summary, err := s.store.GetSummary(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "summary")
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := summary.WriteTables(w); err != nil {
			log.Error().Err(err).Msg("Failed to write summary")
		}
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

// HandleListEvents lists the events of a run in simulated time order
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	filters := storage.EventFilters{RunID: &id}
	q := r.URL.Query()
	if v := q.Get("devAddr"); v != "" {
		filters.DevAddr = &v
	}
	if v := q.Get("type"); v != "" {
		typ := models.EventType(v)
		filters.Type = &typ
	}
	if v := q.Get("level"); v != "" {
		level := models.EventLevel(v)
		filters.Level = &level
	}

	list, total, err := s.store.ListEvents(r.Context(), filters, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list events")
		s.respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if list == nil {
		list = []*models.Event{}
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"total":  total,
	})
}

func (s *RESTServer) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *RESTServer) respondStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, what+" not found")
		return
	}
	log.Error().Err(err).Str("what", what).Msg("Store lookup failed")
	s.respondError(w, http.StatusInternalServerError, "failed to get "+what)
}
