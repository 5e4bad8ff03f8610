package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Routes returns the pending-items HTTP surface: listing plus the
// per-item sync and discard controls.
func (q *Queue) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", q.handleList)
	r.Post("/{id}/sync", q.handleSync)
	r.Delete("/{id}", q.handleDiscard)
	return r
}

func (q *Queue) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := q.List(r.Context())
	if err != nil {
		http.Error(w, "could not list queued submissions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (q *Queue) handleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	log := q.log.With().Str("replay", uuid.NewString()).Int64("id", id).Logger()

	err := q.Replay(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "synced"})
	case errors.Is(err, ErrNotFound):
		http.Error(w, "no such queued submission", http.StatusNotFound)
	case errors.Is(err, ErrReplayAuth):
		log.Warn().Err(err).Msg("Sync failed: stale token")
		writeJSON(w, http.StatusConflict, map[string]any{"id": id, "error": "auth"})
	case errors.Is(err, ErrReplayNetwork):
		log.Debug().Err(err).Msg("Sync failed: still offline")
		writeJSON(w, http.StatusConflict, map[string]any{"id": id, "error": "network"})
	case errors.Is(err, ErrReplayRejected):
		log.Warn().Err(err).Msg("Sync failed: rejected by server")
		writeJSON(w, http.StatusConflict, map[string]any{"id": id, "error": "rejected"})
	default:
		log.Error().Err(err).Msg("Sync failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (q *Queue) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	err := q.Discard(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "discarded"})
	case errors.Is(err, ErrNotFound):
		http.Error(w, "no such queued submission", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid submission id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
