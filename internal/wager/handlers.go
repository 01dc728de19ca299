package wager

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/wager-engine/internal/model"
)

// --- HTTP Handlers (read-only query API) ---

// ListWagers handles GET /api/v1/wagers
// Optional ?status=pending|placed|resolved filter.
func (e *Engine) ListWagers(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))

	wagers, err := e.List(r.Context(), status)
	if errors.Is(err, ErrInvalidInput) {
		writeError(w, "status must be pending, placed or resolved", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "failed to list wagers", http.StatusInternalServerError)
		return
	}
	if wagers == nil {
		wagers = []model.Wager{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wagers)
}

// GetWager handles GET /api/v1/wagers/{wagerID}
func (e *Engine) GetWager(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "wagerID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid wager id", http.StatusBadRequest)
		return
	}

	wager, err := e.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, "wager not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load wager", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wager)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
