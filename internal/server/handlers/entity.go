// internal/server/handlers/entity.go

package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mapsync/internal/domain/entity"
	"mapsync/internal/service/realtime"
)

// EntityHandler serves the REST read surface: the same snapshot and detail
// payloads the WebSocket path pushes, for clients that do not hold a socket.
type EntityHandler struct {
	coordinator *realtime.Coordinator
}

// NewEntityHandler creates a new entity handler
func NewEntityHandler(coordinator *realtime.Coordinator) *EntityHandler {
	return &EntityHandler{
		coordinator: coordinator,
	}
}

// GetSnapshot returns the entities and groups inside a geohash prefix
func (h *EntityHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("geohash")
	if prefix == "" {
		http.Error(w, "Missing geohash parameter", http.StatusBadRequest)
		return
	}

	snap, err := h.coordinator.Snapshot(r.Context(), prefix)
	if err != nil {
		log.Printf("Failed to load snapshot for %q: %v", prefix, err)
		http.Error(w, "Failed to load snapshot", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

// GetDetail returns the full detail payload for one entity
func (h *EntityHandler) GetDetail(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	if entityID == "" {
		http.Error(w, "Missing entity ID", http.StatusBadRequest)
		return
	}

	detail, err := h.coordinator.Detail(r.Context(), entityID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			http.Error(w, "Entity not found", http.StatusNotFound)
			return
		}
		log.Printf("Failed to load detail for %s: %v", entityID, err)
		http.Error(w, "Failed to load entity", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
