package handlers

import (
	"net/http"
	"time"
)

// Health is a liveness probe; it does not touch the queue or storage.
func (api *API) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
