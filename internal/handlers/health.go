package handlers

import (
	"net/http"
	"time"
)

var startTime = time.Now()

// Health reports liveness and process uptime.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).Round(time.Second).String(),
	})
}
