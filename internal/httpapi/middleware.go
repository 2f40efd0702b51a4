package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
)

// applyCORS reflects the caller's origin. The agent only ever runs
// inside a sandboxed VM reachable by its own orchestrator, so the
// permissive policy is intentional.
func applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Set("Access-Control-Max-Age", "86400")
	h.Add("Vary", "Origin")
}

// recoverToError converts a handler panic into a 500 so one bad request
// never takes the agent down.
func recoverToError(w http.ResponseWriter, requestID string) {
	if rec := recover(); rec != nil {
		slog.Error("handler panicked", "panic", rec, "request_id", requestID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("internal error: %v", rec),
		})
	}
}
