package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hatchbox/boxd/internal/logbuf"
)

func logStreamFailure(kind string, err error) {
	slog.Warn("cache stream aborted", "type", kind, "error", err)
}

// handleLogs streams the buffered log history and then live entries as
// server-sent events. A `since` query parameter replays only entries
// with a higher sequence id, so reconnecting clients resume without
// duplicates.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub, replay := s.opts.Logs.Subscribe(since)
	defer s.opts.Logs.Unsubscribe(sub.ID)

	for _, entry := range replay {
		if err := writeEvent(w, "", entry); err != nil {
			return
		}
	}
	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"replayed\":%d}\n\n", len(replay)); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-sub.Entries:
			if !open {
				// Dropped by the buffer for falling behind.
				return
			}
			if err := writeEvent(w, "", entry); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, entry logbuf.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
