package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/catherinevee/vtagger/internal/logger"
)

// handleStream serves the live progress feed as server-sent events. The first
// event is always the current snapshot; the tracker's heartbeat keeps the
// connection warm between state changes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.tracker.Subscribe()
	defer s.tracker.Unsubscribe(sub)
	s.log.Debug("SSE subscriber connected", logger.String("id", sub.ID))

	for {
		select {
		case <-r.Context().Done():
			return
		case update, open := <-sub.C:
			if !open {
				// Dropped for falling behind, or the tracker shut down.
				return
			}
			data, err := json.Marshal(update.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", update.Event, data)
			flusher.Flush()
		}
	}
}
