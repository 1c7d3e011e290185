package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleJobEvents streams progress snapshots as server-sent events. The
// stream ends after the final snapshot of a terminal job.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsub, err := s.ctrl.Stream(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Send the current state first so clients do not wait for the next change.
	if snap, err := s.ctrl.Progress(id); err == nil && !snap.Final {
		writeEvent(w, "progress", snap)
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			event := "progress"
			if snap.Final {
				event = "final"
			}
			writeEvent(w, event, snap)
			flusher.Flush()
			if snap.Final {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
