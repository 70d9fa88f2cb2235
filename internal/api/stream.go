package api

import (
	"encoding/json"
	"net/http"

	"github.com/fraudlab/ringtrace/internal/models"
)

// streamCase serves a case's progress events over SSE. Persisted events are
// replayed first so a client that connects mid-investigation sees the full
// history, then live events are relayed until the workflow completes.
func (s *Server) streamCase(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so no event falls between history and the
	// live feed. Duplicates are possible at the seam; clients key on stage
	// and timestamp.
	events, closeSub := s.queue.SubscribeEvents(r.Context(), c.ID)
	defer closeSub()

	for _, ev := range c.Events {
		writeSSE(w, ev)
	}
	flusher.Flush()

	if c.Status.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()

			if streamDone(ev) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + string(ev.Stage) + "\n"))
	_, _ = w.Write([]byte("data: " + string(data) + "\n\n"))
}

// streamDone reports whether an event ends the stream: the workflow either
// completed or failed.
func streamDone(ev models.ProgressEvent) bool {
	if ev.Stage == models.StageDone {
		return true
	}
	failed, _ := ev.Payload["failed"].(bool)
	return failed
}
