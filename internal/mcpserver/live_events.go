package mcpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// liveEvents streams every published Event to a connected client as it
// happens, the live-push counterpart to the polling list_events tool.
// Clients that disconnect or fall behind the Bus's best-effort delivery
// must re-sync via list_events once reconnected.
func (s *Server) liveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.bus.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.EventType, payload)
			flusher.Flush()
		}
	}
}
