package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/buildnet/buildnet/pkg/tracker"
)

// handleEvents is the SSE stream: one full state event on connect, then
// one event per tracker broadcast until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates := make(chan *tracker.Update, 64)
	unsub := s.daemon.GetTracker().Subscribe("", func(u *tracker.Update) {
		select {
		case updates <- u:
		default:
			// Client too slow, drop the update
		}
	}, nil)
	defer unsub()

	// The subscription's initial full state may predate this connection;
	// send a fresh snapshot first.
	writeSSE(w, "state", &tracker.Update{Kind: "full", State: s.daemon.GetDashboardState()})
	flusher.Flush()

	for {
		select {
		case update := <-updates:
			writeSSE(w, "state", update)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
