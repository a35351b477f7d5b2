package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const keepAliveEvery = 15 * time.Second

// Stream handles Server-Sent Events carrying session snapshots.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := s.Watch(ctx)

	// Send an initial comment to establish the stream, then the current state
	_, _ = w.Write([]byte(": stream started\n\n"))
	writeEvent(w, s.Snapshot())
	flusher.Flush()

	ping := time.NewTicker(keepAliveEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, snap)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: snapshot\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
