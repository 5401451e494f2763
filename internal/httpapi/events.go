package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"broadcastd/internal/eventbus"
	logx "broadcastd/pkg/logx"
)

// sseKeepAlive is the comment ping interval on idle event streams.
var sseKeepAlive = 25 * time.Second

type sseEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// streamEvents relays bus events as text/event-stream until the client goes
// away. Events dropped by the bus for a slow client are not replayed.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.d.Bus == nil {
		http.Error(w, "event bus unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// ?type=broadcast.failed&type=... narrows the stream.
	events, unsub := a.d.Bus.Subscribe(64, r.URL.Query()["type"]...)
	defer unsub()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, e); err != nil {
				a.log.Debug("event stream closed", logx.Err(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e eventbus.Event) error {
	b, err := json.Marshal(sseEvent{Type: e.Type, Time: e.Time, Data: e.Data})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b)
	return err
}
