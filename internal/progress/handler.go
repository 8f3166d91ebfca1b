package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SSEHandler streams progress events as server-sent events. Clients may
// narrow the stream with ?tab_id=<id> and ?types=error,success.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		tabFilter := strings.TrimSpace(r.URL.Query().Get("tab_id"))
		var typeFilter map[string]bool
		if q := r.URL.Query().Get("types"); q != "" {
			typeFilter = make(map[string]bool)
			for _, t := range strings.Split(q, ",") {
				if t = strings.TrimSpace(t); t != "" {
					typeFilter[t] = true
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if tabFilter != "" && evt.TabID != tabFilter {
					continue
				}
				if typeFilter != nil && !typeFilter[evt.Type] {
					continue
				}
				data, err := json.Marshal(evt)
				if err != nil {
					slog.Warn("progress event encode failed", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: downloadProgress\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
