package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"accessreview.org/internal/stream"
)

// streamActivity serves review activity as server-sent events.
func (a *API) streamActivity(w http.ResponseWriter, r *http.Request) {
	if a.activity == nil {
		writeError(w, r, http.StatusNotFound, "activity stream is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := a.activity.Subscribe(r.Context())
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
			flusher.Flush()
		}
	}
}

func (a *API) publish(r *http.Request, evt stream.ActivityEvent) {
	if a.activity == nil {
		return
	}
	if evt.ActorID == "" {
		evt.ActorID = a.actor(r)
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	a.activity.Publish(evt)
}
