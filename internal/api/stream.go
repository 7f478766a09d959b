package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wifientist/rtools2-sub001/internal/events"
	"github.com/wifientist/rtools2-sub001/internal/job"
)

// handleStream serves the job's SSE event stream. The stream opens with a
// connected event, sends keep-alive comments on the configured interval,
// and closes itself right after a terminal job event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, ok := s.loadJob(w, r, id)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, _ := w.(http.Flusher)
	writeEvent := func(event events.Event) {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	writeEvent(events.New(events.TypeConnected, id, map[string]any{
		"job_id": id,
		"status": string(j.Status),
	}))

	// A terminal job has nothing further to stream.
	if j.Status.Terminal() {
		writeEvent(events.New(terminalEventType(j), id, events.StatusChange{Status: string(j.Status)}))
		return
	}

	ch := s.publisher.Subscribe(id)
	defer s.publisher.Unsubscribe(id, ch)

	// The job can go terminal between the load and the subscribe, with its
	// terminal event published into the gap. Re-check after subscribing so
	// the stream never idles on keep-alives forever.
	if cur, err := s.store.GetJob(r.Context(), id); err == nil && cur.Status.Terminal() {
		writeEvent(events.New(terminalEventType(cur), id, events.StatusChange{Status: string(cur.Status)}))
		return
	}

	keepAlive := time.NewTicker(s.cfg.SSEKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		case event, open := <-ch:
			if !open {
				return
			}
			writeEvent(event)
			if event.Type.Terminal() {
				return
			}
		}
	}
}

// terminalEventType maps a terminal job status to its stream event type.
func terminalEventType(j *job.Job) events.Type {
	switch j.Status {
	case job.StatusCancelled:
		return events.TypeJobCancelled
	case job.StatusFailed:
		return events.TypeJobFailed
	default:
		return events.TypeJobCompleted
	}
}
