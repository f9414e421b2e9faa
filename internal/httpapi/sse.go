package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/streaming"
)

// handleSSE streams a session's events. Stored events after ?since (or
// Last-Event-ID) are replayed first; live events that were already replayed
// are skipped by sequence.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	id := r.PathValue("id")
	log := logging.LogWith(logging.WithSessionID(r.Context(), id), s.logger)

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), streaming.EventFilter{SessionID: id})
	if err != nil {
		log.Error("sse subscribe failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer cancel()
	if c, ok := s.deps.Hub.(interface{ SubscriberCount(string) int }); ok {
		log.Debug("sse subscriber attached", slog.Int("subscribers", c.SubscriberCount(id)))
	}

	last := querySince(r)
	var backlog []streaming.StreamEvent
	if s.deps.Events != nil {
		stored, err := s.deps.Events.ListEvents(r.Context(), id, last)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		for _, ev := range stored {
			backlog = append(backlog, streaming.StreamEvent{
				SessionID: ev.SessionID,
				StepID:    ev.StepID,
				EventType: ev.Type,
				Sequence:  ev.Sequence,
				Payload:   ev.Payload,
				Timestamp: ev.Timestamp,
			})
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(ev streaming.StreamEvent) {
		if ev.Sequence != 0 && ev.Sequence <= last {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.EventType, data)
		flusher.Flush()
		if ev.Sequence > last {
			last = ev.Sequence
		}
	}
	for _, ev := range backlog {
		send(ev)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			send(ev)
		}
	}
}
