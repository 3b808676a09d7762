package syncapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// handleEvents implements the events stream contract of SPEC_FULL.md §4.3:
// an initial ready marker, periodic keep-alives, a forced TTL disconnect,
// and a reconnect-delay hint, framed as server-sent events. The
// event/data-line writer follows the flusher-based streaming pattern used
// elsewhere in the example pack for SSE responses.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", s.cfg.SSERetry.Milliseconds())
	writeSSEEvent(w, "ready", map[string]any{})
	flusher.Flush()

	ch, cancel := s.notifier.Subscribe(userID)
	defer cancel()

	keepAlive := time.NewTicker(s.cfg.SSEKeepAlive)
	defer keepAlive.Stop()
	ttl := time.NewTimer(s.cfg.SSETTL)
	defer ttl.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ttl.C:
			// Forces the client to reconnect so external authorization
			// gates (session cookie, bearer expiry) re-apply.
			writeSSEEvent(w, "close", map[string]any{})
			flusher.Flush()
			return
		case <-keepAlive.C:
			writeSSEEvent(w, "ping", map[string]any{})
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, "conversation_changed", ChangedEvent{
				ConversationID: evt.ConversationID,
				Revision:       evt.Revision,
				Deleted:        evt.Deleted,
			})
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w io.Writer, name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
}
