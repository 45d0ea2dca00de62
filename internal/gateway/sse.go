package gateway

import (
	"net/http"
)

// handleViberStream serves the raw agent byte stream over SSE. The
// buffered log replays first; a terminal task ends after the replay,
// otherwise the response stays open for live chunks.
func (s *Server) handleViberStream(w http.ResponseWriter, r *http.Request, v *Viber) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("x-vercel-ai-ui-message-stream", "v1")
	h.Set("Access-Control-Expose-Headers", "x-vercel-ai-ui-message-stream")
	w.WriteHeader(http.StatusOK)

	replay, live := v.Subscribe()
	if live != nil {
		defer v.Unsubscribe(live)
	}

	for _, chunk := range replay {
		if _, err := w.Write(chunk); err != nil {
			return
		}
	}
	flusher.Flush()

	if live == nil {
		return
	}

	for {
		select {
		case chunk := <-live.ch:
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		case <-live.closed:
			// Drain anything queued before the close.
			for {
				select {
				case chunk := <-live.ch:
					w.Write(chunk)
				default:
					flusher.Flush()
					return
				}
			}
		case <-r.Context().Done():
			return
		}
	}
}
