package httpapi

import (
	"fmt"
	"net/http"

	"goa.design/agentrun/runtime/agent"
	"goa.design/agentrun/runtime/agent/telemetry"
)

// writeSSE drains events onto w as a server-sent-event stream (§6.2): status
// 200, the three required headers, one SSE record per event with an
// incrementing id, and a normal close once the channel is exhausted (which
// for run()/connect() happens right after the terminal event is written).
func writeSSE(w http.ResponseWriter, r *http.Request, events <-chan agent.Event, logger telemetry.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var seq int64
	for {
		select {
		case <-ctx.Done():
			// Client disconnected. §5: this does NOT cancel the run; the
			// coordinator's writer goroutine is unaffected, we just stop
			// reading our own copy of the channel.
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := agent.EncodeEvent(event)
			if err != nil {
				logger.Error(ctx, "httpapi: failed to marshal event for SSE", "error", err)
				continue
			}
			seq++
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type(), payload)
			flusher.Flush()
		}
	}
}
