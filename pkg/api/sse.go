package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/stream"
)

// SSE event names in the copilot protocol. Text deltas and status updates
// are the only two frame types the client renders.
const (
	sseMessageChunk = "copilotMessageChunk"
	sseStatusUpdate = "copilotStatusUpdate"
)

// sseWriter emits server-sent events and flushes after each frame so the
// client sees output as it is produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\n")
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Chunk sends a text delta.
func (s *sseWriter) Chunk(text string) {
	s.send(sseMessageChunk, map[string]string{"delta": text})
}

// Status sends a reasoning/status update.
func (s *sseWriter) Status(eventType, message string, details map[string]any) {
	payload := map[string]any{
		"event_type": eventType,
		"message":    message,
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	s.send(sseStatusUpdate, payload)
}

// Event renders one translated process event as an SSE frame.
func (s *sseWriter) Event(ev stream.ProcessEvent) {
	switch ev.Kind {
	case stream.KindChunk:
		s.Chunk(ev.Message)
	case stream.KindError:
		s.Status("ERROR", ev.Message, statusDetails(ev))
	case stream.KindUnparsed:
		s.Status("WARNING", ev.Message, statusDetails(ev))
	default:
		s.Status("INFO", ev.Message, statusDetails(ev))
	}
}

func statusDetails(ev stream.ProcessEvent) map[string]any {
	details := make(map[string]any, len(ev.Details)+2)
	for k, v := range ev.Details {
		details[k] = v
	}
	details["seq"] = ev.Seq
	if ev.Stage != "" {
		details["stage"] = ev.Stage
	}
	return details
}
