package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/request"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/telemetry"
)

// handleQuery is the main copilot endpoint: it normalizes the inbound
// payload, resolves the session, and streams the build as SSE. Once
// streaming starts the response is always 200; failures travel inside the
// stream as its single terminal event.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var query request.Query
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		respondError(w, http.StatusBadRequest, string(agenterrors.ErrCodeMalformedRequest), "invalid JSON body")
		return
	}

	req, err := request.Normalize(&query)
	if err != nil {
		if agenterrors.IsCode(err, agenterrors.ErrCodeMalformedRequest) {
			respondError(w, http.StatusBadRequest, string(agenterrors.GetCode(err)), err.Error())
			return
		}
		// Empty instructions still get a streamed reply, matching the
		// conversational contract: the client renders it inline.
		sse := newSSEWriter(w)
		sse.Chunk("No message provided.")
		return
	}

	sse := newSSEWriter(w)

	if ok, msg := s.cfg.CheckTool(); !ok {
		sse.Status("ERROR", "Build CLI not installed", map[string]any{"error": msg})
		sse.Chunk("The build CLI is not installed. Install it and make sure it is on PATH.")
		return
	}

	sess := s.sessions.GetOrCreate(request.ConversationID(&query))
	telemetry.SetActiveSessions(s.sessions.Len())

	s.log.Info(logging.CategoryServer, "query", sess.ID, firstLine(req.Instructions), map[string]any{
		"continued":    sess.IsContinued(),
		"widgets":      len(req.PrimaryWidgets),
		"tool_outputs": len(req.ToolOutputs),
	})

	sse.Status("INFO", "Session started", map[string]any{
		"session_id":   sess.ID,
		"is_continued": sess.IsContinued(),
	})
	if req.HasWidgetContext() {
		names := make([]string, 0, len(req.PrimaryWidgets))
		for _, wgt := range req.PrimaryWidgets {
			names = append(names, wgt.Name)
		}
		sse.Status("INFO", "Widget context: "+strings.Join(names, ", "), map[string]any{
			"widget_count": len(req.PrimaryWidgets),
		})
	}
	if req.HasToolOutputs() {
		functions := make([]string, 0, len(req.ToolOutputs))
		for _, out := range req.ToolOutputs {
			functions = append(functions, out.Function)
		}
		sse.Status("INFO", fmt.Sprintf("Tool results available: %d", len(req.ToolOutputs)), map[string]any{
			"functions": functions,
		})
	}
	if ok, msg, _ := s.cfg.CheckTargetRepo(); !ok {
		sse.Status("WARNING", "Target repo not configured", map[string]any{"info": msg})
		sse.Chunk("**Note:** Target workspace repo is not configured. " +
			"The build runs in the current directory. " +
			"Set `output.target_repo` for full app building.\n\n")
	}

	s.orch.Execute(r.Context(), sess, req, sse.Event)
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > 100 {
		text = text[:100]
	}
	return text
}
