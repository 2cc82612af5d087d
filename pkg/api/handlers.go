package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/telemetry"
)

// handleHealth reports dependency status. The CLI being missing makes the
// service unhealthy; a missing target repo or output root only degrades it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	toolOK, toolMsg := s.cfg.CheckTool()
	repoOK, repoMsg, repoInfo := s.cfg.CheckTargetRepo()
	rootOK, rootMsg := s.cfg.CheckOutputRoot()

	status := "healthy"
	switch {
	case !toolOK:
		status = "unhealthy"
	case !repoOK || !rootOK:
		status = "degraded"
	}

	deps := map[string]any{
		"build_cli":   map[string]any{"available": toolOK, "message": toolMsg},
		"target_repo": map[string]any{"available": repoOK, "message": repoMsg},
		"output_root": map[string]any{"available": rootOK, "message": rootMsg},
	}
	if repoInfo != nil {
		deps["target_repo"].(map[string]any)["info"] = repoInfo
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"service":      serviceName,
		"version":      s.version,
		"dependencies": deps,
	})
}

// handleAgentsJSON serves the discovery descriptor the copilot UI uses to
// register this agent.
func (s *Server) handleAgentsJSON(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"openbb_app_builder_agent": map[string]any{
			"name": "OpenBB App Builder Agent",
			"description": "Build custom OpenBB Workspace backend apps using a local " +
				"code-generation CLI and .claude skills. Supports widget context " +
				"for data-driven app generation.",
			"endpoints": map[string]string{"query": "/v1/query"},
			"features": map[string]bool{
				"streaming":               true,
				"widget-dashboard-select": true,
				"widget-dashboard-search": true,
			},
		},
	})
}

type terminateRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// handleTerminate stops a session's running build. Idempotent: terminating
// a session with nothing running reports terminated=false with 200.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if r.Body != nil {
		// An empty body means "terminate everything", matching the
		// original single-process behavior.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sessionID := req.SessionID
	if sessionID == "" && req.ConversationID != "" {
		if sess, ok := s.sessions.ByConversation(req.ConversationID); ok {
			sessionID = sess.ID
		} else {
			respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no session for conversation")
			return
		}
	}

	if sessionID == "" {
		count := s.orch.TerminateAll()
		respondJSON(w, http.StatusOK, map[string]any{
			"terminated": count > 0,
			"message":    fmt.Sprintf("terminated %d running builds", count),
		})
		return
	}

	stopped := s.orch.Terminate(sessionID)
	message := "no process running"
	if stopped {
		message = "process terminated"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"terminated": stopped,
		"message":    message,
	})
}

// handleClearSessions drops all session tracking. Running builds are
// terminated first; artifacts on disk are untouched.
func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	count := s.orch.ClearSessions()
	telemetry.SetActiveSessions(s.sessions.Len())
	respondJSON(w, http.StatusOK, map[string]any{
		"cleared": count,
		"message": fmt.Sprintf("cleared %d sessions", count),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries := s.sessions.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(summaries),
		"sessions": summaries,
	})
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "HISTORY_DISABLED", "build history is not enabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var err error
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		builds, berr := s.history.BuildsForSession(r.Context(), sessionID)
		if berr == nil {
			respondJSON(w, http.StatusOK, map[string]any{"count": len(builds), "builds": builds})
			return
		}
		err = berr
	} else {
		builds, berr := s.history.RecentBuilds(r.Context(), limit)
		if berr == nil {
			respondJSON(w, http.StatusOK, map[string]any{"count": len(builds), "builds": builds})
			return
		}
		err = berr
	}
	respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}
