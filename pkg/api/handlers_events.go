package api

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/logging"
)

const maxWSReadBytes = 32 * 1024

// handleEvents upgrades to a websocket and streams live build events.
// An optional session_id query parameter narrows the feed to one session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotFound, "EVENTS_DISABLED", "event feed is not enabled")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if _, ok := s.sessions.ByID(sessionID); !ok {
			respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn(logging.CategoryServer, "ws_accept_failed", sessionID, err.Error(), nil)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	var filter func(Event) bool
	if sessionID != "" {
		filter = func(event Event) bool {
			return event.SessionID == sessionID
		}
	}

	client := s.hub.register(conn, filter)
	ctx, cancel := context.WithCancel(r.Context())

	go func() {
		defer cancel()
		// Drain client frames so pings and close handshakes are processed.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	go func() {
		// writeLoop also returns, without error, when the hub evicts the
		// client; the connection must close on that path too.
		defer cancel()
		_ = client.writeLoop(ctx)
	}()

	<-ctx.Done()
	s.hub.removeClient(client)
	client.close(websocket.StatusNormalClosure, "shutdown")
}
