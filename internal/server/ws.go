package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/unisync/internal/llm"
)

const (
	wsMaxMessage   = 64 * 1024
	wsRequestWait  = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// handleStream upgrades to a WebSocket, reads one InvokeRequest frame and
// writes every stream event as a JSON text frame. The socket closes after
// the done or error event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsRequestWait))

	var req InvokeRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.log.Debug().Err(err).Str("agent", agentID).Msg("reading stream request failed")
		closeWith(conn, websocket.CloseUnsupportedData, "expected {\"message\": ...}")
		return
	}
	if req.Message == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "message is required")
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A client close or read error cancels the invocation.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	log := s.log.With("agent", agentID)
	log.Debug().Msg("stream started")

	for ev := range s.agents.InvokeStream(ctx, agentID, req.Message, req.ConversationID) {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			// the producer stops on its next send once ctx is cancelled
			log.Debug().Err(err).Msg("client went away mid-stream")
			return
		}
		if ev.Type == llm.EventDone || ev.Type == llm.EventError {
			break
		}
	}

	closeWith(conn, websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame; errors are ignored since the socket is
// going away regardless.
func closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
