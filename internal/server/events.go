package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/unisync/internal/hooks"
)

const (
	eventBuffer    = 64
	eventPingEvery = 30 * time.Second
)

var errSlowSubscriber = errors.New("event subscriber is not keeping up, event dropped")

// Subscriber registers event handlers; *hooks.Manager implements it.
type Subscriber interface {
	Subscribe(name string, handler hooks.Handler, events ...string) func()
}

// handleEvents upgrades to a WebSocket and forwards lifecycle events as
// JSON frames until the client goes away. ?events=a,b limits the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event stream is not enabled")
		return
	}

	var filter []string
	if v := r.URL.Query().Get("events"); v != "" {
		for _, ev := range strings.Split(v, ",") {
			if ev = strings.TrimSpace(ev); ev != "" {
				filter = append(filter, ev)
			}
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	ch := make(chan hooks.Payload, eventBuffer)
	name := "ws-" + uuid.NewString()
	unsubscribe := s.events.Subscribe(name, func(_ context.Context, p hooks.Payload) error {
		select {
		case ch <- p:
			return nil
		default:
			return errSlowSubscriber
		}
	}, filter...)
	defer unsubscribe()

	log := s.log.With("subscriber", name)
	log.Debug().Strs("events", filter).Msg("event stream opened")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			log.Debug().Msg("event stream closed by client")
			return
		case <-r.Context().Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case p := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(p); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
