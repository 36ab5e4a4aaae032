package server

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/collector/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

// handleEvents upgrades to a websocket and streams every bus event to the
// client as JSON until it disconnects. Slow clients are dropped rather than
// allowed to back-pressure the emitters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	send := make(chan *events.Event, wsSendBuffer)
	unsubscribe := s.bus.SubscribeAll(func(event *events.Event) {
		select {
		case send <- event:
		default:
			// Buffer full, drop the event for this client.
		}
	})
	defer unsubscribe()

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Event feed client connected")

	// Read loop exists only to notice the client going away; inbound
	// messages are ignored.
	readCtx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-send:
			writeCtx, cancel := context.WithTimeout(readCtx, wsWriteWait)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("Event feed write failed, dropping client")
				return
			}
		case <-done:
			s.log.Debug().Str("remote", r.RemoteAddr).Msg("Event feed client disconnected")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-readCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}
