package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/beamdrop/beamdrop/internal/event"
	"github.com/beamdrop/beamdrop/pkg/proto"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The server only answers on the local network and the status UI is
		// served from the device itself.
		return true
	},
}

// handleEvents streams upload events to a websocket client. Events dropped
// because the client falls behind are lost; the client re-syncs from the
// uploads listing.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Bus == nil {
		s.jsonError(w, proto.CodeNotFound, "event stream disabled", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.opts.Bus.Subscribe(64)
	defer s.opts.Bus.Unsubscribe(sub)
	log.Debug().Str("remote", remoteIP(r)).Msg("event stream connected")

	// Reader goroutine: we never expect client messages, but reading is what
	// surfaces the close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wireEvent(ev)); err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func wireEvent(ev event.Event) proto.Event {
	return proto.Event{
		Type:          ev.Type,
		UploadID:      ev.UploadID,
		FileName:      ev.FileName,
		Path:          ev.Path,
		BytesReceived: ev.BytesReceived,
		Size:          ev.Size,
		Time:          ev.Time,
	}
}
