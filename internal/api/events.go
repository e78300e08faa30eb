package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBuffer  = 256
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames. The optional
// thread_id query parameter narrows the stream to one thread. Slow
// clients miss events rather than stall publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	threadID := r.URL.Query().Get("thread_id")
	sub := s.bus.Subscribe(eventBuffer, threadID)
	defer s.bus.Unsubscribe(sub)
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "thread_id", threadID)

	// The read side only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
