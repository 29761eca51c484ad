package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Admin surface binds locally; cross-origin dashboards are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	eventPollInterval = time.Second
	wsWriteTimeout    = 5 * time.Second
	wsPingInterval    = 30 * time.Second
)

// handleEventsWS streams scheduler lifecycle events over a websocket. Each
// retained event is sent once, then new events as they appear.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pongs and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPollInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	var cursor time.Time
	for {
		events := s.sched.RecentEvents(cursor)
		for _, ev := range events {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Time.After(cursor) {
				cursor = ev.Time
			}
		}
		if len(events) > 0 {
			// Advance past the newest delivered event; Since is inclusive.
			cursor = cursor.Add(time.Nanosecond)
		}

		select {
		case <-r.Context().Done():
			return
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ticker.C:
		}
	}
}
