package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradedesk/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents are pushed to the owning user's sockets.
var streamEvents = []events.Event{
	events.EventSessionChange,
	events.EventRiskUpdated,
	events.EventRiskLocked,
	events.EventConfigSaved,
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// websocket streams the caller's own events. Browsers cannot set headers on
// the upgrade request, so the token may also come as ?token=.
func (s *Server) websocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = bearerToken(c.GetHeader("Authorization"))
	}
	userID, err := parseToken(token, s.JWTSecret)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan events.Envelope, 64)
	done := make(chan struct{})
	defer close(done)
	for _, e := range streamEvents {
		stream, unsub := s.Bus.Subscribe(e, 32)
		defer unsub()
		go func() {
			for env := range stream {
				if env.UserID != userID {
					continue
				}
				select {
				case merged <- env:
				case <-done:
					return
				}
			}
		}()
	}

	// The client never sends anything useful; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug().Str("user_id", userID).Msg("ws client attached")
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug().Str("user_id", userID).Msg("ws client closed")
			return
		case env := <-merged:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Warn().Err(err).Str("user_id", userID).Msg("ws write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
