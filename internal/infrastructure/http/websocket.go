package http

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsMessage is the frame format in both directions. Clients send
// {"type":"message"}; the server answers with "delta" frames, then "done"
// carrying the full answer, or "error".
type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// handleWebSocket serves a chat connection. Questions are answered one at a
// time; a closed connection abandons the answer in progress.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		reqLogger := s.requestLogger(c)
		reqLogger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.requestLogger(c)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	write := func(msg wsMessage) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if msg.Type != "message" || msg.Content == "" {
			if write(wsMessage{Type: "error", Content: "expected a message frame with content"}) != nil {
				return
			}
			continue
		}

		messages, err := s.conversation(ctx, msg.SessionID, msg.Content)
		if err != nil {
			logger.Error().Err(err).Str("session_id", msg.SessionID).Msg("loading history failed")
			if write(wsMessage{Type: "error", Content: "could not load session history"}) != nil {
				return
			}
			continue
		}

		var writeErr error
		res, err := s.resolver.ResolveStream(ctx, messages, func(_ context.Context, delta string) error {
			writeErr = write(wsMessage{Type: "delta", Content: delta, SessionID: msg.SessionID})
			return writeErr
		})
		if writeErr != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("resolve failed")
			if write(wsMessage{Type: "error", Content: answerFailedMessage}) != nil {
				return
			}
			continue
		}
		s.saveTurn(ctx, msg.SessionID, msg.Content, res.Answer)
		if err := write(wsMessage{Type: "done", Content: res.Answer, SessionID: msg.SessionID}); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug().Err(err).Msg("websocket write failed")
			}
			return
		}
	}
}
