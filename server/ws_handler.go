package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ConversationSocketHandler streams refresh hints for one conversation: on
// every insert notification the client receives a small JSON event telling
// it to refetch history. The subscription is torn down unconditionally when
// the socket goes away.
func (s *Server) ConversationSocketHandler(c *gin.Context) {
	conversationID := c.MustGet("conversationID").(uuid.UUID)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	events, unsubscribe, err := s.Notifier.Subscribe(c.Request.Context(), conversationID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("conversation_id", conversationID.String()).
			Msg("realtime subscribe failed")
		return
	}
	defer unsubscribe()

	// Reads are discarded; the socket is push-only. The read loop still has
	// to run so close frames and errors are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(gin.H{"type": "message_inserted", "conversation_id": ev.ConversationID, "message_id": ev.MessageID}); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
