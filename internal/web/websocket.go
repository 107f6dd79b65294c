package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/petguard/edge-recorder/internal/capture"
)

const socketIdleTimeout = 60 * time.Second

type socketReply struct {
	Error string `json:"error"`
}

// handleFrameSocket accepts a stream of binary JPEG messages. Each message
// is submitted like a POST /frame body. Only rejections are answered, so a
// camera can stream without waiting for replies.
func (s *Server) handleFrameSocket(c *gin.Context) {
	src, ok := s.deps.Sources.PushSource(c.Query("source"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No push source configured"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.LogWarn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxFrameBytes)
	s.LogInfo("Frame socket connected", "source", src.ID(), "remote", c.ClientIP())

	var frames, dropped int64
	defer func() {
		s.LogInfo("Frame socket closed", "source", src.ID(), "frames", frames, "dropped", dropped)
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(socketIdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.LogDebug("Frame socket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		_, err = src.Submit(data)
		switch {
		case err == nil:
			frames++
		case errors.Is(err, capture.ErrDropped):
			dropped++
			s.rejected("busy")
		default:
			s.rejected("decode")
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(socketReply{Error: err.Error()}); err != nil {
				return
			}
		}
	}
}
