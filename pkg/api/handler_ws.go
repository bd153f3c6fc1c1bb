package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWS upgrades the connection and hands it to the ConnectionManager.
func (s *Server) handleWS(c *gin.Context) {
	if s.connManager == nil {
		abortWithError(c, http.StatusServiceUnavailable, "WebSocket not available")
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.wsOrigins,
	})
	if err != nil {
		// Accept already wrote the HTTP error response.
		return
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
