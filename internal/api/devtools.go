package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleDevtools proxies a client websocket straight through to the
// session's engine devtools endpoint so external tooling can inspect a live
// session.
func (h *Handler) HandleDevtools(w http.ResponseWriter, r *http.Request, sessionID string) {
	s, err := h.manager.GetSession(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	connectURL := s.Meta().ConnectURL
	if connectURL == "" {
		http.Error(w, "session has no engine to inspect", http.StatusBadRequest)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade devtools connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	engineConn, _, err := websocket.DefaultDialer.DialContext(ctx, connectURL, nil)
	if err != nil {
		h.log.Warn("failed to dial engine devtools",
			zap.String("sessionId", sessionID), zap.Error(err))
		clientConn.WriteMessage(websocket.TextMessage, []byte("error connecting to engine"))
		return
	}
	defer engineConn.Close()

	h.log.Debug("devtools proxy connected", zap.String("sessionId", sessionID))

	errChan := make(chan error, 2)
	go func() { errChan <- proxyMessages(clientConn, engineConn) }()
	go func() { errChan <- proxyMessages(engineConn, clientConn) }()

	if err := <-errChan; err != nil && err != io.EOF {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			h.log.Debug("devtools proxy ended",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	}
}

func proxyMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
