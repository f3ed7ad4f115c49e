package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/browsertrace/browsertrace/internal/dispatch"
	"github.com/browsertrace/browsertrace/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleConnection upgrades GET /v1/connection to the persistent command
// channel. Each command runs in its own goroutine so blocking waits never
// stall the read loop; writes are serialized behind one mutex.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade command channel", zap.Error(err))
		return
	}
	defer ws.Close()

	var writeMu sync.Mutex
	write := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteJSON(v); err != nil {
			h.log.Debug("command channel write failed", zap.Error(err))
		}
	}

	conn := dispatch.NewConnection(h.manager, h.profiles, func(ev dispatch.Event) {
		write(ev)
	}, h.log)
	defer conn.Disconnect()

	h.log.Info("command channel opened", zap.String("connectionId", conn.ID))

	ctx := r.Context()
	var wg sync.WaitGroup
	for {
		var req models.CommandRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("command channel read failed",
					zap.String("connectionId", conn.ID), zap.Error(err))
			}
			break
		}
		wg.Add(1)
		go func(req models.CommandRequest) {
			defer wg.Done()
			write(conn.HandleCommand(ctx, req))
		}(req)
	}
	wg.Wait()
	h.log.Info("command channel closed", zap.String("connectionId", conn.ID))
}
