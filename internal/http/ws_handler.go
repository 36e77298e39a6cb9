package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"wisefido-chat/internal/realtime"
	"wisefido-chat/internal/service"

	"go.uber.org/zap"
)

// ServeWS GET /chat/ws?room_id= : one push channel per open room.
// Access is checked before the upgrade so failures still get a JSON error.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request, sess service.Session) {
	roomID := strings.TrimSpace(r.URL.Query().Get("room_id"))
	if roomID == "" {
		h.badRequest(w, "room_id is required")
		return
	}
	if _, err := h.rooms.Authorize(r.Context(), sess, roomID); err != nil {
		h.fail(w, r, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Warn("Websocket upgrade failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	conn := realtime.NewConnection(sess.OperatorID, roomID, ws)
	h.logger.Debug("Push channel opened",
		zap.String("conn_id", conn.ID),
		zap.String("room_id", roomID),
		zap.String("operator_id", sess.OperatorID),
	)
	conn.Serve(h.bus.Subscribe(roomID))
	h.logger.Debug("Push channel closed", zap.String("conn_id", conn.ID), zap.String("room_id", roomID))
}

func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.opts.WebsocketOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.opts.WebsocketOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
