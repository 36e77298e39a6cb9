package syncclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"wisefido-chat/internal/realtime"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSPush gorilla/websocket push client; one connection per open room
type WSPush struct {
	baseURL    string // http(s)://host, converted to ws(s)
	operatorID string
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

var _ Push = (*WSPush)(nil)

func NewWSPush(baseURL, operatorID string, logger *zap.Logger) *WSPush {
	return &WSPush{
		baseURL:    strings.TrimRight(baseURL, "/"),
		operatorID: operatorID,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger,
	}
}

func (p *WSPush) roomURL(roomID string) (string, error) {
	u, err := url.Parse(p.baseURL + "/chat/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("room_id", roomID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *WSPush) Subscribe(ctx context.Context, roomID string, handler func(realtime.Event)) (PushSubscription, error) {
	target, err := p.roomURL(roomID)
	if err != nil {
		return nil, err
	}
	ws, resp, err := p.dialer.DialContext(ctx, target, http.Header{headerOperatorID: {p.operatorID}})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push subscribe %s: status %d: %w", roomID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("push subscribe %s: %w", roomID, err)
	}
	sub := &wsSubscription{ws: ws, done: make(chan struct{})}
	go sub.readLoop(roomID, handler, p.logger)
	return sub, nil
}

type wsSubscription struct {
	ws   *websocket.Conn
	once sync.Once
	done chan struct{}
}

// Done closed when the connection ends for any reason; callers fall back to Refresh
func (s *wsSubscription) Done() <-chan struct{} { return s.done }

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.ws.Close()
	})
	return err
}

func (s *wsSubscription) readLoop(roomID string, handler func(realtime.Event), logger *zap.Logger) {
	defer close(s.done)
	defer s.Close()
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Push channel ended", zap.String("room_id", roomID), zap.Error(err))
			}
			return
		}
		evt, err := realtime.DecodeEvent(data)
		if err != nil {
			logger.Warn("Dropping malformed push event", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		handler(evt)
	}
}
