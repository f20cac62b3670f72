package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	wsSendBufferSize = 64
	wsWriteWait      = 5 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = wsPongWait * 9 / 10
)

// eventMessage is the frame written to event stream clients.
type eventMessage struct {
	Type     string       `json:"type"`
	DeviceId string       `json:"device_id,omitempty"`
	Event    domain.Event `json:"event"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// EventsHandler streams every controller event to a websocket client as JSON.
// A client that cannot keep up loses events rather than stalling publishers.
func (s *Server) EventsHandler(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	send := make(chan []byte, wsSendBufferSize)
	unsubscribe := s.controller.Subscribe(func(e domain.Event) {
		data, err := json.Marshal(eventMessage{Type: e.EventType(), DeviceId: e.EventDeviceId(), Event: e})
		if err != nil {
			s.logger.Error("event marshal failed", zap.String("event", domain.EventString(e)), zap.Error(err))
			return
		}
		select {
		case send <- data:
		default:
			s.logger.Debug("websocket client too slow, event dropped", zap.String("event", domain.EventString(e)))
		}
	})
	s.logger.Debug("websocket client connected", zap.String("remote", c.RealIP()))

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, send, closed)

	unsubscribe()
	conn.Close()
	s.logger.Debug("websocket client disconnected", zap.String("remote", c.RealIP()))
	return nil
}

// readPump discards client frames and closes closed once the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte, closed <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
