package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/relay"
)

const (
	carrierReadTimeout  = 120 * time.Second
	carrierWriteTimeout = 10 * time.Second
	carrierReadLimit    = 2 << 20
)

// wsCarrier adapts a carrier websocket to relay.Carrier. Send is only
// called from the relay goroutine, Read only from its reader goroutine.
type wsCarrier struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSCarrier(conn *websocket.Conn) *wsCarrier {
	conn.SetReadLimit(carrierReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(carrierReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(carrierReadTimeout))
		return nil
	})
	return &wsCarrier{conn: conn}
}

func (c *wsCarrier) Read() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(carrierReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsCarrier) Send(msg protocol.CarrierOutbound) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(carrierWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsCarrier) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// handleMediaStream upgrades the carrier's media websocket and runs one
// relay for it until either side ends the call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.relayCfg.Open == nil {
		respondError(w, http.StatusServiceUnavailable, "configuration_error", "realtime upstream not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	carrier := newWSCarrier(conn)
	defer carrier.Close()

	s.metrics.CallEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	err = relay.New(s.relayCfg, carrier).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("media relay ended with error", zap.Error(err))
	}
	s.metrics.CallEvent("ws_disconnected")
}
