package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const pingInterval = 30 * time.Second

// syncConnection is one accepted WebSocket sync channel.
type syncConnection struct {
	id     int64
	conn   *websocket.Conn
	stream <-chan []byte
	router *EventRouter
	logger *zap.Logger
}

func (h *httpHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subscriberID, stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	connection := &syncConnection{
		id:     subscriberID,
		conn:   conn,
		stream: stream,
		router: h.events,
		logger: h.logger.With(zap.Int64("subscriber_id", subscriberID)),
	}
	connection.logger.Info("sync channel connected")
	connection.run(ctx)
	connection.logger.Info("sync channel disconnected")
}

func (h *httpHandler) acceptOptions() *websocket.AcceptOptions {
	for _, origin := range h.allowedOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: h.allowedOrigins}
}

// run starts the write pump and blocks in the read pump until the peer goes away.
func (c *syncConnection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx, cancel)
	c.readPump(ctx)
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *syncConnection) readPump(ctx context.Context) {
	for {
		messageType, frame, err := c.conn.Read(ctx)
		if err != nil {
			if !isExpectedClose(err) {
				c.logger.Debug("sync channel read ended", zap.Error(err))
			}
			return
		}
		if messageType != websocket.MessageText {
			continue
		}

		envelope, err := protocol.Decode(frame)
		if err != nil {
			c.router.sendError(c.id, "", err.Error())
			continue
		}
		c.router.Handle(ctx, c.id, envelope)
	}
}

// writePump drains the hub stream and keeps the connection alive with pings.
func (c *syncConnection) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.stream:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
