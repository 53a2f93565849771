package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"lifequest-live/internal/observability/logging"
)

// conn pumps frames between a gorilla WebSocket and a Session. The read loop
// runs on the handler goroutine; the write loop owns every data write.
type conn struct {
	ws      *websocket.Conn
	session *Session
	hub     *Hub
}

func newConn(ws *websocket.Conn, session *Session, hub *Hub) *conn {
	return &conn{ws: ws, session: session, hub: hub}
}

// serve blocks until the client goes away or the session is closed, then
// disconnects the session.
func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)

	cancel()
	c.hub.Disconnect(context.WithoutCancel(parent), c.session)
	<-writerDone
	_ = c.ws.Close()
}

func (c *conn) readLoop(ctx context.Context) {
	logger := logging.WithContext(ctx, c.hub.logger)
	c.ws.SetReadLimit(c.hub.maxMessageBytes)
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !c.session.Closed() {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.extendReadDeadline()
		c.hub.Handle(ctx, c.session, payload)
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	var heartbeat <-chan time.Time
	if c.hub.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.hub.heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.session.Outbound():
			if !ok {
				// Session closed: say goodbye so the read loop unblocks.
				deadline := time.Now().Add(closeGracePeriod)
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				_ = c.ws.Close()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.fail(err)
				return
			}
		case <-heartbeat:
			deadline := time.Now().Add(c.hub.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// fail closes the socket after a write error so the read loop returns and
// runs the disconnect.
func (c *conn) fail(err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		c.hub.logger.Debug("websocket write failed", "session_id", c.session.ID, "error", err)
	}
	_ = c.ws.Close()
}

func (c *conn) extendReadDeadline() {
	if c.hub.readTimeout <= 0 {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.readTimeout))
}
