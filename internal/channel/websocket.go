package channel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/tether/internal/protoerr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1 MB
)

// WebSocketDialer dials a WebSocket endpoint.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration

	// Binary sends frames as binary messages (for msgpack); text otherwise.
	Binary bool

	Logger *slog.Logger
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, protoerr.Transport(err)
	}
	return newWSConn(ws, d.Binary, d.Logger), nil
}

// WebSocketHandler upgrades HTTP requests to WebSocket connections and
// hands each one to accept.
type WebSocketHandler struct {
	Accept func(Conn)
	Binary bool

	// CheckOrigin overrides the upgrader's origin check. Nil accepts any
	// origin.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// ServeHTTP implements http.Handler.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	check := h.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     check,
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		logger(h.Logger).Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newWSConn(ws, h.Binary, h.Logger)
	if h.Accept == nil {
		conn.Close()
		return
	}
	h.Accept(conn)
}

type wsConn struct {
	ws      *websocket.Conn
	msgType int
	logger  *slog.Logger
	events  *stream

	writeMu sync.Mutex

	closeOnce sync.Once
	closing   chan struct{}
}

func newWSConn(ws *websocket.Conn, binary bool, l *slog.Logger) *wsConn {
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	c := &wsConn{
		ws:      ws,
		msgType: msgType,
		logger:  logger(l),
		events:  newStream(defaultEventBuffer),
		closing: make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	if c.events.ended() {
		return closedErr()
	}
	if err := ctx.Err(); err != nil {
		return protoerr.Transport(err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return protoerr.Transport(err)
	}
	if err := c.ws.WriteMessage(c.msgType, data); err != nil {
		return protoerr.Transport(err)
	}
	return nil
}

func (c *wsConn) Events() <-chan Event {
	return c.events.ch
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = c.ws.Close()
		c.events.finish(nil)
	})
	return err
}

// readPump pumps frames from the socket into the event stream until the
// socket fails or is closed.
func (c *wsConn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.end(err)
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.end(err)
			return
		}
		if !c.events.emit(ctx, Event{Kind: EventMessage, Data: data}) {
			return
		}
	}
}

// end finishes the stream after a read failure. A normal close from the
// peer ends the stream without a fault.
func (c *wsConn) end(err error) {
	select {
	case <-c.closing:
		return
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug("websocket closed by peer")
		c.events.finish(nil)
	} else {
		c.logger.Warn("websocket read failed", "error", err)
		c.events.finish(err)
	}
	_ = c.ws.Close()
}

func (c *wsConn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-c.events.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
