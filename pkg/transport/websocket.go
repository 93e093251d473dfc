package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aretw0/mindcache/pkg/core"
)

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxMessageSize   = 16 << 20
	closeGrace              = time.Second
)

// Options tunes websocket connections.
type Options struct {
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	// CheckOrigin overrides the upgrader's origin policy. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func newWSConn(ws *websocket.Conn, o Options) *wsConn {
	ws.SetReadLimit(o.MaxMessageSize)
	return &wsConn{ws: ws, writeTimeout: o.WriteTimeout}
}

// Upgrade turns an HTTP request into a websocket Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (Conn, error) {
	o := opts.withDefaults()
	upgrader := websocket.Upgrader{
		HandshakeTimeout: o.HandshakeTimeout,
		CheckOrigin:      o.CheckOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, &core.TransportError{Op: "upgrade", Err: err}
	}
	return newWSConn(ws, o), nil
}

// Dial connects to a websocket URL.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (Conn, error) {
	o := opts.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &core.TransportError{Op: "dial", Err: err}
	}
	return newWSConn(ws, o), nil
}

// WebsocketDialer returns a DialFunc for url.
func WebsocketDialer(url string, header http.Header, opts Options) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, url, header, opts)
	}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, &core.TransportError{Op: "read", Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return nil, context.DeadlineExceeded
			}
			return nil, &core.TransportError{Op: "read", Err: err}
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return &core.TransportError{Op: "write", Err: err}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &core.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
