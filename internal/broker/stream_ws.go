package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"angelone-bridge/internal/errors"
)

// WebSocketTransport dials SmartStream over gorilla/websocket.
type WebSocketTransport struct {
	Dialer       *websocket.Dialer
	ReadTimeout  time.Duration // zero disables the read deadline
	WriteTimeout time.Duration
	ReadLimit    int64
}

// NewWebSocketTransport returns a transport with production timeouts. The
// read deadline is comfortably above the ping interval.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		Dialer:       websocket.DefaultDialer,
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return nil, errors.SessionExpiredError(fmt.Errorf("stream handshake: %s", resp.Status))
			case resp.StatusCode == http.StatusTooManyRequests:
				return nil, errors.RateLimitedError(retryAfter(resp.Header.Get("Retry-After")))
			}
		}
		return nil, errors.NetworkError(errors.CodeNetworkConnection, err)
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}
	return &wsConn{conn: conn, readTimeout: t.ReadTimeout, writeTimeout: t.WriteTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	if kind == websocket.BinaryMessage {
		return MessageBinary, data, nil
	}
	return MessageText, data, nil
}

func (c *wsConn) WriteMessage(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	wsKind := websocket.TextMessage
	if kind == MessageBinary {
		wsKind = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(wsKind, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
	}
	return c.conn.Close()
}
