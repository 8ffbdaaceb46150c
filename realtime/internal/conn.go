// Package internal wraps the websocket transport used by the realtime
// client.
package internal

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Conn is a JSON websocket connection with per-operation timeouts. Writes
// are safe for concurrent use.
type Conn struct {
	ID           uuid.UUID
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Dial opens a websocket to url. The handshake is bounded by
// handshakeTimeout unless it is zero.
func Dial(ctx context.Context, url string, handshakeTimeout time.Duration, header http.Header) (*websocket.Conn, error) {
	if handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func NewConn(ws *websocket.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{ID: uuid.New(), ws: ws, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// ReadFrame returns the next data message. Decoding is left to the caller
// so a malformed frame does not cost the connection.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *Conn) Write(ctx context.Context, v any) error {
	return c.WriteWithin(ctx, c.writeTimeout, v)
}

// WriteWithin writes v with an explicit timeout instead of the default one.
func (c *Conn) WriteWithin(ctx context.Context, timeout time.Duration, v any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return wsjson.Write(ctx, c.ws, v)
}

func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// CloseNow drops the connection without the closing handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
