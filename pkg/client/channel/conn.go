package channel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cbodonnell/townsquare/pkg/messages"
	"nhooyr.io/websocket"
)

// Conn is one established duplex connection carrying serialized envelopes.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close() error
}

// DialFunc opens a connection to url presenting header.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

// DialWebsocket is the default DialFunc.
func DialWebsocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %v", url, err)
	}
	conn.SetReadLimit(messages.MaxFrameSize)
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, b, err := c.conn.Read(ctx)
	return b, err
}

func (c *wsConn) Write(ctx context.Context, b []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, b)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
