package protoo

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
)

// Close codes used by the server.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
)

// Transport is a message-framed, bidirectional connection. Read returns one
// text frame at a time and fails once the connection is gone. Write must be
// safe for concurrent use.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
}

// WSTransport adapts a websocket connection.
type WSTransport struct {
	conn *websocket.Conn
}

func NewWSTransport(c *websocket.Conn) *WSTransport { return &WSTransport{conn: c} }

// Read skips binary frames; the protocol is text only.
func (t *WSTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		metricMessagesIn.WithLabelValues("binary").Inc()
	}
}

func (t *WSTransport) Write(ctx context.Context, frame []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("protoo: write: %w", err)
	}
	return nil
}

func (t *WSTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}
