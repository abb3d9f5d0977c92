package socket

import (
	"context"

	"github.com/coder/websocket"
)

// Websocket is the primary transport. The ordered dialer list in Config is
// where a request/response fallback would slot in behind it; the backend
// this client talks to is websocket-only.
func Websocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct{ conn *websocket.Conn }

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
