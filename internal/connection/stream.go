package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Stream is a persistent, message-oriented connection to the simulator.
// Each Recv yields one frame, which may hold several protocol lines.
type Stream interface {
	// Send writes one frame.
	Send(ctx context.Context, msg string) error
	// Recv blocks until the next frame arrives or the stream fails.
	Recv(ctx context.Context) (string, error)
	// Close releases the stream. Calling Close more than once is allowed.
	Close() error
}

// Dialer opens new Streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// WebSocketDialer dials the simulator's WebSocket endpoint.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Timeout bounds the opening handshake. Zero means no bound beyond ctx.
	Timeout time.Duration
	// ReadLimit is the largest frame accepted, in bytes. Zero keeps the library default.
	ReadLimit int64
	// HTTPClient is used for the opening handshake when non-nil.
	HTTPClient *http.Client
}

// Dial opens a WebSocket to d.URL.
//
// Postcondition: Returns an open Stream, or a non-nil error.
func (d WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &wsStream{ws: ws}, nil
}

type wsStream struct {
	ws *websocket.Conn
}

func (s *wsStream) Send(ctx context.Context, msg string) error {
	return s.ws.Write(ctx, websocket.MessageText, []byte(msg))
}

// Recv skips binary frames; the protocol is text only.
func (s *wsStream) Recv(ctx context.Context) (string, error) {
	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			return "", err
		}
		if typ == websocket.MessageText {
			return string(data), nil
		}
	}
}

func (s *wsStream) Close() error {
	return s.ws.Close(websocket.StatusNormalClosure, "")
}
