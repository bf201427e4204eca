package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// Conn is one live websocket connection to a gateway event stream
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens event stream connections. The indirection exists so consumers
// can be tested without a live gateway.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials real gateway streams
type WebsocketDialer struct {
	// HandshakeTimeout bounds the dial, defaults to 10s
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	// Gateway events are small JSON documents
	c.SetReadLimit(1 << 20)

	return &websocketConn{c: c}, nil
}

type websocketConn struct {
	c *websocket.Conn
}

func (w *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *websocketConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Event kinds the gateway emits on the live stream
const (
	EventMessagesUpsert   = "messages.upsert"
	EventMessageReceived  = "message.received"
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

// Envelope is the wire shape of one stream event
type Envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// DecodeEnvelope parses a raw stream frame. Frames without an event field
// are treated as bare message payloads, which older gateway builds send.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	if env.Event == "" {
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		return &Envelope{Event: EventMessageReceived, Data: payload}, nil
	}

	return &env, nil
}
