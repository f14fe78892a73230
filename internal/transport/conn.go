package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/gluk-w/webterm/internal/auth"
	"github.com/gluk-w/webterm/internal/logutil"
	"github.com/gluk-w/webterm/internal/wire"
)

// DefaultReadLimit bounds a single inbound message.
const DefaultReadLimit = 1024 * 1024

// WriteTimeout bounds a single outbound frame. Tests may override it.
var WriteTimeout = 10 * time.Second

// WSDialer opens transports as WebSocket connections to a fixed gateway endpoint.
type WSDialer struct {
	// Endpoint is the gateway base URL joined with the channel path,
	// e.g. ws://localhost:8000/ws/terminal.
	Endpoint string
	// Tokens yields the bearer credential. Nil means no credential.
	Tokens auth.TokenSource
	// HTTPClient is used for the WebSocket handshake. Nil uses the default client.
	HTTPClient *http.Client
	// ReadLimit bounds inbound messages. Zero uses DefaultReadLimit.
	ReadLimit int64
}

// NewDialer creates a WSDialer for endpoint.
func NewDialer(endpoint string, tokens auth.TokenSource) *WSDialer {
	return &WSDialer{Endpoint: endpoint, Tokens: tokens}
}

func (d *WSDialer) channelURL(token string) (string, error) {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse gateway endpoint: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open validates target, dials the gateway and sends the connect frame. The
// returned Conn delivers inbound events to h until it is closed.
func (d *WSDialer) Open(ctx context.Context, target Target, h Handler) (Transport, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	var token string
	if d.Tokens != nil {
		tok, err := d.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain gateway token: %w", err)
		}
		token = tok
	}

	chURL, err := d.channelURL(token)
	if err != nil {
		return nil, err
	}

	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	ws, _, err := websocket.Dial(ctx, chURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s: %w", d.Endpoint, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	ws.SetReadLimit(limit)

	frame, err := wire.Connect(target.protocol(), wire.ConnectPayload{
		Host:     target.Host,
		Port:     target.port(),
		Username: target.Username,
		Password: target.Secret,
	})
	if err != nil {
		ws.CloseNow()
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		handler: h,
		label:   logutil.SanitizeForLog(target.String()),
		cancel:  cancel,
		open:    true,
	}

	if err := c.write(ctx, websocket.MessageText, frame); err != nil {
		cancel()
		ws.CloseNow()
		return nil, fmt.Errorf("send connect frame: %w", err)
	}

	go c.readLoop(readCtx)
	return c, nil
}

// Conn is a Transport over one WebSocket connection.
type Conn struct {
	ws      *websocket.Conn
	handler Handler
	label   string
	cancel  context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	open      bool
	requested bool // Close was called
}

// IsOpen reports whether the channel can carry frames.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Conn) write(ctx context.Context, typ websocket.MessageType, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, typ, frame)
}

// Send forwards keystrokes as a data frame. Input that is not valid UTF-8
// (a split multibyte sequence, 8-bit meta keys) goes out as a binary frame
// so the bytes reach the remote unchanged. While the channel is not open the
// input is dropped rather than queued.
func (c *Conn) Send(p []byte) {
	if len(p) == 0 || !c.IsOpen() {
		return
	}
	if !utf8.Valid(p) {
		if err := c.write(context.Background(), websocket.MessageBinary, p); err != nil && c.IsOpen() {
			log.Printf("[transport] %s: send raw input: %v", c.label, err)
		}
		return
	}
	frame, err := wire.Data(p)
	if err != nil {
		log.Printf("[transport] %s: encode data frame: %v", c.label, err)
		return
	}
	if err := c.write(context.Background(), websocket.MessageText, frame); err != nil && c.IsOpen() {
		log.Printf("[transport] %s: send data: %v", c.label, err)
	}
}

// Resize sends a resize frame. It is a no-op once the channel is closed.
func (c *Conn) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 || !c.IsOpen() {
		return
	}
	frame, err := wire.Resize(cols, rows)
	if err != nil {
		return
	}
	if err := c.write(context.Background(), websocket.MessageText, frame); err != nil && c.IsOpen() {
		log.Printf("[transport] %s: send resize: %v", c.label, err)
	}
}

// Close performs a normal WebSocket close. Subsequent calls return nil.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.requested {
		c.mu.Unlock()
		return nil
	}
	c.requested = true
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()

	var err error
	if wasOpen {
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	}
	c.cancel()
	if err != nil && !isClosedErr(err) {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.handler.OnData(data)
		case websocket.MessageText:
			c.dispatch(data)
		}
	}
}

func (c *Conn) dispatch(frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		// Keep remote output even when the gateway sends it as text.
		log.Printf("[transport] %s: undecodable text frame (%d bytes), writing through: %v", c.label, len(frame), err)
		c.handler.OnData(frame)
		return
	}

	switch msg.Type {
	case wire.TypeConnected:
		c.handler.OnConnected()
	case wire.TypeError:
		c.handler.OnError(msg.Text())
	default:
		log.Printf("[transport] %s: ignoring control frame %q", c.label, msg.Type)
	}
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	requested := c.requested
	c.open = false
	c.mu.Unlock()

	c.cancel()
	c.ws.CloseNow()

	if requested {
		return
	}
	log.Printf("[transport] %s: channel closed: %v", c.label, err)
	c.handler.OnClosed(err)
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
