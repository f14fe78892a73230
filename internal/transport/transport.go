// Package transport owns the per-session message channel between a terminal
// client and the gateway. One Conn carries exactly one session: a single
// connect frame, then keystroke and resize frames outbound and control or raw
// output frames inbound.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/gluk-w/webterm/internal/wire"
)

// ErrIncompleteTarget is returned by Open before any network activity when a
// required connection field is blank.
var ErrIncompleteTarget = errors.New("host, username and secret are required")

// Target is the remote endpoint the gateway should connect to.
type Target struct {
	Host     string
	Port     int
	Username string
	Secret   string
	Protocol wire.Protocol
}

// Validate reports ErrIncompleteTarget when host, username or secret is blank.
func (t Target) Validate() error {
	var missing []string
	if t.Host == "" {
		missing = append(missing, "host")
	}
	if t.Username == "" {
		missing = append(missing, "username")
	}
	if t.Secret == "" {
		missing = append(missing, "secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w (missing %v)", ErrIncompleteTarget, missing)
	}
	return nil
}

// String renders the target as user@host:port.
func (t Target) String() string {
	return fmt.Sprintf("%s@%s:%d", t.Username, t.Host, t.port())
}

func (t Target) protocol() wire.Protocol {
	if t.Protocol == "" {
		return wire.ProtocolSSH
	}
	return t.Protocol
}

func (t Target) port() int {
	if t.Port == 0 {
		return t.protocol().DefaultPort()
	}
	return t.Port
}

// Handler receives inbound events. Calls for one transport are made from a
// single goroutine, in the order the channel delivered the frames.
type Handler interface {
	// OnConnected is called when the gateway reports the remote session is up.
	OnConnected()
	// OnError is called with the gateway's human-readable failure message.
	OnError(message string)
	// OnData is called with remote output, verbatim.
	OnData(p []byte)
	// OnClosed is called once when the channel drops without a Close call.
	OnClosed(err error)
}

// Transport is one live session channel.
type Transport interface {
	// Send forwards terminal input. Input is dropped when the channel is not open.
	Send(p []byte)
	// Resize informs the gateway of the terminal geometry. No-op when not open.
	Resize(cols, rows int)
	// Close releases the channel. Safe to call more than once.
	Close() error
	// IsOpen reports whether frames can currently be sent.
	IsOpen() bool
}

// Dialer opens transports.
type Dialer interface {
	Open(ctx context.Context, target Target, h Handler) (Transport, error)
}
