package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/gluk-w/webterm/internal/wire"
)

// MaxInputMessageSize is the largest single input message forwarded to a
// backend. Larger messages are dropped.
const MaxInputMessageSize = 64 * 1024

// Upper bounds for resize requests.
const (
	MaxResizeCols = 500
	MaxResizeRows = 500
)

// Backend is one remote shell. Read returns remote output; io.EOF means the
// remote side ended the session.
type Backend interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
}

func targetAddr(proto wire.Protocol, p wire.ConnectPayload) string {
	port := p.Port
	if port == 0 {
		port = proto.DefaultPort()
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// openBackend dials the backend for proto. ctx bounds the dial and login.
func (s *Server) openBackend(ctx context.Context, proto wire.Protocol, p wire.ConnectPayload) (Backend, error) {
	if p.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	addr := targetAddr(proto, p)

	switch proto {
	case wire.ProtocolSSH:
		if p.Username == "" {
			return nil, fmt.Errorf("username is required")
		}
		return dialSSH(ctx, addr, p, s.hostKeys)
	case wire.ProtocolTelnet:
		return dialTelnet(ctx, addr, p, s.opts.TelnetLoginWait)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", proto)
	}
}

func clampResize(cols, rows int) (int, int) {
	return min(cols, MaxResizeCols), min(rows, MaxResizeRows)
}
