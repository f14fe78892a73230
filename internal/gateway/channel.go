package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/webterm/internal/logutil"
	"github.com/gluk-w/webterm/internal/middleware"
	"github.com/gluk-w/webterm/internal/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// channelReadLimit bounds a single client message.
const channelReadLimit = 1024 * 1024

// StatusInternalError is the close code for failures after the upgrade.
const StatusInternalError websocket.StatusCode = 4500

var (
	errBackendClosed = errors.New("backend closed")
	errUnsupported   = errors.New("unsupported protocol")
)

// channel serves one terminal WebSocket. A non-empty forced protocol pins
// the endpoint to that backend.
func (s *Server) channel(forced wire.Protocol) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: s.opts.AllowedOrigins,
		})
		if err != nil {
			log.Printf("[gateway] failed to accept terminal websocket: %v", err)
			return
		}
		defer ws.CloseNow()
		ws.SetReadLimit(channelReadLimit)

		s.serveChannel(r.Context(), ws, forced, middleware.Subject(r))
	}
}

func (s *Server) serveChannel(ctx context.Context, ws *websocket.Conn, forced wire.Protocol, subject string) {
	proto, payload, err := readConnect(ctx, ws, forced)
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) || errors.Is(err, errUnsupported) {
			sendError(ctx, ws, "Connection failed: "+err.Error())
			ws.Close(websocket.StatusNormalClosure, "")
		}
		return
	}

	label := logutil.SanitizeForLog(fmt.Sprintf("%s %s@%s", proto, payload.Username, targetAddr(proto, payload)))
	log.Printf("[gateway] %s: connecting for %s", label, logutil.SanitizeForLog(subject))

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	backend, err := s.openBackend(dialCtx, proto, payload)
	cancel()
	if err != nil {
		s.metrics.connects.WithLabelValues(string(proto), "failure").Inc()
		log.Printf("[gateway] %s: connection failed: %v", label, err)
		sendError(ctx, ws, "Connection failed: "+err.Error())
		ws.Close(websocket.StatusNormalClosure, "")
		return
	}
	defer backend.Close()

	s.metrics.connects.WithLabelValues(string(proto), "success").Inc()
	s.metrics.active.Inc()
	defer s.metrics.active.Dec()

	frame, err := wire.Connected(proto)
	if err == nil {
		err = ws.Write(ctx, websocket.MessageText, frame)
	}
	if err != nil {
		log.Printf("[gateway] %s: confirm connection: %v", label, err)
		ws.Close(StatusInternalError, "failed to confirm connection")
		return
	}
	log.Printf("[gateway] %s: connected", label)

	err = s.relay(ctx, ws, backend, proto, label)
	log.Printf("[gateway] %s: session ended: %v", label, err)
	ws.Close(websocket.StatusNormalClosure, "")
}

// readConnect waits for the connect frame. Input and resize frames that
// arrive before it are ignored, as there is nothing to apply them to.
func readConnect(ctx context.Context, ws *websocket.Conn, forced wire.Protocol) (wire.Protocol, wire.ConnectPayload, error) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return "", wire.ConnectPayload{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("[gateway] ignoring undecodable frame before connect: %v", err)
			continue
		}
		if msg.Type != wire.TypeConnect {
			continue
		}

		proto := msg.Protocol
		if proto == "" {
			proto = forced
		}
		if proto == "" {
			proto = wire.ProtocolSSH
		}
		if (forced != "" && proto != forced) || !proto.Valid() {
			return "", wire.ConnectPayload{}, fmt.Errorf("%w: %s", errUnsupported, logutil.SanitizeForLog(string(proto)))
		}

		payload, err := msg.ConnectPayload()
		if err != nil {
			return "", wire.ConnectPayload{}, err
		}
		return proto, payload, nil
	}
}

func sendError(ctx context.Context, ws *websocket.Conn, message string) {
	frame, err := wire.Error(message)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ws.Write(ctx, websocket.MessageText, frame)
}

func closedMessage(proto wire.Protocol) string {
	if proto == wire.ProtocolTelnet {
		return "Telnet connection closed"
	}
	return "SSH connection closed"
}

// relay pumps output to the client and input to the backend until either
// side ends. When the remote shell ends first the client gets an error frame.
func (s *Server) relay(ctx context.Context, ws *websocket.Conn, backend Backend, proto wire.Protocol, label string) error {
	g, gctx := errgroup.WithContext(ctx)
	limiter := rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)

	// Shell -> browser
	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := backend.Read(buf)
			if n > 0 {
				s.metrics.outputBytes.Add(float64(n))
				if werr := ws.Write(gctx, websocket.MessageBinary, buf[:n]); werr != nil {
					return werr
				}
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("[gateway] %s: backend read: %v", label, err)
				sendError(gctx, ws, closedMessage(proto))
				return errBackendClosed
			}
		}
	})

	// Browser -> shell
	g.Go(func() error {
		for {
			typ, data, err := ws.Read(gctx)
			if err != nil {
				return err
			}
			if err := s.handleInput(gctx, ws, backend, limiter, typ, data, label); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		backend.Close()
		return nil
	})

	return g.Wait()
}

func (s *Server) handleInput(ctx context.Context, ws *websocket.Conn, backend Backend, limiter *rate.Limiter, typ websocket.MessageType, data []byte, label string) error {
	if typ == websocket.MessageBinary {
		return writeInput(backend, limiter, data, label)
	}

	msg, err := wire.Decode(data)
	if err != nil {
		log.Printf("[gateway] %s: ignoring undecodable frame: %v", label, err)
		return nil
	}

	switch msg.Type {
	case wire.TypeData:
		return writeInput(backend, limiter, []byte(msg.Text()), label)
	case wire.TypeResize:
		p, err := msg.ResizePayload()
		if err != nil || p.Cols <= 0 || p.Rows <= 0 {
			return nil
		}
		cols, rows := clampResize(p.Cols, p.Rows)
		if err := backend.Resize(cols, rows); err != nil {
			log.Printf("[gateway] %s: resize %dx%d: %v", label, cols, rows, err)
		}
	case wire.TypeConnect:
		sendError(ctx, ws, "Session already connected")
	default:
		log.Printf("[gateway] %s: ignoring %q frame", label, logutil.SanitizeForLog(string(msg.Type)))
	}
	return nil
}

// writeInput forwards keystrokes, dropping oversized messages and messages
// over the rate limit.
func writeInput(backend Backend, limiter *rate.Limiter, p []byte, label string) error {
	if len(p) == 0 {
		return nil
	}
	if len(p) > MaxInputMessageSize {
		log.Printf("[gateway] %s: input message too large: size=%d limit=%d", label, len(p), MaxInputMessageSize)
		return nil
	}
	if !limiter.Allow() {
		return nil
	}
	if _, err := backend.Write(p); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}
