package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gluk-w/webterm/internal/wire"
)

// Telnet command and option codes (RFC 854, 857, 858, 1073).
const (
	telnetSE   byte = 240
	telnetSB   byte = 250
	telnetWILL byte = 251
	telnetWONT byte = 252
	telnetDO   byte = 253
	telnetDONT byte = 254
	telnetIAC  byte = 255

	optEcho byte = 1
	optSGA  byte = 3
	optNAWS byte = 31
)

type telnetState int

const (
	stData telnetState = iota
	stIAC
	stOption
	stSub
	stSubIAC
)

// telnetBackend is a Telnet client connection. Option negotiation is handled
// inline while reading; only the data stream reaches the caller.
type telnetBackend struct {
	conn    net.Conn
	writeMu sync.Mutex

	// Parser state, owned by the reading goroutine.
	state telnetState
	verb  byte

	mu      sync.Mutex
	naws    bool
	cols    int
	rows    int
	replied map[[2]byte]bool
}

func newTelnetBackend(conn net.Conn) *telnetBackend {
	return &telnetBackend{
		conn:    conn,
		cols:    wire.DefaultCols,
		rows:    wire.DefaultRows,
		replied: make(map[[2]byte]bool),
	}
}

// dialTelnet connects to addr. When both username and password are given
// they are typed at the login prompt, each line after loginWait, followed by
// an empty line.
func dialTelnet(ctx context.Context, addr string, p wire.ConnectPayload, loginWait time.Duration) (*telnetBackend, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t := newTelnetBackend(conn)

	if p.Username != "" && p.Password != "" {
		for _, line := range []string{p.Username, p.Password, ""} {
			select {
			case <-ctx.Done():
				conn.Close()
				return nil, fmt.Errorf("telnet login: %w", ctx.Err())
			case <-time.After(loginWait):
			}
			if _, err := t.Write([]byte(line + "\r\n")); err != nil {
				conn.Close()
				return nil, fmt.Errorf("telnet login: %w", err)
			}
		}
	}
	return t, nil
}

// Read returns remote output with Telnet commands removed. It never returns
// zero bytes with a nil error.
func (t *telnetBackend) Read(p []byte) (int, error) {
	raw := make([]byte, len(p))
	for {
		n, err := t.conn.Read(raw)
		out := t.filter(raw[:n], p[:0])
		if len(out) > 0 || err != nil {
			return len(out), err
		}
	}
}

// filter appends the data bytes of in to out and answers negotiations.
// The output is never longer than the input.
func (t *telnetBackend) filter(in, out []byte) []byte {
	for _, b := range in {
		switch t.state {
		case stData:
			if b == telnetIAC {
				t.state = stIAC
			} else {
				out = append(out, b)
			}
		case stIAC:
			switch b {
			case telnetIAC:
				out = append(out, telnetIAC)
				t.state = stData
			case telnetDO, telnetDONT, telnetWILL, telnetWONT:
				t.verb = b
				t.state = stOption
			case telnetSB:
				t.state = stSub
			default:
				t.state = stData
			}
		case stOption:
			t.negotiate(t.verb, b)
			t.state = stData
		case stSub:
			if b == telnetIAC {
				t.state = stSubIAC
			}
		case stSubIAC:
			if b == telnetSE {
				t.state = stData
			} else {
				t.state = stSub
			}
		}
	}
	return out
}

// negotiate accepts server echo and suppress-go-ahead, agrees to report the
// window size and refuses everything else. Each refusal is sent once.
func (t *telnetBackend) negotiate(verb, opt byte) {
	switch verb {
	case telnetDO:
		if opt == optNAWS {
			t.mu.Lock()
			first := !t.naws
			t.naws = true
			t.mu.Unlock()
			if first {
				t.writeRaw([]byte{telnetIAC, telnetWILL, optNAWS})
			}
			t.sendSize()
			return
		}
		t.replyOnce(telnetWONT, opt)
	case telnetWILL:
		if opt == optEcho || opt == optSGA {
			t.replyOnce(telnetDO, opt)
			return
		}
		t.replyOnce(telnetDONT, opt)
	case telnetDONT:
		if opt == optNAWS {
			t.mu.Lock()
			t.naws = false
			t.mu.Unlock()
		}
	}
}

func (t *telnetBackend) replyOnce(verb, opt byte) {
	t.mu.Lock()
	key := [2]byte{verb, opt}
	seen := t.replied[key]
	t.replied[key] = true
	t.mu.Unlock()
	if !seen {
		t.writeRaw([]byte{telnetIAC, verb, opt})
	}
}

func (t *telnetBackend) sendSize() {
	t.mu.Lock()
	if !t.naws {
		t.mu.Unlock()
		return
	}
	cols, rows := t.cols, t.rows
	t.mu.Unlock()

	msg := []byte{telnetIAC, telnetSB, optNAWS}
	for _, v := range []int{cols, rows} {
		for _, b := range []byte{byte(v >> 8), byte(v)} {
			msg = append(msg, b)
			if b == telnetIAC {
				msg = append(msg, telnetIAC)
			}
		}
	}
	msg = append(msg, telnetIAC, telnetSE)
	t.writeRaw(msg)
}

func (t *telnetBackend) writeRaw(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.conn.Write(p)
	return err
}

// Write sends input, escaping IAC bytes.
func (t *telnetBackend) Write(p []byte) (int, error) {
	data := p
	if bytes.IndexByte(p, telnetIAC) >= 0 {
		data = bytes.ReplaceAll(p, []byte{telnetIAC}, []byte{telnetIAC, telnetIAC})
	}
	if err := t.writeRaw(data); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize records the window size and reports it when NAWS was agreed.
func (t *telnetBackend) Resize(cols, rows int) error {
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	t.mu.Unlock()
	t.sendSize()
	return nil
}

func (t *telnetBackend) Close() error {
	return t.conn.Close()
}
