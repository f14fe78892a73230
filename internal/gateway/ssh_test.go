package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

// testSSHServer is an in-process SSH server with password auth whose shell
// echoes input and exits on "exit".
type testSSHServer struct {
	addr    string
	hostKey gossh.PublicKey

	mu    sync.Mutex
	sizes [][2]int
	terms []string
}

func (s *testSSHServer) recordSize(cols, rows uint32) {
	s.mu.Lock()
	s.sizes = append(s.sizes, [2]int{int(cols), int(rows)})
	s.mu.Unlock()
}

func (s *testSSHServer) lastSize() [2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sizes) == 0 {
		return [2]int{}
	}
	return s.sizes[len(s.sizes)-1]
}

func startSSHServer(t *testing.T, user, password string) *testSSHServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	serverCfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if conn.User() == user && string(pass) == password {
				return &gossh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	serverCfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	srv := &testSSHServer{addr: listener.Addr().String(), hostKey: hostSigner.PublicKey()}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, serverCfg)
		}
	}()
	return srv
}

func (s *testSSHServer) handleConn(netConn net.Conn, config *gossh.ServerConfig) {
	defer netConn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testSSHServer) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var pty struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := gossh.Unmarshal(req.Payload, &pty); err == nil {
				s.mu.Lock()
				s.terms = append(s.terms, pty.Term)
				s.mu.Unlock()
				s.recordSize(pty.Cols, pty.Rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			go s.handleWindowChange(reqs)
			s.runShell(ch)
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) handleWindowChange(reqs <-chan *gossh.Request) {
	for req := range reqs {
		if req.Type != "window-change" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var wc struct {
			Cols, Rows    uint32
			Width, Height uint32
		}
		if err := gossh.Unmarshal(req.Payload, &wc); err == nil {
			s.recordSize(wc.Cols, wc.Rows)
		}
		if req.WantReply {
			req.Reply(true, nil)
		}
	}
}

func (s *testSSHServer) runShell(ch gossh.Channel) {
	ch.Write([]byte("welcome\r\n"))
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if err != nil {
			return
		}
		in := string(buf[:n])
		if strings.Contains(in, "exit") {
			ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{0}))
			return
		}
		ch.Write(buf[:n])
	}
}
