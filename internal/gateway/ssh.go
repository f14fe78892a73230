package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/gluk-w/webterm/internal/wire"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshBackend is an interactive PTY shell on an SSH server.
type sshBackend struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// hostKeyCallback checks host keys against knownHostsPath, or accepts every
// key when no path is configured.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		log.Printf("[gateway] no known_hosts file configured, accepting any SSH host key")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

// dialSSH logs in with the payload password, offered both as password and as
// the answer to every keyboard-interactive question, then starts a login
// shell on an xterm PTY.
func dialSSH(ctx context.Context, addr string, p wire.ConnectPayload, hostKeys ssh.HostKeyCallback) (*sshBackend, error) {
	cfg := &ssh.ClientConfig{
		User: p.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(p.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = p.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeys,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", wire.DefaultRows, wire.DefaultCols, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &sshBackend{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

func (b *sshBackend) Read(p []byte) (int, error)  { return b.stdout.Read(p) }
func (b *sshBackend) Write(p []byte) (int, error) { return b.stdin.Write(p) }

func (b *sshBackend) Resize(cols, rows int) error {
	return b.session.WindowChange(rows, cols)
}

// Close terminates the session and the underlying connection.
func (b *sshBackend) Close() error {
	b.session.Close()
	return b.client.Close()
}
