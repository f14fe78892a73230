package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gluk-w/webterm/internal/auth"
	"github.com/gluk-w/webterm/internal/config"
	"github.com/gluk-w/webterm/internal/database"
	"github.com/gluk-w/webterm/internal/logging"
	"github.com/gluk-w/webterm/internal/profiles"
	"github.com/gluk-w/webterm/internal/session"
	"github.com/gluk-w/webterm/internal/terminal"
	"github.com/gluk-w/webterm/internal/transport"
	"github.com/gluk-w/webterm/internal/wire"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var connectCmd = &cobra.Command{
	Use:   "connect [user@]host[:port]",
	Short: "Open an interactive session through the gateway",
	Long: `Open an interactive session through the gateway.

The session is rendered on this terminal. Press Ctrl-] to detach.
The gateway is reached at WEBTERM_GATEWAY_URL + WEBTERM_GATEWAY_PATH and
authenticated with --token, WEBTERM_TOKEN or the file named by
WEBTERM_TOKEN_FILE.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	addConnectFlags(connectCmd)
	rootCmd.AddCommand(connectCmd)
}

func addConnectFlags(c *cobra.Command) {
	c.Flags().String("profile", "", "Load host, port, user, protocol and secret from a saved profile")
	c.Flags().StringP("user", "u", "", "Remote username")
	c.Flags().IntP("port", "p", 0, "Remote port")
	c.Flags().String("protocol", "", "ssh or telnet")
	c.Flags().String("gateway", "", "Gateway base URL (overrides WEBTERM_GATEWAY_URL)")
	c.Flags().String("token", "", "Portal token")
	c.Flags().Bool("headless", false, "Type stdin into the session and print its output when it ends")
	c.Flags().String("record", "", "Write an asciicast recording of the session output to this file")
}

// parseTarget splits [user@]host[:port].
func parseTarget(s string) (user, host string, port int, err error) {
	if i := strings.LastIndex(s, "@"); i >= 0 {
		user, s = s[:i], s[i+1:]
	}
	host = s
	if h, p, splitErr := net.SplitHostPort(s); splitErr == nil {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid port %q", p)
		}
		host = h
	}
	if host == "" {
		return "", "", 0, errors.New("host is required")
	}
	return user, host, port, nil
}

// connectFields merges the profile (if any), the positional target and the
// flags, later sources winning.
func connectFields(cmd *cobra.Command, args []string) (session.Fields, error) {
	var f session.Fields

	if name, _ := cmd.Flags().GetString("profile"); name != "" {
		e, err := loadProfile(name)
		if err != nil {
			return f, err
		}
		f = e.Fields()
	}

	if len(args) == 1 {
		user, host, port, err := parseTarget(args[0])
		if err != nil {
			return f, err
		}
		f.Host = session.String(host)
		if user != "" {
			f.Username = session.String(user)
		}
		if port != 0 {
			f.Port = session.Int(port)
		}
	}

	if v, _ := cmd.Flags().GetString("user"); v != "" {
		f.Username = session.String(v)
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		f.Port = session.Int(v)
	}
	if v, _ := cmd.Flags().GetString("protocol"); v != "" {
		f.Protocol = session.ProtocolOf(wire.Protocol(v))
	}
	if f.Host == nil {
		return f, errors.New("a target or --profile is required")
	}
	return f, nil
}

func loadProfile(name string) (profiles.Entry, error) {
	if err := database.Init(); err != nil {
		return profiles.Entry{}, fmt.Errorf("database init: %w", err)
	}
	defer database.Close()
	return profiles.Load(name)
}

// tokenSource picks the credential for the gateway: the flag, then
// WEBTERM_TOKEN, then WEBTERM_TOKEN_FILE. None means an unauthenticated
// gateway.
func tokenSource(cfg config.Settings, flagToken string) auth.TokenSource {
	switch {
	case flagToken != "":
		return auth.StaticToken(flagToken)
	case cfg.Token != "":
		return auth.StaticToken(cfg.Token)
	case cfg.TokenFile != "":
		return auth.FileToken{Path: cfg.TokenFile}
	}
	return auth.StaticToken("")
}

// stdin is shared by the password prompt and headless input so that buffered
// lines are not lost between them.
var stdin = bufio.NewReader(os.Stdin)

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	if err := logging.Init(config.Cfg.LogPath, true); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}
	defer logging.Close()

	fields, err := connectFields(cmd, args)
	if err != nil {
		return err
	}

	cfg := config.Cfg
	if v, _ := cmd.Flags().GetString("gateway"); v != "" {
		cfg.GatewayURL = v
	}
	flagToken, _ := cmd.Flags().GetString("token")
	dialer := transport.NewDialer(cfg.EndpointURL(), tokenSource(cfg, flagToken))

	var detachOnce sync.Once
	detached := make(chan struct{})
	surfaces := func(string) (terminal.Renderer, error) {
		return terminal.NewTTY(os.Stdin, os.Stdout, func() { detachOnce.Do(func() { close(detached) }) })
	}
	onConnected := func() {}

	var screen *terminal.Screen
	if headless, _ := cmd.Flags().GetBool("headless"); headless {
		w, h := terminal.RegionFor(wire.DefaultCols, wire.DefaultRows, cfg.DefaultFontSize)
		screen = terminal.NewScreen(w, h, cfg.DefaultFontSize, cfg.ScrollbackSize)
		surfaces = func(string) (terminal.Renderer, error) { return screen, nil }
		onConnected = func() { go feedInput(stdin, screen) }
	}

	changed := make(chan struct{}, 1)
	opts := []session.Option{
		session.WithErrorGrace(cfg.ErrorGrace),
		session.WithAdapterOptions(terminal.Options{
			SettleDelays:    []time.Duration{cfg.FitSettleDelay, 3 * cfg.FitSettleDelay},
			DefaultFontSize: cfg.DefaultFontSize,
		}),
		session.WithObserver(func(session.Record) {
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	}

	var recording *terminal.Recording
	recordPath, _ := cmd.Flags().GetString("record")
	if recordPath != "" {
		recording = terminal.NewRecording(0, false)
		opts = append(opts, session.WithRecording(func(session.Record) *terminal.Recording { return recording }))
	}

	m := session.NewManager(dialer, surfaces, opts...)
	defer m.CloseAll()

	r := m.Create()
	if r, err = m.Update(r.ID, fields); err != nil {
		return err
	}
	if r.Secret == "" {
		secret, err := readSecret(fmt.Sprintf("%s@%s's password: ", r.Username, r.Host))
		if err != nil {
			return err
		}
		if r, err = m.Update(r.ID, session.Fields{Secret: session.String(secret)}); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Connect(ctx, r.ID); err != nil {
		return err
	}
	terminal.WatchResize(ctx, func() {
		if a := m.Adapter(r.ID); a != nil {
			a.HostResized()
		}
	})

	err = waitSession(ctx, m, r.ID, changed, detached, onConnected)
	m.CloseAll()

	if screen != nil {
		os.Stdout.Write(screen.Output())
	}

	if recording != nil {
		if werr := writeRecording(recordPath, recording); werr != nil {
			log.Printf("[connect] %v", werr)
			fmt.Fprintf(os.Stderr, "webterm: %v\n", werr)
		}
	}
	return err
}

// waitSession blocks until the session ends, the user detaches or ctx is
// done. It fails only when the session never got connected. onConnected runs
// once, the first time the session is seen connected.
func waitSession(ctx context.Context, m *session.Manager, id string, changed <-chan struct{}, detached <-chan struct{}, onConnected func()) error {
	wasConnected := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-detached:
			m.Disconnect(id)
			fmt.Fprintln(os.Stderr, "\r\nDetached.")
			return nil
		case <-changed:
		}

		rec, ok := m.Get(id)
		if !ok {
			return nil
		}
		switch rec.State {
		case session.StateConnected:
			if !wasConnected {
				wasConnected = true
				onConnected()
			}
		case session.StateEditing:
			if rec.LastError == "" {
				return nil
			}
			if wasConnected {
				fmt.Fprintf(os.Stderr, "\r\n%s\r\n", rec.LastError)
				return nil
			}
			return errors.New(rec.LastError)
		}
	}
}

// feedInput types everything read from r into the screen.
func feedInput(r io.Reader, screen *terminal.Screen) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			screen.Type(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func writeRecording(path string, rec *terminal.Recording) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	if err := rec.WriteCast(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
