package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/gluk-w/webterm/internal/terminal"
	"github.com/gluk-w/webterm/internal/transport"
	"github.com/gluk-w/webterm/internal/wire"
)

// fakeConn is a transport whose inbound events are driven by the test.
type fakeConn struct {
	target  transport.Target
	handler transport.Handler

	mu      sync.Mutex
	sent    []byte
	resizes [][2]int
	closed  bool
}

func (c *fakeConn) Send(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.sent = append(c.sent, p...)
	}
}

func (c *fakeConn) Resize(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.resizes = append(c.resizes, [2]int{cols, rows})
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) isClosed() bool { return !c.IsOpen() }

func (c *fakeConn) sentString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.sent)
}

func (c *fakeConn) resizeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resizes)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	// gate, when set, blocks Open until it is closed.
	gate chan struct{}
}

func (d *fakeDialer) Open(ctx context.Context, target transport.Target, h transport.Handler) (transport.Transport, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{target: target, handler: h}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// waitConn waits for the n-th (1-based) opened connection.
func (d *fakeDialer) waitConn(t *testing.T, n int) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.conns) >= n {
			c := d.conns[n-1]
			d.mu.Unlock()
			return c
		}
		d.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for connection %d", n)
	return nil
}

type screens struct {
	mu   sync.Mutex
	byID map[string]*terminal.Screen
}

func (s *screens) factory(id string) (terminal.Renderer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scr := terminal.NewScreen(840, 336, 14, 0)
	s.byID[id] = scr
	return scr, nil
}

func (s *screens) get(id string) *terminal.Screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

func newTestManager(opts ...Option) (*Manager, *fakeDialer, *screens) {
	d := &fakeDialer{}
	scr := &screens{byID: make(map[string]*terminal.Screen)}
	opts = append([]Option{WithAdapterOptions(terminal.Options{SettleDelays: []time.Duration{}})}, opts...)
	return NewManager(d, scr.factory, opts...), d, scr
}

func fill(t *testing.T, m *Manager, id string) {
	t.Helper()
	_, err := m.Update(id, Fields{Host: String("h"), Username: String("u"), Secret: String("p")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func waitState(t *testing.T, m *Manager, id string, want State) Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		r, ok := m.Get(id)
		if !ok {
			t.Fatalf("record %s vanished while waiting for %s", id, want)
		}
		if r.State == want {
			return r
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, still %s", want, r.State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func connectOpen(t *testing.T, m *Manager, d *fakeDialer, id string) *fakeConn {
	t.Helper()
	fill(t, m, id)
	n := d.count() + 1
	if err := m.Connect(context.Background(), id); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return d.waitConn(t, n)
}

func TestCreate_Defaults(t *testing.T) {
	m, d, _ := newTestManager()
	r := m.Create()

	if r.ID == "" {
		t.Fatal("expected an id")
	}
	if r.Port != 22 || r.Protocol != wire.ProtocolSSH || r.State != StateEditing {
		t.Errorf("unexpected defaults: %+v", r)
	}
	if a, ok := m.Active(); !ok || a.ID != r.ID {
		t.Error("new record should be active")
	}
	if d.count() != 0 {
		t.Error("create must not open a transport")
	}

	r2 := m.Create()
	if r2.ID == r.ID {
		t.Error("ids must be unique")
	}
	if got := m.Records(); len(got) != 2 || got[0].ID != r.ID || got[1].ID != r2.ID {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestUpdate(t *testing.T) {
	m, _, _ := newTestManager()
	r := m.Create()

	if _, err := m.Update("nope", Fields{Host: String("h")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Update("nope", Fields{Port: Int(0)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id with a bad port: expected ErrNotFound, got %v", err)
	}
	if _, err := m.Update(r.ID, Fields{Port: Int(0)}); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("expected ErrInvalidPort, got %v", err)
	}
	if _, err := m.Update(r.ID, Fields{Protocol: ProtocolOf("rdp")}); !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("expected ErrInvalidProtocol, got %v", err)
	}

	got, err := m.Update(r.ID, Fields{Protocol: ProtocolOf(wire.ProtocolTelnet)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Port != 23 {
		t.Errorf("switching to telnet should move port 22 to 23, got %d", got.Port)
	}

	got, _ = m.Update(r.ID, Fields{Protocol: ProtocolOf(wire.ProtocolSSH)})
	got, _ = m.Update(r.ID, Fields{Port: Int(2222)})
	got, _ = m.Update(r.ID, Fields{Protocol: ProtocolOf(wire.ProtocolTelnet)})
	if got.Port != 2222 {
		t.Errorf("custom port must be kept, got %d", got.Port)
	}

	got, _ = m.Update(r.ID, Fields{Label: String("router")})
	if got.Label != "router" || got.DisplayName() != "router" {
		t.Errorf("label not applied: %+v", got)
	}
	if got.ID != r.ID {
		t.Error("id changed")
	}
}

func TestUpdate_ClearsLastErrorAndLocksWhileBusy(t *testing.T) {
	m, d, _ := newTestManager()
	d.err = errors.New("dial refused")
	r := m.Create()
	fill(t, m, r.ID)
	m.Connect(context.Background(), r.ID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.Get(r.ID)
		if got.LastError != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("open failure was not reported")
		}
		time.Sleep(2 * time.Millisecond)
	}

	got, _ := m.Update(r.ID, Fields{Label: String("x")})
	if got.LastError == "" {
		t.Error("label edit must not clear LastError")
	}
	got, _ = m.Update(r.ID, Fields{Secret: String("p2")})
	if got.LastError != "" {
		t.Errorf("credential edit should clear LastError, got %q", got.LastError)
	}

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	m.Connect(context.Background(), r.ID)
	d.waitConn(t, 1)
	if _, err := m.Update(r.ID, Fields{Host: String("other")}); !errors.Is(err, ErrNotEditable) {
		t.Errorf("expected ErrNotEditable while connecting, got %v", err)
	}
	if _, err := m.Update(r.ID, Fields{Label: String("still fine")}); err != nil {
		t.Errorf("label edit while connecting: %v", err)
	}
}

func TestConnect_RequiresCompleteFields(t *testing.T) {
	m, _, _ := newTestManager()

	f := func(host, user, secret string, blanks uint8) bool {
		if blanks&1 != 0 {
			host = ""
		}
		if blanks&2 != 0 {
			user = ""
		}
		if blanks&4 != 0 {
			secret = ""
		}
		defer m.CloseAll()

		r := m.Create()
		if _, err := m.Update(r.ID, Fields{Host: &host, Username: &user, Secret: &secret}); err != nil {
			return false
		}
		err := m.Connect(context.Background(), r.ID)
		got, _ := m.Get(r.ID)

		complete := host != "" && user != "" && secret != ""
		if !complete {
			return errors.Is(err, ErrIncomplete) && got.State == StateEditing && got.LastError == ""
		}
		return err == nil && got.Busy()
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestConnect_Sequence(t *testing.T) {
	m, d, scr := newTestManager()
	r := m.Create()
	c := connectOpen(t, m, d, r.ID)

	want := transport.Target{Host: "h", Port: 22, Username: "u", Secret: "p", Protocol: wire.ProtocolSSH}
	if c.target != want {
		t.Errorf("unexpected target %+v", c.target)
	}
	if got, _ := m.Get(r.ID); got.State != StateConnecting {
		t.Errorf("expected connecting, got %s", got.State)
	}
	if err := m.Connect(context.Background(), r.ID); !errors.Is(err, ErrNotEditable) {
		t.Errorf("second connect: expected ErrNotEditable, got %v", err)
	}

	// Output may arrive before the connected frame.
	c.handler.OnData([]byte("motd\r\n"))
	c.handler.OnConnected()
	waitState(t, m, r.ID, StateConnected)

	if m.Adapter(r.ID) == nil {
		t.Fatal("connected record should expose its adapter")
	}
	if c.resizeCount() == 0 {
		t.Error("attach should send the fitted geometry")
	}

	c.handler.OnData([]byte{0x68, 0x69})
	c.handler.OnData([]byte{0x0a})
	if got := string(scr.get(r.ID).Output()); got != "motd\r\nhi\n" {
		t.Errorf("unexpected rendered output %q", got)
	}

	scr.get(r.ID).Type([]byte("ls\r"))
	if got := c.sentString(); got != "ls\r" {
		t.Errorf("expected keystrokes forwarded, got %q", got)
	}

	before := c.resizeCount()
	if err := m.Adapter(r.ID).ZoomIn(); err != nil {
		t.Fatalf("ZoomIn: %v", err)
	}
	if c.resizeCount() != before+1 {
		t.Error("zoom should send a resize")
	}
}

func TestConnect_OpenFailure(t *testing.T) {
	m, d, _ := newTestManager()
	d.err = errors.New("websocket dial: connection refused")
	r := m.Create()
	fill(t, m, r.ID)

	m.Connect(context.Background(), r.ID)
	got := waitState(t, m, r.ID, StateEditing)
	for got.LastError == "" {
		time.Sleep(2 * time.Millisecond)
		got, _ = m.Get(r.ID)
	}
	if got.LastError != "websocket dial: connection refused" {
		t.Errorf("unexpected LastError %q", got.LastError)
	}
	if m.Adapter(r.ID) != nil {
		t.Error("failed record must not have an adapter")
	}
}

func TestErrorFrame_GracePeriod(t *testing.T) {
	grace := 150 * time.Millisecond
	m, d, _ := newTestManager(WithErrorGrace(grace))
	r := m.Create()
	c := connectOpen(t, m, d, r.ID)

	start := time.Now()
	c.handler.OnError("auth failed")

	got, _ := m.Get(r.ID)
	if got.State != StateClosingOnError || got.LastError != "auth failed" {
		t.Fatalf("expected closing-on-error with message, got %+v", got)
	}
	if !c.isClosed() {
		t.Error("transport should be released on error")
	}

	time.Sleep(grace / 3)
	if got, _ := m.Get(r.ID); got.State != StateClosingOnError {
		t.Errorf("returned to editing before the grace delay: %s", got.State)
	}

	got = waitState(t, m, r.ID, StateEditing)
	if elapsed := time.Since(start); elapsed < grace {
		t.Errorf("returned to editing after %v, before grace %v", elapsed, grace)
	}
	if got.LastError != "auth failed" {
		t.Errorf("LastError should survive the grace period, got %q", got.LastError)
	}

	// The record can be connected again.
	if err := m.Connect(context.Background(), r.ID); err != nil {
		t.Errorf("reconnect: %v", err)
	}
}

func TestUnexpectedClosure(t *testing.T) {
	m, d, _ := newTestManager(WithErrorGrace(10 * time.Millisecond))
	r := m.Create()
	c := connectOpen(t, m, d, r.ID)
	c.handler.OnConnected()
	waitState(t, m, r.ID, StateConnected)

	c.handler.OnClosed(errors.New("EOF"))
	got := waitState(t, m, r.ID, StateEditing)
	if got.LastError != "connection closed" {
		t.Errorf("unexpected LastError %q", got.LastError)
	}
	if m.Adapter(r.ID) != nil {
		t.Error("adapter must be released")
	}
}

func TestDisconnect_IgnoresStaleEvents(t *testing.T) {
	m, d, scr := newTestManager()
	r := m.Create()
	c := connectOpen(t, m, d, r.ID)
	c.handler.OnConnected()
	waitState(t, m, r.ID, StateConnected)

	if err := m.Disconnect(r.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	got, _ := m.Get(r.ID)
	if got.State != StateEditing || got.LastError != "" {
		t.Errorf("expected clean editing state, got %+v", got)
	}
	if !c.isClosed() {
		t.Error("transport should be closed")
	}
	if !scr.get(r.ID).Disposed() {
		t.Error("renderer should be disposed")
	}

	c.handler.OnError("late failure")
	c.handler.OnConnected()
	c.handler.OnData([]byte("late"))
	got, _ = m.Get(r.ID)
	if got.State != StateEditing || got.LastError != "" {
		t.Errorf("stale events changed the record: %+v", got)
	}

	if err := m.Disconnect("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove_ActivatesPrevious(t *testing.T) {
	m, d, _ := newTestManager()
	a := m.Create()
	b := m.Create()
	c := m.Create()

	connA := connectOpen(t, m, d, a.ID)
	connB := connectOpen(t, m, d, b.ID)

	m.SetActive(b.ID)
	if err := m.Remove(b.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if act, _ := m.Active(); act.ID != a.ID {
		t.Errorf("expected previous record active, got %s", act.ID)
	}
	if !connB.isClosed() {
		t.Error("removed record's transport must be closed")
	}
	if connA.isClosed() {
		t.Error("other records keep their transports")
	}

	if err := m.Remove(b.ID); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}

	m.Remove(a.ID)
	if act, _ := m.Active(); act.ID != c.ID {
		t.Errorf("removing the first record should activate the new first, got %s", act.ID)
	}
	m.Remove(c.ID)
	if _, ok := m.Active(); ok {
		t.Error("no record should be active")
	}
	if err := m.SetActive(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove_WhileOpening(t *testing.T) {
	m, d, _ := newTestManager()
	d.gate = make(chan struct{})
	r := m.Create()
	fill(t, m, r.ID)
	m.Connect(context.Background(), r.ID)

	m.Remove(r.ID)
	close(d.gate)

	c := d.waitConn(t, 1)
	deadline := time.Now().Add(2 * time.Second)
	for !c.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("transport opened for a removed record was not closed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCloseAll(t *testing.T) {
	m, d, _ := newTestManager()
	var conns []*fakeConn
	for i := 0; i < 4; i++ {
		r := m.Create()
		c := connectOpen(t, m, d, r.ID)
		if i%2 == 0 {
			c.handler.OnConnected()
			waitState(t, m, r.ID, StateConnected)
		}
		conns = append(conns, c)
	}
	m.Create()

	m.CloseAll()
	if n := len(m.Records()); n != 0 {
		t.Errorf("expected no records, got %d", n)
	}
	if _, ok := m.Active(); ok {
		t.Error("expected no active record")
	}
	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("transport %d still open", i)
		}
	}
}

func TestObserver_ReentrantRemove(t *testing.T) {
	var m *Manager
	var mu sync.Mutex
	var seen []State
	m, d, _ := newTestManager(WithObserver(func(r Record) {
		mu.Lock()
		seen = append(seen, r.State)
		mu.Unlock()
		if r.State == StateClosingOnError {
			m.Remove(r.ID)
		}
	}))

	r := m.Create()
	c := connectOpen(t, m, d, r.ID)
	c.handler.OnError("boom")

	if _, ok := m.Get(r.ID); ok {
		t.Error("observer should have removed the record")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != StateEditing {
		t.Errorf("unexpected notifications %v", seen)
	}
}

func TestRecording(t *testing.T) {
	rec := terminal.NewRecording(0, false)
	m, d, _ := newTestManager(WithRecording(func(Record) *terminal.Recording { return rec }))
	r := m.Create()
	c := connectOpen(t, m, d, r.ID)
	c.handler.OnConnected()
	waitState(t, m, r.ID, StateConnected)
	c.handler.OnData([]byte("out"))

	var outputs int
	for _, e := range rec.Entries() {
		if e.Type == "o" {
			outputs++
		}
	}
	if outputs != 1 {
		t.Errorf("expected one output event, got %d", outputs)
	}
}
