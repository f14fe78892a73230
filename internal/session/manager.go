package session

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/gluk-w/webterm/internal/logutil"
	"github.com/gluk-w/webterm/internal/terminal"
	"github.com/gluk-w/webterm/internal/transport"
	"github.com/gluk-w/webterm/internal/wire"
	"github.com/google/uuid"
)

// DefaultErrorGrace is how long a record stays in closing-on-error so the
// failure message can be read before the record returns to editing.
const DefaultErrorGrace = 1500 * time.Millisecond

// closedMessage is the LastError of a record whose channel dropped.
const closedMessage = "connection closed"

// Option configures a Manager.
type Option func(*Manager)

// WithErrorGrace overrides DefaultErrorGrace.
func WithErrorGrace(d time.Duration) Option {
	return func(m *Manager) { m.errorGrace = d }
}

// WithAdapterOptions sets the options used for every terminal adapter.
func WithAdapterOptions(opts terminal.Options) Option {
	return func(m *Manager) { m.adapterOpts = opts }
}

// WithRecording enables I/O recording. fn is called on each connect and may
// return nil to leave that session unrecorded.
func WithRecording(fn func(Record) *terminal.Recording) Option {
	return func(m *Manager) { m.recording = fn }
}

// WithObserver registers fn to be called with a snapshot after every record
// mutation, including removal. It runs outside the manager lock, so it may
// call back into the Manager. Use Get to tell whether the record still exists.
func WithObserver(fn func(Record)) Option {
	return func(m *Manager) { m.observers = append(m.observers, fn) }
}

// binding holds the live resources of one record. A record has at most one.
type binding struct {
	m  *Manager
	id string

	// ready is closed once open has stored tr and adapter (or given up).
	ready   chan struct{}
	cancel  context.CancelFunc
	tr      transport.Transport
	adapter *terminal.Adapter
	grace   *time.Timer
}

// Manager is the session collection. It is safe for concurrent use.
//
// Lifecycle of a record:
//
//	editing -> connecting -> connected -> editing        (Disconnect)
//	connecting|connected -> closing-on-error -> editing  (error frame or drop)
//	connecting -> editing                                (open failure)
type Manager struct {
	dialer      transport.Dialer
	surfaces    terminal.SurfaceFactory
	errorGrace  time.Duration
	adapterOpts terminal.Options
	recording   func(Record) *terminal.Recording
	observers   []func(Record)

	mu       sync.Mutex
	records  []*Record
	active   string
	bindings map[string]*binding
}

// NewManager creates an empty Manager that opens transports with dialer and
// renders connected sessions on surfaces created by surfaces.
func NewManager(dialer transport.Dialer, surfaces terminal.SurfaceFactory, opts ...Option) *Manager {
	m := &Manager{
		dialer:     dialer,
		surfaces:   surfaces,
		errorGrace: DefaultErrorGrace,
		bindings:   make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) notify(r Record) {
	for _, fn := range m.observers {
		fn(r)
	}
}

// find returns the record and its position. Callers hold m.mu.
func (m *Manager) find(id string) (*Record, int) {
	for i, r := range m.records {
		if r.ID == id {
			return r, i
		}
	}
	return nil, -1
}

// Create appends a new editing record with ssh defaults and makes it active.
func (m *Manager) Create() Record {
	r := &Record{
		ID:       uuid.New().String(),
		Port:     wire.ProtocolSSH.DefaultPort(),
		Protocol: wire.ProtocolSSH,
		State:    StateEditing,
	}

	m.mu.Lock()
	m.records = append(m.records, r)
	m.active = r.ID
	snap := *r
	m.mu.Unlock()

	m.notify(snap)
	return snap
}

// Update merges the non-nil members of f into the record. Connection fields
// can only change while editing; changing any of them clears LastError.
func (m *Manager) Update(id string, f Fields) (Record, error) {
	m.mu.Lock()
	r, _ := m.find(id)
	if r == nil {
		m.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if err := f.validate(); err != nil {
		m.mu.Unlock()
		return Record{}, err
	}
	if f.connection() {
		if r.State != StateEditing {
			m.mu.Unlock()
			return Record{}, ErrNotEditable
		}
		r.LastError = ""
	}
	f.apply(r)
	snap := *r
	m.mu.Unlock()

	m.notify(snap)
	return snap, nil
}

// Remove releases the record's adapter and transport and deletes it. When it
// was active, the record before it becomes active (or the new first record
// when it was first). Unknown ids are ignored.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	r, idx := m.find(id)
	if r == nil {
		m.mu.Unlock()
		return nil
	}
	b := m.bindings[id]
	delete(m.bindings, id)
	m.records = slices.Delete(m.records, idx, idx+1)
	if m.active == id {
		switch {
		case len(m.records) == 0:
			m.active = ""
		case idx > 0:
			m.active = m.records[idx-1].ID
		default:
			m.active = m.records[0].ID
		}
	}
	snap := *r
	m.mu.Unlock()

	b.release()
	log.Printf("[session] removed %s", logutil.SanitizeForLog(snap.DisplayName()))
	m.notify(snap)
	return nil
}

// CloseAll releases every binding and removes every record.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	removed := m.records
	bindings := m.bindings
	m.records = nil
	m.bindings = make(map[string]*binding)
	m.active = ""
	m.mu.Unlock()

	for _, b := range bindings {
		b.release()
	}
	if len(removed) > 0 {
		log.Printf("[session] closed all %d sessions", len(removed))
	}
	for _, r := range removed {
		m.notify(*r)
	}
}

// SetActive selects the record with the given id.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, _ := m.find(id); r == nil {
		return ErrNotFound
	}
	m.active = id
	return nil
}

// Connect starts opening a transport for an editing record and returns once
// the record is connecting. The open itself runs in the background bounded
// by ctx; its outcome is reported through the record's state.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	r, _ := m.find(id)
	if r == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	if r.State != StateEditing {
		m.mu.Unlock()
		return ErrNotEditable
	}
	if !r.Complete() {
		m.mu.Unlock()
		return ErrIncomplete
	}

	openCtx, cancel := context.WithCancel(ctx)
	b := &binding{m: m, id: id, ready: make(chan struct{}), cancel: cancel}
	m.bindings[id] = b
	r.LastError = ""
	r.State = StateConnecting
	snap := *r
	m.mu.Unlock()

	log.Printf("[session] connecting %s (%s)", logutil.SanitizeForLog(snap.DisplayName()), snap.Protocol)
	m.notify(snap)
	go m.open(openCtx, b, snap)
	return nil
}

func (m *Manager) open(ctx context.Context, b *binding, snap Record) {
	tr, err := m.dialer.Open(ctx, snap.Target(), b)

	m.mu.Lock()
	r, _ := m.find(b.id)
	if r == nil || m.bindings[b.id] != b {
		// Removed or disconnected while opening.
		m.mu.Unlock()
		close(b.ready)
		if tr != nil {
			tr.Close()
		}
		return
	}
	if err != nil {
		delete(m.bindings, b.id)
		r.State = StateEditing
		r.LastError = err.Error()
		failed := *r
		m.mu.Unlock()
		close(b.ready)

		b.cancel()
		log.Printf("[session] open %s failed: %v", logutil.SanitizeForLog(failed.DisplayName()), err)
		m.notify(failed)
		return
	}

	opts := m.adapterOpts
	if m.recording != nil {
		opts.Recording = m.recording(snap)
	}
	b.tr = tr
	b.adapter = terminal.NewAdapter(b.id, tr, m.surfaces, opts)
	m.mu.Unlock()
	close(b.ready)
}

// Disconnect closes the record's transport and returns it to editing. A
// pending error message is kept when the record is already closing on error.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	r, _ := m.find(id)
	if r == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	b := m.bindings[id]
	delete(m.bindings, id)
	if r.State != StateClosingOnError {
		r.LastError = ""
	}
	changed := r.State != StateEditing
	r.State = StateEditing
	snap := *r
	m.mu.Unlock()

	b.release()
	if changed {
		log.Printf("[session] disconnected %s", logutil.SanitizeForLog(snap.DisplayName()))
		m.notify(snap)
	}
	return nil
}

// Records returns the records in tab order.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	for i, r := range m.records {
		out[i] = *r
	}
	return out
}

// Get returns the record with the given id.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, _ := m.find(id)
	if r == nil {
		return Record{}, false
	}
	return *r, true
}

// Active returns the selected record, if any.
func (m *Manager) Active() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, _ := m.find(m.active)
	if r == nil {
		return Record{}, false
	}
	return *r, true
}

// Adapter returns the terminal adapter of a connected record, or nil.
func (m *Manager) Adapter(id string) *terminal.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, _ := m.find(id)
	b := m.bindings[id]
	if r == nil || b == nil || r.State != StateConnected {
		return nil
	}
	return b.adapter
}

// current returns b's record when b is still its binding. Callers hold m.mu.
func (m *Manager) current(b *binding) *Record {
	if m.bindings[b.id] != b {
		return nil
	}
	r, _ := m.find(b.id)
	return r
}

// fail moves a live record to closing-on-error, releases its resources and
// schedules the return to editing.
func (m *Manager) fail(b *binding, message string) {
	m.mu.Lock()
	r := m.current(b)
	if r == nil || !r.Busy() {
		m.mu.Unlock()
		return
	}
	r.State = StateClosingOnError
	r.LastError = message
	b.grace = time.AfterFunc(m.errorGrace, func() { m.settle(b) })
	snap := *r
	m.mu.Unlock()

	b.releaseChannel()
	log.Printf("[session] %s failed: %s", logutil.SanitizeForLog(snap.DisplayName()), logutil.SanitizeForLog(message))
	m.notify(snap)
}

// settle ends the grace period started by fail.
func (m *Manager) settle(b *binding) {
	m.mu.Lock()
	r := m.current(b)
	if r == nil || r.State != StateClosingOnError {
		m.mu.Unlock()
		return
	}
	delete(m.bindings, b.id)
	r.State = StateEditing
	snap := *r
	m.mu.Unlock()

	m.notify(snap)
}

// OnConnected implements transport.Handler.
func (b *binding) OnConnected() {
	<-b.ready
	m := b.m

	m.mu.Lock()
	r := m.current(b)
	if r == nil || r.State != StateConnecting {
		m.mu.Unlock()
		return
	}
	r.State = StateConnected
	snap := *r
	m.mu.Unlock()

	if err := b.adapter.Attach(); err != nil {
		m.fail(b, err.Error())
		return
	}
	log.Printf("[session] connected %s", logutil.SanitizeForLog(snap.DisplayName()))
	m.notify(snap)
}

// OnError implements transport.Handler.
func (b *binding) OnError(message string) {
	<-b.ready
	b.m.fail(b, message)
}

// OnData implements transport.Handler. The adapter drops output once the
// binding has been released.
func (b *binding) OnData(p []byte) {
	<-b.ready
	if b.adapter != nil {
		b.adapter.Write(p)
	}
}

// OnClosed implements transport.Handler.
func (b *binding) OnClosed(err error) {
	<-b.ready
	if err != nil {
		log.Printf("[session] channel for %s dropped: %v", b.id, err)
	}
	b.m.fail(b, closedMessage)
}

// releaseChannel closes the adapter, then the transport. An open still in
// flight is cancelled; open closes whatever it returns.
func (b *binding) releaseChannel() {
	b.cancel()

	b.m.mu.Lock()
	adapter, tr := b.adapter, b.tr
	b.m.mu.Unlock()

	if adapter != nil {
		adapter.Close()
	}
	if tr != nil {
		tr.Close()
	}
}

// release stops the grace timer and closes the channel. Nil-safe.
func (b *binding) release() {
	if b == nil {
		return
	}
	b.m.mu.Lock()
	if b.grace != nil {
		b.grace.Stop()
	}
	b.m.mu.Unlock()
	b.releaseChannel()
}
