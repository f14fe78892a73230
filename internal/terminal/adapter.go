package terminal

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/webterm/internal/transport"
)

// DefaultSettleDelays are the follow-up fits after attach. The hosting
// region may not have its final size when the surface is first attached.
var DefaultSettleDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}

// defaultPendingLimit bounds output buffered between connect and attach.
const defaultPendingLimit = 256 * 1024

var (
	ErrAdapterClosed = errors.New("terminal adapter closed")
	ErrNotAttached   = errors.New("terminal adapter not attached")
)

// Options tune an Adapter. Zero values select the defaults.
type Options struct {
	SettleDelays    []time.Duration
	DefaultFontSize int
	PendingLimit    int
	Recording       *Recording
}

// Adapter bridges one session transport to one renderer surface. The
// renderer is the only source of terminal geometry: every fit is followed by
// a resize frame carrying the renderer's grid.
type Adapter struct {
	id         string
	tr         transport.Transport
	newSurface SurfaceFactory
	opts       Options

	mu          sync.Mutex
	renderer    Renderer
	unsubscribe func()
	timers      []*time.Timer
	pending     []byte
	closed      bool
	cols, rows  int
}

// NewAdapter creates an adapter for session id. No surface exists until Attach.
func NewAdapter(id string, tr transport.Transport, newSurface SurfaceFactory, opts Options) *Adapter {
	if opts.SettleDelays == nil {
		opts.SettleDelays = DefaultSettleDelays
	}
	if opts.DefaultFontSize == 0 {
		opts.DefaultFontSize = DefaultFontSize
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = defaultPendingLimit
	}
	return &Adapter{id: id, tr: tr, newSurface: newSurface, opts: opts}
}

// Write hands remote output to the renderer. Output that arrives before
// Attach is held (bounded) and flushed on attach; output after Close is dropped.
func (a *Adapter) Write(p []byte) {
	if a.opts.Recording != nil {
		a.opts.Recording.RecordOutput(p)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if a.renderer == nil {
		a.pending = append(a.pending, p...)
		if over := len(a.pending) - a.opts.PendingLimit; over > 0 {
			a.pending = a.pending[over:]
		}
		return
	}
	if _, err := a.renderer.Write(p); err != nil {
		log.Printf("[terminal] session %s: render: %v", a.id, err)
	}
}

// Attach creates the surface, flushes held output, focuses it and fits it
// now and again after each settle delay.
func (a *Adapter) Attach() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	if a.renderer != nil {
		a.mu.Unlock()
		return nil
	}

	r, err := a.newSurface(a.id)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("create terminal surface: %w", err)
	}
	if r.FontSize() == 0 {
		r.SetFontSize(a.opts.DefaultFontSize)
	}
	a.renderer = r

	if len(a.pending) > 0 {
		if _, err := r.Write(a.pending); err != nil {
			log.Printf("[terminal] session %s: flush pending output: %v", a.id, err)
		}
		a.pending = nil
	}

	r.Focus()
	a.unsubscribe = r.OnInput(a.forwardInput)

	for _, d := range a.opts.SettleDelays {
		a.timers = append(a.timers, time.AfterFunc(d, a.settle))
	}
	a.mu.Unlock()

	a.Fit()
	return nil
}

// Attached reports whether a live surface exists.
func (a *Adapter) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.renderer != nil && !a.closed
}

func (a *Adapter) forwardInput(p []byte) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	if a.opts.Recording != nil {
		a.opts.Recording.RecordInput(p)
	}
	a.tr.Send(p)
}

func (a *Adapter) settle() {
	a.Fit()
}

// Fit re-fits the renderer and sends the resulting grid as a resize frame.
// It returns the grid, or zeros when nothing is attached.
func (a *Adapter) Fit() (cols, rows int) {
	a.mu.Lock()
	if a.closed || a.renderer == nil {
		a.mu.Unlock()
		return 0, 0
	}
	cols, rows = a.renderer.Fit()
	if cols <= 0 || rows <= 0 {
		a.mu.Unlock()
		return 0, 0
	}
	a.cols, a.rows = cols, rows
	a.mu.Unlock()

	if a.opts.Recording != nil {
		a.opts.Recording.RecordResize(cols, rows)
	}
	a.tr.Resize(cols, rows)
	return cols, rows
}

// HostResized is the entry point for whoever owns the hosting region: the
// layout calls it when the region changes size.
func (a *Adapter) HostResized() {
	a.Fit()
}

// Geometry returns the grid of the last successful fit.
func (a *Adapter) Geometry() (cols, rows int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cols, a.rows
}

// ZoomIn increases the font size by one pixel, up to MaxFontSize.
func (a *Adapter) ZoomIn() error {
	return a.zoom(func(cur int) int { return cur + 1 })
}

// ZoomOut decreases the font size by one pixel, down to MinFontSize.
func (a *Adapter) ZoomOut() error {
	return a.zoom(func(cur int) int { return cur - 1 })
}

// ZoomReset restores the default font size.
func (a *Adapter) ZoomReset() error {
	return a.zoom(func(int) int { return a.opts.DefaultFontSize })
}

func (a *Adapter) zoom(next func(cur int) int) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAdapterClosed
	}
	if a.renderer == nil {
		a.mu.Unlock()
		return ErrNotAttached
	}
	a.renderer.SetFontSize(clampFontSize(next(a.renderer.FontSize())))
	a.mu.Unlock()

	a.Fit()
	return nil
}

// FontSize returns the renderer's font size, or 0 when not attached.
func (a *Adapter) FontSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.renderer == nil {
		return 0
	}
	return a.renderer.FontSize()
}

// Close defuses pending fits, detaches input and disposes the renderer. It
// must run before the transport is closed. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, t := range a.timers {
		t.Stop()
	}
	a.timers = nil
	a.pending = nil
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	r := a.renderer
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if r != nil {
		if err := r.Dispose(); err != nil {
			return fmt.Errorf("dispose terminal surface: %w", err)
		}
	}
	return nil
}
