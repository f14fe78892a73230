package terminal

import (
	"sync"
)

// Minimum grid, matching the usual fit rules of browser terminals.
const (
	minCols = 2
	minRows = 1
)

// Screen is a headless Renderer. The hosting region is expressed in pixels
// and the grid follows from monospace cell metrics of 0.6em x 1.2em. Output is
// retained up to a scrollback limit; keystrokes are injected with Type.
type Screen struct {
	buf *scrollback

	mu       sync.Mutex
	width    int
	height   int
	fontSize int
	focused  bool
	disposed bool
	inputs   map[int]func([]byte)
	nextSub  int
}

// NewScreen creates a screen for a width x height pixel region.
func NewScreen(width, height, fontSize, scrollbackLimit int) *Screen {
	if fontSize == 0 {
		fontSize = DefaultFontSize
	}
	return &Screen{
		buf:      newScrollback(scrollbackLimit),
		width:    width,
		height:   height,
		fontSize: clampFontSize(fontSize),
		inputs:   make(map[int]func([]byte)),
	}
}

func (s *Screen) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// SetRegion changes the hosting region. The owner of the region is expected
// to call Adapter.HostResized afterwards.
func (s *Screen) SetRegion(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// RegionFor returns the smallest pixel region that fits a cols x rows grid
// at fontSize.
func RegionFor(cols, rows, fontSize int) (width, height int) {
	return (cols*fontSize*6 + 9) / 10, (rows*fontSize*12 + 9) / 10
}

// Fit computes the grid using integer tenths of a pixel so results are exact.
func (s *Screen) Fit() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.width <= 0 || s.height <= 0 {
		return 0, 0
	}
	cols = s.width * 10 / (s.fontSize * 6)
	rows = s.height * 10 / (s.fontSize * 12)
	return max(cols, minCols), max(rows, minRows)
}

func (s *Screen) SetFontSize(px int) {
	s.mu.Lock()
	s.fontSize = clampFontSize(px)
	s.mu.Unlock()
}

func (s *Screen) FontSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fontSize
}

func (s *Screen) Focus() {
	s.mu.Lock()
	s.focused = true
	s.mu.Unlock()
}

func (s *Screen) Focused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

func (s *Screen) OnInput(fn func(p []byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.inputs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.inputs, id)
		s.mu.Unlock()
	}
}

// Type delivers p to the input subscribers as if the user typed it.
func (s *Screen) Type(p []byte) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	subs := make([]func([]byte), 0, len(s.inputs))
	for _, fn := range s.inputs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

// Output returns everything rendered so far.
func (s *Screen) Output() []byte {
	return s.buf.bytes()
}

func (s *Screen) Dispose() error {
	s.mu.Lock()
	s.disposed = true
	s.inputs = make(map[int]func([]byte))
	s.mu.Unlock()
	s.buf.dispose()
	return nil
}

func (s *Screen) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
