package terminal

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// TTY renders a session on the process's own terminal. Creating it switches
// the input to raw mode; Dispose restores the saved state. Font size is kept
// only so zoom requests round-trip; a text terminal has no font control.
type TTY struct {
	in  *os.File
	out *os.File

	mu       sync.Mutex
	state    *term.State
	fontSize int
	inputs   map[int]func([]byte)
	nextSub  int
	reading  bool
	disposed bool
	onDetach func()
}

// NewTTY puts in into raw mode. onDetach runs (once) when the user presses
// DetachKey.
func NewTTY(in, out *os.File, onDetach func()) (*TTY, error) {
	state, err := term.MakeRaw(int(in.Fd()))
	if err != nil {
		return nil, fmt.Errorf("set raw terminal: %w", err)
	}
	return &TTY{
		in:       in,
		out:      out,
		state:    state,
		fontSize: DefaultFontSize,
		inputs:   make(map[int]func([]byte)),
		onDetach: onDetach,
	}, nil
}

func (t *TTY) Write(p []byte) (int, error) {
	t.mu.Lock()
	disposed := t.disposed
	t.mu.Unlock()
	if disposed {
		return 0, ErrDisposed
	}
	return t.out.Write(p)
}

// Fit reports the size of the controlling terminal, or 80x24 when unknown.
func (t *TTY) Fit() (cols, rows int) {
	cols, rows, err := term.GetSize(int(t.out.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return 80, 24
	}
	return cols, rows
}

func (t *TTY) SetFontSize(px int) {
	t.mu.Lock()
	t.fontSize = clampFontSize(px)
	t.mu.Unlock()
}

func (t *TTY) FontSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fontSize
}

func (t *TTY) Focus() {}

func (t *TTY) OnInput(fn func(p []byte)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.inputs[id] = fn
	start := !t.reading
	t.reading = true
	t.mu.Unlock()

	if start {
		go t.readLoop()
	}
	return func() {
		t.mu.Lock()
		delete(t.inputs, id)
		t.mu.Unlock()
	}
}

// readLoop cannot be interrupted while blocked in Read; after Dispose it
// drops whatever it reads and exits on the next read.
func (t *TTY) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := t.in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			detach := false
			if i := bytes.IndexByte(chunk, DetachKey); i >= 0 {
				chunk, detach = chunk[:i], true
			}

			t.mu.Lock()
			if t.disposed {
				t.mu.Unlock()
				return
			}
			subs := make([]func([]byte), 0, len(t.inputs))
			for _, fn := range t.inputs {
				subs = append(subs, fn)
			}
			onDetach := t.onDetach
			if detach {
				t.onDetach = nil
			}
			t.mu.Unlock()

			if len(chunk) > 0 {
				data := append([]byte(nil), chunk...)
				for _, fn := range subs {
					fn(data)
				}
			}
			if detach {
				if onDetach != nil {
					onDetach()
				}
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Dispose restores the terminal mode. Safe to call more than once.
func (t *TTY) Dispose() error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.disposed = true
	t.inputs = make(map[int]func([]byte))
	state := t.state
	t.mu.Unlock()

	if state != nil {
		if err := term.Restore(int(t.in.Fd()), state); err != nil {
			return fmt.Errorf("restore terminal state: %w", err)
		}
	}
	return nil
}
