// Package terminal binds a live session transport to a terminal rendering
// surface. The surface interprets escape sequences; this package only moves
// bytes and reconciles geometry.
package terminal

import (
	"errors"
	"io"
)

// Font size bounds applied by the zoom controls.
const (
	MinFontSize     = 8
	MaxFontSize     = 24
	DefaultFontSize = 14
)

// DetachKey (Ctrl-]) ends an interactive TTY attachment.
const DetachKey = 0x1d

var ErrDisposed = errors.New("renderer disposed")

// Renderer is a terminal rendering surface.
type Renderer interface {
	// Write renders remote output verbatim.
	io.Writer
	// Fit recomputes the character grid from the hosting region and the
	// current font metrics. A zero grid means the region has no size yet.
	Fit() (cols, rows int)
	SetFontSize(px int)
	FontSize() int
	Focus()
	// OnInput registers fn for user keystrokes and returns a func that
	// unregisters it.
	OnInput(fn func(p []byte)) (unsubscribe func())
	Dispose() error
}

// SurfaceFactory creates the renderer for a session when it becomes connected.
type SurfaceFactory func(sessionID string) (Renderer, error)

func clampFontSize(px int) int {
	if px < MinFontSize {
		return MinFontSize
	}
	if px > MaxFontSize {
		return MaxFontSize
	}
	return px
}
