//go:build windows

package terminal

import (
	"context"
	"os"
	"time"

	"golang.org/x/term"
)

// resizePollInterval is how often the console size is sampled; Windows
// consoles do not deliver SIGWINCH.
const resizePollInterval = 500 * time.Millisecond

// WatchResize calls fn whenever the console changes size, until ctx is done.
func WatchResize(ctx context.Context, fn func()) {
	go func() {
		ticker := time.NewTicker(resizePollInterval)
		defer ticker.Stop()

		lastW, lastH, _ := term.GetSize(int(os.Stdout.Fd()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w, h, err := term.GetSize(int(os.Stdout.Fd()))
				if err != nil || (w == lastW && h == lastH) {
					continue
				}
				lastW, lastH = w, h
				fn()
			}
		}
	}()
}
