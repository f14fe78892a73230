package terminal

import "sync"

// defaultScrollbackSize bounds a Screen's retained output (1 MiB).
const defaultScrollbackSize = 1024 * 1024

// scrollback keeps the most recent output of a Screen, dropping the oldest
// bytes once it holds more than limit.
type scrollback struct {
	mu       sync.Mutex
	data     []byte
	limit    int
	disposed bool
}

func newScrollback(limit int) *scrollback {
	if limit <= 0 {
		limit = defaultScrollbackSize
	}
	return &scrollback{limit: limit}
}

func (s *scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0, ErrDisposed
	}
	s.data = append(s.data, p...)
	if over := len(s.data) - s.limit; over > 0 {
		s.data = append(s.data[:0], s.data[over:]...)
	}
	return len(p), nil
}

func (s *scrollback) dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

func (s *scrollback) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}
