package terminal

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"
)

// RecordingEntry is one timestamped event of a session recording.
type RecordingEntry struct {
	// Elapsed is the time since the recording started, in seconds.
	Elapsed float64
	// Type is "o" for output, "i" for input and "r" for a resize.
	Type string
	Data string
}

// Recording captures timestamped terminal I/O of one session and exports it
// in the asciicast v2 format. It is safe for concurrent use.
type Recording struct {
	mu         sync.Mutex
	entries    []RecordingEntry
	startTime  time.Time
	maxEntries int
	withInput  bool
	cols, rows int

	// Incomplete UTF-8 sequences held back until the next chunk.
	outTail, inTail []byte
}

// NewRecording creates a recording. If maxEntries <= 0 there is no limit.
// Input events are captured only when withInput is set, because keystrokes
// include typed passwords.
func NewRecording(maxEntries int, withInput bool) *Recording {
	return &Recording{
		startTime:  time.Now(),
		maxEntries: maxEntries,
		withInput:  withInput,
	}
}

func (r *Recording) add(typ, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		return
	}
	r.entries = append(r.entries, RecordingEntry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    typ,
		Data:    data,
	})
}

// RecordOutput records a chunk of remote output. A multibyte character split
// across chunks is recorded whole, with the later chunk.
func (r *Recording) RecordOutput(p []byte) {
	r.addChunk("o", p, &r.outTail)
}

func (r *Recording) RecordInput(p []byte) {
	if !r.withInput {
		return
	}
	r.addChunk("i", p, &r.inTail)
}

func (r *Recording) addChunk(typ string, p []byte, tail *[]byte) {
	r.mu.Lock()
	data := append(*tail, p...)
	data, rest := splitIncomplete(data)
	*tail = append([]byte(nil), rest...)
	r.mu.Unlock()

	if len(data) > 0 {
		r.add(typ, string(data))
	}
}

// splitIncomplete separates a trailing partial UTF-8 sequence from p.
func splitIncomplete(p []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		b := p[len(p)-i]
		if b < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(p[len(p)-i:]) {
				return p[:len(p)-i], p[len(p)-i:]
			}
			break
		}
	}
	return p, nil
}

// RecordResize notes a geometry change. The first one becomes the header size.
func (r *Recording) RecordResize(cols, rows int) {
	r.mu.Lock()
	if r.cols == 0 {
		r.cols, r.rows = cols, rows
	}
	r.mu.Unlock()
	r.add("r", fmt.Sprintf("%dx%d", cols, rows))
}

// Entries returns a copy of all recorded entries.
func (r *Recording) Entries() []RecordingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]RecordingEntry, len(r.entries))
	copy(result, r.entries)
	return result
}

type castHeader struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// WriteCast writes the recording as asciicast v2: a JSON header line followed
// by one [elapsed, type, data] array per event.
func (r *Recording) WriteCast(w io.Writer) error {
	r.mu.Lock()
	header := castHeader{Version: 2, Width: r.cols, Height: r.rows, Timestamp: r.startTime.Unix()}
	entries := make([]RecordingEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	if header.Width == 0 {
		header.Width, header.Height = 80, 24
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("write cast header: %w", err)
	}
	for _, e := range entries {
		if err := enc.Encode([]any{e.Elapsed, e.Type, e.Data}); err != nil {
			return fmt.Errorf("write cast event: %w", err)
		}
	}
	return nil
}
