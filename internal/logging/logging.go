package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

// Init sends log output to stderr and, when path is non-empty, to an
// append-only log file as well. The interactive client passes quiet=true so
// log lines never interleave with the remote terminal output.
func Init(path string, quiet bool) error {
	mu.Lock()
	defer mu.Unlock()

	var console io.Writer = os.Stderr
	if quiet {
		console = io.Discard
	}

	if path == "" {
		log.SetOutput(console)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.SetOutput(console)
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.SetOutput(console)
		return fmt.Errorf("open log file %s: %w", path, err)
	}

	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	log.SetOutput(io.MultiWriter(console, logFile))
	return nil
}

// Close releases the log file, if any, and restores stderr output.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	log.SetOutput(os.Stderr)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}
