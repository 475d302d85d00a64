package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// readLines returns the log's non-empty lines.
func readLines(t *testing.T, path string) []string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var lines []string
	for _, l := range strings.Split(string(content), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// splitStamp separates a log line into its timestamp and message.
func splitStamp(t *testing.T, line string) (time.Time, string) {
	t.Helper()
	if len(line) < len(stampFormat)+1 {
		t.Fatalf("line too short for a stamp: %q", line)
	}
	stamp, err := time.Parse(stampFormat, line[:len(stampFormat)])
	if err != nil {
		t.Fatalf("unparsable stamp in %q: %v", line, err)
	}
	return stamp, line[len(stampFormat)+1:]
}

func TestFileLoggerLineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer logger.Close()

	logger.Log("engine started with %d device(s)", 2)
	logger.Log("%s slot %d: dispatching %s", "lift-a", 1, "CMD-41")

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	stamp, msg := splitStamp(t, lines[0])
	if msg != "engine started with 2 device(s)" {
		t.Errorf("message = %q", msg)
	}
	if d := time.Since(stamp); d < 0 || d > time.Minute {
		t.Errorf("stamp %v not near now", stamp)
	}
	if _, msg = splitStamp(t, lines[1]); msg != "lift-a slot 1: dispatching CMD-41" {
		t.Errorf("message = %q", msg)
	}
}

func TestFileLoggerAppendsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	first, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first.Log("shutting down")
	first.Close()

	second, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second.Log("engine started with 1 device(s)")
	second.Close()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2 (restart must not truncate)", len(lines))
	}
	if _, msg := splitStamp(t, lines[0]); msg != "shutting down" {
		t.Errorf("first line = %q", msg)
	}
	if _, msg := splitStamp(t, lines[1]); msg != "engine started with 1 device(s)" {
		t.Errorf("second line = %q", msg)
	}
}

func TestFileLoggerClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	logger.Log("after close")
	if lines := readLines(t, path); len(lines) != 0 {
		t.Errorf("closed logger wrote %d line(s)", len(lines))
	}
}

func TestFileLoggerBadPath(t *testing.T) {
	if _, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "gateway.log")); err == nil {
		t.Error("expected error for a path in a missing directory")
	}
}

func TestFileLoggerConcurrentLinesStayIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer logger.Close()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			logger.Log("lift-a slot %d ready", slot)
		}(i)
	}
	wg.Wait()

	lines := readLines(t, path)
	if len(lines) != writers {
		t.Fatalf("lines = %d, want %d", len(lines), writers)
	}
	seen := make(map[string]bool)
	for _, line := range lines {
		_, msg := splitStamp(t, line)
		seen[msg] = true
	}
	for i := 0; i < writers; i++ {
		if !seen[fmt.Sprintf("lift-a slot %d ready", i)] {
			t.Errorf("line for slot %d missing or interleaved", i)
		}
	}
}
