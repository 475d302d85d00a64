package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// stampFormat is the timestamp layout every gateway log line carries,
// millisecond precision for correlating against PLC handshake timing.
const stampFormat = "2006-01-02 15:04:05.000"

// FileLogger is the gateway's operational log: startup, device
// registration, command lifecycle summaries. One line per event,
// stamped, safe for concurrent use.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens the log at path, appending across restarts so a
// service bounce does not lose history.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Log writes one stamped line. Calls after Close are dropped.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	fmt.Fprintf(l.file, "%s %s\n", time.Now().Format(stampFormat), fmt.Sprintf(format, args...))
}

// Close flushes and closes the log file. Idempotent.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
