package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestDebugLogger(t *testing.T) (*DebugLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return logger, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(content)
}

func TestDebugLoggerSubsystemFilter(t *testing.T) {
	logger, path := newTestDebugLogger(t)
	logger.SetFilter("worker,mqtt")

	logger.Log("worker", "lift-a slot 1 ready")
	logger.Log("matchmaker", "dispatching CMD-1 to lift-a")
	logger.Log("mqtt", "published success result for CMD-1")
	logger.Close()

	out := readLog(t, path)
	if !strings.Contains(out, "[worker] lift-a slot 1 ready") {
		t.Error("worker line missing")
	}
	if !strings.Contains(out, "[mqtt] published success result for CMD-1") {
		t.Error("mqtt line missing")
	}
	if strings.Contains(out, "dispatching CMD-1") {
		t.Error("filtered matchmaker line was written")
	}
}

func TestDebugLoggerFilterGroups(t *testing.T) {
	tests := []struct {
		filter  string
		logged  []string
		dropped []string
	}{
		{"engine", []string{"engine", "matchmaker", "worker", "monitor", "recovery"}, []string{"s7", "mqtt"}},
		{"plc", []string{"s7", "emu"}, []string{"worker", "kafka"}},
	}

	for _, tc := range tests {
		t.Run(tc.filter, func(t *testing.T) {
			logger, path := newTestDebugLogger(t)
			logger.SetFilter(tc.filter)

			for _, sub := range append(tc.logged, tc.dropped...) {
				logger.Log(sub, "marker-%s", sub)
			}
			logger.Close()

			out := readLog(t, path)
			for _, sub := range tc.logged {
				if !strings.Contains(out, "marker-"+sub) {
					t.Errorf("filter %q should pass subsystem %q", tc.filter, sub)
				}
			}
			for _, sub := range tc.dropped {
				if strings.Contains(out, "marker-"+sub) {
					t.Errorf("filter %q should drop subsystem %q", tc.filter, sub)
				}
			}
		})
	}
}

func TestDebugLoggerEmptyFilterLogsAll(t *testing.T) {
	logger, path := newTestDebugLogger(t)
	logger.SetFilter("")

	logger.Log("s7", "read DB3.DBX0.1")
	logger.Log("track", "CMD-1 pending")
	logger.Close()

	out := readLog(t, path)
	if !strings.Contains(out, "read DB3.DBX0.1") || !strings.Contains(out, "CMD-1 pending") {
		t.Errorf("unfiltered logger dropped lines:\n%s", out)
	}
}

func TestGlobalDebugHelpers(t *testing.T) {
	logger, path := newTestDebugLogger(t)
	SetGlobalDebugLogger(logger)
	defer SetGlobalDebugLogger(nil)

	DebugConnect("s7", "connecting to %s", "10.0.0.7")
	DebugConnectError("s7", "dial %s: refused", "10.0.0.7")
	DebugDisconnect("s7", "link to %s closed", "10.0.0.7")
	DebugError("worker", "lift-a slot 1: post-complete failed")
	DebugLog("engine", "started")
	logger.Close()

	out := readLog(t, path)
	for _, want := range []string{
		"[s7] CONNECT connecting to 10.0.0.7",
		"[s7] CONNECT FAILED dial 10.0.0.7: refused",
		"[s7] DISCONNECT link to 10.0.0.7 closed",
		"[worker] ERROR lift-a slot 1: post-complete failed",
		"[engine] started",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestGlobalDebugHelpersWithoutLogger(t *testing.T) {
	SetGlobalDebugLogger(nil)
	// Must be silent no-ops.
	DebugLog("engine", "no logger installed")
	DebugError("engine", "still fine")
}

func TestDebugLoggerClosedAndNil(t *testing.T) {
	logger, path := newTestDebugLogger(t)
	if err := logger.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	logger.Log("engine", "after close")
	if strings.Contains(readLog(t, path), "after close") {
		t.Error("closed logger wrote a line")
	}

	var nilLogger *DebugLogger
	nilLogger.Log("engine", "nil receiver")
	nilLogger.SetFilter("worker")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil close: %v", err)
	}
}
