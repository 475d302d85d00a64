package plc

import "strings"

// Client is the unified interface to one physical PLC connection. All
// of a device's slots share a single client; implementations serialize
// concurrent calls with an internal mutex so that workers and signal
// monitors can read in parallel.
type Client interface {
	// Connection management
	Connect() error
	Close() error
	IsConnected() bool

	// Typed register access. Addresses use the DB syntax of
	// ParseAddress; the kind encoded in the address must match the
	// method used.
	ReadBool(addr string) (bool, error)
	WriteBool(addr string, value bool) error
	ReadWord(addr string) (uint16, error)
	WriteWord(addr string, value uint16) error
	ReadDWord(addr string) (uint32, error)
	WriteDWord(addr string, value uint32) error

	// ReadChar reads a single-character register (barcode protocol).
	// A zero register reads as the empty string.
	ReadChar(addr string) (string, error)

	// IsConnectionError reports whether an error from a read or write
	// indicates the underlying transport is dead.
	IsConnectionError(err error) bool
}

// isConnectionError matches transport error strings common to both
// client implementations.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed") ||
		strings.Contains(errStr, "nil")
}

// charFromWord renders a character register value as a string. The low
// byte carries the ASCII code; a zero register is an empty string.
func charFromWord(v uint16) string {
	b := byte(v & 0xff)
	if b == 0 {
		return ""
	}
	return string(rune(b))
}
