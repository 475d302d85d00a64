package plc

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"shuttlelink/logging"
)

// EmuClient speaks the emulated line-oriented text protocol used by
// bench setups without real PLC hardware:
//
//	READ <dev> <addr>         ->  OK <value>  |  ERR <message>
//	WRITE <dev> <addr> <val>  ->  OK          |  ERR <message>
//
// Booleans travel as 0/1, words and dwords as decimal integers.
type EmuClient struct {
	address string // host:port of the emulator
	device  string // device name sent on every request
	timeout time.Duration

	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
}

// NewEmuClient creates a client for the emulator at address. The
// device name qualifies every request so one emulator can serve
// several logical devices.
func NewEmuClient(address, device string, timeout time.Duration) *EmuClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EmuClient{
		address:  address,
		device:   device,
		timeout:  timeout,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the emulator and starts the reconnect watchdog.
func (c *EmuClient) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		return err
	}

	go c.reconnectLoop()
	return nil
}

func (c *EmuClient) dial() error {
	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("emu connect %s: %w", c.address, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected = true
	c.mu.Unlock()

	logging.DebugLog("emu", "connected to %s as device %s", c.address, c.device)
	return nil
}

// reconnectLoop re-dials with exponential backoff while the client is
// marked disconnected. It exits on Close.
func (c *EmuClient) reconnectLoop() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()

		if connected {
			backoff = time.Second
			continue
		}

		if err := c.dial(); err != nil {
			logging.DebugLog("emu", "reconnect %s failed: %v", c.address, err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// Close shuts the connection and stops the reconnect watchdog.
func (c *EmuClient) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected returns true if the client believes the link is up.
func (c *EmuClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsConnectionError reports whether err indicates a dead transport.
func (c *EmuClient) IsConnectionError(err error) bool {
	return isConnectionError(err)
}

// roundTrip sends one request line and reads one response line under
// the client mutex. A transport failure marks the client disconnected
// so the watchdog can re-dial.
func (c *EmuClient) roundTrip(request string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return "", fmt.Errorf("emu: not connected")
	}

	deadline := time.Now().Add(c.timeout)
	c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(c.conn, "%s\n", request); err != nil {
		c.connected = false
		return "", fmt.Errorf("emu write: %w", err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.connected = false
		return "", fmt.Errorf("emu read: %w", err)
	}

	line = strings.TrimSpace(line)
	switch {
	case line == "OK":
		return "", nil
	case strings.HasPrefix(line, "OK "):
		return strings.TrimPrefix(line, "OK "), nil
	case strings.HasPrefix(line, "ERR"):
		return "", fmt.Errorf("emu: %s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
	default:
		return "", fmt.Errorf("emu: unparsable response %q", line)
	}
}

func (c *EmuClient) read(addr string, kind Kind) (uint32, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return 0, err
	}
	if a.Kind != kind {
		return 0, fmt.Errorf("address %s is %s, want %s", addr, a.Kind, kind)
	}
	payload, err := c.roundTrip(fmt.Sprintf("READ %s %s", c.device, a))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(payload, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("emu: bad payload %q for %s", payload, addr)
	}
	return uint32(v), nil
}

func (c *EmuClient) write(addr string, kind Kind, value uint32) error {
	a, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	if a.Kind != kind {
		return fmt.Errorf("address %s is %s, want %s", addr, a.Kind, kind)
	}
	_, err = c.roundTrip(fmt.Sprintf("WRITE %s %s %d", c.device, a, value))
	return err
}

// ReadBool reads a single bit (DBX address).
func (c *EmuClient) ReadBool(addr string) (bool, error) {
	v, err := c.read(addr, KindBool)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// WriteBool writes a single bit.
func (c *EmuClient) WriteBool(addr string, value bool) error {
	var v uint32
	if value {
		v = 1
	}
	return c.write(addr, KindBool, v)
}

// ReadWord reads a 16-bit register (DBW address).
func (c *EmuClient) ReadWord(addr string) (uint16, error) {
	v, err := c.read(addr, KindWord)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// WriteWord writes a 16-bit register.
func (c *EmuClient) WriteWord(addr string, value uint16) error {
	return c.write(addr, KindWord, uint32(value))
}

// ReadDWord reads a 32-bit register (DBD address).
func (c *EmuClient) ReadDWord(addr string) (uint32, error) {
	return c.read(addr, KindDWord)
}

// WriteDWord writes a 32-bit register.
func (c *EmuClient) WriteDWord(addr string, value uint32) error {
	return c.write(addr, KindDWord, value)
}

// ReadChar reads a single-character register.
func (c *EmuClient) ReadChar(addr string) (string, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	if a.Kind != KindWord && a.Kind != KindByte {
		return "", fmt.Errorf("address %s is %s, want WORD or BYTE", addr, a.Kind)
	}
	payload, err := c.roundTrip(fmt.Sprintf("READ %s %s", c.device, a))
	if err != nil {
		return "", err
	}
	v, err := strconv.ParseUint(payload, 10, 16)
	if err != nil {
		return "", fmt.Errorf("emu: bad payload %q for %s", payload, addr)
	}
	return charFromWord(uint16(v)), nil
}

// compile-time interface checks
var (
	_ Client = (*S7Client)(nil)
	_ Client = (*EmuClient)(nil)
)
