package plc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"shuttlelink/logging"
)

// S7Client talks to a real Siemens S7 PLC over ISO-on-TCP.
type S7Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	connected bool
	mu        sync.Mutex
}

// S7Option is a functional option for NewS7Client.
type S7Option func(*S7Client)

// WithRackSlot configures the rack and slot numbers for the CPU.
// Default is rack 0, slot 0 for S7-1200/1500. For S7-300/400, use the
// slot where the CPU is placed (commonly 2).
func WithRackSlot(rack, slot int) S7Option {
	return func(c *S7Client) {
		c.rack = rack
		c.slot = slot
	}
}

// WithTimeout configures the connect and operation timeout.
func WithTimeout(d time.Duration) S7Option {
	return func(c *S7Client) {
		c.timeout = d
	}
}

// NewS7Client creates an S7 client for the given address. Call
// Connect before use.
func NewS7Client(address string, opts ...S7Option) *S7Client {
	c := &S7Client{
		address: address,
		rack:    0,
		slot:    0,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the connection. Calling Connect on a connected
// client is a no-op.
func (c *S7Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	if c.handler != nil {
		c.handler.Close()
	}

	handler := gos7.NewTCPClientHandler(c.address, c.rack, c.slot)
	handler.Timeout = c.timeout
	handler.IdleTimeout = c.timeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("s7 connect %s: %w", c.address, err)
	}

	c.handler = handler
	c.client = gos7.NewClient(handler)
	c.connected = true
	logging.DebugLog("s7", "connected to %s (rack %d, slot %d)", c.address, c.rack, c.slot)
	return nil
}

// Close releases the connection.
func (c *S7Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}

// IsConnected returns true if the client believes the link is up.
func (c *S7Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsConnectionError reports whether err indicates a dead transport.
func (c *S7Client) IsConnectionError(err error) bool {
	return isConnectionError(err)
}

// readBytes reads size bytes at a DB address under the client mutex.
func (c *S7Client) readBytes(a *Address, size int) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("s7 read: not connected")
	}
	buf := make([]byte, size)
	if err := c.client.AGReadDB(a.DBNumber, a.Offset, size, buf); err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return nil, fmt.Errorf("s7 read %s: %w", a, err)
	}
	return buf, nil
}

func (c *S7Client) writeBytes(a *Address, data []byte) error {
	if c.client == nil {
		return fmt.Errorf("s7 write: not connected")
	}
	if err := c.client.AGWriteDB(a.DBNumber, a.Offset, len(data), data); err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return fmt.Errorf("s7 write %s: %w", a, err)
	}
	return nil
}

func (c *S7Client) parse(addr string, kind Kind) (*Address, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if a.Kind != kind {
		return nil, fmt.Errorf("address %s is %s, want %s", addr, a.Kind, kind)
	}
	return a, nil
}

// ReadBool reads a single bit (DBX address).
func (c *S7Client) ReadBool(addr string) (bool, error) {
	a, err := c.parse(addr, KindBool)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.readBytes(a, 1)
	if err != nil {
		return false, err
	}
	return data[0]&(1<<a.Bit) != 0, nil
}

// WriteBool writes a single bit via read-modify-write of the byte.
func (c *S7Client) WriteBool(addr string, value bool) error {
	a, err := c.parse(addr, KindBool)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.readBytes(a, 1)
	if err != nil {
		return err
	}
	if value {
		data[0] |= 1 << a.Bit
	} else {
		data[0] &^= 1 << a.Bit
	}
	return c.writeBytes(a, data)
}

// ReadWord reads a 16-bit big-endian register (DBW address).
func (c *S7Client) ReadWord(addr string) (uint16, error) {
	a, err := c.parse(addr, KindWord)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.readBytes(a, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(data), nil
}

// WriteWord writes a 16-bit big-endian register.
func (c *S7Client) WriteWord(addr string, value uint16) error {
	a, err := c.parse(addr, KindWord)
	if err != nil {
		return err
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, value)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBytes(a, buf)
}

// ReadDWord reads a 32-bit big-endian register (DBD address).
func (c *S7Client) ReadDWord(addr string) (uint32, error) {
	a, err := c.parse(addr, KindDWord)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.readBytes(a, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(data), nil
}

// WriteDWord writes a 32-bit big-endian register.
func (c *S7Client) WriteDWord(addr string, value uint32) error {
	a, err := c.parse(addr, KindDWord)
	if err != nil {
		return err
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBytes(a, buf)
}

// ReadChar reads a single-character register. Word and byte registers
// are both accepted; the low byte carries the character.
func (c *S7Client) ReadChar(addr string) (string, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	if a.Kind != KindWord && a.Kind != KindByte {
		return "", fmt.Errorf("address %s is %s, want WORD or BYTE", addr, a.Kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.readBytes(a, a.Kind.Size())
	if err != nil {
		return "", err
	}
	if a.Kind == KindWord {
		return charFromWord(binary.BigEndian.Uint16(data)), nil
	}
	return charFromWord(uint16(data[0])), nil
}
