// Package plcsim provides an in-memory PLC stand-in for bench and test
// setups: a register file that implements the transport client
// interface directly, scriptable reactions to register writes, and a
// TCP server speaking the emulated line protocol.
package plcsim

import (
	"fmt"
	"sync"
	"time"

	"shuttlelink/plc"
)

// WriteHook observes a register write. addr is canonical (the parsed
// address rendered back to text); value is the raw register value.
type WriteHook func(addr string, value uint32)

// Sim is an in-memory register file. All registers read as zero until
// written. Sim implements the transport client interface so engine
// tests can run without a socket.
type Sim struct {
	mu        sync.Mutex
	regs      map[string]uint32
	hooks     []WriteHook
	connected bool
	failNext  error // returned by the next operation, then cleared
}

// New creates an empty simulator.
func New() *Sim {
	return &Sim{regs: make(map[string]uint32), connected: true}
}

// Connect marks the simulator connected.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Close marks the simulator disconnected.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// IsConnected reports the simulated link state.
func (s *Sim) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsConnectionError always reports false; the simulator never loses a
// transport.
func (s *Sim) IsConnectionError(err error) bool { return false }

// FailNext makes the next read or write return err once.
func (s *Sim) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// OnWrite registers a hook observing every write.
func (s *Sim) OnWrite(fn WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func canonical(addr string, wantKinds ...plc.Kind) (string, error) {
	a, err := plc.ParseAddress(addr)
	if err != nil {
		return "", err
	}
	for _, k := range wantKinds {
		if a.Kind == k {
			return a.String(), nil
		}
	}
	return "", fmt.Errorf("plcsim: address %s has kind %s", addr, a.Kind)
}

func (s *Sim) get(key string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return 0, err
	}
	if !s.connected {
		return 0, fmt.Errorf("plcsim: not connected")
	}
	return s.regs[key], nil
}

func (s *Sim) set(key string, value uint32) error {
	s.mu.Lock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		s.mu.Unlock()
		return err
	}
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("plcsim: not connected")
	}
	s.regs[key] = value
	hooks := make([]WriteHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(key, value)
	}
	return nil
}

// ReadBool reads a bit register.
func (s *Sim) ReadBool(addr string) (bool, error) {
	key, err := canonical(addr, plc.KindBool)
	if err != nil {
		return false, err
	}
	v, err := s.get(key)
	return v != 0, err
}

// WriteBool writes a bit register.
func (s *Sim) WriteBool(addr string, value bool) error {
	key, err := canonical(addr, plc.KindBool)
	if err != nil {
		return err
	}
	var v uint32
	if value {
		v = 1
	}
	return s.set(key, v)
}

// ReadWord reads a 16-bit register.
func (s *Sim) ReadWord(addr string) (uint16, error) {
	key, err := canonical(addr, plc.KindWord)
	if err != nil {
		return 0, err
	}
	v, err := s.get(key)
	return uint16(v), err
}

// WriteWord writes a 16-bit register.
func (s *Sim) WriteWord(addr string, value uint16) error {
	key, err := canonical(addr, plc.KindWord)
	if err != nil {
		return err
	}
	return s.set(key, uint32(value))
}

// ReadDWord reads a 32-bit register.
func (s *Sim) ReadDWord(addr string) (uint32, error) {
	key, err := canonical(addr, plc.KindDWord)
	if err != nil {
		return 0, err
	}
	return s.get(key)
}

// WriteDWord writes a 32-bit register.
func (s *Sim) WriteDWord(addr string, value uint32) error {
	key, err := canonical(addr, plc.KindDWord)
	if err != nil {
		return err
	}
	return s.set(key, value)
}

// ReadChar reads the low byte of a word or byte register as a
// one-character string; zero reads as the empty string.
func (s *Sim) ReadChar(addr string) (string, error) {
	key, err := canonical(addr, plc.KindWord, plc.KindByte)
	if err != nil {
		return "", err
	}
	v, err := s.get(key)
	if err != nil {
		return "", err
	}
	b := byte(v & 0xFF)
	if b == 0 {
		return "", nil
	}
	return string(rune(b)), nil
}

// Poke writes a raw register value without invoking hooks, for test
// setup.
func (s *Sim) Poke(addr string, value uint32) error {
	a, err := plc.ParseAddress(addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[a.String()] = value
	return nil
}

// Peek reads a raw register value, for test assertions.
func (s *Sim) Peek(addr string) (uint32, error) {
	a, err := plc.ParseAddress(addr)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[a.String()], nil
}

// LoadBarcode pokes a 10-character barcode into the given registers,
// one character per register.
func (s *Sim) LoadBarcode(addrs []string, barcode string) error {
	for i, addr := range addrs {
		var v uint32
		if i < len(barcode) {
			v = uint32(barcode[i])
		}
		if err := s.Poke(addr, v); err != nil {
			return err
		}
	}
	return nil
}

// CompleteAfter raises the completion bit d after the trigger bit is
// written true.
func (s *Sim) CompleteAfter(trigger, completion string, d time.Duration) error {
	return s.reactAfter(trigger, completion, 1, d)
}

// FailAfter raises the failure bit d after the trigger bit is written
// true.
func (s *Sim) FailAfter(trigger, failed string, d time.Duration) error {
	return s.reactAfter(trigger, failed, 1, d)
}

// RaiseErrorAfter loads the error code register d after the trigger bit
// is written true.
func (s *Sim) RaiseErrorAfter(trigger, errorCode string, code uint16, d time.Duration) error {
	return s.reactAfter(trigger, errorCode, uint32(code), d)
}

func (s *Sim) reactAfter(trigger, target string, value uint32, d time.Duration) error {
	t, err := plc.ParseAddress(trigger)
	if err != nil {
		return err
	}
	key := t.String()
	s.OnWrite(func(addr string, v uint32) {
		if addr != key || v == 0 {
			return
		}
		time.AfterFunc(d, func() { s.Poke(target, value) })
	})
	return nil
}

var _ plc.Client = (*Sim)(nil)
