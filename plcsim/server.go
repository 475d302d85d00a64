package plcsim

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"shuttlelink/logging"
	"shuttlelink/plc"
)

// Server exposes one or more simulators over TCP using the emulated
// line protocol:
//
//	READ <dev> <addr>         ->  OK <value>  |  ERR <message>
//	WRITE <dev> <addr> <val>  ->  OK          |  ERR <message>
type Server struct {
	mu      sync.Mutex
	devices map[string]*Sim
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closed  bool
}

// NewServer creates a server with no devices. Add devices before
// Listen.
func NewServer() *Server {
	return &Server{
		devices: make(map[string]*Sim),
		conns:   make(map[net.Conn]struct{}),
	}
}

// AddDevice attaches a simulator under a device name.
func (s *Server) AddDevice(name string, sim *Sim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[name] = sim
}

// Listen binds the address and starts serving. Pass "127.0.0.1:0" to
// let the OS choose a port; Addr reports the bound address.
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("plcsim listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := s.handle(scanner.Text())
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
	}
}

// handle executes one request line and renders the reply line.
func (s *Server) handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "ERR malformed request"
	}

	verb, dev, addr := strings.ToUpper(fields[0]), fields[1], fields[2]

	s.mu.Lock()
	sim, ok := s.devices[dev]
	s.mu.Unlock()
	if !ok {
		return fmt.Sprintf("ERR unknown device %s", dev)
	}

	a, err := plc.ParseAddress(addr)
	if err != nil {
		return fmt.Sprintf("ERR %v", err)
	}

	switch verb {
	case "READ":
		v, err := sim.Peek(a.String())
		if err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		logging.DebugLog("emu", "read %s %s -> %d", dev, a, v)
		return fmt.Sprintf("OK %d", v)

	case "WRITE":
		if len(fields) < 4 {
			return "ERR missing value"
		}
		v, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return fmt.Sprintf("ERR bad value %q", fields[3])
		}
		if err := sim.set(a.String(), uint32(v)); err != nil {
			return fmt.Sprintf("ERR %v", err)
		}
		logging.DebugLog("emu", "write %s %s = %d", dev, a, v)
		return "OK"

	default:
		return fmt.Sprintf("ERR unknown verb %s", verb)
	}
}
