// Package socks provides a SOCKS5 proxy front-end (RFC 1928) that routes
// CONNECT requests over circuits obtained from the circuit manager. The
// protocol handling here is ambient client plumbing; the circuit
// lifecycle it drives is the subsystem under test elsewhere in this
// module.
package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilmesh/torcore/pkg/circuit"
	"github.com/veilmesh/torcore/pkg/logger"
	"github.com/veilmesh/torcore/pkg/pool"
)

const (
	socksVersion5     = 0x05
	authNone          = 0x00
	cmdConnect        = 0x01
	atypIPv4          = 0x01
	atypDomain        = 0x03
	atypIPv6          = 0x04
	replySuccess      = 0x00
	replyGeneralError = 0x01
	replyCmdNotSupp   = 0x07
	replyAtypNotSupp  = 0x08
)

// Config carries the connection ceiling and per-connection isolation
// settings. Server enforces only MaxConnections; the isolation fields are
// stored but not consulted when a circuit is acquired, so all streams draw
// from the same circuits. The zero value is a usable default: unlimited
// connections.
type Config struct {
	MaxConnections      int
	IsolationLevel      circuit.IsolationLevel
	IsolateDestinations bool
	IsolateSOCKSAuth    bool
	IsolateClientPort   bool
}

// DefaultConfig returns a Config with no isolation and a generous
// connection ceiling.
func DefaultConfig() *Config {
	return &Config{MaxConnections: 1000}
}

// Server is a SOCKS5 proxy front-end. Each accepted connection is
// handled in its own goroutine; streams are opened over a circuit
// obtained from circuitPool (if set) or circuitMgr.
type Server struct {
	addr        string
	circuitMgr  *circuit.Manager
	circuitPool *pool.CircuitPool
	logger      *logger.Logger
	config      *Config

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	active   int64
}

// NewServer constructs a Server with default (no) isolation.
func NewServer(addr string, circuitMgr *circuit.Manager, log *logger.Logger) *Server {
	return NewServerWithConfig(addr, circuitMgr, log, DefaultConfig())
}

// NewServerWithConfig constructs a Server with an explicit isolation
// Config. A nil Config falls back to DefaultConfig.
func NewServerWithConfig(addr string, circuitMgr *circuit.Manager, log *logger.Logger, cfg *Config) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		addr:       addr,
		circuitMgr: circuitMgr,
		logger:     log.Component("socks"),
		config:     cfg,
		conns:      make(map[net.Conn]struct{}),
	}
}

// SetCircuitPool wires a prebuilt circuit pool; when set, new streams are
// drawn from it instead of the raw circuit manager.
func (s *Server) SetCircuitPool(p *pool.CircuitPool) {
	s.mu.Lock()
	s.circuitPool = p
	s.mu.Unlock()
}

// ListenAndServe binds the configured address and accepts connections
// until ctx is cancelled, at which point the listener and all tracked
// connections are closed and any in-flight Accept returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("socks: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("socks5 proxy listening", "addr", ln.Addr().String())

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		s.closeAll()
	}()
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				return fmt.Errorf("socks: accept: %w", err)
			}
		}

		if s.config.MaxConnections > 0 && atomic.LoadInt64(&s.active) >= int64(s.config.MaxConnections) {
			_ = conn.Close()
			continue
		}

		s.track(conn)
		atomic.AddInt64(&s.active, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer atomic.AddInt64(&s.active, -1)
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

// Shutdown closes the listener and all tracked connections, unblocking
// ListenAndServe's Accept loop. The context is accepted for symmetry
// with the rest of the module's shutdown sequence; closing is immediate
// rather than graceful, so ctx's deadline is not itself enforced here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAll()
	return nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// handleConn performs the SOCKS5 greeting, reads one CONNECT request,
// replies, and -- if a circuit is available -- relays bytes between the
// client and an application stream opened over that circuit.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	r := bufio.NewReader(conn)

	if err := s.greet(r, conn); err != nil {
		s.logger.Debug("socks5 greeting failed", "error", err)
		return
	}

	target, port, err := s.readRequest(r, conn)
	if err != nil {
		s.logger.Debug("socks5 request failed", "error", err)
		return
	}

	if err := s.reply(conn, replySuccess); err != nil {
		return
	}

	s.relay(ctx, conn, target, port)
}

// greet reads the method-selection message and replies selecting
// no-authentication, the only scheme this front-end offers. Any version
// other than 5 closes the connection without a reply (the client expects
// a SOCKS4-shaped handshake we do not speak).
func (s *Server) greet(r *bufio.Reader, conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	if header[0] != socksVersion5 {
		return fmt.Errorf("unsupported SOCKS version %d", header[0])
	}
	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return err
	}
	_, err := conn.Write([]byte{socksVersion5, authNone})
	return err
}

// readRequest parses a CONNECT request and returns its target host and
// port. Only the CONNECT command is supported; BIND and UDP ASSOCIATE
// are out of scope for a client-side proxy front-end.
func (s *Server) readRequest(r *bufio.Reader, conn net.Conn) (string, uint16, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", 0, err
	}
	if header[0] != socksVersion5 {
		_ = s.reply(conn, replyGeneralError)
		return "", 0, fmt.Errorf("unsupported SOCKS version %d", header[0])
	}
	if header[1] != cmdConnect {
		_ = s.reply(conn, replyCmdNotSupp)
		return "", 0, fmt.Errorf("unsupported command %d", header[1])
	}

	var host string
	switch header[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(r, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(r, lenByte); err != nil {
			return "", 0, err
		}
		domain := make([]byte, lenByte[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", 0, err
		}
		host = string(domain)
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(r, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()
	default:
		_ = s.reply(conn, replyAtypNotSupp)
		return "", 0, fmt.Errorf("unsupported address type %d", header[3])
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(portBytes), nil
}

// reply sends a SOCKS5 reply carrying a fixed IPv4 0.0.0.0:0 bind address,
// the only address this front-end ever reports since it never listens on
// the exit relay's behalf.
func (s *Server) reply(conn net.Conn, code byte) error {
	resp := []byte{socksVersion5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(resp)
	return err
}

// relay opens an application stream for host:port over an available
// circuit and pipes bytes in both directions. With no circuit available
// (no consensus fetched, no pool configured) the client already received
// a success reply per the proxy contract; the data phase simply has
// nothing to relay and the connection is closed.
func (s *Server) relay(ctx context.Context, conn net.Conn, host string, port uint16) {
	circ, err := s.acquireCircuit(ctx, port)
	if err != nil || circ == nil {
		s.logger.Debug("no circuit available for stream", "target", host+":"+strconv.Itoa(int(port)))
		return
	}

	streamID := uint16(time.Now().UnixNano() & 0xffff)
	if err := circ.OpenStream(streamID, host, port); err != nil {
		s.logger.Debug("open stream failed", "error", err)
		return
	}
	defer func() { _ = circ.EndStream(streamID, 0) }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := circ.WriteToStream(streamID, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			data, err := circ.ReadFromStream(ctx, streamID)
			if len(data) > 0 {
				if _, werr := conn.Write(data); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	wg.Wait()
}

// acquireCircuit draws a circuit from the pool when one is configured,
// else asks the circuit manager for one matching the target port:
// Request reuses a cached compatible circuit and otherwise plans and
// builds a fresh one, deduplicating with any concurrent stream asking
// for the same usage. The open-circuit scan remains as the last resort
// for managers with no pipeline installed (tests, partial wiring).
func (s *Server) acquireCircuit(ctx context.Context, port uint16) (*circuit.Circuit, error) {
	s.mu.Lock()
	p := s.circuitPool
	s.mu.Unlock()

	if p != nil {
		return p.Get(ctx)
	}

	if c, err := s.circuitMgr.Request(ctx, circuit.ExitUsage(int(port))); err == nil {
		return c, nil
	} else {
		s.logger.Debug("circuit request failed, falling back to cached circuits", "error", err)
	}

	for _, id := range s.circuitMgr.ListCircuits() {
		c, err := s.circuitMgr.GetCircuit(id)
		if err == nil && c.GetState() == circuit.StateOpen {
			return c, nil
		}
	}
	return nil, nil
}
