package rpc

import (
	"context"
	"net"
	"sync"

	"github.com/veilmesh/torcore/pkg/connpoint"
	"github.com/veilmesh/torcore/pkg/logger"
)

// Server accepts RPC controller connections on a connect point and runs
// the newline-framed request loop for each. One Connection is created per
// accepted socket, requiring the server's configured authentication
// scheme.
type Server struct {
	point    connpoint.ConnPoint
	registry *Registry
	scheme   AuthScheme
	cookie   []byte
	logger   *logger.Logger

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a Server around an existing Registry. For AuthCookie,
// cookie is the shared secret clients must present; for AuthInherent it
// is ignored.
func NewServer(point connpoint.ConnPoint, registry *Registry, scheme AuthScheme, cookie []byte, log *logger.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		point:    point,
		registry: registry,
		scheme:   scheme,
		cookie:   cookie,
		logger:   log.Component("rpc-server"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start opens the listener and begins accepting connections.
func (s *Server) Start() error {
	l, err := s.point.Listen(s.ctx)
	if err != nil {
		return err
	}
	s.listener = l
	s.logger.Info("rpc server listening", "connect_point", s.point.String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listener's actual address, useful when the connect
// point named port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, cancels every in-flight invocation, and waits
// for connection handlers to finish.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("accept failed", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(netConn)
		}()
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()

	conn := s.registry.NewConnection(s.scheme, s.cookie)
	defer conn.Close()

	// Closing the socket on ctx cancellation unblocks the frame reader.
	stop := context.AfterFunc(s.ctx, func() { netConn.Close() })
	defer stop()

	s.logger.Debug("controller connected", "connection_id", conn.ID(), "remote", netConn.RemoteAddr())
	if err := ServeConn(s.ctx, conn, netConn, netConn); err != nil {
		s.logger.Debug("controller connection ended", "connection_id", conn.ID(), "error", err)
	}
}
