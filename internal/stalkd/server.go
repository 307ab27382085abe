// Package stalkd is a small in-memory broker speaking the beanstalkd wire
// protocol. It backs the test suite and the `beanworker serve` development
// command; it is not a durable queue.
package stalkd

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

type Server struct {
	logger       *slog.Logger
	listener     net.Listener
	store        *Store
	token        string
	shuttingDown atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer listens on address. A non-empty token requires clients to send
// `auth <token>` as their first command.
func NewServer(logger *slog.Logger, address, token string) (*Server, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	return &Server{
		logger:   logger,
		listener: l,
		store:    NewStore(logger),
		token:    token,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Serve() error {
	s.logger.Info("Listening for beanstalk connections", "addr", s.listener.Addr())

	for {
		rwc, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}

			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.mu.Lock()
		s.conns[rwc] = struct{}{}
		s.mu.Unlock()

		c := newConn(s.logger, rwc, s.store, s.token)

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			if err := c.serve(); err != nil {
				s.logger.Debug("Connection ended", "err", err)
			}

			s.mu.Lock()
			delete(s.conns, rwc)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Store() *Store {
	return s.store
}

// Close stops accepting, kills every live connection, and waits for their
// serve loops to finish.
func (s *Server) Close() {
	s.shuttingDown.Store(true)

	_ = s.listener.Close()
	s.store.Close()

	s.mu.Lock()
	for rwc := range s.conns {
		_ = rwc.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
