package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

// Session issues broker commands over one owned Connection. Every command
// funnels through do, which translates transport-level failures into the
// canonical timeout condition and discards the dead handle so the next
// command reconnects. No retries happen at this level.
type Session struct {
	conn *Connection
}

func newSession(logger *slog.Logger, id, addr, auth string, setup SetupFunc) *Session {
	return &Session{
		conn: newConnection(logger, id, addr, auth, setup),
	}
}

func (s *Session) do(op string, fn func(h *beanstalk.Conn) error) error {
	h, err := s.conn.Conn()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := fn(h); err != nil {
		canonical, dead := classify(err)
		if dead {
			s.conn.invalidate(h)
		}

		return fmt.Errorf("%s: %w", op, canonical)
	}

	return nil
}

func (s *Session) Put(body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	var id uint64

	err := s.do("put", func(h *beanstalk.Conn) error {
		var err error
		id, err = h.Put(body, pri, delay, ttr)

		return err
	})

	return id, err
}

func (s *Session) Reserve(timeout time.Duration) (uint64, []byte, error) {
	var (
		id   uint64
		body []byte
	)

	err := s.do("reserve", func(h *beanstalk.Conn) error {
		var err error
		id, body, err = h.Reserve(timeout)

		return err
	})

	return id, body, err
}

func (s *Session) Delete(id uint64) error {
	return s.do("delete", func(h *beanstalk.Conn) error {
		return h.Delete(id)
	})
}

func (s *Session) Release(id uint64, pri uint32, delay time.Duration) error {
	return s.do("release", func(h *beanstalk.Conn) error {
		return h.Release(id, pri, delay)
	})
}

func (s *Session) PeekReady() (uint64, []byte, error) {
	var (
		id   uint64
		body []byte
	)

	err := s.do("peek-ready", func(h *beanstalk.Conn) error {
		var err error
		id, body, err = h.PeekReady()

		return err
	})

	return id, body, err
}

func (s *Session) PeekDelayed() (uint64, []byte, error) {
	var (
		id   uint64
		body []byte
	)

	err := s.do("peek-delayed", func(h *beanstalk.Conn) error {
		var err error
		id, body, err = h.PeekDelayed()

		return err
	})

	return id, body, err
}

// Close forcibly drops the session's connection, unblocking any in-flight
// command with the canonical timeout condition.
func (s *Session) Close() {
	s.conn.End()
}
