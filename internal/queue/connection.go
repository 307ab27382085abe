package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

const dialTimeout = 10 * time.Second

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateReady
)

// SetupFunc runs once per successful connect, after authentication, to
// install the session's tube bindings on the fresh handle. A failure here
// discards the handle entirely.
type SetupFunc func(h *beanstalk.Conn) error

// Connection is a single-slot cache of one broker session. The handle is
// created lazily, shared by concurrent callers racing to connect, and
// discarded for good the moment anything goes wrong with it.
type Connection struct {
	logger *slog.Logger
	addr   string
	auth   string
	setup  SetupFunc

	mu      sync.Mutex
	state   connState
	ended   bool
	handle  *beanstalk.Conn
	rwc     net.Conn
	pending chan struct{}
}

func newConnection(logger *slog.Logger, id, addr, auth string, setup SetupFunc) *Connection {
	return &Connection{
		logger: logger.With("conn", id),
		addr:   addr,
		auth:   auth,
		setup:  setup,
	}
}

// Conn returns a ready handle, dialing if none is live. Only one connect
// attempt is ever in flight; callers arriving during one wait for its
// outcome rather than opening their own.
func (c *Connection) Conn() (*beanstalk.Conn, error) {
	for {
		c.mu.Lock()

		switch c.state {
		case stateReady:
			h := c.handle
			c.mu.Unlock()

			return h, nil

		case stateConnecting:
			pending := c.pending
			c.mu.Unlock()

			<-pending

		case stateDisconnected:
			pending := make(chan struct{})
			c.state = stateConnecting
			c.ended = false
			c.pending = pending
			c.mu.Unlock()

			h, rwc, err := c.dial()

			c.mu.Lock()
			c.pending = nil

			switch {
			case err != nil:
				c.state = stateDisconnected
			case c.ended:
				// End arrived while the dial was in flight; the fresh
				// handle must not outlive it.
				_ = rwc.Close()
				c.state = stateDisconnected
				err = ErrTimedOut
			default:
				c.state = stateReady
				c.handle = h
				c.rwc = rwc
			}

			c.mu.Unlock()
			close(pending)

			if err != nil {
				return nil, err
			}

			return h, nil
		}
	}
}

func (c *Connection) dial() (*beanstalk.Conn, net.Conn, error) {
	rwc, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	if c.auth != "" {
		if err := authenticate(rwc, c.auth); err != nil {
			_ = rwc.Close()

			return nil, nil, err
		}
	}

	h := beanstalk.NewConn(rwc)

	if c.setup != nil {
		if err := c.setup(h); err != nil {
			_ = h.Close()

			return nil, nil, fmt.Errorf("session setup failed: %w", err)
		}
	}

	c.logger.Debug("Connected to broker", "addr", c.addr)

	return h, rwc, nil
}

// invalidate discards the handle if it is still the current one, so the next
// use dials fresh instead of reusing a half-dead session.
func (c *Connection) invalidate(h *beanstalk.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateReady || c.handle != h {
		return
	}

	_ = c.rwc.Close()
	c.handle = nil
	c.rwc = nil
	c.state = stateDisconnected

	c.logger.Debug("Discarded broker connection")
}

// End forcibly drops the live handle. A dial already in flight when End is
// called is discarded on completion instead of installed. Any command blocked
// on the handle fails with the canonical timeout condition; the next use
// reconnects.
func (c *Connection) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ended = true

	if c.state != stateReady {
		return
	}

	_ = c.rwc.Close()
	c.handle = nil
	c.rwc = nil
	c.state = stateDisconnected

	c.logger.Debug("Ended broker connection")
}

// authenticate exchanges the credential as the very first command on the raw
// socket, before the protocol client takes ownership of it.
func authenticate(rwc net.Conn, token string) error {
	_ = rwc.SetDeadline(time.Now().Add(dialTimeout))

	defer func() {
		_ = rwc.SetDeadline(time.Time{})
	}()

	if _, err := fmt.Fprintf(rwc, "auth %s\r\n", token); err != nil {
		return fmt.Errorf("failed to send credentials: %w", err)
	}

	// Read the reply one byte at a time so nothing past the line is
	// consumed before the protocol client attaches its own reader.
	var line []byte

	buf := make([]byte, 1)

	for {
		if _, err := rwc.Read(buf); err != nil {
			return fmt.Errorf("failed to read auth reply: %w", err)
		}

		if buf[0] == '\n' {
			break
		}

		if len(line) > 64 {
			return errors.New("oversized auth reply")
		}

		line = append(line, buf[0])
	}

	if reply := strings.TrimSuffix(string(line), "\r"); reply != "OK" {
		return fmt.Errorf("%w: %s", ErrAuthRejected, reply)
	}

	return nil
}
