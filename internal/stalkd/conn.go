package stalkd

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

var errBadFormat = errors.New("bad format")

const defaultTube = "default"

type conn struct {
	logger *slog.Logger
	rwc    net.Conn
	reader *bufio.Reader
	store  *Store
	token  string

	authed   bool
	used     string
	watching []string
}

func newConn(logger *slog.Logger, rwc net.Conn, store *Store, token string) *conn {
	return &conn{
		logger:   logger,
		rwc:      rwc,
		reader:   bufio.NewReader(rwc),
		store:    store,
		token:    token,
		used:     defaultTube,
		watching: []string{defaultTube},
	}
}

func (c *conn) serve() error {
	defer c.rwc.Close()

	c.logger = c.logger.With("remote", c.rwc.RemoteAddr())

	c.logger.Debug("Accepted connection")

	for {
		line, err := readFullLine(c.reader)
		if err != nil {
			return fmt.Errorf("read line failed: %w", err)
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		done, err := c.process(fields)
		if err != nil || done {
			return err
		}
	}
}

func (c *conn) process(fields []string) (bool, error) {
	cmd := strings.ToLower(fields[0])

	if c.token != "" && !c.authed {
		if cmd != cmdAuth || len(fields) != 2 || fields[1] != c.token {
			_ = writeLine(c.rwc, resUnauthorized)

			return true, nil
		}

		c.authed = true

		return false, writeLine(c.rwc, resOK)
	}

	switch cmd {
	case cmdQuit:
		return true, nil

	case cmdAuth:
		// Already authenticated, or no token configured.
		return false, writeLine(c.rwc, resOK)

	case cmdPut:
		return false, c.put(fields)

	case cmdUse:
		if len(fields) != 2 {
			return false, fmt.Errorf("%w: unexpected field count", errBadFormat)
		}

		c.used = fields[1]

		return false, writeLine(c.rwc, resUsing, c.used)

	case cmdReserve, cmdReserveWithTimeout:
		return false, c.reserve(cmd, fields)

	case cmdDelete:
		if len(fields) != 2 {
			return false, fmt.Errorf("%w: unexpected field count", errBadFormat)
		}

		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return false, fmt.Errorf("%w: %w", errBadFormat, err)
		}

		if !c.store.Delete(id) {
			return false, writeLine(c.rwc, resNotFound)
		}

		return false, writeLine(c.rwc, resDeleted)

	case cmdRelease:
		return false, c.release(fields)

	case cmdWatch:
		if len(fields) != 2 {
			return false, fmt.Errorf("%w: unexpected field count", errBadFormat)
		}

		if !slices.Contains(c.watching, fields[1]) {
			c.watching = append(c.watching, fields[1])
		}

		return false, writeLine(c.rwc, resWatching, len(c.watching))

	case cmdIgnore:
		if len(fields) != 2 {
			return false, fmt.Errorf("%w: unexpected field count", errBadFormat)
		}

		if len(c.watching) == 1 && c.watching[0] == fields[1] {
			return false, writeLine(c.rwc, resNotIgnored)
		}

		var watching []string

		for _, t := range c.watching {
			if t == fields[1] {
				continue
			}

			watching = append(watching, t)
		}

		c.watching = watching

		return false, writeLine(c.rwc, resWatching, len(c.watching))

	case cmdPeekReady:
		j, ok := c.store.PeekReady(c.used)
		if !ok {
			return false, writeLine(c.rwc, resNotFound)
		}

		return false, writeLine(c.rwc, resFound, j.ID, len(j.Body), j.Body)

	case cmdPeekDelayed:
		j, ok := c.store.PeekDelayed(c.used)
		if !ok {
			return false, writeLine(c.rwc, resNotFound)
		}

		return false, writeLine(c.rwc, resFound, j.ID, len(j.Body), j.Body)

	default:
		return false, writeLine(c.rwc, resUnknownCommand)
	}
}

func (c *conn) put(fields []string) error {
	if len(fields) != 5 {
		return fmt.Errorf("%w: unexpected field count", errBadFormat)
	}

	pri, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	delay, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	ttr, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	size, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	body, err := readBlob(c.reader, int(size))
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	id := c.store.Put(
		c.used,
		uint32(pri),
		time.Duration(delay)*time.Second,
		time.Duration(ttr)*time.Second,
		body,
	)

	return writeLine(c.rwc, resInserted, id)
}

func (c *conn) reserve(cmd string, fields []string) error {
	var timeout time.Duration

	switch cmd {
	case cmdReserve:
		if len(fields) != 1 {
			return fmt.Errorf("%w: unexpected field count", errBadFormat)
		}

		// A plain reserve blocks until a job arrives; the store wakes
		// waiters on every sweep, so poll in long slices.
		timeout = time.Hour
	case cmdReserveWithTimeout:
		if len(fields) != 2 {
			return fmt.Errorf("%w: unexpected field count", errBadFormat)
		}

		secs, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %w", errBadFormat, err)
		}

		timeout = time.Duration(secs) * time.Second
	}

	for {
		j, ok := c.store.Reserve(c.watching, timeout)
		if ok {
			return writeLine(c.rwc, resReserved, j.ID, len(j.Body), j.Body)
		}

		if cmd == cmdReserveWithTimeout || c.store.isClosed() {
			return writeLine(c.rwc, resTimedOut)
		}
	}
}

func (c *conn) release(fields []string) error {
	if len(fields) != 4 {
		return fmt.Errorf("%w: unexpected field count", errBadFormat)
	}

	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	pri, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	delay, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadFormat, err)
	}

	if !c.store.Release(id, uint32(pri), time.Duration(delay)*time.Second) {
		return writeLine(c.rwc, resNotFound)
	}

	return writeLine(c.rwc, resReleased)
}
