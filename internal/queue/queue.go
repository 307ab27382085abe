// Package queue implements the client-side worker engine: per-queue job
// publishing, concurrent reservation loops with failure backoff, handler
// execution under a deadline, and delete/release acknowledgement against a
// beanstalkd-style broker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

// Handler processes one decoded job payload. Handlers must be cooperative:
// a handler exceeding the deadline is abandoned, not preempted.
type Handler func(ctx context.Context, payload any) error

// Timings is the injected timing policy. Production values come from
// DefaultTimings; tests supply near-zero values explicitly.
type Timings struct {
	// ReserveTimeout bounds each long-poll reserve, staying under broker
	// idle limits.
	ReserveTimeout time.Duration
	// Backoff is the pause after a reservation or job failure.
	Backoff time.Duration
	// ReleaseDelay is how long a failed job stays delayed before it is
	// reservable again.
	ReleaseDelay time.Duration
	// Deadline bounds each handler invocation; also sizes the TTR of
	// published jobs.
	Deadline time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		ReserveTimeout: 30 * time.Second,
		Backoff:        30 * time.Second,
		ReleaseDelay:   60 * time.Second,
		Deadline:       10 * time.Minute,
	}
}

// Options configures one Queue.
type Options struct {
	// Addr is the broker host:port.
	Addr string
	// Auth is an optional credential sent as the first command on every
	// new connection.
	Auth string
	// Tube is the fully namespaced tube name this queue maps to.
	Tube string
	// WebhookURL is carried for callers; the engine itself never uses it.
	WebhookURL string
	// Width is the number of concurrent reservation loops. Defaults to 1.
	Width int
	// Timings defaults to DefaultTimings when left zero.
	Timings Timings
}

// Queue owns one publish session and Width reservation sessions against a
// single tube. All sessions are created lazily and reconnect lazily after
// failure.
type Queue struct {
	logger *slog.Logger
	name   string
	opts   Options

	mu         sync.Mutex
	handlers   []Handler
	width      int
	processing bool
	quit       chan struct{}
	publish    *Session
	reservers  []*Session
	started    []bool
	wg         sync.WaitGroup
}

func New(logger *slog.Logger, name string, opts Options) *Queue {
	if opts.Width < 1 {
		opts.Width = 1
	}

	if opts.Timings == (Timings{}) {
		opts.Timings = DefaultTimings()
	}

	return &Queue{
		logger: logger.With("queue", name),
		name:   name,
		opts:   opts,
		width:  opts.Width,
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) WebhookURL() string {
	return q.opts.WebhookURL
}

// Push serializes job as JSON and enqueues it with priority 0 and no delay.
// The TTR is sized just past the processing deadline so the broker cannot
// reap a job before the local deadline fires. The broker-assigned id is
// deliberately discarded.
func (q *Queue) Push(job any) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.publishSession().Put(body, 0, 0, ttrFor(q.opts.Timings.Deadline))

	return err
}

// ttrFor rounds the deadline up to whole seconds and adds one of slack.
func ttrFor(deadline time.Duration) time.Duration {
	secs := int64(deadline / time.Second)
	if deadline%time.Second != 0 {
		secs++
	}

	return time.Duration(secs+1) * time.Second
}

// Each registers a handler. Every registered handler runs per job, in
// registration order. Registering the first handler while the pool is
// already processing starts the loops that were parked waiting for one.
func (q *Queue) Each(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers = append(q.handlers, h)
	q.spawnLocked()
}

// SetWidth changes the number of reservation loops. Growing the width while
// processing starts the extra loops immediately; shrinking takes effect on
// the next Start.
func (q *Queue) SetWidth(width int) {
	if width < 1 {
		width = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.width = width
	q.spawnLocked()
}

// Start activates continuous processing. Idempotent; does nothing beyond
// setting the flag until at least one handler is registered.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.processing {
		return
	}

	q.processing = true
	q.quit = make(chan struct{})
	q.spawnLocked()
}

func (q *Queue) spawnLocked() {
	if !q.processing || len(q.handlers) == 0 {
		return
	}

	for i := 0; i < q.width; i++ {
		for len(q.started) <= i {
			q.started = append(q.started, false)
		}

		if q.started[i] {
			continue
		}

		q.started[i] = true
		sess := q.reserverLocked(i)

		q.wg.Add(1)

		go q.loop(i, sess, q.quit)
	}
}

// Stop deactivates processing and forcibly ends every reservation session,
// unblocking loops parked in a long-poll reserve. It returns once all loops
// have exited.
func (q *Queue) Stop() {
	q.mu.Lock()

	if !q.processing {
		q.mu.Unlock()

		return
	}

	q.processing = false
	close(q.quit)
	sessions := slices.Clone(q.reservers)
	q.mu.Unlock()

	for _, s := range sessions {
		if s != nil {
			s.Close()
		}
	}

	q.wg.Wait()

	q.mu.Lock()
	for i := range q.started {
		q.started[i] = false
	}
	q.mu.Unlock()
}

func (q *Queue) isProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.processing
}

func (q *Queue) loop(slot int, sess *Session, quit chan struct{}) {
	defer q.wg.Done()

	logger := q.logger.With("slot", slot)
	logger.Debug("Reservation loop started")

	for q.isProcessing() {
		id, body, err := sess.Reserve(q.opts.Timings.ReserveTimeout)

		switch {
		case errors.Is(err, ErrTimedOut):
			// Nothing to do, or the transport dropped mid-reserve; the
			// next reserve reconnects if needed. Not an error.
			continue
		case err != nil:
			logger.Error("Reserve failed", "err", err)
			q.pause(quit)

			continue
		}

		if err := q.runJob(sess, id, body); err != nil {
			q.pause(quit)
		}
	}

	logger.Debug("Reservation loop stopped")
}

func (q *Queue) pause(quit chan struct{}) {
	if q.opts.Timings.Backoff <= 0 {
		return
	}

	select {
	case <-time.After(q.opts.Timings.Backoff):
	case <-quit:
	}
}

// runJob executes every registered handler against the decoded payload and
// acknowledges the outcome: delete on success, release-with-delay on
// failure. The first handler failure aborts the rest for that job.
func (q *Queue) runJob(sess *Session, id uint64, body []byte) error {
	payload := decodePayload(body)

	if err := q.runHandlers(payload); err != nil {
		q.logger.Error("Job failed, releasing", "id", id, "err", err)

		if rerr := sess.Release(id, 0, q.opts.Timings.ReleaseDelay); rerr != nil {
			q.logger.Warn("Failed to release job", "id", id, "err", rerr)
		}

		return err
	}

	if derr := sess.Delete(id); derr != nil {
		// The broker may have reaped the job already; it is gone either
		// way, so this never counts as a processing failure.
		q.logger.Info("Failed to delete finished job", "id", id, "err", derr)
	}

	return nil
}

func (q *Queue) runHandlers(payload any) error {
	q.mu.Lock()
	handlers := slices.Clone(q.handlers)
	deadline := q.opts.Timings.Deadline
	q.mu.Unlock()

	for _, h := range handlers {
		if err := runWithDeadline(h, payload, deadline); err != nil {
			return err
		}
	}

	return nil
}

func runWithDeadline(h Handler, payload any, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- h(ctx, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodePayload parses the body as JSON, falling back to the raw text for
// non-JSON producers.
func decodePayload(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}

	return v
}

// Once drains the tube one job at a time with zero-timeout reserves until
// the idle condition, reporting whether any job was processed. Disallowed
// while continuously processing; any non-idle failure is surfaced.
func (q *Queue) Once() (bool, error) {
	if q.isProcessing() {
		return false, ErrProcessing
	}

	sess := q.reserver(0)
	processed := false

	for {
		id, body, err := sess.Reserve(0)
		if errors.Is(err, ErrTimedOut) {
			return processed, nil
		}

		if err != nil {
			return processed, err
		}

		if err := q.runJob(sess, id, body); err != nil {
			return processed, err
		}

		processed = true
	}
}

// Reset deterministically empties the tube by peeking and destroying every
// ready job, then every delayed job. Peeking works regardless of watch
// state, so the publish session is used.
func (q *Queue) Reset() error {
	sess := q.publishSession()

	peeks := []func() (uint64, []byte, error){sess.PeekReady, sess.PeekDelayed}

	for _, peek := range peeks {
		for {
			id, _, err := peek()
			if errors.Is(err, ErrNotFound) {
				break
			}

			if err != nil {
				return err
			}

			if err := sess.Delete(id); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
	}

	return nil
}

func (q *Queue) publishSession() *Session {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.publish == nil {
		tube := q.opts.Tube

		q.publish = newSession(q.logger, q.name+"/pub", q.opts.Addr, q.opts.Auth, func(h *beanstalk.Conn) error {
			h.Tube = beanstalk.Tube{Conn: h, Name: tube}

			return nil
		})
	}

	return q.publish
}

func (q *Queue) reserver(slot int) *Session {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.reserverLocked(slot)
}

func (q *Queue) reserverLocked(slot int) *Session {
	for len(q.reservers) <= slot {
		q.reservers = append(q.reservers, nil)
	}

	if q.reservers[slot] == nil {
		tube := q.opts.Tube
		id := fmt.Sprintf("%s/res%d", q.name, slot)

		q.reservers[slot] = newSession(q.logger, id, q.opts.Addr, q.opts.Auth, func(h *beanstalk.Conn) error {
			h.TubeSet = *beanstalk.NewTubeSet(h, tube)

			return nil
		})
	}

	return q.reservers[slot]
}
