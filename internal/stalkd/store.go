package stalkd

import (
	"log/slog"
	"sync"
	"time"
)

type jobState int

const (
	stateReady jobState = iota
	stateDelayed
	stateReserved
)

// Job is the pair handed back to a reserving or peeking client.
type Job struct {
	ID   uint64
	Body []byte
}

type storedJob struct {
	id    uint64
	seq   uint64
	tube  *tube
	state jobState
	pri   uint32
	ttr   time.Duration
	wake  time.Time
	body  []byte
}

type tube struct {
	name     string
	ready    []*storedJob
	delayed  []*storedJob
	reserved []*storedJob
}

// Store holds every tube and job for one broker instance. Ready jobs are
// handed out lowest priority value first, FIFO within a priority. Delayed
// jobs and reserved jobs whose TTR has elapsed are promoted back to ready by
// a background sweep, which also wakes blocked reservations.
type Store struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tubes   map[string]*tube
	jobs    map[uint64]*storedJob
	lastID  uint64
	lastSeq uint64
	closed  bool
}

const sweepInterval = 10 * time.Millisecond

func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		logger: logger,
		tubes:  make(map[string]*tube),
		jobs:   make(map[uint64]*storedJob),
	}

	s.cond = sync.NewCond(&s.mu)

	go s.sweep()

	return s
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Store) sweep() {
	for {
		s.mu.Lock()

		if s.closed {
			s.mu.Unlock()

			return
		}

		s.promoteLocked(time.Now())
		s.cond.Broadcast()
		s.mu.Unlock()

		time.Sleep(sweepInterval)
	}
}

func (s *Store) promoteLocked(now time.Time) {
	for _, t := range s.tubes {
		var delayed []*storedJob

		for _, j := range t.delayed {
			if j.wake.After(now) {
				delayed = append(delayed, j)

				continue
			}

			j.state = stateReady
			t.ready = append(t.ready, j)
		}

		t.delayed = delayed

		var reserved []*storedJob

		for _, j := range t.reserved {
			if j.wake.After(now) {
				reserved = append(reserved, j)

				continue
			}

			j.state = stateReady
			t.ready = append(t.ready, j)
		}

		t.reserved = reserved
	}
}

func (s *Store) resolveLocked(name string) *tube {
	t, ok := s.tubes[name]
	if !ok {
		t = &tube{name: name}
		s.tubes[name] = t
	}

	return t
}

func (s *Store) Put(tubeName string, pri uint32, delay, ttr time.Duration, body []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	s.lastSeq++

	t := s.resolveLocked(tubeName)

	j := &storedJob{
		id:   s.lastID,
		seq:  s.lastSeq,
		tube: t,
		pri:  pri,
		ttr:  ttr,
		body: body,
	}

	s.jobs[j.id] = j

	if delay > 0 {
		j.state = stateDelayed
		j.wake = time.Now().Add(delay)
		t.delayed = append(t.delayed, j)
	} else {
		j.state = stateReady
		t.ready = append(t.ready, j)
		s.cond.Broadcast()
	}

	s.logger.Debug("Stored job", "tube", tubeName, "id", j.id, "pri", pri, "delay", delay, "bytes", len(body))

	return j.id
}

// Reserve claims the best ready job across the watched tubes, blocking up to
// timeout for one to appear. A timeout <= 0 means a single non-blocking
// attempt.
func (s *Store) Reserve(tubes []string, timeout time.Duration) (Job, bool) {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if j := s.tryReserveLocked(tubes); j != nil {
			return Job{ID: j.id, Body: j.body}, true
		}

		if s.closed || timeout <= 0 || !time.Now().Before(deadline) {
			return Job{}, false
		}

		s.cond.Wait()
	}
}

func (s *Store) tryReserveLocked(tubes []string) *storedJob {
	var best *storedJob

	for _, name := range tubes {
		t, ok := s.tubes[name]
		if !ok {
			continue
		}

		for _, j := range t.ready {
			if best == nil || j.pri < best.pri || (j.pri == best.pri && j.seq < best.seq) {
				best = j
			}
		}
	}

	if best == nil {
		return nil
	}

	t := best.tube
	t.ready = removeJob(t.ready, best)

	best.state = stateReserved
	best.wake = time.Now().Add(best.ttr)
	t.reserved = append(t.reserved, best)

	return best
}

func (s *Store) Delete(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false
	}

	t := j.tube

	switch j.state {
	case stateReady:
		t.ready = removeJob(t.ready, j)
	case stateDelayed:
		t.delayed = removeJob(t.delayed, j)
	case stateReserved:
		t.reserved = removeJob(t.reserved, j)
	}

	delete(s.jobs, id)

	return true
}

// Release returns a reserved job to its tube, optionally after a delay.
// Releasing a job that is not currently reserved reports false.
func (s *Store) Release(id uint64, pri uint32, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.state != stateReserved {
		return false
	}

	t := j.tube
	t.reserved = removeJob(t.reserved, j)

	j.pri = pri

	if delay > 0 {
		j.state = stateDelayed
		j.wake = time.Now().Add(delay)
		t.delayed = append(t.delayed, j)
	} else {
		j.state = stateReady
		t.ready = append(t.ready, j)
		s.cond.Broadcast()
	}

	return true
}

func (s *Store) PeekReady(tubeName string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tubes[tubeName]
	if !ok {
		return Job{}, false
	}

	var best *storedJob

	for _, j := range t.ready {
		if best == nil || j.pri < best.pri || (j.pri == best.pri && j.seq < best.seq) {
			best = j
		}
	}

	if best == nil {
		return Job{}, false
	}

	return Job{ID: best.id, Body: best.body}, true
}

func (s *Store) PeekDelayed(tubeName string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tubes[tubeName]
	if !ok {
		return Job{}, false
	}

	var best *storedJob

	for _, j := range t.delayed {
		if best == nil || j.wake.Before(best.wake) {
			best = j
		}
	}

	if best == nil {
		return Job{}, false
	}

	return Job{ID: best.id, Body: best.body}, true
}

func removeJob(jobs []*storedJob, target *storedJob) []*storedJob {
	for i, j := range jobs {
		if j != target {
			continue
		}

		jobs[i] = jobs[len(jobs)-1]
		jobs[len(jobs)-1] = nil

		return jobs[:len(jobs)-1]
	}

	return jobs
}
