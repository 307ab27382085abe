package queue

import "sync"

// Registry creates and caches Queues by name and fans control operations out
// across all of them. Failures stay scoped to their queue; fan-out continues
// past them and the first error is reported.
type Registry struct {
	factory func(name string) *Queue

	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry(factory func(name string) *Queue) *Registry {
	return &Registry{
		factory: factory,
		queues:  make(map[string]*Queue),
	}
}

// Get returns the queue for name, creating it on first use. Repeated calls
// return the same instance.
func (r *Registry) Get(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		q = r.factory(name)
		r.queues[name] = q
	}

	return q
}

func (r *Registry) all() []*Queue {
	r.mu.Lock()
	defer r.mu.Unlock()

	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}

	return queues
}

func (r *Registry) StartAll() {
	for _, q := range r.all() {
		q.Start()
	}
}

func (r *Registry) StopAll() {
	for _, q := range r.all() {
		q.Stop()
	}
}

func (r *Registry) ResetAll() error {
	var first error

	for _, q := range r.all() {
		if err := q.Reset(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
