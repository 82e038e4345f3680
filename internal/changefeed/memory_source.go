package changefeed

import (
	"context"
	"sync"
)

// memoryBufferSize is the number of undelivered changes a single in-memory
// subscription holds before Emit blocks.
const memoryBufferSize = 1024

// MemorySource is a single-process Source for development and tests. Changes
// are injected with Emit and feed failures with Fail.
type MemorySource struct {
	mu            sync.Mutex
	closed        bool
	subs          map[Domain]map[*memorySubscription]struct{}
	opened        map[Domain]int
	maxOpen       map[Domain]int
	subscribeErrs map[Domain][]error
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		subs:          make(map[Domain]map[*memorySubscription]struct{}),
		opened:        make(map[Domain]int),
		maxOpen:       make(map[Domain]int),
		subscribeErrs: make(map[Domain][]error),
	}
}

// Subscribe opens a new in-memory subscription for domain.
func (m *MemorySource) Subscribe(ctx context.Context, domain Domain) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrSourceClosed
	}
	if errs := m.subscribeErrs[domain]; len(errs) > 0 {
		m.subscribeErrs[domain] = errs[1:]
		return nil, errs[0]
	}

	sub := &memorySubscription{
		source:  m,
		domain:  domain,
		changes: make(chan Change, memoryBufferSize),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	if m.subs[domain] == nil {
		m.subs[domain] = make(map[*memorySubscription]struct{})
	}
	m.subs[domain][sub] = struct{}{}
	m.opened[domain]++
	if n := len(m.subs[domain]); n > m.maxOpen[domain] {
		m.maxOpen[domain] = n
	}
	return sub, nil
}

// Emit delivers c to every open subscription of domain and returns how many
// subscriptions it reached.
func (m *MemorySource) Emit(domain Domain, c Change) int {
	targets := m.snapshot(domain)
	delivered := 0
	for _, sub := range targets {
		select {
		case sub.changes <- c:
			delivered++
		case <-sub.done:
		}
	}
	return delivered
}

// Fail breaks every open subscription of domain: their next Next call
// returns err.
func (m *MemorySource) Fail(domain Domain, err error) int {
	targets := m.snapshot(domain)
	for _, sub := range targets {
		select {
		case sub.errs <- err:
		default:
		}
	}
	return len(targets)
}

// FailNextSubscribe makes the next len(errs) Subscribe calls for domain fail
// with the given errors, in order.
func (m *MemorySource) FailNextSubscribe(domain Domain, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErrs[domain] = append(m.subscribeErrs[domain], errs...)
}

// Open returns the number of currently open subscriptions for domain.
func (m *MemorySource) Open(domain Domain) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[domain])
}

// Opened returns the number of successful Subscribe calls for domain.
func (m *MemorySource) Opened(domain Domain) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[domain]
}

// MaxOpen returns the highest number of simultaneously open subscriptions
// ever observed for domain.
func (m *MemorySource) MaxOpen(domain Domain) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOpen[domain]
}

// Close closes every open subscription and rejects new ones.
func (m *MemorySource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySubscription
	for _, subs := range m.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		sub.Close() //nolint:errcheck
	}
	return nil
}

func (m *MemorySource) snapshot(domain Domain) []*memorySubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*memorySubscription, 0, len(m.subs[domain]))
	for sub := range m.subs[domain] {
		out = append(out, sub)
	}
	return out
}

func (m *MemorySource) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[sub.domain], sub)
}

type memorySubscription struct {
	source  *MemorySource
	domain  Domain
	changes chan Change
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (Change, error) {
	select {
	case <-ctx.Done():
		return Change{}, ctx.Err()
	case <-s.done:
		return Change{}, ErrSourceClosed
	case err := <-s.errs:
		return Change{}, err
	case c := <-s.changes:
		return c, nil
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.source.remove(s)
	})
	return nil
}
