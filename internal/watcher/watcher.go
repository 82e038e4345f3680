package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/metrics"
)

const (
	// DefaultReconnectDelay is the wait before the first reconnect attempt
	// after a feed error.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultRetryDelay is the wait after a reconnect attempt itself failed.
	DefaultRetryDelay = 10 * time.Second
)

// State is the lifecycle state of a watcher.
type State string

const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateErrored State = "errored"
	StateStopped State = "stopped"
)

// Handle is a point-in-time view of a watcher for diagnostics.
type Handle struct {
	Domain         changefeed.Domain `json:"domain"`
	State          State             `json:"state"`
	Active         bool              `json:"active"`
	LastError      string            `json:"lastError,omitempty"`
	RetryCount     int               `json:"retryCount"` // reconnect attempts made
	EventsObserved uint64            `json:"eventsObserved"`
	LastEventAt    *time.Time        `json:"lastEventAt,omitempty"`
}

// Publisher receives every event a watcher observes.
type Publisher interface {
	Publish(event changefeed.Event)
}

// Config holds the dependencies of a Watcher.
type Config struct {
	Domain    changefeed.Domain
	Source    changefeed.Source
	Publisher Publisher

	// Clock drives reconnect delays and event timestamps. Defaults to the
	// wall clock.
	Clock clock.Clock

	ReconnectDelay time.Duration
	RetryDelay     time.Duration

	Metrics *metrics.Metrics
}

// Validate checks the config and fills in defaults.
func (c *Config) Validate() error {
	if !c.Domain.Valid() {
		return fmt.Errorf("unknown domain %q", c.Domain)
	}
	if c.Source == nil {
		return errors.New("change feed source not provided")
	}
	if c.Publisher == nil {
		return errors.New("publisher not provided")
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return nil
}

// Watcher keeps one live subscription to a single domain's change feed and
// forwards every change to its Publisher. A single goroutine owns the
// subscription, so at most one reconnect is ever in flight per domain.
type Watcher struct {
	cfg Config

	mu      sync.RWMutex
	handle  Handle
	lastAt  time.Time
	started bool
	cancel  context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Watcher. It does nothing until Start is called.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	return &Watcher{
		cfg:    cfg,
		handle: Handle{Domain: cfg.Domain, State: StateIdle},
		done:   make(chan struct{}),
	}, nil
}

// Domain returns the domain this watcher follows.
func (w *Watcher) Domain() changefeed.Domain {
	return w.cfg.Domain
}

// Start opens the first subscription and returns once it is established;
// changes are then consumed in the background until Stop. Failing to open
// the first subscription is returned to the caller.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("watcher: %s already started", w.cfg.Domain)
	}
	w.started = true
	w.mu.Unlock()

	sub, err := w.cfg.Source.Subscribe(ctx, w.cfg.Domain)
	if err != nil {
		w.setErrored(err)
		return fmt.Errorf("watcher: open %s feed: %w", w.cfg.Domain, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if w.handle.State == StateStopped {
		// Stop raced with the initial subscribe.
		w.mu.Unlock()
		cancel()
		sub.Close() //nolint:errcheck
		return fmt.Errorf("watcher: %s stopped during start", w.cfg.Domain)
	}
	w.cancel = cancel
	w.mu.Unlock()

	w.setActive()
	log.Printf("watcher: watching %s changes", w.cfg.Domain)

	go w.run(runCtx, sub)
	return nil
}

// Stop cancels the subscription, interrupts any pending reconnect delay and
// waits for the watcher goroutine to exit. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		cancel := w.cancel
		w.handle.State = StateStopped
		w.handle.Active = false
		w.mu.Unlock()

		w.cfg.Metrics.SetWatcherActive(string(w.cfg.Domain), false)
		if cancel == nil {
			return
		}
		cancel()
		<-w.done
		log.Printf("watcher: stopped watching %s changes", w.cfg.Domain)
	})
}

// Status returns a copy of the watcher's handle.
func (w *Watcher) Status() Handle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h := w.handle
	if h.LastEventAt != nil {
		t := *h.LastEventAt
		h.LastEventAt = &t
	}
	return h
}

func (w *Watcher) run(ctx context.Context, sub changefeed.Subscription) {
	defer close(w.done)

	for {
		err := w.consume(ctx, sub)
		if cerr := sub.Close(); cerr != nil {
			log.Printf("watcher: closing %s subscription: %v", w.cfg.Domain, cerr)
		}
		if ctx.Err() != nil {
			return
		}

		w.setErrored(err)
		log.Printf("watcher: %s feed error, reconnecting in %v: %v", w.cfg.Domain, w.cfg.ReconnectDelay, err)

		sub = w.reconnect(ctx)
		if sub == nil {
			return
		}
		w.setActive()
		log.Printf("watcher: %s feed reconnected", w.cfg.Domain)
	}
}

// consume forwards changes until the subscription fails or ctx is done.
func (w *Watcher) consume(ctx context.Context, sub changefeed.Subscription) error {
	for {
		change, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, changefeed.ErrMalformedChange) && ctx.Err() == nil {
				log.Printf("watcher: skipping %s change: %v", w.cfg.Domain, err)
				continue
			}
			return err
		}
		w.observe(change)
	}
}

// reconnect waits and re-subscribes until it succeeds or ctx is cancelled,
// in which case it returns nil. The first attempt waits ReconnectDelay,
// every attempt after a failed one waits RetryDelay.
func (w *Watcher) reconnect(ctx context.Context) changefeed.Subscription {
	delay := w.cfg.ReconnectDelay
	for {
		if !w.wait(ctx, delay) {
			return nil
		}

		w.mu.Lock()
		w.handle.RetryCount++
		w.mu.Unlock()
		w.cfg.Metrics.WatcherReconnect(string(w.cfg.Domain))

		sub, err := w.cfg.Source.Subscribe(ctx, w.cfg.Domain)
		if err == nil {
			return sub
		}
		if ctx.Err() != nil {
			return nil
		}

		w.setErrored(err)
		delay = w.cfg.RetryDelay
		log.Printf("watcher: %s reconnect failed, retrying in %v: %v", w.cfg.Domain, delay, err)
	}
}

func (w *Watcher) wait(ctx context.Context, d time.Duration) bool {
	timer := w.cfg.Clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func (w *Watcher) observe(change changefeed.Change) {
	change.DocumentID = strings.TrimSpace(change.DocumentID)
	if !changefeed.SnapshotBelongsTo(change.Document, change.DocumentID) {
		log.Printf("watcher: %s change for %s carries another document's snapshot, dropping snapshot", w.cfg.Domain, change.DocumentID)
		change.Document = nil
	}

	// occurredAt never goes backwards within a domain, even if the clock does.
	w.mu.Lock()
	at := w.cfg.Clock.Now().UTC()
	if at.Before(w.lastAt) {
		at = w.lastAt
	}
	w.lastAt = at
	w.mu.Unlock()

	event, err := changefeed.NewEvent(w.cfg.Domain, change, at)
	if err != nil {
		log.Printf("watcher: skipping %s change: %v", w.cfg.Domain, err)
		return
	}

	w.publish(event)

	w.mu.Lock()
	w.handle.EventsObserved++
	w.handle.LastEventAt = &at
	w.mu.Unlock()
}

// publish shields the watcher goroutine from a misbehaving publisher.
func (w *Watcher) publish(event changefeed.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("watcher: %s publisher panicked: %v", w.cfg.Domain, r)
		}
	}()
	w.cfg.Publisher.Publish(event)
}

func (w *Watcher) setActive() {
	w.mu.Lock()
	stopped := w.handle.State == StateStopped
	if !stopped {
		w.handle.State = StateActive
		w.handle.Active = true
	}
	w.mu.Unlock()
	if !stopped {
		w.cfg.Metrics.SetWatcherActive(string(w.cfg.Domain), true)
	}
}

func (w *Watcher) setErrored(err error) {
	w.mu.Lock()
	if w.handle.State != StateStopped {
		w.handle.State = StateErrored
	}
	w.handle.Active = false
	if err != nil {
		w.handle.LastError = err.Error()
	}
	w.mu.Unlock()
	w.cfg.Metrics.SetWatcherActive(string(w.cfg.Domain), false)
}
