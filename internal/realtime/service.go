// Package realtime wires change feed watchers, the websocket hub and the
// stats aggregator into a single service with an explicit lifecycle.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/metrics"
	"github.com/darkden-lab/marketplace-realtime/internal/stats"
	"github.com/darkden-lab/marketplace-realtime/internal/watcher"
	"github.com/darkden-lab/marketplace-realtime/internal/ws"
)

// Options configures a Service. Source and Counter are required.
type Options struct {
	Source  changefeed.Source
	Counter stats.Counter

	// Domains to watch. Defaults to every domain.
	Domains []changefeed.Domain

	Clock          clock.Clock
	ReconnectDelay time.Duration
	RetryDelay     time.Duration

	ClientSendBuffer int
	StatsTimeout     time.Duration
	AllowedOrigins   []string

	Metrics *metrics.Metrics
}

// Service owns one watcher per domain, the client hub and the stats
// aggregator.
type Service struct {
	hub        *ws.Hub
	aggregator *stats.Aggregator
	watchers   []*watcher.Watcher
	handler    *ws.Handler

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a Service. Nothing runs until Start.
func New(opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, errors.New("realtime: change feed source not provided")
	}
	if opts.Counter == nil {
		return nil, errors.New("realtime: stats counter not provided")
	}
	domains := opts.Domains
	if len(domains) == 0 {
		domains = changefeed.Domains
	}

	hub := ws.NewHub(opts.Metrics)
	s := &Service{
		hub:        hub,
		aggregator: stats.NewAggregator(opts.Counter, hub, opts.StatsTimeout, opts.Metrics),
	}

	seen := make(map[changefeed.Domain]bool, len(domains))
	for _, d := range domains {
		if seen[d] {
			return nil, fmt.Errorf("realtime: domain %s listed twice", d)
		}
		seen[d] = true

		w, err := watcher.New(watcher.Config{
			Domain:         d,
			Source:         opts.Source,
			Publisher:      hub,
			Clock:          opts.Clock,
			ReconnectDelay: opts.ReconnectDelay,
			RetryDelay:     opts.RetryDelay,
			Metrics:        opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("realtime: %w", err)
		}
		s.watchers = append(s.watchers, w)
	}

	s.handler = ws.NewHandler(hub, s, opts.AllowedOrigins, opts.ClientSendBuffer)
	return s, nil
}

// Start opens every domain's change feed. A Service starts at most once: if
// any watcher cannot open its first subscription, the ones already started
// are stopped, the service is left stopped and the error is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("realtime: service stopped")
	}
	if s.started {
		return errors.New("realtime: service already started")
	}

	for i, w := range s.watchers {
		if err := w.Start(ctx); err != nil {
			for _, started := range s.watchers[:i] {
				log.Printf("realtime: stopping %s watcher after failed start", started.Domain())
				started.Stop()
			}
			s.stopped = true
			s.hub.CloseAll()
			return fmt.Errorf("realtime: %w", err)
		}
	}
	s.started = true
	log.Printf("realtime: watching %d domains", len(s.watchers))
	return nil
}

// Stop stops every watcher, interrupting pending reconnect delays, and then
// closes every client. It is idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	var g errgroup.Group
	for _, w := range s.watchers {
		w := w
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	s.hub.CloseAll()
	log.Println("realtime: service stopped")
}

// CurrentStats returns fresh aggregate totals. It never fails as a whole;
// unavailable domains are flagged in the result.
func (s *Service) CurrentStats(ctx context.Context) stats.Aggregate {
	return s.aggregator.CurrentStats(ctx)
}

// WatcherStatus returns a snapshot of every watcher's handle.
func (s *Service) WatcherStatus() []watcher.Handle {
	out := make([]watcher.Handle, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w.Status())
	}
	return out
}

// Healthy reports whether every watcher currently holds a live subscription.
func (s *Service) Healthy() bool {
	for _, w := range s.watchers {
		if !w.Status().Active {
			return false
		}
	}
	return true
}

func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// WSHandler returns the websocket endpoint backed by this service.
func (s *Service) WSHandler() *ws.Handler {
	return s.handler
}
