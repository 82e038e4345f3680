package stats

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
	"github.com/darkden-lab/marketplace-realtime/internal/metrics"
)

// DefaultQueryTimeout bounds each per-domain count query.
const DefaultQueryTimeout = 5 * time.Second

// Breakdown is the result of counting one domain's collection.
type Breakdown struct {
	Total    int64
	ByStatus map[string]int64
}

// Counter reads current totals straight from the store.
type Counter interface {
	Count(ctx context.Context, domain changefeed.Domain) (Breakdown, error)
}

// ClientCounter reports how many clients are connected.
type ClientCounter interface {
	Size() int
}

// DomainStats is one domain's section of an Aggregate. When the domain's
// query failed, Available is false and Error describes the failure.
type DomainStats struct {
	Available bool             `json:"available"`
	Total     int64            `json:"total"`
	ByStatus  map[string]int64 `json:"byStatus,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Aggregate is a point-in-time snapshot of marketplace totals.
type Aggregate struct {
	Domains          map[changefeed.Domain]DomainStats `json:"domains"`
	ConnectedClients int                               `json:"connectedClients"`
	GeneratedAt      time.Time                         `json:"generatedAt"`
}

// Aggregator answers stats requests by querying the store directly, so it
// keeps working while change feed watchers are down.
type Aggregator struct {
	counter Counter
	clients ClientCounter
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAggregator creates an Aggregator. clients may be nil, in which case
// ConnectedClients is always zero.
func NewAggregator(counter Counter, clients ClientCounter, timeout time.Duration, m *metrics.Metrics) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Aggregator{
		counter: counter,
		clients: clients,
		timeout: timeout,
		metrics: m,
		now:     time.Now,
	}
}

// CurrentStats queries every domain concurrently. A failing domain is
// reported as unavailable; it never fails the whole call.
func (a *Aggregator) CurrentStats(ctx context.Context) Aggregate {
	var (
		mu      sync.Mutex
		results = make(map[changefeed.Domain]DomainStats, len(changefeed.Domains))
		g       errgroup.Group
	)

	for _, domain := range changefeed.Domains {
		domain := domain
		g.Go(func() error {
			ds := a.countDomain(ctx, domain)
			mu.Lock()
			results[domain] = ds
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-domain errors are reported in the result

	agg := Aggregate{
		Domains:     results,
		GeneratedAt: a.now().UTC(),
	}
	if a.clients != nil {
		agg.ConnectedClients = a.clients.Size()
	}
	return agg
}

func (a *Aggregator) countDomain(ctx context.Context, domain changefeed.Domain) (ds DomainStats) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("stats: %s count panicked: %v", domain, r)
			a.metrics.StatsQueryFailed(string(domain))
			ds = DomainStats{Error: fmt.Sprintf("count %s: internal error", domain)}
		}
	}()

	qctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	b, err := a.counter.Count(qctx, domain)
	if err != nil {
		log.Printf("stats: %s count failed: %v", domain, err)
		a.metrics.StatsQueryFailed(string(domain))
		return DomainStats{Error: err.Error()}
	}
	return DomainStats{
		Available: true,
		Total:     b.Total,
		ByStatus:  b.ByStatus,
	}
}

type unavailableCounter struct{ err error }

func (u unavailableCounter) Count(context.Context, changefeed.Domain) (Breakdown, error) {
	return Breakdown{}, u.err
}

// UnavailableCounter returns a Counter that fails every query with err. It
// stands in when no store is connected, so every domain reports unavailable.
func UnavailableCounter(err error) Counter {
	return unavailableCounter{err: err}
}
