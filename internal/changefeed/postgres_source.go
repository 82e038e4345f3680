package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// closeTimeout bounds UNLISTEN when a subscription is released.
const closeTimeout = 5 * time.Second

// NotifyChannel returns the LISTEN/NOTIFY channel the change triggers
// publish a domain's changes on.
func NotifyChannel(domain Domain) string {
	return "marketplace_" + string(domain) + "_changes"
}

// PostgresSource implements Source on top of PostgreSQL LISTEN/NOTIFY. Every
// subscription holds a dedicated pooled connection for its lifetime.
type PostgresSource struct {
	pool   *pgxpool.Pool
	mu     sync.Mutex
	closed bool
}

// NewPostgresSource creates a source backed by pool. The pool is owned by the
// caller and is not closed by Close.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Subscribe acquires a connection and issues LISTEN on the domain's channel.
func (s *PostgresSource) Subscribe(ctx context.Context, domain Domain) (Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSourceClosed
	}
	if !domain.Valid() {
		return nil, fmt.Errorf("unknown domain %q", domain)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	channel := NotifyChannel(domain)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", channel, err)
	}

	return &pgSubscription{conn: conn, channel: channel}, nil
}

// Close prevents new subscriptions. Open subscriptions are closed by their
// owners.
func (s *PostgresSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type pgSubscription struct {
	conn    *pgxpool.Conn
	channel string
	once    sync.Once
	err     error
}

func (p *pgSubscription) Next(ctx context.Context) (Change, error) {
	n, err := p.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return Change{}, fmt.Errorf("wait for notification on %s: %w", p.channel, err)
	}

	var c Change
	if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
		return Change{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedChange, p.channel, err)
	}
	return c, nil
}

func (p *pgSubscription) Close() error {
	p.once.Do(func() {
		// A wait interrupted by cancellation leaves the connection closed;
		// the pool discards it on release.
		if p.conn.Conn().IsClosed() {
			p.conn.Release()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		if _, err := p.conn.Exec(ctx, "UNLISTEN *"); err != nil {
			// The connection is in an unknown state; drop it instead of
			// handing it back to the pool still listening.
			log.Printf("changefeed: unlisten %s failed, discarding connection: %v", p.channel, err)
			if cerr := p.conn.Conn().Close(ctx); cerr != nil {
				p.err = cerr
			}
		}
		p.conn.Release()
	})
	return p.err
}
