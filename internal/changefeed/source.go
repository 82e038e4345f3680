package changefeed

import (
	"context"
	"errors"
)

var (
	// ErrSourceClosed is returned by Subscribe and Next once the source or
	// subscription has been closed.
	ErrSourceClosed = errors.New("changefeed: source closed")

	// ErrMalformedChange marks a single notification that could not be
	// decoded. The subscription itself is still healthy.
	ErrMalformedChange = errors.New("changefeed: malformed change")
)

// Subscription is one live feed for a single domain. Next and Close are
// called from the owning watcher goroutine only.
type Subscription interface {
	// Next blocks until the next change is available, the context is
	// cancelled or the feed fails. Errors wrapping ErrMalformedChange are
	// per-notification and may be skipped; any other error means the
	// subscription is broken and must be replaced.
	Next(ctx context.Context) (Change, error)

	// Close releases the subscription. It is safe to call more than once.
	Close() error
}

// Source opens change feed subscriptions. Implementations include
// PostgresSource (LISTEN/NOTIFY), KafkaSource (CDC topics) and MemorySource
// (development and tests).
type Source interface {
	// Subscribe opens a new subscription to the domain's feed. Each call
	// returns an independent subscription; re-subscribing after a failure
	// resumes the feed from the current position.
	Subscribe(ctx context.Context, domain Domain) (Subscription, error)

	// Close releases resources shared by all subscriptions.
	Close() error
}
