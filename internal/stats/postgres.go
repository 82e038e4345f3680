package stats

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/darkden-lab/marketplace-realtime/internal/changefeed"
)

// Querier is the subset of *pgxpool.Pool used by PostgresCounter.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// collection maps a domain to its table and the column its breakdown is
// grouped by.
type collection struct {
	table  string
	status string
}

var collections = map[changefeed.Domain]collection{
	changefeed.DomainAccount:     {table: "accounts", status: "role"},
	changefeed.DomainListing:     {table: "listings", status: "status"},
	changefeed.DomainApplication: {table: "applications", status: "status"},
}

// PostgresCounter counts rows per status value with a single GROUP BY query
// per domain.
type PostgresCounter struct {
	db Querier
}

func NewPostgresCounter(db Querier) *PostgresCounter {
	return &PostgresCounter{db: db}
}

// countQuery builds the breakdown query for domain.
func countQuery(domain changefeed.Domain) (string, error) {
	c, ok := collections[domain]
	if !ok {
		return "", fmt.Errorf("unknown domain %q", domain)
	}
	col := pgx.Identifier{c.status}.Sanitize()
	return fmt.Sprintf(
		`SELECT COALESCE(%s::text, 'unknown') AS status, count(*) FROM %s GROUP BY 1 ORDER BY 1`,
		col, pgx.Identifier{c.table}.Sanitize(),
	), nil
}

func (p *PostgresCounter) Count(ctx context.Context, domain changefeed.Domain) (Breakdown, error) {
	query, err := countQuery(domain)
	if err != nil {
		return Breakdown{}, err
	}

	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return Breakdown{}, fmt.Errorf("failed to count %s: %w", domain, err)
	}
	defer rows.Close()

	b := Breakdown{ByStatus: make(map[string]int64)}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Breakdown{}, fmt.Errorf("failed to scan %s count: %w", domain, err)
		}
		b.ByStatus[status] = n
		b.Total += n
	}
	if err := rows.Err(); err != nil {
		return Breakdown{}, fmt.Errorf("failed to count %s: %w", domain, err)
	}
	return b, nil
}
