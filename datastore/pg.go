package datastore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dioptra/analysis-engine/model"
)

// ledgerColumns are selected as text so NULLs and numerics scan uniformly.
var ledgerColumns = []string{
	"transaction_date",
	"country_code",
	"grant_code",
	"budget_line_code",
	"account_code",
	"site_code",
	"sector_code",
	"transaction_code",
	"transaction_description",
	"currency_code",
	"budget_line_description",
	"amount",
	"dummy_field_1",
	"dummy_field_2",
	"dummy_field_3",
	"dummy_field_4",
	"dummy_field_5",
}

// PG is a Source backed by a pgx connection pool.
type PG struct {
	pool *pgxpool.Pool
}

// OpenPG connects to the ledger at url.
func OpenPG(ctx context.Context, url string) (*PG, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open transaction store: %w", err)
	}
	return &PG{pool: pool}, nil
}

// NewPG wraps an existing pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (p *PG) Close() {
	p.pool.Close()
}

func (p *PG) Health(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransactionStoreUnhealthy, err)
	}
	return nil
}

// where renders the filter shared by Stream and Count.
func where(q Query) (string, []any) {
	grants := upperAll(q.Grants)
	if len(q.Countries) > 0 {
		return "upper(grant_code) = ANY($1) AND upper(country_code) = ANY($2) " +
				"AND transaction_date BETWEEN SYMMETRIC $3 AND $4",
			[]any{grants, upperAll(q.Countries), q.Start, q.End}
	}
	return "upper(grant_code) = ANY($1) AND transaction_date BETWEEN SYMMETRIC $2 AND $3",
		[]any{grants, q.Start, q.End}
}

func upperAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return out
}

func (p *PG) Count(ctx context.Context, q Query) (int, error) {
	cond, args := where(q)
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM transactions WHERE "+cond, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger transactions: %w", err)
	}
	return n, nil
}

// Stream scans rows on one goroutine and hands full batches to fn on the
// caller's goroutine, so fn may use a store that is not goroutine-safe.
func (p *PG) Stream(ctx context.Context, q Query, batchSize int, fn func([]Row) error) error {
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	cond, args := where(q)
	selects := make([]string, len(ledgerColumns))
	for i, c := range ledgerColumns {
		selects[i] = fmt.Sprintf("coalesce(%s::text, '')", pgx.Identifier{c}.Sanitize())
	}
	sql := "SELECT " + strings.Join(selects, ", ") + " FROM transactions WHERE " + cond

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan []Row, 1)

	g.Go(func() error {
		defer close(batches)
		rows, err := p.pool.Query(gctx, sql, args...)
		if err != nil {
			return fmt.Errorf("query ledger transactions: %w", err)
		}
		defer rows.Close()

		batch := make([]Row, 0, batchSize)
		cells := make([]string, len(ledgerColumns))
		dest := make([]any, len(cells))
		for i := range cells {
			dest[i] = &cells[i]
		}
		for rows.Next() {
			if err := rows.Scan(dest...); err != nil {
				return fmt.Errorf("scan ledger transaction: %w", err)
			}
			r, err := rowFromCells(cells)
			if err != nil {
				return err
			}
			batch = append(batch, r)
			if len(batch) == batchSize {
				select {
				case batches <- batch:
				case <-gctx.Done():
					return gctx.Err()
				}
				batch = make([]Row, 0, batchSize)
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read ledger transactions: %w", err)
		}
		if len(batch) > 0 {
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var consumeErr error
	for batch := range batches {
		if consumeErr != nil {
			continue
		}
		if err := fn(batch); err != nil {
			consumeErr = err
			cancel()
		}
	}
	if err := g.Wait(); err != nil && consumeErr == nil {
		return err
	}
	return consumeErr
}

func rowFromCells(cells []string) (Row, error) {
	date, err := model.ParseDate(truncateDate(cells[0]))
	if err != nil {
		return Row{}, fmt.Errorf("ledger transaction date %q: %w", cells[0], err)
	}
	amount, err := decimal.NewFromString(cells[11])
	if err != nil {
		return Row{}, fmt.Errorf("ledger transaction amount %q: %w", cells[11], err)
	}
	r := Row{
		TransactionDate:        date,
		CountryCode:            cells[1],
		GrantCode:              cells[2],
		BudgetLineCode:         cells[3],
		AccountCode:            cells[4],
		SiteCode:               cells[5],
		SectorCode:             cells[6],
		TransactionCode:        cells[7],
		TransactionDescription: cells[8],
		CurrencyCode:           cells[9],
		BudgetLineDescription:  cells[10],
		Amount:                 amount,
	}
	copy(r.DummyFields[:], cells[12:17])
	return r, nil
}

func truncateDate(s string) string {
	if len(s) > len(model.DateLayout) {
		return s[:len(model.DateLayout)]
	}
	return s
}
