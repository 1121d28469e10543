/*
Package datastore reads transactions from the external ledger database.

PURPOSE:
  The ledger is a separate, read-only relational store holding one
  `transactions` table. Data-store mode of LoadData streams the rows matching
  an analysis (grants, date range, optionally countries) in fixed-size
  batches and feeds them to the same filter as uploaded files.

KEY CONCEPTS:
  Query:  the filter; grants and countries compare upper-cased, dates are
          BETWEEN SYMMETRIC so a reversed range still matches
  Row:    one ledger row; Cells() renders it in the upload column order
  Source: Stream / Count / Health, implemented by PG and Memory

SEE ALSO:
  - pg.go: pgxpool implementation
  - memory.go: slice-backed implementation for tests and demos
  - ingest/transactions.go: consumer
*/
package datastore

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// BatchSize is the number of rows handed to a Stream callback at once.
const BatchSize = 500

// Query selects ledger rows for one analysis.
type Query struct {
	Grants    []string
	Countries []string
	Start     time.Time
	End       time.Time
}

// QueryFor builds the query for a, without a country restriction.
func QueryFor(a *model.Analysis) Query {
	return Query{Grants: a.GrantsList(), Start: a.StartDate, End: a.EndDate}
}

// Matches applies the query to a row the same way the SQL does.
func (q Query) Matches(r Row) bool {
	if !containsFold(q.Grants, r.GrantCode) {
		return false
	}
	if len(q.Countries) > 0 && !containsFold(q.Countries, r.CountryCode) {
		return false
	}
	lo, hi := q.Start, q.End
	if hi.Before(lo) {
		lo, hi = hi, lo
	}
	return !r.TransactionDate.Before(lo) && !r.TransactionDate.After(hi)
}

func containsFold(values []string, v string) bool {
	v = strings.ToUpper(v)
	for _, want := range values {
		if strings.ToUpper(want) == v {
			return true
		}
	}
	return false
}

// Row is one ledger transaction.
type Row struct {
	TransactionDate        time.Time
	CountryCode            string
	GrantCode              string
	BudgetLineCode         string
	AccountCode            string
	SiteCode               string
	SectorCode             string
	TransactionCode        string
	TransactionDescription string
	CurrencyCode           string
	BudgetLineDescription  string
	Amount                 decimal.Decimal
	DummyFields            [5]string
}

// Cells renders the row in the fixed 17-column upload order.
func (r Row) Cells() []string {
	return []string{
		r.TransactionDate.Format(model.DateLayout),
		r.CountryCode,
		r.GrantCode,
		r.BudgetLineCode,
		r.AccountCode,
		r.SiteCode,
		r.SectorCode,
		r.TransactionCode,
		r.TransactionDescription,
		r.CurrencyCode,
		r.BudgetLineDescription,
		r.Amount.String(),
		r.DummyFields[0],
		r.DummyFields[1],
		r.DummyFields[2],
		r.DummyFields[3],
		r.DummyFields[4],
	}
}

// Source is a read-only transaction ledger.
type Source interface {
	// Stream calls fn with consecutive batches of at most batchSize rows.
	// An error from fn stops the stream and is returned.
	Stream(ctx context.Context, q Query, batchSize int, fn func([]Row) error) error
	// Count returns the number of rows Stream would produce.
	Count(ctx context.Context, q Query) (int, error)
	// Health reports whether the ledger is reachable.
	Health(ctx context.Context) error
}
