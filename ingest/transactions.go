package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/datastore"
	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// FILE MODE
// =============================================================================

// LoadTransactionsFromFile validates every row of r and, when all pass,
// persists the rows matching the analysis. source is recorded on the
// analysis, typically the uploaded file name.
func (l *Loader) LoadTransactionsFromFile(ctx context.Context, a *model.Analysis, source string, r io.Reader) (*TransactionLoad, error) {
	rows, err := ReadRows(r)
	if err != nil {
		if res, ok := model.FromImportError(err); ok {
			return &TransactionLoad{Result: res}, nil
		}
		return nil, err
	}
	if len(rows) == 0 {
		return failedTransactionLoad(model.MsgFileEmpty()), nil
	}

	first := 0
	if looksLikeHeader(rows[0]) {
		first = 1
	}
	if len(rows)-first > l.Options.transactionLimit() {
		return failedTransactionLoad(model.MsgFileTooLargeTransactions(l.Options.transactionLimit())), nil
	}

	var errs []string
	for i := first; i < len(rows); i++ {
		row := rows[i]
		if len(row) > colGrant {
			row[colGrant] = l.Options.code(row[colGrant])
		}
		if msg := ValidateTransactionRow(i, row, a); msg != "" {
			errs = append(errs, msg)
		}
	}
	if len(errs) > 0 {
		return failedTransactionLoad(errs...), nil
	}

	c, err := l.newCollector(ctx, a)
	if err != nil {
		return nil, err
	}
	for _, row := range rows[first:] {
		if err := c.add(row); err != nil {
			return nil, err
		}
	}
	return l.commit(ctx, a, c, source)
}

// =============================================================================
// DATA STORE MODE
// =============================================================================

// LoadTransactionsFromSource pulls the analysis rows from the external
// ledger. Ledger failures are reported as a failed load, not an error.
func (l *Loader) LoadTransactionsFromSource(ctx context.Context, a *model.Analysis, src datastore.Source) (*TransactionLoad, error) {
	if src == nil {
		return nil, model.ErrTransactionStoreDisabled
	}
	storeFailed := func(err error) *TransactionLoad {
		log.Error().Err(err).Int64("analysis_id", a.ID).Msg("transaction store import failed")
		return failedTransactionLoad(model.MsgErrorImportingFromTransactionStore())
	}

	if err := src.Health(ctx); err != nil {
		return storeFailed(err), nil
	}
	q := datastore.QueryFor(a)
	n, err := src.Count(ctx, q)
	if err != nil {
		return storeFailed(err), nil
	}
	if n > l.Options.transactionLimit() {
		return failedTransactionLoad(model.MsgFileTooLargeTransactions(l.Options.transactionLimit())), nil
	}

	c, err := l.newCollector(ctx, a)
	if err != nil {
		return nil, err
	}
	var filterErr error
	err = src.Stream(ctx, q, datastore.BatchSize, func(rows []datastore.Row) error {
		for _, r := range rows {
			if err := c.add(r.Cells()); err != nil {
				filterErr = err
				return err
			}
		}
		return nil
	})
	if filterErr != nil {
		return nil, filterErr
	}
	if err != nil {
		return storeFailed(err), nil
	}
	return l.commit(ctx, a, c, model.DataStoreSource)
}

// CountSourceTransactions returns how many ledger rows a data store load
// would read for a.
func (l *Loader) CountSourceTransactions(ctx context.Context, a *model.Analysis, src datastore.Source) (int, error) {
	if src == nil {
		return 0, model.ErrTransactionStoreDisabled
	}
	return src.Count(ctx, datastore.QueryFor(a))
}

// =============================================================================
// COLLECTOR - Filter, totals and country restriction
// =============================================================================

type collector struct {
	opts   Options
	a      *model.Analysis
	grants []string
	// countries is nil when the country filter is off.
	countries map[string]bool
	totals    map[string]decimal.Decimal
	txs       []model.Transaction
}

func (l *Loader) newCollector(ctx context.Context, a *model.Analysis) (*collector, error) {
	countries, err := includedCountries(ctx, l.Store, a)
	if err != nil {
		return nil, err
	}
	return &collector{
		opts:      l.Options,
		a:         a,
		grants:    a.GrantsList(),
		countries: countries,
		totals:    make(map[string]decimal.Decimal),
	}, nil
}

// includedCountries returns the analysis country plus every country marked
// always_include_costs, or nil when the country filter is off.
func includedCountries(ctx context.Context, store model.Store, a *model.Analysis) (map[string]bool, error) {
	settings, err := store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.TransactionCountryFilter {
		return nil, nil
	}
	home, err := store.GetCountry(ctx, a.CountryID)
	if err != nil {
		return nil, fmt.Errorf("analysis country: %w", err)
	}
	all, err := store.ListCountries(ctx)
	if err != nil {
		return nil, err
	}
	codes := map[string]bool{home.Code: true}
	for _, c := range all {
		if c.AlwaysIncludeCosts {
			codes[c.Code] = true
		}
	}
	return codes, nil
}

var errShortRow = errors.New("transaction row has fewer than 12 columns")

// add filters one row in the fixed column order. Rows outside the analysis
// grants or dates are skipped. Rows outside the included countries count
// toward the grant totals but are not kept.
func (c *collector) add(cells []string) error {
	if len(cells) < minTransactionColumns {
		return errShortRow
	}
	row := make([]string, maxTransactionColumns)
	copy(row, cells)
	for _, i := range numericCodeColumns {
		row[i] = c.opts.code(row[i])
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}

	grant := strings.ToUpper(row[colGrant])
	if !contains(c.grants, grant) {
		return nil
	}
	date, err := model.ParseDate(row[colDate])
	if err != nil {
		return fmt.Errorf("transaction date %q: %w", row[colDate], err)
	}
	if !c.a.ContainsDate(date) {
		return nil
	}
	amount, err := decimal.NewFromString(row[colAmount])
	if err != nil {
		return fmt.Errorf("transaction amount %q: %w", row[colAmount], err)
	}

	c.totals[grant] = c.totals[grant].Add(amount)
	if c.countries != nil && !c.countries[row[colCountry]] {
		return nil
	}

	c.txs = append(c.txs, model.Transaction{
		AnalysisID:               c.a.ID,
		Date:                     date,
		CountryCode:              row[colCountry],
		GrantCode:                grant,
		BudgetLineCode:           row[colBudgetLine],
		AccountCode:              row[colAccount],
		SiteCode:                 row[colSite],
		SectorCode:               row[colSector],
		TransactionCode:          row[colTransactionCode],
		TransactionDescription:   row[colTransactionDescription],
		CurrencyCode:             row[colCurrency],
		BudgetLineDescription:    row[colBudgetLineDescription],
		AmountInSourceCurrency:   amount,
		AmountInInstanceCurrency: amount,
		DummyField1:              row[colDummy1],
		DummyField2:              row[colDummy1+1],
		DummyField3:              row[colDummy1+2],
		DummyField4:              row[colDummy1+3],
		DummyField5:              row[colDummy1+4],
	})
	return nil
}

// totalsString renders the grant totals parallel to the analysis grants.
func (c *collector) totalsString() string {
	parts := make([]string, len(c.grants))
	for i, g := range c.grants {
		parts[i] = c.totals[g].StringFixed(4)
	}
	return strings.Join(parts, ",")
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// commit persists the collected rows and records source and totals.
func (l *Loader) commit(ctx context.Context, a *model.Analysis, c *collector, source string) (*TransactionLoad, error) {
	if err := l.Store.BulkInsertTransactions(ctx, c.txs); err != nil {
		return nil, err
	}
	a.Source = source
	a.AllTransactionsTotalCost = c.totalsString()
	if err := l.Store.UpdateAnalysis(ctx, a); err != nil {
		return nil, err
	}
	return &TransactionLoad{
		OK:           true,
		Result:       model.LoadResult{ImportedCount: len(c.txs)},
		Transactions: c.txs,
	}, nil
}
