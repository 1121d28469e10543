/*
Package ingest turns external tabular data into Transactions and
CostLineItems for one analysis.

PURPOSE:
  LoadData has two transaction sources, an uploaded file and the external
  ledger, plus a direct cost-line-item upload. All three end in the same
  shape: bulk-inserted rows owned by the analysis, or a LoadResult carrying
  user-facing messages and nothing written.

PIPELINE:
  1. Read:      sniff xls / xlsx / text, decode, drop empty rows
  2. Validate:  per-row checks with fixed messages (files only)
  3. Filter:    canonical numeric codes, upper-case grant, analysis grants,
                date window, trimmed strings
  4. Totals:    per-grant totals over every filtered row, before the
                country filter, stored on the analysis
  5. Persist:   COPY-equivalent bulk insert with pre-assigned ids
  6. Aggregate: one CostLineItem per grouping key, special lump sums per
                (country, grant) when the country filter is on, drop items
                that round to zero, back-link transactions

NUMERIC CODES:
  Spreadsheets store "9116" as the float 9116.0. With CoerceNumericCodes on,
  grant, budget line, account, site, sector and budget line description
  values that parse as floats are rewritten to their integer form. Codes
  that legitimately end in ".0" lose that suffix; the option turns this off.

TRANSACTIONS:
  The Loader does not open transactions itself. Callers pass a Store bound
  to a transaction (engine wraps every operation in WithTx) so a failure
  anywhere rolls back every row written here.

SEE ALSO:
  - datastore/datastore.go: ledger source
  - model/messages.go: message texts
  - engine/load.go: orchestration with categorize and ensure-grid
*/
package ingest

import (
	"github.com/dioptra/analysis-engine/model"
)

// Defaults for Options.
const (
	DefaultLineItemLimit    = 5000
	DefaultTransactionLimit = 200_000
)

// Options tunes ingestion.
type Options struct {
	CoerceNumericCodes bool
	// LineItemLimit caps cost line item and reference uploads.
	LineItemLimit int
	// TransactionLimit caps transaction uploads and data store loads.
	TransactionLimit int
}

// DefaultOptions returns coercion on and the default row limits.
func DefaultOptions() Options {
	return Options{
		CoerceNumericCodes: true,
		LineItemLimit:      DefaultLineItemLimit,
		TransactionLimit:   DefaultTransactionLimit,
	}
}

func (o Options) lineItemLimit() int {
	if o.LineItemLimit <= 0 {
		return DefaultLineItemLimit
	}
	return o.LineItemLimit
}

func (o Options) transactionLimit() int {
	if o.TransactionLimit <= 0 {
		return DefaultTransactionLimit
	}
	return o.TransactionLimit
}

func (o Options) code(v string) string {
	if !o.CoerceNumericCodes {
		return v
	}
	return CanonicalNumericString(v)
}

// Loader runs ingestion against a store.
type Loader struct {
	Store   model.Store
	Options Options
}

// New returns a Loader over store.
func New(store model.Store, opts Options) *Loader {
	return &Loader{Store: store, Options: opts}
}

// TransactionLoad is the outcome of a transaction import.
type TransactionLoad struct {
	OK     bool
	Result model.LoadResult
	// Transactions are the persisted rows, with ids.
	Transactions []model.Transaction
}

func failedTransactionLoad(messages ...string) *TransactionLoad {
	return &TransactionLoad{Result: model.FailedLoad(messages...)}
}
