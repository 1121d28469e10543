/*
store.go - Persistence interface for the analysis engine

PURPOSE:
  Defines the interface between the engine stages and the database.
  Implementations: store/sqldb (SQLite for development and tests,
  PostgreSQL in production).

KEY INTERFACES:
  Store:          every read and write the engine performs, plus WithTx
  ReferenceStore: cost types, categories, geography, interventions, mappings
  LineItemStore:  transactions, items, configs, allocations; bulk inserts are
                  COPY-equivalent with pre-assigned ids
  GridStore:      analysis-scoped (CostType, Category, Grant) rows

ATOMIC OPERATIONS:
  Every engine operation that mutates more than one row runs inside
  WithTx. The callback receives a Store bound to the transaction; returning
  an error rolls everything back.

PRE-ASSIGNED IDS:
  Bulk inserts reserve a contiguous id range under a manual sequence lock,
  so children (configs, transaction back-links) can reference parents
  without a round-trip per row.

SEE ALSO:
  - store/sqldb/sqldb.go: concrete implementation
  - engine/engine.go: wraps each operation in WithTx
*/
package model

import "context"

// =============================================================================
// STORE - Interface for engine persistence
// =============================================================================

type Store interface {
	ReferenceStore
	AnalysisStore
	LineItemStore
	GridStore

	// WithTx runs fn inside a single database transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ReferenceStore covers the read-mostly tables.
type ReferenceStore interface {
	ListCostTypes(ctx context.Context) ([]CostType, error)
	SaveCostType(ctx context.Context, ct *CostType) error
	ListCategories(ctx context.Context) ([]Category, error)
	SaveCategory(ctx context.Context, c *Category) error
	ListRegions(ctx context.Context) ([]Region, error)
	SaveRegion(ctx context.Context, r *Region) error
	ListCountries(ctx context.Context) ([]Country, error)
	GetCountry(ctx context.Context, id int64) (*Country, error)
	SaveCountry(ctx context.Context, c *Country) error
	ListInterventions(ctx context.Context) ([]Intervention, error)
	GetIntervention(ctx context.Context, id int64) (*Intervention, error)
	SaveIntervention(ctx context.Context, iv *Intervention) error
	ListMappings(ctx context.Context) ([]Mapping, error)
	ReplaceMappings(ctx context.Context, mappings []Mapping) error
	SaveAccountCodeDescriptions(ctx context.Context, descs []AccountCodeDescription) error
	GetSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// AnalysisStore covers analyses and their intervention instances.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a *Analysis) error
	GetAnalysis(ctx context.Context, id int64) (*Analysis, error)
	ListAnalyses(ctx context.Context) ([]Analysis, error)
	UpdateAnalysis(ctx context.Context, a *Analysis) error
	DeleteAnalysis(ctx context.Context, id int64) error

	CreateInterventionInstance(ctx context.Context, inst *InterventionInstance) error
	UpdateInterventionInstance(ctx context.Context, inst *InterventionInstance) error
	ListInterventionInstances(ctx context.Context, analysisID int64) ([]InterventionInstance, error)

	GetSubcomponentAnalysis(ctx context.Context, analysisID int64) (*SubcomponentCostAnalysis, error)
	SaveSubcomponentAnalysis(ctx context.Context, sca *SubcomponentCostAnalysis) error
}

// LineItemStore covers transactions, cost line items, configs and allocations.
type LineItemStore interface {
	// BulkInsertTransactions assigns ids to txs in place and inserts them.
	BulkInsertTransactions(ctx context.Context, txs []Transaction) error
	ListTransactions(ctx context.Context, analysisID int64) ([]Transaction, error)
	CountTransactions(ctx context.Context, analysisID int64) (int, error)
	// LinkTransactions sets cost_line_item_id for each transaction id key.
	LinkTransactions(ctx context.Context, links map[int64]int64) error
	DeleteTransactions(ctx context.Context, analysisID int64) error
	DeleteUnlinkedTransactions(ctx context.Context, analysisID int64) error

	// BulkInsertCostLineItems assigns ids to items in place and inserts them
	// with one config each. A nil cfgs inserts an empty STANDARD config per
	// item; otherwise cfgs is parallel to items and receives ids in place.
	BulkInsertCostLineItems(ctx context.Context, items []CostLineItem, cfgs []CostLineItemConfig) error
	// InsertCostLineItem inserts one item with the given config.
	InsertCostLineItem(ctx context.Context, item *CostLineItem, cfg *CostLineItemConfig) error
	ListCostLineItems(ctx context.Context, analysisID int64) ([]CostLineItem, error)
	UpdateCostLineItem(ctx context.Context, item *CostLineItem) error
	DeleteCostLineItems(ctx context.Context, ids []int64) error
	DeleteAllCostLineItems(ctx context.Context, analysisID int64) error
	CountCostLineItems(ctx context.Context, analysisID int64) (int, error)

	ListConfigs(ctx context.Context, analysisID int64) ([]CostLineItemConfig, error)
	UpdateConfig(ctx context.Context, cfg *CostLineItemConfig) error

	ListAllocations(ctx context.Context, analysisID int64) ([]Allocation, error)
	// UpsertAllocations writes allocations keyed by (config, instance).
	UpsertAllocations(ctx context.Context, allocs []Allocation) error
	DeleteAllocations(ctx context.Context, analysisID int64) error

	// ListLineItems assembles the joined read view for an analysis.
	ListLineItems(ctx context.Context, analysisID int64) ([]LineItem, error)
}

// GridStore covers the analysis-scoped categorization grid.
type GridStore interface {
	GetGrid(ctx context.Context, analysisID int64) (*Grid, error)
	CreateCostTypeCategory(ctx context.Context, row *AnalysisCostTypeCategory) error
	UpdateCostTypeCategory(ctx context.Context, row *AnalysisCostTypeCategory) error
	DeleteCostTypeCategories(ctx context.Context, ids []int64) error
	CreateCostTypeCategoryGrant(ctx context.Context, row *AnalysisCostTypeCategoryGrant) error
	DeleteCostTypeCategoryGrants(ctx context.Context, ids []int64) error
	CreateCostTypeCategoryGrantIntervention(ctx context.Context, row *AnalysisCostTypeCategoryGrantIntervention) error
	DeleteGrid(ctx context.Context, analysisID int64) error
}
