// Package testutil builds seeded in-memory stores and analyses for tests.
package testutil

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/seed"
	"github.com/dioptra/analysis-engine/store/sqldb"
)

// Env is an SQLite :memory: store with the default reference data.
type Env struct {
	Store         *sqldb.Store
	CostTypes     map[model.CostTypeKind]model.CostType
	Categories    map[string]model.Category
	Countries     map[string]model.Country
	Interventions map[string]model.Intervention
}

// NewEnv opens a fresh store and seeds it. The store closes with the test.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	ctx := context.Background()

	store, err := sqldb.Open(ctx, sqldb.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	data, err := seed.Default()
	require.NoError(t, err)
	_, err = seed.Apply(ctx, store, data)
	require.NoError(t, err)

	env := &Env{
		Store:         store,
		CostTypes:     make(map[model.CostTypeKind]model.CostType),
		Categories:    make(map[string]model.Category),
		Countries:     make(map[string]model.Country),
		Interventions: make(map[string]model.Intervention),
	}
	env.reload(t)
	return env
}

func (e *Env) reload(t testing.TB) {
	t.Helper()
	ctx := context.Background()

	costTypes, err := e.Store.ListCostTypes(ctx)
	require.NoError(t, err)
	for _, ct := range costTypes {
		if _, ok := e.CostTypes[ct.Type]; !ok {
			e.CostTypes[ct.Type] = ct
		}
	}
	categories, err := e.Store.ListCategories(ctx)
	require.NoError(t, err)
	for _, c := range categories {
		e.Categories[c.Name] = c
	}
	countries, err := e.Store.ListCountries(ctx)
	require.NoError(t, err)
	for _, c := range countries {
		e.Countries[c.Code] = c
	}
	interventions, err := e.Store.ListInterventions(ctx)
	require.NoError(t, err)
	for _, iv := range interventions {
		e.Interventions[iv.Name] = iv
	}
}

// AddCountry saves an extra country and returns it.
func (e *Env) AddCountry(t testing.TB, name, code string, alwaysInclude bool) model.Country {
	t.Helper()
	c := model.Country{Name: name, Code: code, AlwaysIncludeCosts: alwaysInclude}
	require.NoError(t, e.Store.SaveCountry(context.Background(), &c))
	e.Countries[code] = c
	return c
}

// SetCountryFilter toggles the process-wide transaction country filter.
func (e *Env) SetCountryFilter(t testing.TB, on bool) {
	t.Helper()
	require.NoError(t, e.Store.SaveSettings(context.Background(), model.Settings{TransactionCountryFilter: on}))
}

// =============================================================================
// ANALYSIS BUILDERS
// =============================================================================

// AnalysisOptions overrides the defaults of NewAnalysis.
type AnalysisOptions struct {
	Grants      string
	Start       string
	End         string
	CountryCode string
	ClientTime  bool
	InKind      bool
	OtherHQ     bool
}

// NewAnalysis creates an analysis. Defaults: grant GRANT123, calendar 2020,
// country KE.
func (e *Env) NewAnalysis(t testing.TB, opts AnalysisOptions) *model.Analysis {
	t.Helper()
	if opts.Grants == "" {
		opts.Grants = "GRANT123"
	}
	if opts.Start == "" {
		opts.Start = "2020-01-01"
	}
	if opts.End == "" {
		opts.End = "2020-12-31"
	}
	if opts.CountryCode == "" {
		opts.CountryCode = "KE"
	}
	country, ok := e.Countries[opts.CountryCode]
	require.True(t, ok, "unknown country %s", opts.CountryCode)

	start, err := model.ParseDate(opts.Start)
	require.NoError(t, err)
	end, err := model.ParseDate(opts.End)
	require.NoError(t, err)

	a := &model.Analysis{
		Title:               "Test analysis",
		StartDate:           start,
		EndDate:             end,
		CountryID:           country.ID,
		Grants:              opts.Grants,
		ClientTime:          opts.ClientTime,
		InKindContributions: opts.InKind,
		OtherHQCosts:        opts.OtherHQ,
	}
	require.NoError(t, e.Store.CreateAnalysis(context.Background(), a))
	return a
}

// AddInstance attaches an intervention instance with decimal parameters.
func (e *Env) AddInstance(t testing.TB, a *model.Analysis, intervention string, params map[string]string) model.InterventionInstance {
	t.Helper()
	iv, ok := e.Interventions[intervention]
	require.True(t, ok, "unknown intervention %s", intervention)

	existing, err := e.Store.ListInterventionInstances(context.Background(), a.ID)
	require.NoError(t, err)

	inst := model.InterventionInstance{
		AnalysisID:     a.ID,
		InterventionID: iv.ID,
		Order:          len(existing),
		Parameters:     make(map[string]decimal.Decimal, len(params)),
	}
	for k, v := range params {
		inst.Parameters[k] = D(v)
	}
	require.NoError(t, e.Store.CreateInterventionInstance(context.Background(), &inst))
	return inst
}

// ItemSpec describes a cost line item to insert directly.
type ItemSpec struct {
	Grant       string
	Country     string
	AccountCode string
	Description string
	Total       string

	// Kind 0 leaves the item uncategorized.
	Kind     model.CostTypeKind
	Category string

	AnalysisCostType model.AnalysisCostType
	Special          bool

	Quantity string
	LOE      string

	// Allocations maps instance id to a percentage string; "" stores NULL.
	Allocations map[int64]string

	Subcomponents []string
	Skipped       bool
}

// AddItem inserts one cost line item with its config and allocations.
func (e *Env) AddItem(t testing.TB, a *model.Analysis, spec ItemSpec) model.LineItem {
	t.Helper()
	ctx := context.Background()
	if spec.Grant == "" {
		spec.Grant = a.GrantsList()[0]
	}
	if spec.Country == "" {
		country, err := e.Store.GetCountry(ctx, a.CountryID)
		require.NoError(t, err)
		spec.Country = country.Code
	}
	if spec.Description == "" {
		spec.Description = "Line " + spec.Total
	}

	item := model.CostLineItem{
		AnalysisID:            a.ID,
		CountryCode:           spec.Country,
		GrantCode:             spec.Grant,
		AccountCode:           spec.AccountCode,
		BudgetLineDescription: spec.Description,
		TotalCost:             D(spec.Total),
		IsSpecialLumpSum:      spec.Special,
	}
	if spec.Quantity != "" {
		item.Quantity = decimal.NewNullDecimal(D(spec.Quantity))
	}
	if spec.LOE != "" {
		item.LOEOrUnit = decimal.NewNullDecimal(D(spec.LOE))
	}

	cfg := model.CostLineItemConfig{AnalysisCostType: spec.AnalysisCostType, SubcomponentAllocationsSkipped: spec.Skipped}
	if cfg.AnalysisCostType == "" {
		cfg.AnalysisCostType = model.AnalysisCostStandard
	}
	if spec.Kind != 0 {
		ct, ok := e.CostTypes[spec.Kind]
		require.True(t, ok, "no cost type of kind %s", spec.Kind)
		cfg.CostTypeID = &ct.ID
		category := spec.Category
		if category == "" {
			category = "Materials & Activities"
		}
		cat, ok := e.Categories[category]
		require.True(t, ok, "unknown category %s", category)
		cfg.CategoryID = &cat.ID
	}
	if len(spec.Subcomponents) > 0 {
		v := make([]decimal.Decimal, len(spec.Subcomponents))
		for i, s := range spec.Subcomponents {
			v[i] = D(s)
		}
		cfg.SetSubcomponentVector(v)
	}
	require.NoError(t, e.Store.InsertCostLineItem(ctx, &item, &cfg))

	if len(spec.Allocations) > 0 {
		allocs := make([]model.Allocation, 0, len(spec.Allocations))
		for instID, pct := range spec.Allocations {
			alloc := model.Allocation{ConfigID: cfg.ID, InterventionInstanceID: instID}
			if pct != "" {
				alloc.Allocation = decimal.NewNullDecimal(D(pct))
			}
			allocs = append(allocs, alloc)
		}
		require.NoError(t, e.Store.UpsertAllocations(ctx, allocs))
	}
	return e.LineItem(t, a.ID, item.ID)
}

// LineItem reloads one line item by id.
func (e *Env) LineItem(t testing.TB, analysisID, itemID int64) model.LineItem {
	t.Helper()
	items, err := e.Store.ListLineItems(context.Background(), analysisID)
	require.NoError(t, err)
	for _, li := range items {
		if li.ID == itemID {
			return li
		}
	}
	t.Fatalf("line item %d not found", itemID)
	return model.LineItem{}
}

// Reload fetches the analysis again.
func (e *Env) Reload(t testing.TB, a *model.Analysis) *model.Analysis {
	t.Helper()
	fresh, err := e.Store.GetAnalysis(context.Background(), a.ID)
	require.NoError(t, err)
	return fresh
}

// D parses a decimal or panics.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
