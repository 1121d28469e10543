package engine_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/allocate"
	"github.com/dioptra/analysis-engine/clone"
	"github.com/dioptra/analysis-engine/datastore"
	"github.com/dioptra/analysis-engine/engine"
	"github.com/dioptra/analysis-engine/metrics"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/subcomponent"
	tu "github.com/dioptra/analysis-engine/testutil"
	"github.com/dioptra/analysis-engine/workflow"
)

var header = []string{
	"transaction_date", "country_code", "grant_code", "budget_line_code", "account_code", "site_code",
	"sector_code", "transaction_code", "transaction_description", "currency_code",
	"budget_line_description", "amount",
}

func row(date, account, description, amount string) []string {
	return []string{date, "KE", "GRANT123", "BL1", account, "", "", "T1", "Payment", "USD", description, amount}
}

func ledger(t *testing.T, rows ...[]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	require.NoError(t, w.WriteAll(append([][]string{header}, rows...)))
	return bytes.NewReader(buf.Bytes())
}

// standardLedger holds one PROGRAM and one SUPPORT line under the seeded
// mappings.
func standardLedger(t *testing.T) *bytes.Reader {
	return ledger(t,
		row("2020-02-01", "4000", "Cash grants", "600"),
		row("2020-03-01", "6000", "Office rent", "400"),
	)
}

type fixture struct {
	env      *tu.Env
	engine   *engine.Engine
	analysis *model.Analysis
	instance model.InterventionInstance
}

func setup(t *testing.T, opts engine.Options) fixture {
	t.Helper()
	env := tu.NewEnv(t)
	e := engine.New(env.Store, opts)
	a := env.NewAnalysis(t, tu.AnalysisOptions{})

	inst := model.InterventionInstance{
		InterventionID: env.Interventions["Cash Transfers"].ID,
		Parameters: map[string]decimal.Decimal{
			"value_of_cash_distributed": tu.D("1000"),
			"number_of_households":      tu.D("10"),
		},
	}
	require.NoError(t, e.AddInterventionInstance(context.Background(), a.ID, &inst))
	return fixture{env: env, engine: e, analysis: a, instance: inst}
}

func (f fixture) items(t *testing.T) []model.LineItem {
	t.Helper()
	items, err := f.env.Store.ListLineItems(context.Background(), f.analysis.ID)
	require.NoError(t, err)
	return items
}

func (f fixture) item(t *testing.T, account string) model.LineItem {
	t.Helper()
	for _, li := range f.items(t) {
		if li.AccountCode == account {
			return li
		}
	}
	t.Fatalf("no item for account %s", account)
	return model.LineItem{}
}

// allocated loads the standard ledger and walks Categorize and Allocate.
func allocated(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	f := setup(t, engine.Options{})

	out, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "ledger.csv", standardLedger(t))
	require.NoError(t, err)
	require.True(t, out.OK, out.Errors)

	program := f.env.CostTypes[model.CostTypeProgram].ID
	support := f.env.CostTypes[model.CostTypeSupport].ID
	require.NoError(t, f.engine.ConfirmCategories(ctx, f.analysis.ID, program))
	require.NoError(t, f.engine.ConfirmCategories(ctx, f.analysis.ID, support))

	res, err := f.engine.SaveAllocations(ctx, f.analysis.ID, []allocate.Update{
		{ItemID: f.item(t, "4000").ID, Allocations: map[int64]string{f.instance.ID: "100"}},
	})
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	n, err := f.engine.ApplySuggestions(ctx, f.analysis.ID, support, "GRANT123")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return f
}

func stepComplete(t *testing.T, f fixture, step string) bool {
	t.Helper()
	w, err := f.engine.Workflow(context.Background(), f.analysis.ID)
	require.NoError(t, err)
	return w.Get(step).Complete
}

// =============================================================================
// FILE LOADS
// =============================================================================

func TestLoadTransactionsFromFile_CategorizesAndArchives(t *testing.T) {
	// GIVEN: A defined analysis
	// WHEN: Uploading a two-line ledger
	// THEN: Items are created and categorized, the grid exists, the upload
	// is archived and the load is counted

	ctx := context.Background()
	f := setup(t, engine.Options{})

	out, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "ledger.csv", standardLedger(t))
	require.NoError(t, err)
	require.True(t, out.OK, out.Errors)
	assert.Equal(t, 2, out.ImportedCount)
	assert.NotEmpty(t, out.LoadID)

	program := f.item(t, "4000")
	require.NotNil(t, program.Config.CostTypeID)
	assert.Equal(t, f.env.CostTypes[model.CostTypeProgram].ID, *program.Config.CostTypeID)
	support := f.item(t, "6000")
	require.NotNil(t, support.Config.CategoryID)
	assert.Equal(t, f.env.Categories["Office Expenses"].ID, *support.Config.CategoryID)

	grid, err := f.env.Store.GetGrid(ctx, f.analysis.ID)
	require.NoError(t, err)
	assert.Len(t, grid.Categories, 2)

	fresh := f.env.Reload(t, f.analysis)
	assert.Equal(t, "ledger.csv", fresh.Source)
	assert.True(t, stepComplete(t, f, workflow.StepLoadData))

	keys, err := f.engine.Archive.List(ctx, "analyses/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, strings.HasSuffix(keys[0], "/"+out.LoadID+"/ledger.csv"), keys[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics.Imports.WithLabelValues(metrics.ModeFile, metrics.ResultOK)))
}

func TestLoadTransactionsFromFile_RejectionKeepsPreviousData(t *testing.T) {
	// GIVEN: An analysis with a loaded ledger
	// WHEN: Uploading a file with an out-of-period row
	// THEN: The load fails with a row message and the old items stay

	ctx := context.Background()
	f := setup(t, engine.Options{})
	_, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "ledger.csv", standardLedger(t))
	require.NoError(t, err)

	out, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "bad.csv",
		ledger(t, row("2019-12-31", "4000", "Cash grants", "10")))
	require.NoError(t, err)
	assert.False(t, out.OK)
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0], "Row 1")

	assert.Len(t, f.items(t), 2)
	assert.Equal(t, "ledger.csv", f.env.Reload(t, f.analysis).Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics.Imports.WithLabelValues(metrics.ModeFile, metrics.ResultRejected)))
}

func TestLoadTransactionsFromFile_ReplacesData(t *testing.T) {
	ctx := context.Background()
	f := setup(t, engine.Options{})
	_, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "first.csv", standardLedger(t))
	require.NoError(t, err)

	out, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "second.csv",
		ledger(t, row("2020-05-01", "4100", "Vouchers", "75")))
	require.NoError(t, err)
	require.True(t, out.OK, out.Errors)

	items := f.items(t)
	require.Len(t, items, 1)
	assert.Equal(t, "4100", items[0].AccountCode)
	assert.Equal(t, "second.csv", f.env.Reload(t, f.analysis).Source)
}

func TestLoadTransactionsFromFile_LockedWithoutInstances(t *testing.T) {
	// GIVEN: An analysis with no intervention instance
	// WHEN: Uploading transactions
	// THEN: Load Data is locked

	env := tu.NewEnv(t)
	e := engine.New(env.Store, engine.Options{})
	a := env.NewAnalysis(t, tu.AnalysisOptions{})

	_, err := e.LoadTransactionsFromFile(context.Background(), a.ID, "ledger.csv", standardLedger(t))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
}

func TestLoadCostLineItems(t *testing.T) {
	ctx := context.Background()
	f := setup(t, engine.Options{})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	require.NoError(t, w.WriteAll([][]string{
		{"grant_code", "budget_line_code", "account_code", "site_code", "sector_code", "budget_line_description",
			"total_cost", "loe_or_unit", "months_or_unit", "unit_cost", "dummy_field_1", "dummy_field_2"},
		{"GRANT123", "BL1", "4000", "", "", "Cash grants", "500", "", "", "", "", ""},
		{"GRANT123", "BL2", "6200", "", "", "Laptops", "0", "", "", "", "", ""},
	}))

	out, err := f.engine.LoadCostLineItems(ctx, f.analysis.ID, "items.csv", &buf)
	require.NoError(t, err)
	require.True(t, out.OK, out.Errors)
	assert.Equal(t, 1, out.ImportedCount)

	li := f.item(t, "4000")
	require.NotNil(t, li.Config.CostTypeID)
	assert.Equal(t, f.env.CostTypes[model.CostTypeProgram].ID, *li.Config.CostTypeID)
	assert.Equal(t, "items.csv", f.env.Reload(t, f.analysis).Source)
}

// =============================================================================
// DATA STORE
// =============================================================================

func ledgerRow(date, account, code, amount string) datastore.Row {
	d, _ := model.ParseDate(date)
	return datastore.Row{
		TransactionDate:       d,
		CountryCode:           "KE",
		GrantCode:             "GRANT123",
		BudgetLineCode:        "BL1",
		AccountCode:           account,
		TransactionCode:       code,
		CurrencyCode:          "USD",
		BudgetLineDescription: "Line " + account,
		Amount:                tu.D(amount),
	}
}

func TestDataStore_DisabledWithoutSource(t *testing.T) {
	f := setup(t, engine.Options{})
	_, err := f.engine.LoadTransactionsFromDataStore(context.Background(), f.analysis.ID)
	assert.ErrorIs(t, err, model.ErrTransactionStoreDisabled)
	assert.True(t, model.IsUnavailable(err))
}

func TestDataStore_LoadThenResync(t *testing.T) {
	// GIVEN: A data store analysis with an allocated PROGRAM item
	// WHEN: The period changes and the ledger gains a row of the same item
	// THEN: The analysis is flagged, and the resync folds the new row into
	// the item while keeping its allocation

	ctx := context.Background()
	src := datastore.NewMemory(
		ledgerRow("2020-02-01", "4000", "T1", "600"),
		ledgerRow("2021-02-01", "4000", "T1", "50"),
	)
	f := setup(t, engine.Options{Source: src})

	n, err := f.engine.CountDataStoreTransactions(ctx, f.analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err := f.engine.LoadTransactionsFromDataStore(ctx, f.analysis.ID)
	require.NoError(t, err)
	require.True(t, out.OK, out.Errors)
	assert.Equal(t, model.DataStoreSource, f.env.Reload(t, f.analysis).Source)

	program := f.item(t, "4000")
	require.NoError(t, f.engine.ConfirmCategories(ctx, f.analysis.ID, f.env.CostTypes[model.CostTypeProgram].ID))
	_, err = f.engine.SaveAllocations(ctx, f.analysis.ID, []allocate.Update{
		{ItemID: program.ID, Allocations: map[int64]string{f.instance.ID: "100"}},
	})
	require.NoError(t, err)

	end, err := model.ParseDate("2021-12-31")
	require.NoError(t, err)
	updated, err := f.engine.UpdateAnalysis(ctx, f.analysis.ID, engine.AnalysisUpdate{EndDate: &end})
	require.NoError(t, err)
	assert.True(t, updated.NeedsTransactionResync)
	assert.False(t, stepComplete(t, f, workflow.StepLoadData))

	done, err := f.engine.ResyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	fresh := f.env.Reload(t, f.analysis)
	assert.False(t, fresh.NeedsTransactionResync)
	li := f.item(t, "4000")
	assert.Equal(t, program.ID, li.ID)
	assert.True(t, tu.D("650").Equal(li.TotalCost), li.TotalCost.String())
	alloc := li.Allocations[f.instance.ID]
	require.True(t, alloc.Valid)
	assert.True(t, tu.D("100").Equal(alloc.Decimal))
	assert.True(t, stepComplete(t, f, workflow.StepLoadData))
}

func TestResync_RejectsFileAnalysis(t *testing.T) {
	ctx := context.Background()
	f := setup(t, engine.Options{Source: datastore.NewMemory()})
	_, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "ledger.csv", standardLedger(t))
	require.NoError(t, err)

	_, err = f.engine.ResyncTransactions(ctx, f.analysis.ID)
	require.Error(t, err)
	assert.True(t, model.IsClientError(err))
}

// =============================================================================
// ANALYSIS EDITS
// =============================================================================

func TestUpdateAnalysis_FileSourceLosesData(t *testing.T) {
	// GIVEN: A file analysis with items
	// WHEN: Adding a grant
	// THEN: The loaded data is discarded

	ctx := context.Background()
	f := setup(t, engine.Options{})
	_, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "ledger.csv", standardLedger(t))
	require.NoError(t, err)

	grants := "GRANT123,GRANT456"
	updated, err := f.engine.UpdateAnalysis(ctx, f.analysis.ID, engine.AnalysisUpdate{Grants: &grants})
	require.NoError(t, err)
	assert.Empty(t, updated.Source)
	assert.Empty(t, f.items(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics.Invalidations.WithLabelValues(workflow.StepLoadData)))
}

func TestUpdateAnalysis_TitleKeepsData(t *testing.T) {
	ctx := context.Background()
	f := setup(t, engine.Options{})
	_, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "ledger.csv", standardLedger(t))
	require.NoError(t, err)

	title := "Renamed"
	updated, err := f.engine.UpdateAnalysis(ctx, f.analysis.ID, engine.AnalysisUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Len(t, f.items(t), 2)
}

func TestUpdateAnalysis_Invalid(t *testing.T) {
	f := setup(t, engine.Options{})
	blank := " "
	_, err := f.engine.UpdateAnalysis(context.Background(), f.analysis.ID, engine.AnalysisUpdate{Title: &blank})
	require.Error(t, err)
	assert.True(t, model.IsClientError(err))
	assert.Equal(t, "Test analysis", f.env.Reload(t, f.analysis).Title)
}

func TestCreateAnalysis_UnknownCountry(t *testing.T) {
	env := tu.NewEnv(t)
	e := engine.New(env.Store, engine.Options{})
	start, err := model.ParseDate("2020-01-01")
	require.NoError(t, err)
	a := &model.Analysis{Title: "Unknown country", StartDate: start, EndDate: start, CountryID: 9999, Grants: "G1"}
	err = e.CreateAnalysis(context.Background(), a)
	require.Error(t, err)
	assert.True(t, model.IsClientError(err))
}

func TestUpdateInterventionParameters(t *testing.T) {
	ctx := context.Background()
	f := setup(t, engine.Options{})

	err := f.engine.UpdateInterventionParameters(ctx, f.analysis.ID, f.instance.ID,
		map[string]decimal.Decimal{"value_of_cash_distributed": tu.D("-1")})
	require.Error(t, err)
	assert.True(t, model.IsClientError(err))

	err = f.engine.UpdateInterventionParameters(ctx, f.analysis.ID, 4242, nil)
	assert.True(t, model.IsNotFound(err))

	require.NoError(t, f.engine.UpdateInterventionParameters(ctx, f.analysis.ID, f.instance.ID,
		map[string]decimal.Decimal{"value_of_cash_distributed": tu.D("2000"), "number_of_households": tu.D("20")}))
	instances, err := f.env.Store.ListInterventionInstances(ctx, f.analysis.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.True(t, tu.D("2000").Equal(instances[0].Parameters["value_of_cash_distributed"]))
}

// =============================================================================
// STEPS
// =============================================================================

func TestSaveAllocations_LockedBeforeCategorize(t *testing.T) {
	ctx := context.Background()
	f := setup(t, engine.Options{})
	_, err := f.engine.LoadTransactionsFromFile(ctx, f.analysis.ID, "ledger.csv", standardLedger(t))
	require.NoError(t, err)

	_, err = f.engine.SaveAllocations(ctx, f.analysis.ID, []allocate.Update{
		{ItemID: f.item(t, "4000").ID, Allocations: map[int64]string{f.instance.ID: "100"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStepLocked)
}

func TestWalkthrough_ToInsights(t *testing.T) {
	// GIVEN: An analysis allocated through the engine
	// WHEN: Reading the insights
	// THEN: The output costs are calculated on demand and cover the whole
	// ledger

	ctx := context.Background()
	f := allocated(t)
	assert.True(t, stepComplete(t, f, workflow.StepAllocate))

	suggestions, err := f.engine.SuggestedAllocations(ctx, f.analysis.ID)
	require.NoError(t, err)
	support := suggestions[f.env.CostTypes[model.CostTypeSupport].ID]["GRANT123"]
	require.Len(t, support, 1)
	assert.True(t, tu.D("100").Equal(support[0].Percentage))

	rep, err := f.engine.Insights(ctx, f.analysis.ID)
	require.NoError(t, err)
	assert.True(t, rep.CalculationsDone)
	assert.NotEmpty(t, f.env.Reload(t, f.analysis).OutputCosts)

	costs, err := f.engine.CalculateInsights(ctx, f.analysis.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, costs)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.engine.Metrics.Calculations.WithLabelValues(metrics.ResultOK)))
}

func TestCalculateInsights_Locked(t *testing.T) {
	f := setup(t, engine.Options{})
	_, err := f.engine.CalculateInsights(context.Background(), f.analysis.ID)
	assert.ErrorIs(t, err, model.ErrStepLocked)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics.Calculations.WithLabelValues(metrics.ResultError)))
}

func TestInvalidateStep_Allocate(t *testing.T) {
	ctx := context.Background()
	f := allocated(t)
	_, err := f.engine.CalculateInsights(ctx, f.analysis.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.InvalidateStep(ctx, f.analysis.ID, workflow.StepAllocate))
	assert.False(t, stepComplete(t, f, workflow.StepAllocate))
	assert.Empty(t, f.env.Reload(t, f.analysis).OutputCosts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.engine.Metrics.Invalidations.WithLabelValues(workflow.StepAllocate)))

	err = f.engine.InvalidateStep(ctx, f.analysis.ID, "nope")
	assert.True(t, model.IsClientError(err))
}

func TestSubcomponents_SaveAppliesAverage(t *testing.T) {
	// GIVEN: A single-instance analysis with insights reachable
	// WHEN: Confirming the default labels and splitting the PROGRAM item
	// THEN: The SUPPORT item receives the average and the step completes

	ctx := context.Background()
	f := allocated(t)

	sca, err := f.engine.StartSubcomponents(ctx, f.analysis.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Targeting", "Distribution", "Monitoring"}, sca.SubcomponentLabels)
	_, err = f.engine.ConfirmSubcomponents(ctx, f.analysis.ID)
	require.NoError(t, err)

	out, err := f.engine.SaveSubcomponentAllocations(ctx, f.analysis.ID, []subcomponent.Update{
		{ItemID: f.item(t, "4000").ID, Allocations: []string{"50", "25", "25"}},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Errors)
	assert.Equal(t, 1, out.Saved)
	assert.Equal(t, 1, out.Averaged)

	support := f.item(t, "6000")
	assert.True(t, support.Config.HasSubcomponentAllocations())
	assert.True(t, stepComplete(t, f, workflow.StepSubcomponentsAllocate))
}

func TestStartSubcomponents_LockedBeforeInsights(t *testing.T) {
	f := setup(t, engine.Options{})
	_, err := f.engine.StartSubcomponents(context.Background(), f.analysis.ID, nil)
	assert.ErrorIs(t, err, model.ErrStepLocked)
}

// =============================================================================
// BATCH AND REFERENCE
// =============================================================================

func TestClearOutputCosts(t *testing.T) {
	ctx := context.Background()
	f := allocated(t)
	_, err := f.engine.CalculateInsights(ctx, f.analysis.ID)
	require.NoError(t, err)

	n, err := f.engine.ClearOutputCosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.env.Reload(t, f.analysis).OutputCosts)
}

func TestImportMappings_RejectedKeepsTable(t *testing.T) {
	ctx := context.Background()
	env := tu.NewEnv(t)
	e := engine.New(env.Store, engine.Options{})
	before, err := env.Store.ListMappings(ctx)
	require.NoError(t, err)

	out, err := e.ImportMappings(ctx, strings.NewReader("nothing,useful\n1,2\n"))
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.NotEmpty(t, out.Errors)

	after, err := env.Store.ListMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.Imports.WithLabelValues(metrics.ModeMappings, metrics.ResultRejected)))
}

func TestCloneAnalysis(t *testing.T) {
	ctx := context.Background()
	f := allocated(t)

	cp, err := f.engine.CloneAnalysis(ctx, f.analysis.ID, clone.Options{Owner: "analyst@example.org"})
	require.NoError(t, err)
	assert.Equal(t, "Test analysis (DUPLICATE)", cp.Title)
	assert.Equal(t, "analyst@example.org", cp.Owner)

	items, err := f.env.Store.ListLineItems(ctx, cp.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
