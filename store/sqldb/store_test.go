package sqldb_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/store/sqldb"
	"github.com/dioptra/analysis-engine/testutil"
)

func tx(a *model.Analysis, date, grant, amount string) model.Transaction {
	d, _ := model.ParseDate(date)
	return model.Transaction{
		AnalysisID:               a.ID,
		Date:                     d,
		CountryCode:              "KE",
		GrantCode:                grant,
		AccountCode:              "5000",
		BudgetLineDescription:    "Salaries",
		CurrencyCode:             "USD",
		AmountInSourceCurrency:   decimal.RequireFromString(amount),
		AmountInInstanceCurrency: decimal.RequireFromString(amount),
	}
}

// =============================================================================
// BULK LOAD TESTS
// =============================================================================

func TestBulkInsertTransactions_AssignsContiguousIDs(t *testing.T) {
	// GIVEN: An analysis with no transactions
	// WHEN: Bulk inserting three transactions
	// THEN: Ids are assigned in place, contiguous, and readable back

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})

	txs := []model.Transaction{
		tx(a, "2020-01-05", "GRANT123", "10.50"),
		tx(a, "2020-02-05", "GRANT123", "20"),
		tx(a, "2020-03-05", "GRANT123", "-5.25"),
	}
	require.NoError(t, env.Store.BulkInsertTransactions(ctx, txs))

	assert.NotZero(t, txs[0].ID)
	assert.Equal(t, txs[0].ID+1, txs[1].ID)
	assert.Equal(t, txs[1].ID+1, txs[2].ID)

	stored, err := env.Store.ListTransactions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.True(t, stored[2].AmountInSourceCurrency.Equal(decimal.RequireFromString("-5.25")))
	assert.Equal(t, "", stored[0].SiteCode)
	assert.Nil(t, stored[0].CostLineItemID)
	assert.Equal(t, "2020-01-05", stored[0].Date.Format(model.DateLayout))
}

func TestBulkInsertTransactions_SecondBatchContinuesSequence(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})

	first := []model.Transaction{tx(a, "2020-01-05", "GRANT123", "1"), tx(a, "2020-01-06", "GRANT123", "2")}
	require.NoError(t, env.Store.BulkInsertTransactions(ctx, first))
	second := []model.Transaction{tx(a, "2020-01-07", "GRANT123", "3")}
	require.NoError(t, env.Store.BulkInsertTransactions(ctx, second))

	assert.Equal(t, first[1].ID+1, second[0].ID)
	n, err := env.Store.CountTransactions(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBulkInsertCostLineItems_CreatesDefaultConfigs(t *testing.T) {
	// GIVEN: Two items and no explicit configs
	// WHEN: Bulk inserting them
	// THEN: Each item gets one STANDARD config pointing at its pre-assigned id

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})

	items := []model.CostLineItem{
		{AnalysisID: a.ID, GrantCode: "GRANT123", AccountCode: "5000", TotalCost: decimal.NewFromInt(100)},
		{AnalysisID: a.ID, GrantCode: "GRANT123", AccountCode: "6000", TotalCost: decimal.NewFromInt(200)},
	}
	require.NoError(t, env.Store.BulkInsertCostLineItems(ctx, items, nil))

	cfgs, err := env.Store.ListConfigs(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, items[0].ID, cfgs[0].CostLineItemID)
	assert.Equal(t, items[1].ID, cfgs[1].CostLineItemID)
	assert.Equal(t, model.AnalysisCostStandard, cfgs[0].AnalysisCostType)
	assert.Nil(t, cfgs[0].CostTypeID)
	assert.False(t, items[0].Quantity.Valid)
}

func TestLinkTransactions_SetsBackReferences(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})

	txs := []model.Transaction{tx(a, "2020-01-05", "GRANT123", "1"), tx(a, "2020-01-06", "GRANT123", "2")}
	require.NoError(t, env.Store.BulkInsertTransactions(ctx, txs))
	items := []model.CostLineItem{{AnalysisID: a.ID, GrantCode: "GRANT123", TotalCost: decimal.NewFromInt(1)}}
	require.NoError(t, env.Store.BulkInsertCostLineItems(ctx, items, nil))

	require.NoError(t, env.Store.LinkTransactions(ctx, map[int64]int64{txs[0].ID: items[0].ID}))
	require.NoError(t, env.Store.DeleteUnlinkedTransactions(ctx, a.ID))

	stored, err := env.Store.ListTransactions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].CostLineItemID)
	assert.Equal(t, items[0].ID, *stored[0].CostLineItemID)
}

// =============================================================================
// TRANSACTION SCOPE TESTS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts rows then fails
	// WHEN: WithTx returns the error
	// THEN: No rows are visible afterwards

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	boom := errors.New("boom")

	err := env.Store.WithTx(ctx, func(s model.Store) error {
		txs := []model.Transaction{tx(a, "2020-01-05", "GRANT123", "1")}
		if err := s.BulkInsertTransactions(ctx, txs); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := env.Store.CountTransactions(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// ENTITY TESTS
// =============================================================================

func TestGetAnalysis_NotFound(t *testing.T) {
	env := testutil.NewEnv(t)
	_, err := env.Store.GetAnalysis(context.Background(), 9999)
	assert.ErrorIs(t, err, model.ErrAnalysisNotFound)
	assert.True(t, model.IsNotFound(err))
}

func TestAnalysis_RoundTripsOutputCosts(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{Grants: "g1, G2"})

	a.OutputCosts = model.OutputCosts{
		"7": {"NumberOfPeople": {All: testutil.D("44500"), DirectOnly: testutil.D("25000")}},
	}
	a.Source = model.DataStoreSource
	require.NoError(t, env.Store.UpdateAnalysis(ctx, a))

	got := env.Reload(t, a)
	assert.Equal(t, []string{"G1", "G2"}, got.GrantsList())
	assert.Equal(t, model.DataStoreSource, got.Source)
	assert.True(t, got.OutputCosts["7"]["NumberOfPeople"].All.Equal(testutil.D("44500")))
	assert.True(t, got.OutputCosts.Has(7, "NumberOfPeople"))
}

func TestUpsertAllocations_OneRowPerConfigAndInstance(t *testing.T) {
	// GIVEN: An item allocated 10% to an instance
	// WHEN: Upserting 25% for the same pair
	// THEN: A single row remains with the new value

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Community Health Worker Program", map[string]string{"number_of_consultations": "10"})
	li := env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram,
		Allocations: map[int64]string{inst.ID: "10"}})

	require.NoError(t, env.Store.UpsertAllocations(ctx, []model.Allocation{{
		ConfigID: li.Config.ID, InterventionInstanceID: inst.ID,
		Allocation: decimal.NewNullDecimal(testutil.D("25")),
	}}))

	allocs, err := env.Store.ListAllocations(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Allocation.Decimal.Equal(testutil.D("25")))
}

func TestDeleteAnalysis_RemovesOwnedRows(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Community Health Worker Program", map[string]string{"number_of_consultations": "10"})
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram,
		Allocations: map[int64]string{inst.ID: "100"}})
	require.NoError(t, env.Store.BulkInsertTransactions(ctx, []model.Transaction{tx(a, "2020-01-05", "GRANT123", "1")}))

	require.NoError(t, env.Store.WithTx(ctx, func(s model.Store) error {
		return s.DeleteAnalysis(ctx, a.ID)
	}))

	_, err := env.Store.GetAnalysis(ctx, a.ID)
	assert.True(t, model.IsNotFound(err))
	n, err := env.Store.CountCostLineItems(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = env.Store.CountTransactions(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListLineItems_JoinsReferenceRows(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	li := env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeSupport, Category: "Office Expenses"})

	require.NotNil(t, li.CostType)
	require.NotNil(t, li.Category)
	assert.Equal(t, model.CostTypeSupport, li.CostType.Type)
	assert.Equal(t, "Office Expenses", li.Category.Name)
	assert.NotNil(t, li.Allocations)
}

func TestGrid_DeleteCascadesToGrantsAndInterventions(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Community Health Worker Program", map[string]string{"number_of_consultations": "10"})

	row := model.AnalysisCostTypeCategory{AnalysisID: a.ID,
		CostTypeID: env.CostTypes[model.CostTypeProgram].ID, CategoryID: env.Categories["National Staff"].ID}
	require.NoError(t, env.Store.CreateCostTypeCategory(ctx, &row))
	grant := model.AnalysisCostTypeCategoryGrant{CostTypeCategoryID: row.ID, Grant: "GRANT123"}
	require.NoError(t, env.Store.CreateCostTypeCategoryGrant(ctx, &grant))
	require.NoError(t, env.Store.CreateCostTypeCategoryGrantIntervention(ctx,
		&model.AnalysisCostTypeCategoryGrantIntervention{CostTypeCategoryGrantID: grant.ID, InterventionInstanceID: inst.ID}))

	grid, err := env.Store.GetGrid(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, grid.Categories, 1)
	assert.Len(t, grid.Grants, 1)
	assert.Len(t, grid.Interventions, 1)

	require.NoError(t, env.Store.DeleteGrid(ctx, a.ID))
	grid, err = env.Store.GetGrid(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, grid.Categories)
	assert.Empty(t, grid.Grants)
	assert.Empty(t, grid.Interventions)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := sqldb.Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
}
