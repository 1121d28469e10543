package ingest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/datastore"
	"github.com/dioptra/analysis-engine/ingest"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/testutil"
)

func itemsByAccount(t *testing.T, env *testutil.Env, a *model.Analysis) map[string]model.LineItem {
	t.Helper()
	items, err := env.Store.ListLineItems(context.Background(), a.ID)
	require.NoError(t, err)
	out := make(map[string]model.LineItem, len(items))
	for _, li := range items {
		out[li.AccountCode] = li
	}
	return out
}

func TestCreateCostLineItems_GroupsAndDropsZeroTotals(t *testing.T) {
	// GIVEN: Two rows sharing a grouping key and a pair that cancels out
	// WHEN: Aggregating
	// THEN: The shared key sums, the cancelled key is dropped with its rows

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	rows := [][]string{
		txRow("2020-01-10", "KE", "GRANT123", "5010", "Salaries", "100"),
		txRow("2020-02-10", "KE", "GRANT123", "5010", "Salaries", "50.25"),
		txRow("2020-03-10", "KE", "GRANT123", "6100", "Fuel", "40"),
		txRow("2020-04-10", "KE", "GRANT123", "6100", "Fuel", "-40.004"),
	}
	// Same transaction code so both pairs share a key.
	for _, r := range rows {
		r[7] = "T"
	}
	loader := newLoader(env)

	load, err := loader.LoadTransactionsFromFile(ctx, a, "ledger.csv", csvFile(t, rows...))
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)

	n, err := loader.CreateCostLineItems(ctx, a, load.Transactions)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items := itemsByAccount(t, env, a)
	require.Contains(t, items, "5010")
	assert.True(t, items["5010"].TotalCost.Equal(testutil.D("150.25")))
	assert.Equal(t, model.AnalysisCostStandard, items["5010"].Config.AnalysisCostType)

	count, err := env.Store.CountTransactions(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSyncCostLineItems_PreservesMatchingItems(t *testing.T) {
	// GIVEN: Items created from a first ledger load, one of them categorized,
	//        plus a client-time item
	// WHEN: The ledger changes and the analysis is resynced
	// THEN: Matching items keep id and config with new totals, vanished keys
	//       are deleted, new keys are created, other costs are untouched

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{ClientTime: true})
	loader := newLoader(env)

	ledger := func(salaries string, extra ...[]string) *datastore.Memory {
		rows := [][]string{
			txRow("2020-01-10", "KE", "GRANT123", "5010", "Salaries", salaries),
			txRow("2020-02-10", "KE", "GRANT123", "4100", "Kits", "20"),
		}
		for _, r := range rows {
			r[7] = "T"
		}
		return datastore.NewMemory(ledgerRows(t, append(rows, extra...))...)
	}

	fuel := txRow("2020-03-10", "KE", "GRANT123", "6100", "Fuel", "40")
	fuel[7] = "T"
	load, err := loader.LoadTransactionsFromSource(ctx, a, ledger("100", fuel))
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)
	_, err = loader.CreateCostLineItems(ctx, a, load.Transactions)
	require.NoError(t, err)

	before := itemsByAccount(t, env, a)
	require.Len(t, before, 3)
	cfg := before["5010"].Config
	supportID := env.CostTypes[model.CostTypeSupport].ID
	cfg.CostTypeID = &supportID
	require.NoError(t, env.Store.UpdateConfig(ctx, &cfg))
	client := env.AddItem(t, a, testutil.ItemSpec{
		AccountCode:      "CLIENT",
		Total:            "75",
		AnalysisCostType: model.AnalysisCostClientTime,
	})

	wells := txRow("2020-05-10", "KE", "GRANT123", "7000", "Wells", "500")
	wells[7] = "T"
	require.NoError(t, env.Store.DeleteTransactions(ctx, a.ID))
	load, err = loader.LoadTransactionsFromSource(ctx, a, ledger("300", wells))
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)

	res, err := loader.SyncCostLineItems(ctx, a, load.Transactions)
	require.NoError(t, err)
	assert.Equal(t, ingest.SyncResult{Created: 1, Updated: 2, Deleted: 1}, res)

	after := itemsByAccount(t, env, a)
	require.Len(t, after, 4)
	assert.NotContains(t, after, "6100")

	salaries := after["5010"]
	assert.Equal(t, before["5010"].ID, salaries.ID)
	assert.True(t, salaries.TotalCost.Equal(testutil.D("300")))
	require.NotNil(t, salaries.Config.CostTypeID)
	assert.Equal(t, supportID, *salaries.Config.CostTypeID)

	assert.True(t, after["7000"].TotalCost.Equal(testutil.D("500")))
	assert.Equal(t, client.ID, after["CLIENT"].ID)
	assert.True(t, after["CLIENT"].TotalCost.Equal(testutil.D("75")))

	txs, err := env.Store.ListTransactions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for _, tx := range txs {
		require.NotNil(t, tx.CostLineItemID)
		assert.Equal(t, after[tx.AccountCode].ID, *tx.CostLineItemID)
	}
}
