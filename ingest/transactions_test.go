package ingest_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/datastore"
	"github.com/dioptra/analysis-engine/ingest"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/testutil"
)

func jordanAnalysis(t *testing.T, env *testutil.Env, grants string) *model.Analysis {
	t.Helper()
	env.AddCountry(t, "Jordan Field Office", "7WX", false)
	return env.NewAnalysis(t, testutil.AnalysisOptions{
		Grants:      grants,
		Start:       "2015-05-01",
		End:         "2016-04-30",
		CountryCode: "7WX",
	})
}

func ledgerRows(t *testing.T, rows [][]string) []datastore.Row {
	t.Helper()
	out := make([]datastore.Row, len(rows))
	for i, r := range rows {
		d, err := model.ParseDate(r[0])
		require.NoError(t, err)
		out[i] = datastore.Row{
			TransactionDate:        d,
			CountryCode:            r[1],
			GrantCode:              r[2],
			BudgetLineCode:         r[3],
			AccountCode:            r[4],
			SiteCode:               r[5],
			SectorCode:             r[6],
			TransactionCode:        r[7],
			TransactionDescription: r[8],
			CurrencyCode:           r[9],
			BudgetLineDescription:  r[10],
			Amount:                 decimal.RequireFromString(r[11]),
		}
	}
	return out
}

// =============================================================================
// FILE MODE
// =============================================================================

func TestLoadTransactionsFromFile_FourRowLedger(t *testing.T) {
	// GIVEN: An AB234 analysis over May 2015 - April 2016, no country filter
	// WHEN: Loading a 4-row csv and aggregating
	// THEN: 4 transactions, 4 items each with one transaction, totals 587.0300

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := jordanAnalysis(t, env, "AB234")
	loader := newLoader(env)

	load, err := loader.LoadTransactionsFromFile(ctx, a, "ledger.csv", csvFile(t, withHeader(jordanLedger())...))
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)
	assert.Equal(t, 4, load.Result.ImportedCount)

	n, err := loader.CreateCostLineItems(ctx, a, load.Transactions)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	fresh := env.Reload(t, a)
	assert.Equal(t, "587.0300", fresh.AllTransactionsTotalCost)
	assert.Equal(t, "ledger.csv", fresh.Source)

	txs, err := env.Store.ListTransactions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, txs, 4)
	linked := make(map[int64]int)
	for _, tx := range txs {
		require.NotNil(t, tx.CostLineItemID)
		linked[*tx.CostLineItemID]++
	}
	assert.Len(t, linked, 4)
	for _, count := range linked {
		assert.Equal(t, 1, count)
	}
}

func TestLoadTransactionsFromFile_CountryFilterWithSpecialCountry(t *testing.T) {
	// GIVEN: The country filter on and 2HI marked always-include
	// WHEN: Loading the same ledger from xlsx
	// THEN: 3 standard items in 7WX and 1 special lump sum for 2HI

	env := testutil.NewEnv(t)
	ctx := context.Background()
	env.SetCountryFilter(t, true)
	env.AddCountry(t, "Special Country", "2HI", true)
	a := jordanAnalysis(t, env, "AB234")
	loader := newLoader(env)

	load, err := loader.LoadTransactionsFromFile(ctx, a, "ledger.xlsx", xlsxFile(t, withHeader(jordanLedger())...))
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)
	assert.Equal(t, 4, load.Result.ImportedCount)

	_, err = loader.CreateCostLineItems(ctx, a, load.Transactions)
	require.NoError(t, err)
	assert.Equal(t, "587.0300", env.Reload(t, a).AllTransactionsTotalCost)

	items, err := env.Store.ListCostLineItems(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, items, 4)

	var standard, special []model.CostLineItem
	for _, item := range items {
		if item.IsSpecialLumpSum {
			special = append(special, item)
		} else {
			standard = append(standard, item)
		}
	}
	require.Len(t, standard, 3)
	require.Len(t, special, 1)
	for _, item := range standard {
		assert.Equal(t, "7WX", item.CountryCode)
	}
	assert.Equal(t, "2HI", special[0].CountryCode)
	assert.Equal(t, "Special Country", special[0].BudgetLineDescription)
	assert.Equal(t, "", special[0].AccountCode)
	assert.True(t, special[0].TotalCost.Equal(testutil.D("36.53")))
}

func TestLoadTransactionsFromFile_CountryFilterDropsOtherCountries(t *testing.T) {
	// GIVEN: The country filter on and 2HI not marked always-include
	// WHEN: Loading the ledger
	// THEN: Only the 3 home-country rows are kept, totals still cover all 4

	env := testutil.NewEnv(t)
	ctx := context.Background()
	env.SetCountryFilter(t, true)
	env.AddCountry(t, "Special Country", "2HI", false)
	a := jordanAnalysis(t, env, "AB234")
	loader := newLoader(env)

	load, err := loader.LoadTransactionsFromFile(ctx, a, "ledger.csv", csvFile(t, withHeader(jordanLedger())...))
	require.NoError(t, err)
	require.True(t, load.OK)
	assert.Equal(t, 3, load.Result.ImportedCount)

	n, err := loader.CreateCostLineItems(ctx, a, load.Transactions)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "587.0300", env.Reload(t, a).AllTransactionsTotalCost)
}

func TestLoadTransactionsFromFile_TotalsFollowGrantOrder(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := jordanAnalysis(t, env, "ab234, CD567, EF890")

	rows := append(jordanLedger(), txRow("2015-07-01", "7WX", "CD567", "5010", "Salaries", "17681"))
	load, err := newLoader(env).LoadTransactionsFromFile(ctx, a, "ledger.csv", csvFile(t, rows...))
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)

	assert.Equal(t, "587.0300,17681.0000,0.0000", env.Reload(t, a).AllTransactionsTotalCost)
}

func TestLoadTransactionsFromFile_RowErrorsRejectWholeFile(t *testing.T) {
	// GIVEN: A file mixing valid rows with invalid ones
	// WHEN: Loading it
	// THEN: Every invalid row is reported by file position and nothing is written

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := jordanAnalysis(t, env, "AB234")

	badCurrency := txRow("2015-06-02", "7WX", "AB234", "5010", "Salaries", "10")
	badCurrency[9] = "usd"
	file := csvFile(t,
		transactionHeader,
		txRow("2015/06/01", "7WX", "AB234", "5010", "Salaries", "10"),
		txRow("2015-06-01", "7WX", "ZZ999", "5010", "Salaries", "abc"),
		txRow("2015-08-01", "7WX", "AB234", "5010", "Salaries", "10"),
		txRow("2014-01-01", "7WX", "AB234", "5010", "Salaries", "10"),
		badCurrency,
		[]string{"2015-06-01", "7WX", "AB234", "5010", "Salaries"},
	)

	load, err := newLoader(env).LoadTransactionsFromFile(ctx, a, "ledger.csv", file)
	require.NoError(t, err)
	assert.False(t, load.OK)
	assert.Equal(t, 0, load.Result.ImportedCount)
	assert.Equal(t, []string{
		"Row 1: Transaction date (column A) must be in the format YYYY-MM-DD (got 2015/06/01)",
		"Row 2: Grant code (column C) Unexpected grant code (got ZZ999), Amount (column L) is not a number (got abc)",
		"Row 4: Transaction date (column A) transaction date must be within the analysis range (got 2014-01-01)",
		"Row 5: Currency code (column J) is an invalid currency code (got usd)",
		"Row 6: 12 to 17 columns required (got 5)",
	}, load.Result.Errors)

	n, err := env.Store.CountTransactions(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadTransactionsFromFile_CoercesSpreadsheetFloats(t *testing.T) {
	// GIVEN: A spreadsheet whose grant and account codes were saved as floats
	// WHEN: Loading with coercion on, then off
	// THEN: On, codes lose the ".0"; off, the grant no longer matches

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{Grants: "1234"})
	rows := [][]string{txRow("2020-03-01", "KE", "1234.0", "5010.0", "Salaries", "10")}

	load, err := newLoader(env).LoadTransactionsFromFile(ctx, a, "floats.xlsx", xlsxFile(t, rows...))
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)
	require.Len(t, load.Transactions, 1)
	assert.Equal(t, "1234", load.Transactions[0].GrantCode)
	assert.Equal(t, "5010", load.Transactions[0].AccountCode)

	strict := ingest.New(env.Store, ingest.Options{CoerceNumericCodes: false})
	load, err = strict.LoadTransactionsFromFile(ctx, a, "floats.xlsx", xlsxFile(t, rows...))
	require.NoError(t, err)
	assert.False(t, load.OK)
	assert.Equal(t, []string{"Row 0: Grant code (column C) Unexpected grant code (got 1234.0)"}, load.Result.Errors)
}

func TestLoadTransactionsFromFile_Preflight(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := jordanAnalysis(t, env, "AB234")

	t.Run("empty file", func(t *testing.T) {
		load, err := newLoader(env).LoadTransactionsFromFile(ctx, a, "empty.csv", bytes.NewReader(nil))
		require.NoError(t, err)
		assert.Equal(t, []string{model.MsgFileEmpty()}, load.Result.Errors)
	})

	t.Run("binary file", func(t *testing.T) {
		load, err := newLoader(env).LoadTransactionsFromFile(ctx, a, "a.bin", bytes.NewReader([]byte{0x00, 0x13, 0x37}))
		require.NoError(t, err)
		assert.Equal(t, []string{model.MsgFileTypeNotSupported()}, load.Result.Errors)
	})

	t.Run("too many rows", func(t *testing.T) {
		loader := ingest.New(env.Store, ingest.Options{CoerceNumericCodes: true, TransactionLimit: 2})
		load, err := loader.LoadTransactionsFromFile(ctx, a, "big.csv", csvFile(t, withHeader(jordanLedger())...))
		require.NoError(t, err)
		assert.False(t, load.OK)
		assert.Equal(t, []string{model.MsgFileTooLargeTransactions(2)}, load.Result.Errors)
	})
}

// =============================================================================
// DATA STORE MODE
// =============================================================================

func TestLoadTransactionsFromSource_FiltersLedger(t *testing.T) {
	// GIVEN: A ledger holding the AB234 rows plus rows for another grant and
	//        outside the analysis dates
	// WHEN: Loading from the data store
	// THEN: Only the 4 matching rows are imported and the source is recorded

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := jordanAnalysis(t, env, "AB234")

	rows := append(jordanLedger(),
		txRow("2015-06-01", "7WX", "XY000", "5010", "Other grant", "999"),
		txRow("2017-01-01", "7WX", "AB234", "5010", "Too late", "999"),
	)
	src := datastore.NewMemory(ledgerRows(t, rows)...)
	loader := newLoader(env)

	count, err := loader.CountSourceTransactions(ctx, a, src)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	load, err := loader.LoadTransactionsFromSource(ctx, a, src)
	require.NoError(t, err)
	require.True(t, load.OK, load.Result.Errors)
	assert.Equal(t, 4, load.Result.ImportedCount)

	fresh := env.Reload(t, a)
	assert.Equal(t, model.DataStoreSource, fresh.Source)
	assert.Equal(t, "587.0300", fresh.AllTransactionsTotalCost)
}

func TestLoadTransactionsFromSource_Failures(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := jordanAnalysis(t, env, "AB234")

	t.Run("not configured", func(t *testing.T) {
		_, err := newLoader(env).LoadTransactionsFromSource(ctx, a, nil)
		assert.ErrorIs(t, err, model.ErrTransactionStoreDisabled)
	})

	t.Run("unhealthy", func(t *testing.T) {
		src := datastore.NewMemory(ledgerRows(t, jordanLedger())...)
		src.SetHealthy(false)
		load, err := newLoader(env).LoadTransactionsFromSource(ctx, a, src)
		require.NoError(t, err)
		assert.False(t, load.OK)
		assert.Equal(t, []string{model.MsgErrorImportingFromTransactionStore()}, load.Result.Errors)
	})

	t.Run("over the limit", func(t *testing.T) {
		src := datastore.NewMemory(ledgerRows(t, jordanLedger())...)
		loader := ingest.New(env.Store, ingest.Options{CoerceNumericCodes: true, TransactionLimit: 3})
		load, err := loader.LoadTransactionsFromSource(ctx, a, src)
		require.NoError(t, err)
		assert.Equal(t, []string{model.MsgFileTooLargeTransactions(3)}, load.Result.Errors)
	})

	n, err := env.Store.CountTransactions(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
