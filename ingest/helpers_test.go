package ingest_test

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dioptra/analysis-engine/ingest"
	"github.com/dioptra/analysis-engine/testutil"
)

var transactionHeader = []string{
	"transaction_date", "country_code", "grant_code", "budget_line_code", "account_code", "site_code",
	"sector_code", "transaction_code", "transaction_description", "currency_code",
	"budget_line_description", "amount",
}

// txRow builds a 12-column transaction row.
func txRow(date, country, grant, account, description, amount string) []string {
	return []string{date, country, grant, "BL1", account, "", "", "T-" + amount, "Payment", "USD", description, amount}
}

func csvFile(t testing.TB, rows ...[]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	require.NoError(t, w.WriteAll(rows))
	return bytes.NewReader(buf.Bytes())
}

func xlsxFile(t testing.TB, rows ...[]string) *bytes.Reader {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &values))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return bytes.NewReader(buf.Bytes())
}

func newLoader(env *testutil.Env) *ingest.Loader {
	return ingest.New(env.Store, ingest.DefaultOptions())
}

// jordanLedger is the 4-row AB234 fixture: three rows in 7WX and one in 2HI.
func jordanLedger() [][]string {
	return [][]string{
		txRow("2015-06-01", "7WX", "AB234", "5010", "Caseworker salaries", "250.00"),
		txRow("2015-09-15", "7WX", "AB234", "4100", "Dignity kits", "200.50"),
		txRow("2016-01-20", "7WX", "AB234", "6100", "Vehicle fuel", "100"),
		txRow("2016-03-31", "2HI", "AB234", "6200", "Regional office share", "36.53"),
	}
}

func withHeader(rows [][]string) [][]string {
	return append([][]string{transactionHeader}, rows...)
}
