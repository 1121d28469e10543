package ingest_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/ingest"
	"github.com/dioptra/analysis-engine/model"
)

func TestSniff(t *testing.T) {
	assert.Equal(t, ingest.FormatXLS, ingest.Sniff([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0x00}))
	assert.Equal(t, ingest.FormatXLSX, ingest.Sniff([]byte("PK\x03\x04")))
	assert.Equal(t, ingest.FormatText, ingest.Sniff([]byte("a,b,c")))
	assert.Equal(t, ingest.FormatText, ingest.Sniff(nil))
}

func TestCanonicalNumericString(t *testing.T) {
	cases := map[string]string{
		"100.0":   "100",
		"9116":    "9116",
		"9116.7":  "9116",
		"-3.0":    "-3",
		"1e3":     "1000",
		" 12.0 ":  "12",
		"AB234":   "AB234",
		"":        "",
		"12-34":   "12-34",
		"nan":     "nan",
		"0042":    "42",
		"7WX":     "7WX",
		"Fuel 10": "Fuel 10",
	}
	for in, want := range cases {
		assert.Equal(t, want, ingest.CanonicalNumericString(in), "input %q", in)
	}
}

func TestReadRows_Text(t *testing.T) {
	t.Run("cp1252 fallback", func(t *testing.T) {
		rows, err := ingest.ReadRows(bytes.NewReader([]byte("name,amount\ncaf\xe9,10\n")))
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "café", rows[1][0])
	})

	t.Run("byte order mark and empty rows", func(t *testing.T) {
		rows, err := ingest.ReadRows(strings.NewReader("\ufeffa,b\n,\n\nc,d\n"))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}}, rows)
	})

	t.Run("tab separated", func(t *testing.T) {
		rows, err := ingest.ReadRows(strings.NewReader("a\tb\tc\n1\t2\t3\n"))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"a", "b", "c"}, {"1", "2", "3"}}, rows)
	})

	t.Run("corrupt spreadsheet", func(t *testing.T) {
		_, err := ingest.ReadRows(strings.NewReader("PK not really a zip"))
		var ie *model.ImportError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, model.KindErrorReadingFile, ie.Kind)
	})
}

func TestValidateTransactionRow(t *testing.T) {
	start, _ := model.ParseDate("2020-01-01")
	end, _ := model.ParseDate("2020-12-31")
	a := &model.Analysis{Grants: "GRANT123", StartDate: start, EndDate: end}

	valid := txRow("2020-05-01", "KE", "grant123", "5010", "Salaries", "12.5")
	assert.Empty(t, ingest.ValidateTransactionRow(0, valid, a))

	missing := txRow("", "", "GRANT123", "", "", "")
	assert.Equal(t, "Row 3: Transaction date (column A) cannot be empty, Country code (column B) cannot be empty, "+
		"Account code (column E) cannot be empty, Budget line description (column K) cannot be empty, "+
		"Amount (column L) cannot be empty", ingest.ValidateTransactionRow(3, missing, a))

	long := txRow("2020-05-01", "KE", "GRANT123", "5010", "Salaries", "1")
	long = append(long, strings.Repeat("x", 256))
	assert.Equal(t, "Row 1: Dummy field 1 (column M) is longer than 255 characters",
		ingest.ValidateTransactionRow(1, long, a))

	garbled := txRow("2020-05-01", "KE", "GRANT123", "5010", "Sal\ufffdries", "1")
	assert.Contains(t, ingest.ValidateTransactionRow(2, garbled, a), "Contains invalid characters")

	badDate := txRow("2020-02-30", "KE", "GRANT123", "5010", "Salaries", "1")
	assert.Equal(t, "Row 0: Transaction date (column A) Unable to check date range (got 2020-02-30)",
		ingest.ValidateTransactionRow(0, badDate, a))
}
