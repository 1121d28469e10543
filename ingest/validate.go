package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// TRANSACTION COLUMNS
// =============================================================================

// Column positions of the fixed transaction layout.
const (
	colDate = iota
	colCountry
	colGrant
	colBudgetLine
	colAccount
	colSite
	colSector
	colTransactionCode
	colTransactionDescription
	colCurrency
	colBudgetLineDescription
	colAmount
	colDummy1
)

const (
	minTransactionColumns = 12
	maxTransactionColumns = 17
	shortFieldLimit       = 255
)

// numericCodeColumns hold codes that spreadsheets tend to turn into floats.
var numericCodeColumns = []int{colGrant, colBudgetLine, colAccount, colSite, colSector, colBudgetLineDescription}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

const invalidCharactersMessage = "Contains invalid characters. Re-save the file with utf-8 encoding, " +
	"or remove the funny-looking characters"

// =============================================================================
// ROW VALIDATOR
// =============================================================================

// rowValidator collects the errors of one transaction row. Each column runs
// its checks in order and stops at the first failure.
type rowValidator struct {
	analysis *model.Analysis
	errs     []string
}

type check func(v *rowValidator, value, prefix string) bool

func (v *rowValidator) fail(format string, args ...any) bool {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
	return true
}

func (v *rowValidator) column(value, prefix string, checks ...check) {
	for _, c := range checks {
		if c(v, value, prefix) {
			return
		}
	}
}

func required(v *rowValidator, value, prefix string) bool {
	if value == "" {
		return v.fail("%s cannot be empty", prefix)
	}
	return false
}

func short(v *rowValidator, value, prefix string) bool {
	if utf8.RuneCountInString(value) > shortFieldLimit {
		return v.fail("%s is longer than 255 characters", prefix)
	}
	return false
}

func dateFormat(v *rowValidator, value, prefix string) bool {
	if !datePattern.MatchString(value) {
		return v.fail("%s must be in the format YYYY-MM-DD (got %s)", prefix, value)
	}
	return false
}

func dateInRange(v *rowValidator, value, prefix string) bool {
	if v.analysis == nil {
		return false
	}
	d, err := model.ParseDate(value)
	if err != nil {
		return v.fail("%s Unable to check date range (got %s)", prefix, value)
	}
	if !v.analysis.ContainsDate(d) {
		return v.fail("%s transaction date must be within the analysis range (got %s)", prefix, value)
	}
	return false
}

func grantCode(v *rowValidator, value, prefix string) bool {
	if v.analysis != nil && !v.analysis.HasGrant(value) {
		return v.fail("%s Unexpected grant code (got %s)", prefix, value)
	}
	return false
}

func currencyCode(v *rowValidator, value, prefix string) bool {
	if value != strings.ToUpper(value) {
		return v.fail("%s is an invalid currency code (got %s)", prefix, value)
	}
	if _, err := currency.ParseISO(value); err != nil {
		return v.fail("%s is an invalid currency code (got %s)", prefix, value)
	}
	return false
}

func number(v *rowValidator, value, prefix string) bool {
	if _, err := decimal.NewFromString(strings.TrimSpace(value)); err != nil {
		return v.fail("%s is not a number (got %s)", prefix, value)
	}
	return false
}

// ValidateTransactionRow returns the user-facing message for row index, or
// "" when the row is valid. A nil analysis skips the range and grant checks.
func ValidateTransactionRow(index int, row []string, a *model.Analysis) string {
	v := &rowValidator{analysis: a}
	v.validate(row)
	if len(v.errs) == 0 {
		return ""
	}
	return fmt.Sprintf("Row %d: %s", index, strings.Join(v.errs, ", "))
}

func (v *rowValidator) validate(row []string) {
	if len(row) < minTransactionColumns || len(row) > maxTransactionColumns {
		v.fail("12 to 17 columns required (got %d)", len(row))
		return
	}
	for _, cell := range row {
		if strings.ContainsRune(cell, utf8.RuneError) {
			v.fail(invalidCharactersMessage)
			return
		}
	}

	v.column(row[colDate], "Transaction date (column A)", required, dateFormat, dateInRange)
	v.column(row[colCountry], "Country code (column B)", required, short)
	v.column(row[colGrant], "Grant code (column C)", required, short, grantCode)
	v.column(row[colBudgetLine], "Budget line code (column D)", short)
	v.column(row[colAccount], "Account code (column E)", required, short)
	v.column(row[colSite], "Site code (column F)", short)
	v.column(row[colSector], "Sector code (column G)", short)
	v.column(row[colTransactionCode], "Transaction code (column H)", short)
	v.column(row[colCurrency], "Currency code (column J)", required, currencyCode)
	v.column(row[colBudgetLineDescription], "Budget line description (column K)", required, short)
	v.column(row[colAmount], "Amount (column L)", required, number)

	for i := colDummy1; i < len(row); i++ {
		n := i - colDummy1 + 1
		v.column(row[i], fmt.Sprintf("Dummy field %d (column %c)", n, 'M'+rune(n-1)), short)
	}
}

// looksLikeHeader reports whether the first row names columns rather than
// holding data: its amount cell does not parse.
func looksLikeHeader(row []string) bool {
	if len(row) <= colAmount {
		return false
	}
	_, err := decimal.NewFromString(strings.TrimSpace(row[colAmount]))
	return err != nil
}
