package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// COST LINE ITEM UPLOAD
// =============================================================================

type lineItemField int

const (
	fieldGrant lineItemField = iota
	fieldBudgetLine
	fieldAccount
	fieldSite
	fieldSector
	fieldBudgetLineDescription
	fieldTotalCost
	fieldLOEOrUnit
	fieldMonthsOrUnit
	fieldUnitCost
	fieldDummy1
	fieldDummy2
)

type lineItemColumn struct {
	field    lineItemField
	human    string
	required bool
	numeric  bool
	money    bool
	maxLen   int
}

// lineItemColumns is the fixed column order of a cost line item upload.
var lineItemColumns = []lineItemColumn{
	{field: fieldGrant, human: "Grant code", required: true, numeric: true, maxLen: 255},
	{field: fieldBudgetLine, human: "Budget line code", numeric: true, maxLen: 255},
	{field: fieldAccount, human: "Account code", required: true, numeric: true, maxLen: 255},
	{field: fieldSite, human: "Site code", numeric: true, maxLen: 255},
	{field: fieldSector, human: "Sector code", numeric: true, maxLen: 255},
	{field: fieldBudgetLineDescription, human: "Budget line description", required: true, numeric: true, maxLen: 1000},
	{field: fieldTotalCost, human: "Total cost", money: true},
	{field: fieldLOEOrUnit, human: "LOE or Unit", money: true},
	{field: fieldMonthsOrUnit, human: "Months or Unit", money: true},
	{field: fieldUnitCost, human: "Unit cost", money: true},
	{field: fieldDummy1, human: "Dummy field 1", maxLen: 255},
	{field: fieldDummy2, human: "Dummy field 2", maxLen: 255},
}

const (
	countryCodeLimit = 10
	// Decimal columns hold 14 digits with 4 decimal places.
	wholeDigitLimit = 10
)

// LoadCostLineItems imports cost line items directly from an upload whose
// first row is a header. Every row is checked before anything is written;
// any error leaves the analysis untouched. Rows with a zero total are
// skipped. On success source is recorded on the analysis.
func (l *Loader) LoadCostLineItems(ctx context.Context, a *model.Analysis, source string, r io.Reader) (bool, model.LoadResult, error) {
	rows, err := ReadRows(r)
	if err != nil {
		if res, ok := model.FromImportError(err); ok {
			return false, res, nil
		}
		return false, model.LoadResult{}, err
	}
	if len(rows) <= 1 {
		return false, model.FailedLoad(model.MsgFileEmpty()), nil
	}
	if len(rows) > l.Options.lineItemLimit() {
		return false, model.FailedLoad(model.MsgFileTooLarge(l.Options.lineItemLimit())), nil
	}

	home, err := l.Store.GetCountry(ctx, a.CountryID)
	if err != nil {
		return false, model.LoadResult{}, fmt.Errorf("analysis country: %w", err)
	}

	var (
		errs  []string
		items []model.CostLineItem
	)
	for i, row := range rows[1:] {
		item, rowErrs := l.parseLineItemRow(i, row)
		if len(rowErrs) > 0 {
			errs = append(errs, rowErrs...)
			continue
		}
		item.AnalysisID = a.ID
		item.CountryCode = home.Code
		if item.hasTotal && item.TotalCost.IsZero() {
			continue
		}
		if fieldErrs := checkLineItem(i, item); len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		items = append(items, item.CostLineItem)
	}
	if len(errs) > 0 {
		return false, model.FailedLoad(errs...), nil
	}

	if err := l.Store.BulkInsertCostLineItems(ctx, items, nil); err != nil {
		return false, model.LoadResult{}, err
	}
	a.Source = source
	if err := l.Store.UpdateAnalysis(ctx, a); err != nil {
		return false, model.LoadResult{}, err
	}
	return true, model.LoadResult{ImportedCount: len(items)}, nil
}

// parseLineItemRow casts the cells of data row i (0-based after the
// header). Cells past the end of a short row keep their zero value.
func (l *Loader) parseLineItemRow(i int, row []string) (*lineItemDraft, []string) {
	d := &lineItemDraft{}
	var errs []string
	for j, col := range lineItemColumns {
		if j >= len(row) {
			continue
		}
		value := row[j]
		if col.required && value == "" {
			errs = append(errs, model.MsgRequiredRowColumn(i+1, col.human))
		}
		if value == "" {
			continue
		}
		switch {
		case col.money:
			v, err := parseMoney(value)
			if err != nil {
				errs = append(errs, model.MsgInvalidRowColumn(i+1, col.human, value, ""))
				continue
			}
			d.setDecimal(col.field, v)
		case col.numeric:
			d.setString(col.field, l.Options.code(value))
		default:
			d.setString(col.field, value)
		}
	}
	return d, errs
}

// lineItemDraft is a CostLineItem whose total may still be missing.
type lineItemDraft struct {
	model.CostLineItem
	hasTotal bool
}

func (d *lineItemDraft) setString(f lineItemField, v string) {
	switch f {
	case fieldGrant:
		d.GrantCode = v
	case fieldBudgetLine:
		d.BudgetLineCode = v
	case fieldAccount:
		d.AccountCode = v
	case fieldSite:
		d.SiteCode = v
	case fieldSector:
		d.SectorCode = v
	case fieldBudgetLineDescription:
		d.BudgetLineDescription = v
	case fieldDummy1:
		d.DummyField1 = v
	case fieldDummy2:
		d.DummyField2 = v
	}
}

func (d *lineItemDraft) setDecimal(f lineItemField, v decimal.Decimal) {
	switch f {
	case fieldTotalCost:
		d.TotalCost = v
		d.hasTotal = true
	case fieldLOEOrUnit:
		d.LOEOrUnit = decimal.NewNullDecimal(v)
	case fieldMonthsOrUnit:
		d.MonthsOrUnit = decimal.NewNullDecimal(v)
	case fieldUnitCost:
		d.UnitCost = decimal.NewNullDecimal(v)
	}
}

// =============================================================================
// FIELD CHECKS
// =============================================================================

// checkLineItem applies the persisted column constraints. Messages use the
// 0-based data row index.
func checkLineItem(i int, d *lineItemDraft) []string {
	var errs []string
	fail := func(human, msg string) {
		errs = append(errs, model.MsgInvalidModelField(i, human, msg))
	}

	if utf8.RuneCountInString(d.CountryCode) > countryCodeLimit {
		fail("Country code", tooLong(countryCodeLimit, d.CountryCode))
	}
	strs := map[lineItemField]string{
		fieldGrant:                 d.GrantCode,
		fieldBudgetLine:            d.BudgetLineCode,
		fieldAccount:               d.AccountCode,
		fieldSite:                  d.SiteCode,
		fieldSector:                d.SectorCode,
		fieldBudgetLineDescription: d.BudgetLineDescription,
		fieldDummy1:                d.DummyField1,
		fieldDummy2:                d.DummyField2,
	}
	for _, col := range lineItemColumns {
		if col.maxLen == 0 {
			continue
		}
		if v := strs[col.field]; utf8.RuneCountInString(v) > col.maxLen {
			fail(col.human, tooLong(col.maxLen, v))
		}
	}

	if !d.hasTotal {
		fail("Total cost", "This field cannot be null.")
	} else if wholeDigits(d.TotalCost) > wholeDigitLimit {
		fail("Total cost", "Ensure that there are no more than 14 digits in total.")
	}
	for _, nd := range []struct {
		human string
		v     decimal.NullDecimal
	}{
		{"LOE or Unit", d.LOEOrUnit},
		{"Months or Unit", d.MonthsOrUnit},
		{"Unit cost", d.UnitCost},
	} {
		if nd.v.Valid && wholeDigits(nd.v.Decimal) > wholeDigitLimit {
			fail(nd.human, "Ensure that there are no more than 14 digits in total.")
		}
	}
	return errs
}

func tooLong(limit int, v string) string {
	return fmt.Sprintf("Ensure this value has at most %d characters (it has %d).", limit, utf8.RuneCountInString(v))
}

// wholeDigits counts the digits before the decimal point.
func wholeDigits(d decimal.Decimal) int {
	s := d.Abs().Truncate(0).String()
	if s == "0" {
		return 0
	}
	return len(strings.TrimLeft(s, "0"))
}
