/*
Package allocate computes and records the share of each cost line item
contributed to each intervention instance.

PURPOSE:
  Allocate runs one sub-step per (cost type, grant) of the grid, plus one
  "other supporting costs" sub-step per grant holding special lump sums.
  PROGRAM items are allocated by hand. SUPPORT and INDIRECT items get a
  suggested allocation derived from what was already allocated:

    SUPPORT:   basis = PROGRAM items of the grant
    INDIRECT:  basis = PROGRAM + SUPPORT items of the grant

    numerator   = Σ total_cost × allocation/100   (basis items allocated to the instance)
    denominator = Σ total_cost                    (all basis items)
    percentage  = round(numerator/denominator × 100, 4), 0 when denominator is 0

OTHER SUPPORTING COSTS:
  Special lump sums are outside the grid. Their suggestion is
  grant_proportion × country_proportion, see SupportingCosts.

PURE FUNCTIONS:
  Everything in this file works on a loaded []model.LineItem and never
  touches the store. allocate.go holds the write path.

SEE ALSO:
  - model/reference.go: CostTypeKind.SuggestionBasis
  - complete.go: sub-step completeness
*/
package allocate

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// Percentages are stored with four decimal places.
const Precision = 4

var hundred = decimal.NewFromInt(100)

// ChangeTolerance is the smallest difference between a stored and a
// suggested percentage that counts as a change.
var ChangeTolerance = decimal.New(5, -3)

// =============================================================================
// SUGGESTED ALLOCATION
// =============================================================================

// Suggestion is the suggested allocation of one instance within a grant.
type Suggestion struct {
	InstanceID  int64           `json:"intervention_instance_id"`
	Numerator   decimal.Decimal `json:"numerator"`
	Denominator decimal.Decimal `json:"denominator"`
	Percentage  decimal.Decimal `json:"percentage"`
}

func sameGrant(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Suggest returns the suggested allocation of items of kind to instanceID
// within grant. PROGRAM has no basis and always yields zeros.
func Suggest(items []model.LineItem, kind model.CostTypeKind, instanceID int64, grant string) Suggestion {
	s := Suggestion{InstanceID: instanceID}
	basis := kind.SuggestionBasis()
	if len(basis) == 0 {
		return s
	}
	for i := range items {
		li := &items[i]
		if !sameGrant(li.GrantCode, grant) || !li.IsKind(basis...) {
			continue
		}
		s.Denominator = s.Denominator.Add(li.TotalCost)
		if _, ok := li.AllocationFor(instanceID); ok {
			s.Numerator = s.Numerator.Add(li.AllocatedCost(instanceID))
		}
	}
	if !s.Denominator.IsZero() {
		s.Percentage = s.Numerator.Div(s.Denominator).Mul(hundred).Round(Precision)
	}
	return s
}

// SuggestGrant returns the suggestions of every instance, in instance order,
// trimmed so that they never add up to more than 100. Any excess is taken
// off the last instance.
func SuggestGrant(items []model.LineItem, kind model.CostTypeKind, instances []model.InterventionInstance, grant string) []Suggestion {
	out := make([]Suggestion, len(instances))
	total := decimal.Zero
	for i, inst := range instances {
		out[i] = Suggest(items, kind, inst.ID, grant)
		total = total.Add(out[i].Percentage)
	}
	if len(out) > 0 && total.GreaterThan(hundred) {
		last := &out[len(out)-1]
		last.Percentage = last.Percentage.Sub(total.Sub(hundred))
	}
	return out
}

// GridSuggestions indexes suggestions by cost type id then grant.
type GridSuggestions map[int64]map[string][]Suggestion

// SuggestAll returns the suggestions for every shared (cost type, grant) of
// the grid.
func SuggestAll(grid *model.Grid, costTypes []model.CostType, items []model.LineItem, instances []model.InterventionInstance) GridSuggestions {
	kinds := make(map[int64]model.CostTypeKind, len(costTypes))
	for _, ct := range costTypes {
		kinds[ct.ID] = ct.Type
	}
	rows := make(map[int64]int64, len(grid.Categories))
	for _, row := range grid.Categories {
		rows[row.ID] = row.CostTypeID
	}

	out := make(GridSuggestions)
	for _, gr := range grid.Grants {
		costTypeID := rows[gr.CostTypeCategoryID]
		kind := kinds[costTypeID]
		if !kind.Shared() {
			continue
		}
		if out[costTypeID] == nil {
			out[costTypeID] = make(map[string][]Suggestion)
		}
		if _, done := out[costTypeID][gr.Grant]; done {
			continue
		}
		out[costTypeID][gr.Grant] = SuggestGrant(items, kind, instances, gr.Grant)
	}
	return out
}

// Changed reports whether a stored percentage differs from a suggestion by
// at least ChangeTolerance. A missing stored value always counts as changed.
func Changed(stored decimal.NullDecimal, suggested decimal.Decimal) bool {
	if !stored.Valid {
		return true
	}
	return stored.Decimal.Sub(suggested).Abs().GreaterThanOrEqual(ChangeTolerance)
}

// =============================================================================
// OTHER SUPPORTING COSTS
// =============================================================================

// SupportingCostsSuggestion is the calculator shown for the special lump
// sums of one grant. Null fields are not computable for the analysis.
type SupportingCostsSuggestion struct {
	Grant               string              `json:"grant"`
	GrantProportion     decimal.NullDecimal `json:"grant_proportion"`
	CountryProportion   decimal.NullDecimal `json:"country_proportion"`
	SuggestedAllocation decimal.NullDecimal `json:"suggested_allocation"`
}

// SupportingCosts computes the other-supporting-costs suggestion for grant.
//
//	grant_proportion   = Σ allocated(PROGRAM ∪ SUPPORT) / Σ total(PROGRAM ∪ SUPPORT)
//	country_proportion = standard / (standard + max(ledger_total − Σ all items, 0))
//
// Both range over the grant's grid items; the ledger total is the unfiltered
// transaction total recorded at load time. SuggestedAllocation is a
// percentage and is only set when both proportions are non-zero.
func SupportingCosts(a *model.Analysis, items []model.LineItem, grant string) SupportingCostsSuggestion {
	out := SupportingCostsSuggestion{Grant: grant}

	basisTotal, basisCost := decimal.Zero, decimal.Zero
	standard, all := decimal.Zero, decimal.Zero
	for i := range items {
		li := &items[i]
		if !sameGrant(li.GrantCode, grant) {
			continue
		}
		all = all.Add(li.TotalCost)
		if !li.IsGridItem() {
			continue
		}
		standard = standard.Add(li.TotalCost)
		if !li.IsKind(model.CostTypeProgram, model.CostTypeSupport) {
			continue
		}
		basisTotal = basisTotal.Add(li.TotalCost)
		for _, alloc := range li.Allocations {
			if alloc.Valid && !alloc.Decimal.IsZero() {
				basisCost = basisCost.Add(li.TotalCost.Mul(alloc.Decimal).Div(hundred))
			}
		}
	}

	if !basisTotal.IsZero() {
		out.GrantProportion = decimal.NewNullDecimal(basisCost.Div(basisTotal))
	}
	if ledger, ok := a.AllTransactionsTotalCostFor(grant); ok {
		notStored := decimal.Max(ledger.Sub(all), decimal.Zero)
		denom := standard.Add(notStored)
		if denom.IsZero() {
			out.CountryProportion = decimal.NewNullDecimal(decimal.Zero)
		} else {
			out.CountryProportion = decimal.NewNullDecimal(standard.Div(denom))
		}
	}
	if out.GrantProportion.Valid && out.CountryProportion.Valid &&
		!out.GrantProportion.Decimal.IsZero() && !out.CountryProportion.Decimal.IsZero() {
		out.SuggestedAllocation = decimal.NewNullDecimal(
			out.GrantProportion.Decimal.Mul(out.CountryProportion.Decimal).Mul(hundred))
	}
	return out
}

// SpecialGrants returns the sorted grants holding special lump sums.
func SpecialGrants(items []model.LineItem) []string {
	var special []model.LineItem
	for _, li := range items {
		if li.IsSpecialLumpSum && !li.IsOtherCost() {
			special = append(special, li)
		}
	}
	return model.LineItemGrants(special)
}

// FormatPercent renders a proportion in [0, 1] as "61.11%".
func FormatPercent(p decimal.Decimal) string {
	return p.Mul(hundred).StringFixed(2) + "%"
}

// =============================================================================
// CATEGORY CALCULATOR
// =============================================================================

// CategoryShare is the allocated share of one (cost type, category, grant)
// cell of the grid.
type CategoryShare struct {
	AssignedTotal decimal.Decimal `json:"assigned_total"`
	AssignedCost  decimal.Decimal `json:"assigned_cost"`
	// Percentage is AssignedCost/AssignedTotal as "12.34%", empty when
	// nothing is assigned.
	Percentage string `json:"percentage"`
}

// ShareOf computes the calculator for the items of one grid cell.
// AssignedTotal counts an item once per set allocation, as the allocation
// screens do.
func ShareOf(items []model.LineItem, costTypeID, categoryID int64, grant string) CategoryShare {
	var s CategoryShare
	for i := range items {
		li := &items[i]
		if !inCell(li, costTypeID, categoryID, grant) {
			continue
		}
		for _, alloc := range li.Allocations {
			if !alloc.Valid {
				continue
			}
			s.AssignedTotal = s.AssignedTotal.Add(li.TotalCost)
			s.AssignedCost = s.AssignedCost.Add(li.TotalCost.Mul(alloc.Decimal).Div(hundred))
		}
	}
	s.AssignedTotal = s.AssignedTotal.Round(Precision)
	s.AssignedCost = s.AssignedCost.Round(Precision)
	if !s.AssignedTotal.IsZero() {
		s.Percentage = FormatPercent(s.AssignedCost.Div(s.AssignedTotal))
	}
	return s
}

func inCell(li *model.LineItem, costTypeID, categoryID int64, grant string) bool {
	if li.Config.CostTypeID == nil || li.Config.CategoryID == nil {
		return false
	}
	return *li.Config.CostTypeID == costTypeID && *li.Config.CategoryID == categoryID &&
		sameGrant(li.GrantCode, grant)
}
