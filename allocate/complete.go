package allocate

import (
	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// SUB-STEPS
// =============================================================================

// CostTypeGrant identifies one allocation sub-step.
type CostTypeGrant struct {
	CostTypeID int64
	Kind       model.CostTypeKind
	Grant      string
}

// SubSteps lists the distinct (cost type, grant) pairs of the grid, in the
// order their grant rows were created.
func SubSteps(grid *model.Grid, costTypes []model.CostType) []CostTypeGrant {
	kinds := make(map[int64]model.CostTypeKind, len(costTypes))
	for _, ct := range costTypes {
		kinds[ct.ID] = ct.Type
	}
	rows := make(map[int64]int64, len(grid.Categories))
	for _, row := range grid.Categories {
		rows[row.ID] = row.CostTypeID
	}
	seen := make(map[CostTypeGrant]bool)
	var out []CostTypeGrant
	for _, gr := range grid.Grants {
		ctID, ok := rows[gr.CostTypeCategoryID]
		if !ok {
			continue
		}
		step := CostTypeGrant{CostTypeID: ctID, Kind: kinds[ctID], Grant: gr.Grant}
		if seen[step] {
			continue
		}
		seen[step] = true
		out = append(out, step)
	}
	return out
}

// =============================================================================
// COMPLETENESS
// =============================================================================

// GrantComplete reports whether the (cost type, grant) sub-step is done:
// for every grid category of the cost type that holds items of the grant,
// every instance must have at least one allocation among those items, and
// no stored allocation may be null.
func GrantComplete(grid *model.Grid, items []model.LineItem, instances []model.InterventionInstance, step CostTypeGrant) bool {
	for _, row := range grid.Categories {
		if row.CostTypeID != step.CostTypeID {
			continue
		}
		var cell []*model.LineItem
		for i := range items {
			li := &items[i]
			if li.IsGridItem() && inCell(li, row.CostTypeID, row.CategoryID, step.Grant) {
				cell = append(cell, li)
			}
		}
		if len(cell) == 0 {
			continue
		}
		for _, inst := range instances {
			found := false
			for _, li := range cell {
				alloc, ok := li.Allocations[inst.ID]
				if !ok {
					continue
				}
				if !alloc.Valid {
					return false
				}
				found = true
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// SupportingCostsComplete reports whether no special lump sum of grant has a
// null allocation.
func SupportingCostsComplete(items []model.LineItem, grant string) bool {
	for i := range items {
		li := &items[i]
		if !li.IsSpecialLumpSum || li.IsOtherCost() || !sameGrant(li.GrantCode, grant) {
			continue
		}
		for _, alloc := range li.Allocations {
			if !alloc.Valid {
				return false
			}
		}
	}
	return true
}
