package categorize

import (
	"context"
	"sort"
	"strings"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// ENSURE GRID
// =============================================================================

// GridChanges counts the rows EnsureGrid created and deleted.
type GridChanges struct {
	CategoriesCreated int `json:"categories_created"`
	CategoriesDeleted int `json:"categories_deleted"`
	GrantsCreated     int `json:"grants_created"`
	GrantsDeleted     int `json:"grants_deleted"`
}

type pair struct {
	costTypeID int64
	categoryID int64
}

type pairGrant struct {
	pair
	grant string
}

// EnsureGrid makes the grid match the categorized grid items of a: one row
// per (cost type, category) in use, one grant row per analysis grant with
// items under that pair, and an intervention row per instance under each
// grant row. Rows no longer backed by items are deleted. Running it twice
// changes nothing the second time.
func (c *Categorizer) EnsureGrid(ctx context.Context, a *model.Analysis) (GridChanges, error) {
	var changes GridChanges

	items, err := c.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return changes, err
	}
	instances, err := c.Store.ListInterventionInstances(ctx, a.ID)
	if err != nil {
		return changes, err
	}
	grid, err := c.Store.GetGrid(ctx, a.ID)
	if err != nil {
		return changes, err
	}

	pairs, used := usedPairs(items)

	// Categories.
	existing := make(map[pair]model.AnalysisCostTypeCategory, len(grid.Categories))
	var stale []int64
	for _, row := range grid.Categories {
		p := pair{row.CostTypeID, row.CategoryID}
		if _, wanted := used.pairs[p]; !wanted {
			stale = append(stale, row.ID)
			continue
		}
		if _, dup := existing[p]; dup {
			stale = append(stale, row.ID)
			continue
		}
		existing[p] = row
	}
	if err := c.Store.DeleteCostTypeCategories(ctx, stale); err != nil {
		return changes, err
	}
	changes.CategoriesDeleted = len(stale)

	for _, p := range pairs {
		if _, ok := existing[p]; ok {
			continue
		}
		row := model.AnalysisCostTypeCategory{AnalysisID: a.ID, CostTypeID: p.costTypeID, CategoryID: p.categoryID}
		if err := c.Store.CreateCostTypeCategory(ctx, &row); err != nil {
			return changes, err
		}
		existing[p] = row
		changes.CategoriesCreated++
	}

	// Grants and their interventions.
	staleIDs := make(map[int64]bool, len(stale))
	for _, id := range stale {
		staleIDs[id] = true
	}
	grantRows := make(map[pairGrant]model.AnalysisCostTypeCategoryGrant)
	byRow := make(map[int64]pair, len(existing))
	for p, row := range existing {
		byRow[row.ID] = p
	}
	var staleGrants []int64
	for _, gr := range grid.Grants {
		if staleIDs[gr.CostTypeCategoryID] {
			continue
		}
		key := pairGrant{byRow[gr.CostTypeCategoryID], gr.Grant}
		if _, wanted := used.grants[key]; !wanted {
			staleGrants = append(staleGrants, gr.ID)
			continue
		}
		if _, dup := grantRows[key]; dup {
			staleGrants = append(staleGrants, gr.ID)
			continue
		}
		grantRows[key] = gr
	}
	if err := c.Store.DeleteCostTypeCategoryGrants(ctx, staleGrants); err != nil {
		return changes, err
	}
	changes.GrantsDeleted = len(staleGrants)

	contributing := make(map[int64]map[int64]bool)
	for _, gi := range grid.Interventions {
		if contributing[gi.CostTypeCategoryGrantID] == nil {
			contributing[gi.CostTypeCategoryGrantID] = make(map[int64]bool)
		}
		contributing[gi.CostTypeCategoryGrantID][gi.InterventionInstanceID] = true
	}

	for _, p := range pairs {
		for _, grant := range a.GrantsList() {
			key := pairGrant{p, grant}
			if _, wanted := used.grants[key]; !wanted {
				continue
			}
			gr, ok := grantRows[key]
			if !ok {
				gr = model.AnalysisCostTypeCategoryGrant{CostTypeCategoryID: existing[p].ID, Grant: grant}
				if err := c.Store.CreateCostTypeCategoryGrant(ctx, &gr); err != nil {
					return changes, err
				}
				grantRows[key] = gr
				changes.GrantsCreated++
			}
			for _, inst := range instances {
				if contributing[gr.ID][inst.ID] {
					continue
				}
				row := model.AnalysisCostTypeCategoryGrantIntervention{
					CostTypeCategoryGrantID: gr.ID,
					InterventionInstanceID:  inst.ID,
				}
				if err := c.Store.CreateCostTypeCategoryGrantIntervention(ctx, &row); err != nil {
					return changes, err
				}
			}
		}
	}
	return changes, nil
}

type usage struct {
	pairs  map[pair]struct{}
	grants map[pairGrant]struct{}
}

// usedPairs returns the (cost type, category) pairs of the categorized grid
// items, in cost type then category order, and the (pair, grant) set.
func usedPairs(items []model.LineItem) ([]pair, usage) {
	u := usage{pairs: make(map[pair]struct{}), grants: make(map[pairGrant]struct{})}
	type ordered struct {
		pair
		costTypeOrder, categoryOrder int
	}
	var list []ordered
	for _, li := range items {
		if !li.IsGridItem() || li.Config.CostTypeID == nil || li.Config.CategoryID == nil {
			continue
		}
		p := pair{*li.Config.CostTypeID, *li.Config.CategoryID}
		u.grants[pairGrant{p, strings.ToUpper(li.GrantCode)}] = struct{}{}
		if _, seen := u.pairs[p]; seen {
			continue
		}
		u.pairs[p] = struct{}{}
		o := ordered{pair: p}
		if li.CostType != nil {
			o.costTypeOrder = li.CostType.Order
		}
		if li.Category != nil {
			o.categoryOrder = li.Category.Order
		}
		list = append(list, o)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].costTypeOrder != list[j].costTypeOrder {
			return list[i].costTypeOrder < list[j].costTypeOrder
		}
		if list[i].categoryOrder != list[j].categoryOrder {
			return list[i].categoryOrder < list[j].categoryOrder
		}
		if list[i].costTypeID != list[j].costTypeID {
			return list[i].costTypeID < list[j].costTypeID
		}
		return list[i].categoryID < list[j].categoryID
	})
	pairs := make([]pair, len(list))
	for i, o := range list {
		pairs[i] = o.pair
	}
	return pairs, u
}

// =============================================================================
// CONFIRMATION
// =============================================================================

// Confirm marks every grid row of one cost type as confirmed.
func (c *Categorizer) Confirm(ctx context.Context, analysisID, costTypeID int64) error {
	grid, err := c.Store.GetGrid(ctx, analysisID)
	if err != nil {
		return err
	}
	for _, row := range grid.Categories {
		if row.CostTypeID != costTypeID || row.Confirmed {
			continue
		}
		row.Confirmed = true
		if err := c.Store.UpdateCostTypeCategory(ctx, &row); err != nil {
			return err
		}
	}
	return nil
}

// CostTypesInGrid returns the distinct cost type ids of the grid rows.
func CostTypesInGrid(grid *model.Grid) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, row := range grid.Categories {
		if !seen[row.CostTypeID] {
			seen[row.CostTypeID] = true
			out = append(out, row.CostTypeID)
		}
	}
	return out
}

// CostTypeConfirmed reports whether every grid row of the cost type is
// confirmed. A cost type with no rows is not confirmed.
func CostTypeConfirmed(grid *model.Grid, costTypeID int64) bool {
	found := false
	for _, row := range grid.Categories {
		if row.CostTypeID != costTypeID {
			continue
		}
		if !row.Confirmed {
			return false
		}
		found = true
	}
	return found
}

// Complete reports whether the grid is non-empty and fully confirmed.
func Complete(grid *model.Grid) bool {
	if len(grid.Categories) == 0 {
		return false
	}
	for _, row := range grid.Categories {
		if !row.Confirmed {
			return false
		}
	}
	return true
}
