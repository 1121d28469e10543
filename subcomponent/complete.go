package subcomponent

import (
	"strings"

	"github.com/dioptra/analysis-engine/allocate"
	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// SUB-STEPS
// =============================================================================

// SubSteps lists the (cost type, grant) slices that need vectors: the
// allocation sub-steps with at least one grid item of that cost type and
// grant carrying a positive allocation.
func SubSteps(grid *model.Grid, costTypes []model.CostType, items []model.LineItem) []allocate.CostTypeGrant {
	var out []allocate.CostTypeGrant
	for _, step := range allocate.SubSteps(grid, costTypes) {
		if hasItemsToSplit(items, step) {
			out = append(out, step)
		}
	}
	return out
}

func hasItemsToSplit(items []model.LineItem, step allocate.CostTypeGrant) bool {
	for i := range items {
		li := &items[i]
		if inSlice(li, step) && li.HasPositiveAllocation() {
			return true
		}
	}
	return false
}

func inSlice(li *model.LineItem, step allocate.CostTypeGrant) bool {
	return li.IsGridItem() && li.CostType != nil && li.CostType.ID == step.CostTypeID &&
		strings.EqualFold(strings.TrimSpace(li.GrantCode), strings.TrimSpace(step.Grant))
}

// SliceComplete reports whether every allocated, non-skipped grid item of
// the slice has a vector. A slice without allocated items is never complete.
func SliceComplete(items []model.LineItem, step allocate.CostTypeGrant) bool {
	if !hasItemsToSplit(items, step) {
		return false
	}
	for i := range items {
		li := &items[i]
		if !inSlice(li, step) {
			continue
		}
		if !li.HasPositiveAllocation() || li.Config.SubcomponentAllocationsSkipped {
			continue
		}
		if !li.Config.HasSubcomponentAllocations() {
			return false
		}
	}
	return true
}

// SupportingComplete reports whether every special lump sum of grant has
// a vector.
func SupportingComplete(items []model.LineItem, grant string) bool {
	for i := range items {
		li := &items[i]
		if !li.IsSpecialLumpSum || li.IsOtherCost() || !strings.EqualFold(li.GrantCode, grant) {
			continue
		}
		if !li.Config.HasSubcomponentAllocations() {
			return false
		}
	}
	return true
}

// ProgramComplete reports whether every PROGRAM slice is complete. This is
// what completes the allocate step; SUPPORT and INDIRECT follow the average.
func ProgramComplete(steps []allocate.CostTypeGrant, items []model.LineItem) bool {
	for _, step := range steps {
		if step.Kind == model.CostTypeProgram && !SliceComplete(items, step) {
			return false
		}
	}
	return true
}

// KindCompleteThrough reports whether every slice of kind or an earlier
// kind is complete.
func KindCompleteThrough(steps []allocate.CostTypeGrant, items []model.LineItem, kind model.CostTypeKind) bool {
	for _, step := range steps {
		if step.Kind <= kind && !SliceComplete(items, step) {
			return false
		}
	}
	return true
}
