package workflow

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dioptra/analysis-engine/allocate"
	"github.com/dioptra/analysis-engine/insights"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/subcomponent"
)

// =============================================================================
// INVALIDATION - What each step deletes when its inputs change
// =============================================================================

// Invalidator clears the data derived from a step. Callers run it inside
// the same transaction as the write that made the data stale.
type Invalidator struct {
	Store model.Store
}

func NewInvalidator(store model.Store) *Invalidator {
	return &Invalidator{Store: store}
}

// Invalidate runs the invalidation of the named top-level step:
//
//	load-data              allocations, output costs, transactions, grid,
//	                       items and the analysis source
//	allocate               allocations and output costs
//	insights               output costs
//	confirm-subcomponents  label confirmation and every vector
//
// The other steps have nothing to clear.
func (inv *Invalidator) Invalidate(ctx context.Context, a *model.Analysis, step string) error {
	switch step {
	case StepDefine, StepCategorize, StepAddOtherCosts, StepSubcomponentsAllocate:
		// Categories and other costs are read live.
	case StepLoadData:
		if err := inv.loadData(ctx, a); err != nil {
			return err
		}
	case StepAllocate:
		if err := allocate.New(inv.Store).Invalidate(ctx, a); err != nil {
			return err
		}
	case StepInsights:
		if err := insights.New(inv.Store).Invalidate(ctx, a); err != nil {
			return err
		}
	case StepSubcomponentsConfirm:
		if err := subcomponent.New(inv.Store).Invalidate(ctx, a); err != nil {
			return err
		}
	default:
		return &model.ValidationError{Field: "step", Message: "unknown step " + step}
	}
	log.Debug().Int64("analysis_id", a.ID).Str("step", step).Msg("step invalidated")
	return nil
}

func (inv *Invalidator) loadData(ctx context.Context, a *model.Analysis) error {
	if err := inv.Invalidate(ctx, a, StepInsights); err != nil {
		return err
	}
	if err := inv.Invalidate(ctx, a, StepAllocate); err != nil {
		return err
	}
	if err := inv.Store.DeleteTransactions(ctx, a.ID); err != nil {
		return err
	}
	if err := inv.Store.DeleteGrid(ctx, a.ID); err != nil {
		return err
	}
	if err := inv.Store.DeleteAllCostLineItems(ctx, a.ID); err != nil {
		return err
	}
	a.Source = ""
	return inv.Store.UpdateAnalysis(ctx, a)
}

// CalculateIfPossible recomputes output costs when Insights is reachable.
// It reports whether a calculation ran.
func CalculateIfPossible(ctx context.Context, store model.Store, a *model.Analysis) (bool, error) {
	w, err := Load(ctx, store, a)
	if err != nil {
		return false, err
	}
	if !w.Get(StepInsights).DependenciesMet {
		return false, nil
	}
	if _, err := insights.New(store).Calculate(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}
