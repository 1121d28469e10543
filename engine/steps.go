package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/allocate"
	"github.com/dioptra/analysis-engine/categorize"
	"github.com/dioptra/analysis-engine/insights"
	"github.com/dioptra/analysis-engine/metrics"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/othercosts"
	"github.com/dioptra/analysis-engine/subcomponent"
	"github.com/dioptra/analysis-engine/workflow"
)

// =============================================================================
// CATEGORIZE
// =============================================================================

// ConfirmCategories confirms the grid rows of one cost type.
func (e *Engine) ConfirmCategories(ctx context.Context, analysisID, costTypeID int64) error {
	return e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := gate(ctx, tx, a, workflow.StepCategorize); err != nil {
			return err
		}
		return categorize.New(tx, e.defaultCostType, e.defaultCategory).Confirm(ctx, a.ID, costTypeID)
	})
}

// SetCategory recategorizes one STANDARD item. Its allocations stay, but
// the output costs no longer match.
func (e *Engine) SetCategory(ctx context.Context, analysisID, itemID, costTypeID, categoryID int64) error {
	return e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := gate(ctx, tx, a, workflow.StepCategorize); err != nil {
			return err
		}
		if err := categorize.New(tx, e.defaultCostType, e.defaultCategory).SetCategory(ctx, a, itemID, costTypeID, categoryID); err != nil {
			return err
		}
		return insights.New(tx).Invalidate(ctx, a)
	})
}

// =============================================================================
// ALLOCATE
// =============================================================================

// SuggestedAllocations returns the suggestion of every shared (cost type,
// grant) of the grid.
func (e *Engine) SuggestedAllocations(ctx context.Context, analysisID int64) (allocate.GridSuggestions, error) {
	a, err := e.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	snap, err := workflow.LoadSnapshot(ctx, e.Store, a)
	if err != nil {
		return nil, err
	}
	return allocate.SuggestAll(snap.Grid, snap.CostTypes, snap.Items, snap.Instances), nil
}

// SaveAllocations writes a batch of entered percentages.
func (e *Engine) SaveAllocations(ctx context.Context, analysisID int64, updates []allocate.Update) (allocate.SaveResult, error) {
	var res allocate.SaveResult
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := gate(ctx, tx, a, workflow.StepAllocate); err != nil {
			return err
		}
		var err error
		res, err = allocate.New(tx).Save(ctx, a, updates)
		return err
	})
	return res, err
}

// ApplySuggestions fills one shared (cost type, grant) sub-step with its
// suggestion.
func (e *Engine) ApplySuggestions(ctx context.Context, analysisID, costTypeID int64, grant string) (int, error) {
	var n int
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		w, err := gate(ctx, tx, a, workflow.StepAllocate)
		if err != nil {
			return err
		}
		for _, sub := range w.Get(workflow.StepAllocate).Steps {
			if sub.Name != workflow.SubStepAllocateCostTypeGrant || sub.CostTypeID != costTypeID || sub.Grant != grant {
				continue
			}
			if !sub.DependenciesMet {
				return &model.StepLockedError{Step: sub.Title}
			}
			n, err = allocate.New(tx).ApplySuggestions(ctx, a, allocate.CostTypeGrant{
				CostTypeID: sub.CostTypeID,
				Kind:       sub.Kind,
				Grant:      sub.Grant,
			})
			return err
		}
		return fmt.Errorf("allocation step for cost type %d and grant %q: %w", costTypeID, grant, model.ErrNotFound)
	})
	return n, err
}

// SupportingCosts returns the other-supporting-costs suggestion of grant.
func (e *Engine) SupportingCosts(ctx context.Context, analysisID int64, grant string) (allocate.SupportingCostsSuggestion, error) {
	a, err := e.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return allocate.SupportingCostsSuggestion{}, err
	}
	if !a.HasGrant(grant) {
		return allocate.SupportingCostsSuggestion{}, fmt.Errorf("grant %q: %w", grant, model.ErrNotFound)
	}
	items, err := e.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return allocate.SupportingCostsSuggestion{}, err
	}
	return allocate.SupportingCosts(a, items, grant), nil
}

// =============================================================================
// OTHER COSTS
// =============================================================================

// otherCostGate checks the sub-step of one other-cost type. Earlier
// sub-steps open before Allocate is done when a later one is enabled.
func otherCostGate(ctx context.Context, tx model.Store, a *model.Analysis, t model.AnalysisCostType) error {
	w, err := workflow.Load(ctx, tx, a)
	if err != nil {
		return err
	}
	step := w.Get(workflow.StepAddOtherCosts)
	for _, sub := range step.Steps {
		if sub.CostType != t {
			continue
		}
		if !sub.DependenciesMet {
			return &model.StepLockedError{Step: sub.Name}
		}
		return nil
	}
	return &model.ValidationError{Field: "analysis_cost_type", Message: fmt.Sprintf("%s costs are not enabled for this analysis", t)}
}

// SaveOtherCost creates or updates one other-cost item.
func (e *Engine) SaveOtherCost(ctx context.Context, analysisID int64, entry othercosts.Entry) (model.LineItem, error) {
	var li model.LineItem
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if err := otherCostGate(ctx, tx, a, entry.Type); err != nil {
			return err
		}
		var err error
		li, err = othercosts.New(tx).Save(ctx, a, entry)
		return err
	})
	return li, err
}

func (e *Engine) DeleteOtherCost(ctx context.Context, analysisID, itemID int64) error {
	return e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		return othercosts.New(tx).Delete(ctx, a, itemID)
	})
}

func (e *Engine) ListOtherCosts(ctx context.Context, analysisID int64, t model.AnalysisCostType) ([]model.LineItem, error) {
	return othercosts.New(e.Store).List(ctx, analysisID, t)
}

// =============================================================================
// INSIGHTS
// =============================================================================

// CalculateInsights recomputes the output costs.
func (e *Engine) CalculateInsights(ctx context.Context, analysisID int64) (model.OutputCosts, error) {
	var costs model.OutputCosts
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := gate(ctx, tx, a, workflow.StepInsights); err != nil {
			return err
		}
		var err error
		costs, err = insights.New(tx).Calculate(ctx, a)
		return err
	})
	e.Metrics.ObserveCalculation(metrics.Result(true, err))
	if err != nil {
		return nil, err
	}
	log.Info().Int64("analysis_id", analysisID).Int("instances", len(costs)).Msg("output costs calculated")
	return costs, nil
}

// Insights returns the report, calculating first when the output costs are
// missing and the step is reachable.
func (e *Engine) Insights(ctx context.Context, analysisID int64) (insights.Report, error) {
	var rep insights.Report
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		calc := insights.New(tx)
		done, err := calc.Done(ctx, a)
		if err != nil {
			return err
		}
		if !done {
			ran, err := workflow.CalculateIfPossible(ctx, tx, a)
			if err != nil {
				return err
			}
			if ran {
				e.Metrics.ObserveCalculation(metrics.ResultOK)
			}
		}
		rep, err = calc.Report(ctx, a)
		return err
	})
	rep.Currency = e.currency.String()
	return rep, err
}

// =============================================================================
// SUBCOMPONENTS
// =============================================================================

// StartSubcomponents creates the subcomponent analysis. Without labels it
// starts from the intervention's; with labels they replace the current
// ones and need confirming again.
func (e *Engine) StartSubcomponents(ctx context.Context, analysisID int64, labels []string) (*model.SubcomponentCostAnalysis, error) {
	var sca *model.SubcomponentCostAnalysis
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := gate(ctx, tx, a, workflow.StepSubcomponentsConfirm); err != nil {
			return err
		}
		svc := subcomponent.New(tx)
		var err error
		if len(labels) == 0 {
			sca, err = svc.Create(ctx, a)
		} else {
			sca, err = svc.SetLabels(ctx, a, labels)
		}
		return err
	})
	return sca, err
}

// ConfirmSubcomponents confirms the labels.
func (e *Engine) ConfirmSubcomponents(ctx context.Context, analysisID int64) (*model.SubcomponentCostAnalysis, error) {
	var sca *model.SubcomponentCostAnalysis
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := gate(ctx, tx, a, workflow.StepSubcomponentsConfirm); err != nil {
			return err
		}
		var err error
		sca, err = subcomponent.New(tx).Confirm(ctx, a)
		return err
	})
	return sca, err
}

// SubcomponentOutcome is the result of a vector save.
type SubcomponentOutcome struct {
	subcomponent.SaveResult
	// Averaged counts the items that received the average.
	Averaged int `json:"averaged"`
}

// SaveSubcomponentAllocations writes entered vectors. Once every PROGRAM
// slice is done the average is written to the remaining items.
func (e *Engine) SaveSubcomponentAllocations(ctx context.Context, analysisID int64, updates []subcomponent.Update) (SubcomponentOutcome, error) {
	var out SubcomponentOutcome
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := gate(ctx, tx, a, workflow.StepSubcomponentsAllocate); err != nil {
			return err
		}
		svc := subcomponent.New(tx)
		res, err := svc.Save(ctx, a, updates)
		if err != nil {
			return err
		}
		out.SaveResult = res

		w, err := workflow.Load(ctx, tx, a)
		if err != nil {
			return err
		}
		if !w.Get(workflow.StepSubcomponentsAllocate).Complete {
			return nil
		}
		out.Averaged, err = svc.Apply(ctx, a)
		return err
	})
	return out, err
}

// SubcomponentAverage returns the average vector over the items f selects.
func (e *Engine) SubcomponentAverage(ctx context.Context, analysisID int64, f subcomponent.Filter) ([]decimal.Decimal, error) {
	a, err := e.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return subcomponent.New(e.Store).Average(ctx, a, f)
}

// SubcomponentTotals returns the allocated cost per label.
func (e *Engine) SubcomponentTotals(ctx context.Context, analysisID int64) ([]decimal.Decimal, error) {
	a, err := e.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return subcomponent.New(e.Store).Totals(ctx, a)
}
