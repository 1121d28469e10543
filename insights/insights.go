/*
Package insights turns allocations into output costs.

PURPOSE:
  For every intervention instance the allocated cost of each item is summed
  into four buckets. The totals are cached on the analysis as output_costs,
  keyed by instance id then output metric id. Unit costs are derived from
  those totals and the instance parameters when read.

BUCKETS (per instance i, allocated = total_cost × allocation(i)/100):
  all          every item except CLIENT_TIME and IN_KIND
  direct_only  the same items, PROGRAM cost type only
  in_kind      IN_KIND items, when the analysis collects them
  client       CLIENT_TIME items, when the analysis collects them

  Each bucket is rounded to 2 places. Every metric of an instance stores the
  same totals; metrics whose parameters are missing are left out.

SEE ALSO:
  - model/output_metric.go: unit cost per metric shape
  - workflow/: Insights step, calculations done
*/
package insights

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// Totals are rounded to this many places.
const Precision = 2

// =============================================================================
// BUCKET SUMS
// =============================================================================

// Sums returns the bucket totals of instanceID over items.
func Sums(a *model.Analysis, items []model.LineItem, instanceID int64) model.BucketTotals {
	var b model.BucketTotals
	for i := range items {
		li := &items[i]
		cost := li.AllocatedCost(instanceID)
		if cost.IsZero() {
			continue
		}
		switch li.Config.AnalysisCostType {
		case model.AnalysisCostInKind:
			if a.InKindContributions {
				b.InKind = b.InKind.Add(cost)
			}
		case model.AnalysisCostClientTime:
			if a.ClientTime {
				b.Client = b.Client.Add(cost)
			}
		default:
			b.All = b.All.Add(cost)
			if li.IsKind(model.CostTypeProgram) {
				b.DirectOnly = b.DirectOnly.Add(cost)
			}
		}
	}
	b.All = b.All.Round(Precision)
	b.DirectOnly = b.DirectOnly.Round(Precision)
	b.InKind = b.InKind.Round(Precision)
	b.Client = b.Client.Round(Precision)
	return b
}

// ClientHours sums loe_or_unit × quantity (clients × hours each) over the
// client time items allocated to instanceID. instanceID 0 counts every item.
func ClientHours(items []model.LineItem, instanceID int64) decimal.Decimal {
	sum := decimal.Zero
	for i := range items {
		li := &items[i]
		if li.Config.AnalysisCostType != model.AnalysisCostClientTime {
			continue
		}
		if instanceID != 0 {
			if sole, ok := li.SoleAllocator(); !ok || sole != instanceID {
				continue
			}
		}
		if li.LOEOrUnit.Valid && li.Quantity.Valid {
			sum = sum.Add(li.LOEOrUnit.Decimal.Mul(li.Quantity.Decimal))
		}
	}
	return sum
}

// =============================================================================
// OUTPUT COSTS
// =============================================================================

// Compute builds output_costs for every instance. The returned errors name
// the metrics skipped for missing parameters; they are not fatal.
func Compute(a *model.Analysis, items []model.LineItem, instances []model.InterventionInstance,
	interventions map[int64]*model.Intervention) (model.OutputCosts, []error) {
	out := make(model.OutputCosts, len(instances))
	var skipped []error
	for _, inst := range instances {
		byMetric := make(map[string]model.BucketTotals)
		out[model.InstanceKey(inst.ID)] = byMetric

		iv, ok := interventions[inst.InterventionID]
		if !ok {
			skipped = append(skipped, fmt.Errorf("instance %d: intervention %d: %w", inst.ID, inst.InterventionID, model.ErrNotFound))
			continue
		}
		metrics, err := iv.Metrics()
		if err != nil {
			skipped = append(skipped, fmt.Errorf("instance %d: %w", inst.ID, err))
			continue
		}
		totals := Sums(a, items, inst.ID)
		for _, m := range metrics {
			if _, err := m.TotalOutput(inst.Parameters); err != nil {
				skipped = append(skipped, fmt.Errorf("instance %d metric %s: %w", inst.ID, m.ID, err))
				continue
			}
			byMetric[m.ID] = totals
		}
	}
	return out, skipped
}

// CalculationsDone reports whether output_costs holds the first metric of
// every instance.
func CalculationsDone(a *model.Analysis, instances []model.InterventionInstance, interventions map[int64]*model.Intervention) bool {
	if len(a.OutputCosts) == 0 {
		return false
	}
	for _, inst := range instances {
		iv, ok := interventions[inst.InterventionID]
		if !ok || len(iv.OutputMetrics) == 0 {
			return false
		}
		if !a.OutputCosts.Has(inst.ID, iv.OutputMetrics[0]) {
			return false
		}
	}
	return true
}

// =============================================================================
// CALCULATOR - Store-backed operations
// =============================================================================

type Calculator struct {
	Store model.Store
}

func New(store model.Store) *Calculator {
	return &Calculator{Store: store}
}

type inputs struct {
	items         []model.LineItem
	instances     []model.InterventionInstance
	interventions map[int64]*model.Intervention
}

func (c *Calculator) load(ctx context.Context, analysisID int64) (inputs, error) {
	var in inputs
	var err error
	if in.items, err = c.Store.ListLineItems(ctx, analysisID); err != nil {
		return in, err
	}
	if in.instances, err = c.Store.ListInterventionInstances(ctx, analysisID); err != nil {
		return in, err
	}
	ivs, err := c.Store.ListInterventions(ctx)
	if err != nil {
		return in, err
	}
	in.interventions = make(map[int64]*model.Intervention, len(ivs))
	for i := range ivs {
		in.interventions[ivs[i].ID] = &ivs[i]
	}
	return in, nil
}

// Calculate recomputes and stores output_costs.
func (c *Calculator) Calculate(ctx context.Context, a *model.Analysis) (model.OutputCosts, error) {
	in, err := c.load(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	costs, skipped := Compute(a, in.items, in.instances, in.interventions)
	for _, err := range skipped {
		ev := log.Warn().Int64("analysis_id", a.ID).Err(err)
		var mp *model.MissingParameterError
		if errors.As(err, &mp) {
			ev = ev.Str("parameter", mp.Parameter)
		}
		ev.Msg("output metric skipped")
	}
	a.OutputCosts = costs
	if err := c.Store.UpdateAnalysis(ctx, a); err != nil {
		return nil, err
	}
	return costs, nil
}

// Done reports whether the stored output_costs are complete.
func (c *Calculator) Done(ctx context.Context, a *model.Analysis) (bool, error) {
	in, err := c.load(ctx, a.ID)
	if err != nil {
		return false, err
	}
	return CalculationsDone(a, in.instances, in.interventions), nil
}

// Invalidate clears output_costs.
func (c *Calculator) Invalidate(ctx context.Context, a *model.Analysis) error {
	if len(a.OutputCosts) == 0 {
		return nil
	}
	a.OutputCosts = nil
	return c.Store.UpdateAnalysis(ctx, a)
}
