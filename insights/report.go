package insights

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// MetricCost is one output metric of one instance: the stored totals and the
// unit cost of each bucket. A unit cost is null when the metric's output is
// not positive.
type MetricCost struct {
	MetricID string             `json:"metric_id"`
	Name     string             `json:"name"`
	Totals   model.BucketTotals `json:"totals"`

	All        decimal.NullDecimal `json:"cost_per_output_all"`
	DirectOnly decimal.NullDecimal `json:"cost_per_output_direct_only"`
	InKind     decimal.NullDecimal `json:"cost_per_output_in_kind"`
	Client     decimal.NullDecimal `json:"cost_per_output_client"`
}

type InstanceReport struct {
	InstanceID  int64           `json:"intervention_instance_id"`
	Name        string          `json:"name"`
	Metrics     []MetricCost    `json:"metrics"`
	ClientHours decimal.Decimal `json:"client_hours"`
}

// Report is the Insights read view.
type Report struct {
	AnalysisID       int64            `json:"analysis_id"`
	CalculationsDone bool             `json:"calculations_done"`
	Instances        []InstanceReport `json:"instances"`
	ClientHours      decimal.Decimal  `json:"client_hours"`
	// Currency is the ISO 4217 reporting currency; set by the caller.
	Currency         string           `json:"currency,omitempty"`
}

func unitCost(m model.OutputMetric, total decimal.Decimal, params map[string]decimal.Decimal) decimal.NullDecimal {
	d, ok, err := m.UnitCost(total, params)
	if err != nil || !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d.Round(Precision))
}

// BuildReport derives unit costs from the stored output_costs.
func BuildReport(a *model.Analysis, items []model.LineItem, instances []model.InterventionInstance,
	interventions map[int64]*model.Intervention) Report {
	r := Report{
		AnalysisID:       a.ID,
		CalculationsDone: CalculationsDone(a, instances, interventions),
		ClientHours:      ClientHours(items, 0),
	}
	for _, inst := range instances {
		ir := InstanceReport{InstanceID: inst.ID, ClientHours: ClientHours(items, inst.ID)}
		iv := interventions[inst.InterventionID]
		ir.Name = inst.DisplayName(iv)
		if iv != nil {
			metrics, _ := iv.Metrics()
			stored := a.OutputCosts[model.InstanceKey(inst.ID)]
			for _, m := range metrics {
				totals, ok := stored[m.ID]
				if !ok {
					continue
				}
				ir.Metrics = append(ir.Metrics, MetricCost{
					MetricID:   m.ID,
					Name:       m.Name,
					Totals:     totals,
					All:        unitCost(m, totals.All, inst.Parameters),
					DirectOnly: unitCost(m, totals.DirectOnly, inst.Parameters),
					InKind:     unitCost(m, totals.InKind, inst.Parameters),
					Client:     unitCost(m, totals.Client, inst.Parameters),
				})
			}
		}
		r.Instances = append(r.Instances, ir)
	}
	return r
}

// Report loads the analysis inputs and builds its read view.
func (c *Calculator) Report(ctx context.Context, a *model.Analysis) (Report, error) {
	in, err := c.load(ctx, a.ID)
	if err != nil {
		return Report{}, err
	}
	return BuildReport(a, in.items, in.instances, in.interventions), nil
}

// =============================================================================
// COMPARISON INPUT
// =============================================================================

// ComparisonParameters maps the parameter labels of one comparison row onto
// the intervention's parameter keys. It returns one message per unknown
// label and per required parameter left blank; row is 1-based.
func ComparisonParameters(iv *model.Intervention, row int, labeled map[string]decimal.NullDecimal) (map[string]decimal.Decimal, []string) {
	metrics, err := iv.Metrics()
	if err != nil {
		return nil, []string{model.MsgInvalidRowGeneric(row, err.Error())}
	}
	byLabel := make(map[string]string)
	for _, m := range metrics {
		for _, p := range m.Parameters {
			byLabel[p.Label] = p.Key
		}
	}

	var errs []string
	params := make(map[string]decimal.Decimal)
	labels := make([]string, 0, len(labeled))
	for label := range labeled {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		v := labeled[label]
		key, ok := byLabel[strings.TrimSpace(label)]
		if !ok {
			errs = append(errs, model.MsgInvalidRowColumn(row, "Output Metric Parameter Label", label,
				"Incorrect Output Metric Parameter Label for Intervention "+iv.Name))
			continue
		}
		if v.Valid {
			params[key] = v.Decimal
		}
	}

	seen := make(map[string]bool)
	for _, m := range metrics {
		for _, p := range m.Parameters {
			if seen[p.Key] {
				continue
			}
			seen[p.Key] = true
			if _, ok := params[p.Key]; !ok {
				errs = append(errs, (&model.MissingParameterError{Parameter: p.Label, Row: row}).Error())
			}
		}
	}
	return params, errs
}
