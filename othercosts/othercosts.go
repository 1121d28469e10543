/*
othercosts.go - Client time, in-kind and other HQ cost line items

PURPOSE:
  Costs that never went through the ledger are entered by hand after
  allocation. Each is a cost line item tagged with an AnalysisCostType other
  than STANDARD, so it stays out of the categorize/allocate grid and lands in
  its own Insights bucket.

ENTRY SHAPES:
  CLIENT_TIME : loe_or_unit (clients) × quantity (hours) × unit_cost (hourly)
                100% to the one instance it is for
  IN_KIND     : quantity × unit_cost
                100% to one instance, or explicit per-instance percentages
  OTHER_HQ    : total_cost as entered, with a cost type (default SUPPORT)
                and per-instance percentages

SEE ALSO:
  - model/reference.go: AnalysisCostType
  - insights/insights.go: in_kind and client buckets
*/
package othercosts

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

var hundred = decimal.NewFromInt(100)

// Messages used in validation errors.
const (
	MsgAllocationRange = "Allocations must be between 0-100%"
	MsgAllocationSum   = "Allocations for cost line item cannot exceed 100% when summed"
	MsgZeroTotal       = "The total cost must not be zero"
)

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one other-cost item as entered. ItemID 0 creates a new item.
type Entry struct {
	ItemID      int64                  `json:"id,omitempty"`
	Type        model.AnalysisCostType `json:"analysis_cost_type"`
	Description string                 `json:"budget_line_description"`
	Note        string                 `json:"note,omitempty"`

	Quantity  decimal.NullDecimal `json:"quantity"`
	UnitCost  decimal.NullDecimal `json:"unit_cost"`
	LOEOrUnit decimal.NullDecimal `json:"loe_or_unit"`
	TotalCost decimal.NullDecimal `json:"total_cost"`

	// CostTypeID is only read for OTHER_HQ.
	CostTypeID *int64 `json:"cost_type_id,omitempty"`

	// InstanceID receives 100% of a CLIENT_TIME item, and of an IN_KIND
	// item when Allocations is empty.
	InstanceID  int64                     `json:"intervention_instance_id,omitempty"`
	Allocations map[int64]decimal.Decimal `json:"allocations,omitempty"`
}

func invalid(field, format string, args ...any) error {
	return &model.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func required(field string, d decimal.NullDecimal) error {
	if !d.Valid {
		return invalid(field, "is required")
	}
	if d.Decimal.IsNegative() {
		return invalid(field, "must not be negative")
	}
	return nil
}

// Enabled reports whether the analysis collects items of type t.
func Enabled(a *model.Analysis, t model.AnalysisCostType) bool {
	switch t {
	case model.AnalysisCostClientTime:
		return a.ClientTime
	case model.AnalysisCostInKind:
		return a.InKindContributions
	case model.AnalysisCostOtherHQ:
		return a.OtherHQCosts
	}
	return false
}

// EnabledTypes lists the enabled other-cost types in step order.
func EnabledTypes(a *model.Analysis) []model.AnalysisCostType {
	var out []model.AnalysisCostType
	for _, t := range model.OtherCostTypes {
		if Enabled(a, t) {
			out = append(out, t)
		}
	}
	return out
}

// validate checks e against the analysis and fills in the derived total.
func (e *Entry) validate(a *model.Analysis) (decimal.Decimal, error) {
	if !e.Type.IsOtherCost() {
		return decimal.Zero, invalid("analysis_cost_type", "%q is not an other cost type", e.Type)
	}
	if !Enabled(a, e.Type) {
		return decimal.Zero, invalid("analysis_cost_type", "%s costs are not enabled for this analysis", e.Type.Slug())
	}
	e.Description = strings.TrimSpace(e.Description)
	if e.Description == "" {
		return decimal.Zero, invalid("budget_line_description", "is required")
	}

	switch e.Type {
	case model.AnalysisCostClientTime:
		for field, d := range map[string]decimal.NullDecimal{
			"loe_or_unit": e.LOEOrUnit, "quantity": e.Quantity, "unit_cost": e.UnitCost,
		} {
			if err := required(field, d); err != nil {
				return decimal.Zero, err
			}
		}
		if e.InstanceID == 0 {
			return decimal.Zero, invalid("intervention_instance_id", "is required")
		}
	case model.AnalysisCostInKind:
		if err := required("quantity", e.Quantity); err != nil {
			return decimal.Zero, err
		}
		if err := required("unit_cost", e.UnitCost); err != nil {
			return decimal.Zero, err
		}
		e.LOEOrUnit = decimal.NullDecimal{}
	case model.AnalysisCostOtherHQ:
		if err := required("total_cost", e.TotalCost); err != nil {
			return decimal.Zero, err
		}
		total := e.TotalCost.Decimal.Round(4)
		if total.IsZero() {
			return decimal.Zero, invalid("total_cost", "%s", MsgZeroTotal)
		}
		return total, nil
	}

	item := model.CostLineItem{Quantity: e.Quantity, UnitCost: e.UnitCost, LOEOrUnit: e.LOEOrUnit}
	total, _ := item.ComputedTotal()
	if total.IsZero() {
		return decimal.Zero, invalid("total_cost", "%s", MsgZeroTotal)
	}
	return total, nil
}

// allocations resolves the per-instance percentages of e.
func (e *Entry) allocations(instances []model.InterventionInstance) (map[int64]decimal.Decimal, error) {
	known := make(map[int64]bool, len(instances))
	for _, inst := range instances {
		known[inst.ID] = true
	}

	sole := e.InstanceID
	if e.Type == model.AnalysisCostInKind && sole == 0 && len(e.Allocations) == 0 && len(instances) == 1 {
		sole = instances[0].ID
	}
	if e.Type.FullyAllocated() && (e.Type == model.AnalysisCostClientTime || len(e.Allocations) == 0) {
		if sole == 0 {
			return nil, invalid("intervention_instance_id", "is required")
		}
		if !known[sole] {
			return nil, invalid("intervention_instance_id", "unknown intervention instance %d", sole)
		}
		out := make(map[int64]decimal.Decimal, len(instances))
		for _, inst := range instances {
			out[inst.ID] = decimal.Zero
		}
		out[sole] = hundred
		return out, nil
	}

	if len(e.Allocations) == 0 {
		return nil, invalid("allocations", "is required")
	}
	total := decimal.Zero
	for id, pct := range e.Allocations {
		if !known[id] {
			return nil, invalid("allocations", "unknown intervention instance %d", id)
		}
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return nil, invalid(fmt.Sprintf("allocations.%d", id), "%s", MsgAllocationRange)
		}
		total = total.Add(pct)
	}
	if total.GreaterThan(hundred) {
		return nil, invalid("allocations", "%s", MsgAllocationSum)
	}
	// The entry replaces the whole allocation set: instances left out drop
	// to 0%.
	out := make(map[int64]decimal.Decimal, len(instances))
	for _, inst := range instances {
		out[inst.ID] = decimal.Zero
	}
	for id, pct := range e.Allocations {
		out[id] = pct
	}
	return out, nil
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store model.Store
}

func New(store model.Store) *Service {
	return &Service{Store: store}
}

// Save creates or updates one other-cost item and returns its read view.
// Any save clears the analysis output costs.
func (s *Service) Save(ctx context.Context, a *model.Analysis, e Entry) (model.LineItem, error) {
	total, err := e.validate(a)
	if err != nil {
		return model.LineItem{}, err
	}
	instances, err := s.Store.ListInterventionInstances(ctx, a.ID)
	if err != nil {
		return model.LineItem{}, err
	}
	allocs, err := e.allocations(instances)
	if err != nil {
		return model.LineItem{}, err
	}
	costTypeID, err := s.costTypeFor(ctx, e)
	if err != nil {
		return model.LineItem{}, err
	}
	country, err := s.Store.GetCountry(ctx, a.CountryID)
	if err != nil {
		return model.LineItem{}, err
	}

	var item model.CostLineItem
	var cfg model.CostLineItemConfig
	if e.ItemID != 0 {
		existing, err := s.find(ctx, a.ID, e.ItemID)
		if err != nil {
			return model.LineItem{}, err
		}
		if existing.Config.AnalysisCostType != e.Type {
			return model.LineItem{}, invalid("analysis_cost_type", "item %d is a %s item", e.ItemID, existing.Config.AnalysisCostType.Slug())
		}
		item, cfg = existing.CostLineItem, existing.Config
	} else {
		item = model.CostLineItem{AnalysisID: a.ID}
		cfg = model.CostLineItemConfig{AnalysisCostType: e.Type}
	}

	item.CountryCode = country.Code
	item.BudgetLineDescription = e.Description
	item.Note = e.Note
	item.Quantity = e.Quantity
	item.UnitCost = e.UnitCost
	item.LOEOrUnit = e.LOEOrUnit
	item.TotalCost = total
	cfg.CostTypeID = costTypeID

	if item.ID == 0 {
		if err := s.Store.InsertCostLineItem(ctx, &item, &cfg); err != nil {
			return model.LineItem{}, err
		}
	} else {
		if err := s.Store.UpdateCostLineItem(ctx, &item); err != nil {
			return model.LineItem{}, err
		}
		if err := s.Store.UpdateConfig(ctx, &cfg); err != nil {
			return model.LineItem{}, err
		}
	}

	rows := make([]model.Allocation, 0, len(allocs))
	for id, pct := range allocs {
		rows = append(rows, model.Allocation{
			ConfigID:               cfg.ID,
			InterventionInstanceID: id,
			Allocation:             decimal.NewNullDecimal(pct.Round(4)),
		})
	}
	if err := s.Store.UpsertAllocations(ctx, rows); err != nil {
		return model.LineItem{}, err
	}
	if err := s.clearOutputCosts(ctx, a); err != nil {
		return model.LineItem{}, err
	}

	log.Debug().Int64("analysis_id", a.ID).Int64("item_id", item.ID).Str("type", string(e.Type)).
		Str("total_cost", total.String()).Msg("other cost saved")
	return s.find(ctx, a.ID, item.ID)
}

func (s *Service) costTypeFor(ctx context.Context, e Entry) (*int64, error) {
	if e.Type != model.AnalysisCostOtherHQ {
		return nil, nil
	}
	costTypes, err := s.Store.ListCostTypes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range costTypes {
		ct := &costTypes[i]
		if e.CostTypeID != nil && ct.ID == *e.CostTypeID {
			return &ct.ID, nil
		}
	}
	if e.CostTypeID != nil {
		return nil, invalid("cost_type_id", "unknown cost type %d", *e.CostTypeID)
	}
	for i := range costTypes {
		if costTypes[i].Type == model.CostTypeSupport {
			return &costTypes[i].ID, nil
		}
	}
	return nil, invalid("cost_type_id", "is required")
}

func (s *Service) find(ctx context.Context, analysisID, itemID int64) (model.LineItem, error) {
	items, err := s.Store.ListLineItems(ctx, analysisID)
	if err != nil {
		return model.LineItem{}, err
	}
	for _, li := range items {
		if li.ID == itemID {
			return li, nil
		}
	}
	return model.LineItem{}, fmt.Errorf("cost line item %d: %w", itemID, model.ErrNotFound)
}

// Delete removes one other-cost item.
func (s *Service) Delete(ctx context.Context, a *model.Analysis, itemID int64) error {
	li, err := s.find(ctx, a.ID, itemID)
	if err != nil {
		return err
	}
	if !li.IsOtherCost() {
		return invalid("id", "item %d is not an other cost", itemID)
	}
	if err := s.Store.DeleteCostLineItems(ctx, []int64{itemID}); err != nil {
		return err
	}
	return s.clearOutputCosts(ctx, a)
}

// List returns the items of type t.
func (s *Service) List(ctx context.Context, analysisID int64, t model.AnalysisCostType) ([]model.LineItem, error) {
	items, err := s.Store.ListLineItems(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return OfType(items, t), nil
}

func (s *Service) clearOutputCosts(ctx context.Context, a *model.Analysis) error {
	if len(a.OutputCosts) == 0 {
		return nil
	}
	a.OutputCosts = nil
	return s.Store.UpdateAnalysis(ctx, a)
}

// OfType filters items by tag.
func OfType(items []model.LineItem, t model.AnalysisCostType) []model.LineItem {
	var out []model.LineItem
	for _, li := range items {
		if li.Config.AnalysisCostType == t {
			out = append(out, li)
		}
	}
	return out
}

// StepComplete reports whether at least one item of type t exists.
func StepComplete(items []model.LineItem, t model.AnalysisCostType) bool {
	for _, li := range items {
		if li.Config.AnalysisCostType == t {
			return true
		}
	}
	return false
}
