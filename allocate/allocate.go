package allocate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// Messages returned per field by Save.
const (
	MsgNotANumber         = "Not a number"
	MsgInvalidAllocation  = "Invalid allocation (0-100)"
	MsgInvalidTotal       = "Invalid allocation total. Cost line item Allocation must be between 0 and 100"
	MsgUnknownItem        = "Unknown cost line item"
	MsgUnknownInstance    = "Unknown intervention instance"
	MsgNotEditable        = "Allocations of this cost type follow the suggested allocation"
	MsgOtherCostsReadOnly = "Other cost items are allocated in the other costs step"
)

// TotalKey is the Errors key for problems with an item's allocation total.
const TotalKey = "all"

// =============================================================================
// ALLOCATOR - Write path
// =============================================================================

type Allocator struct {
	Store model.Store
}

func New(store model.Store) *Allocator {
	return &Allocator{Store: store}
}

// Update carries the raw percentages entered for one item, keyed by
// intervention instance id. An empty string clears the allocation.
type Update struct {
	ItemID      int64            `json:"cost_line_item_id"`
	Allocations map[int64]string `json:"allocations"`
}

// SaveResult reports what Save wrote. Errors is keyed by item id, then by
// instance id (or TotalKey).
type SaveResult struct {
	Saved  int                         `json:"saved"`
	Errors map[int64]map[string]string `json:"errors,omitempty"`
}

func (r *SaveResult) fail(itemID int64, key, msg string) {
	if r.Errors == nil {
		r.Errors = make(map[int64]map[string]string)
	}
	if r.Errors[itemID] == nil {
		r.Errors[itemID] = make(map[string]string)
	}
	r.Errors[itemID][key] = msg
}

// Save validates and writes a batch of allocations. Items with any error
// are left untouched; the others are saved. Saving anything clears the
// analysis output costs.
func (al *Allocator) Save(ctx context.Context, a *model.Analysis, updates []Update) (SaveResult, error) {
	var res SaveResult

	items, err := al.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return res, err
	}
	instances, err := al.Store.ListInterventionInstances(ctx, a.ID)
	if err != nil {
		return res, err
	}
	byID := make(map[int64]*model.LineItem, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}
	known := make(map[int64]bool, len(instances))
	for _, inst := range instances {
		known[inst.ID] = true
	}

	var allocs []model.Allocation
	for _, u := range updates {
		li, ok := byID[u.ItemID]
		if !ok {
			res.fail(u.ItemID, TotalKey, MsgUnknownItem)
			continue
		}
		if li.IsOtherCost() {
			res.fail(u.ItemID, TotalKey, MsgOtherCostsReadOnly)
			continue
		}
		if kind, ok := li.Kind(); ok && !kind.AllocationEditable() {
			res.fail(u.ItemID, TotalKey, MsgNotEditable)
			continue
		}
		parsed, ok := parseUpdate(u, li.Allocations, known, &res)
		if !ok {
			continue
		}
		for instID, v := range parsed {
			allocs = append(allocs, model.Allocation{ConfigID: li.Config.ID, InterventionInstanceID: instID, Allocation: v})
		}
		res.Saved++
	}

	if len(allocs) > 0 {
		if err := al.Store.UpsertAllocations(ctx, allocs); err != nil {
			return res, err
		}
	}
	if res.Saved > 0 {
		if err := al.clearOutputCosts(ctx, a); err != nil {
			return res, err
		}
	}
	log.Debug().Int64("analysis_id", a.ID).Int("saved", res.Saved).Int("rejected", len(res.Errors)).
		Msg("allocations saved")
	return res, nil
}

// parseUpdate validates u against the item's stored allocations. The total
// is checked over the merged set: instances u leaves out keep their stored
// percentage.
func parseUpdate(u Update, stored map[int64]decimal.NullDecimal, known map[int64]bool, res *SaveResult) (map[int64]decimal.NullDecimal, bool) {
	out := make(map[int64]decimal.NullDecimal, len(u.Allocations))
	total := decimal.Zero
	ok := true
	for instID, v := range stored {
		if _, updated := u.Allocations[instID]; updated || !known[instID] || !v.Valid {
			continue
		}
		total = total.Add(v.Decimal)
	}
	for instID, raw := range u.Allocations {
		key := strconv.FormatInt(instID, 10)
		if !known[instID] {
			res.fail(u.ItemID, key, MsgUnknownInstance)
			ok = false
			continue
		}
		raw = strings.TrimSpace(strings.ReplaceAll(raw, "%", ""))
		if raw == "" {
			out[instID] = decimal.NullDecimal{}
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			res.fail(u.ItemID, key, MsgNotANumber)
			ok = false
			continue
		}
		if d.IsNegative() || d.GreaterThan(hundred) {
			res.fail(u.ItemID, key, MsgInvalidAllocation)
			ok = false
		}
		total = total.Add(d)
		out[instID] = decimal.NewNullDecimal(d.Round(Precision))
	}
	if total.IsNegative() || total.GreaterThan(hundred) {
		res.fail(u.ItemID, TotalKey, MsgInvalidTotal)
		ok = false
	}
	return out, ok
}

// ApplySuggestions writes the suggested allocation of every instance to
// every grid item of the (cost type, grant) sub-step and returns the
// number of items updated. It is how non-editable cost types are filled.
func (al *Allocator) ApplySuggestions(ctx context.Context, a *model.Analysis, step CostTypeGrant) (int, error) {
	if !step.Kind.Shared() {
		return 0, &model.ValidationError{Field: "cost_type", Message: fmt.Sprintf("%s costs have no suggested allocation", step.Kind)}
	}
	items, err := al.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	instances, err := al.Store.ListInterventionInstances(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	suggestions := SuggestGrant(items, step.Kind, instances, step.Grant)

	var allocs []model.Allocation
	n := 0
	for i := range items {
		li := &items[i]
		if !li.IsGridItem() || li.Config.CostTypeID == nil || *li.Config.CostTypeID != step.CostTypeID ||
			!sameGrant(li.GrantCode, step.Grant) {
			continue
		}
		for _, s := range suggestions {
			allocs = append(allocs, model.Allocation{
				ConfigID:               li.Config.ID,
				InterventionInstanceID: s.InstanceID,
				Allocation:             decimal.NewNullDecimal(s.Percentage),
			})
		}
		n++
	}
	if len(allocs) == 0 {
		return 0, nil
	}
	if err := al.Store.UpsertAllocations(ctx, allocs); err != nil {
		return 0, err
	}
	return n, al.clearOutputCosts(ctx, a)
}

// Invalidate deletes every allocation of the analysis and its output costs.
func (al *Allocator) Invalidate(ctx context.Context, a *model.Analysis) error {
	if err := al.Store.DeleteAllocations(ctx, a.ID); err != nil {
		return err
	}
	return al.clearOutputCosts(ctx, a)
}

func (al *Allocator) clearOutputCosts(ctx context.Context, a *model.Analysis) error {
	if len(a.OutputCosts) == 0 {
		return nil
	}
	a.OutputCosts = nil
	return al.Store.UpdateAnalysis(ctx, a)
}
