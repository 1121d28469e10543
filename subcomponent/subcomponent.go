/*
Package subcomponent splits the allocated cost of a single-intervention
analysis across named subcomponents.

PURPOSE:
  After Insights, an analysis with exactly one intervention instance may
  break that instance's cost down further. The labels are seeded from the
  intervention and confirmed by the user; then every cost line item gets a
  vector of percentages, one per label, summing to 100.

FLOW:
  Create     seed labels from the intervention (idempotent)
  SetLabels  rename or reorder labels; un-confirms and clears every vector
  Confirm    lock the labels
  Save       store per-item vectors or mark items skipped
  Apply      write the cost-weighted average to shared, empty and skipped
             items once the PROGRAM slices are done
  Invalidate un-confirm and clear every vector

AVERAGE (per label k, over the items of a slice):
  avg_k = Σ allocated × v_k/100 / Σ allocated × 100

  Only items with a vector that are neither skipped nor INDIRECT count;
  SUPPORT items are excluded unless asked for. Each avg_k is rounded to 2
  places and the last one absorbs the difference to 100.

SEE ALSO:
  - workflow/: SubcomponentsConfirm and SubcomponentsAllocate steps
  - model/types.go: CostLineItemConfig.SubcomponentVector
*/
package subcomponent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// Messages returned per item by Save.
const (
	MsgWrongLength  = "Expected one value per subcomponent"
	MsgInvalidValue = "Invalid subcomponent allocation (0-100)"
	MsgInvalidSum   = "Subcomponent allocations must total 100%"
	MsgUnknownItem  = "Unknown cost line item"
)

const (
	// Precision of stored vector entries.
	Precision = 4
	// AveragePrecision of the suggested averages.
	AveragePrecision = 2
)

var (
	hundred = decimal.NewFromInt(100)
	// sumTolerance is how far a vector may miss 100 before it is rejected;
	// the rest spills into the last entry.
	sumTolerance = decimal.RequireFromString("0.01")
)

// =============================================================================
// SERVICE - Store-backed operations
// =============================================================================

type Service struct {
	Store model.Store
}

func New(store model.Store) *Service {
	return &Service{Store: store}
}

// Get returns the subcomponent analysis, or model.ErrNotFound.
func (s *Service) Get(ctx context.Context, analysisID int64) (*model.SubcomponentCostAnalysis, error) {
	return s.Store.GetSubcomponentAnalysis(ctx, analysisID)
}

// soleInstance returns the analysis' only instance and its intervention.
func (s *Service) soleInstance(ctx context.Context, analysisID int64) (*model.InterventionInstance, *model.Intervention, error) {
	instances, err := s.Store.ListInterventionInstances(ctx, analysisID)
	if err != nil {
		return nil, nil, err
	}
	if len(instances) != 1 {
		return nil, nil, fmt.Errorf("analysis %d has %d instances: %w", analysisID, len(instances), model.ErrSingleInterventionRequired)
	}
	iv, err := s.Store.GetIntervention(ctx, instances[0].InterventionID)
	if err != nil {
		return nil, nil, err
	}
	return &instances[0], iv, nil
}

// Create starts the subcomponent analysis with the intervention's labels.
// An existing record is returned unchanged.
func (s *Service) Create(ctx context.Context, a *model.Analysis) (*model.SubcomponentCostAnalysis, error) {
	_, iv, err := s.soleInstance(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	sca, err := s.Store.GetSubcomponentAnalysis(ctx, a.ID)
	if err == nil {
		return sca, nil
	}
	if !model.IsNotFound(err) {
		return nil, err
	}
	sca = &model.SubcomponentCostAnalysis{
		AnalysisID:         a.ID,
		SubcomponentLabels: append([]string(nil), iv.SubcomponentLabels...),
	}
	if err := s.Store.SaveSubcomponentAnalysis(ctx, sca); err != nil {
		return nil, err
	}
	log.Debug().Int64("analysis_id", a.ID).Strs("labels", sca.SubcomponentLabels).Msg("subcomponent analysis created")
	return sca, nil
}

// SetLabels replaces the labels. Existing vectors no longer line up with
// the labels, so they are cleared and the labels need confirming again.
func (s *Service) SetLabels(ctx context.Context, a *model.Analysis, labels []string) (*model.SubcomponentCostAnalysis, error) {
	clean := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			return nil, &model.ValidationError{Field: "subcomponent_labels", Message: "labels cannot be blank"}
		}
		clean = append(clean, l)
	}
	sca, err := s.Create(ctx, a)
	if err != nil {
		return nil, err
	}
	sca.SubcomponentLabels = clean
	if err := s.Invalidate(ctx, a); err != nil {
		return nil, err
	}
	sca.SubcomponentLabelsConfirmed = false
	if err := s.Store.SaveSubcomponentAnalysis(ctx, sca); err != nil {
		return nil, err
	}
	return sca, nil
}

// Confirm locks the labels. At least one label is required.
func (s *Service) Confirm(ctx context.Context, a *model.Analysis) (*model.SubcomponentCostAnalysis, error) {
	sca, err := s.Create(ctx, a)
	if err != nil {
		return nil, err
	}
	if len(sca.SubcomponentLabels) == 0 {
		return nil, &model.ValidationError{Field: "subcomponent_labels", Message: "at least one label is required"}
	}
	sca.SubcomponentLabelsConfirmed = true
	if err := s.Store.SaveSubcomponentAnalysis(ctx, sca); err != nil {
		return nil, err
	}
	return sca, nil
}

// Invalidate un-confirms the labels and clears every vector and skip
// flag. A missing subcomponent analysis is not an error.
func (s *Service) Invalidate(ctx context.Context, a *model.Analysis) error {
	sca, err := s.Store.GetSubcomponentAnalysis(ctx, a.ID)
	switch {
	case err == nil:
		if sca.SubcomponentLabelsConfirmed {
			sca.SubcomponentLabelsConfirmed = false
			if err := s.Store.SaveSubcomponentAnalysis(ctx, sca); err != nil {
				return err
			}
		}
	case !model.IsNotFound(err):
		return err
	}
	return s.Reset(ctx, a)
}

// Reset clears every vector and skip flag, leaving the labels alone.
func (s *Service) Reset(ctx context.Context, a *model.Analysis) error {
	cfgs, err := s.Store.ListConfigs(ctx, a.ID)
	if err != nil {
		return err
	}
	for i := range cfgs {
		cfg := &cfgs[i]
		if !cfg.HasSubcomponentAllocations() && !cfg.SubcomponentAllocationsSkipped {
			continue
		}
		cfg.SubcomponentAllocations = nil
		cfg.SubcomponentAllocationsSkipped = false
		if err := s.Store.UpdateConfig(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SAVE - Per-item vectors
// =============================================================================

// Update is the vector entered for one item. Blank entries count as zero;
// an all-blank vector clears the item. Skipped marks the item for the
// average instead and clears its vector.
type Update struct {
	ItemID      int64    `json:"cost_line_item_id"`
	Allocations []string `json:"allocations"`
	Skipped     bool     `json:"skipped"`
}

// SaveResult reports what Save wrote. Errors is keyed by item id.
type SaveResult struct {
	Saved  int              `json:"saved"`
	Errors map[int64]string `json:"errors,omitempty"`
}

func (r *SaveResult) fail(itemID int64, msg string) {
	if r.Errors == nil {
		r.Errors = make(map[int64]string)
	}
	r.Errors[itemID] = msg
}

// confirmed returns the confirmed subcomponent analysis or a StepLockedError.
func (s *Service) confirmed(ctx context.Context, analysisID int64) (*model.SubcomponentCostAnalysis, error) {
	sca, err := s.Store.GetSubcomponentAnalysis(ctx, analysisID)
	if err != nil && !model.IsNotFound(err) {
		return nil, err
	}
	if sca == nil || !sca.SubcomponentLabelsConfirmed {
		return nil, &model.StepLockedError{Step: "subcomponents-allocate"}
	}
	return sca, nil
}

// Save validates and writes a batch of vectors. Items with an error are
// left untouched; the others are saved.
func (s *Service) Save(ctx context.Context, a *model.Analysis, updates []Update) (SaveResult, error) {
	var res SaveResult
	sca, err := s.confirmed(ctx, a.ID)
	if err != nil {
		return res, err
	}
	cfgs, err := s.Store.ListConfigs(ctx, a.ID)
	if err != nil {
		return res, err
	}
	byItem := make(map[int64]*model.CostLineItemConfig, len(cfgs))
	for i := range cfgs {
		byItem[cfgs[i].CostLineItemID] = &cfgs[i]
	}

	n := len(sca.SubcomponentLabels)
	for _, u := range updates {
		cfg, ok := byItem[u.ItemID]
		if !ok {
			res.fail(u.ItemID, MsgUnknownItem)
			continue
		}
		if u.Skipped {
			cfg.SubcomponentAllocations = nil
			cfg.SubcomponentAllocationsSkipped = true
		} else {
			v, msg := ParseVector(u.Allocations, n)
			if msg != "" {
				res.fail(u.ItemID, msg)
				continue
			}
			cfg.SubcomponentAllocationsSkipped = false
			if v == nil {
				cfg.SubcomponentAllocations = nil
			} else {
				cfg.SetSubcomponentVector(v)
			}
		}
		if err := s.Store.UpdateConfig(ctx, cfg); err != nil {
			return res, err
		}
		res.Saved++
	}
	log.Debug().Int64("analysis_id", a.ID).Int("saved", res.Saved).Int("rejected", len(res.Errors)).
		Msg("subcomponent allocations saved")
	return res, nil
}

// ParseVector validates n raw percentages. It returns nil for an all-blank
// vector, or a message when the input is rejected. Entries are rounded to
// four places and the last one absorbs the rounding difference to 100.
func ParseVector(raw []string, n int) ([]decimal.Decimal, string) {
	if len(raw) != n {
		return nil, MsgWrongLength
	}
	v := make([]decimal.Decimal, n)
	blank := true
	sum := decimal.Zero
	for i, r := range raw {
		r = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(r), "%"))
		if r == "" {
			continue
		}
		blank = false
		d, err := decimal.NewFromString(r)
		if err != nil || d.IsNegative() || d.GreaterThan(hundred) {
			return nil, MsgInvalidValue
		}
		v[i] = d.Round(Precision)
		sum = sum.Add(v[i])
	}
	if blank {
		return nil, ""
	}
	diff := hundred.Sub(sum)
	if diff.Abs().GreaterThan(sumTolerance) {
		return nil, MsgInvalidSum
	}
	v[n-1] = v[n-1].Add(diff)
	return v, ""
}

// =============================================================================
// AVERAGE AND APPLY
// =============================================================================

// Filter narrows the items of an average. Zero fields match everything.
type Filter struct {
	CostTypeID     int64
	CategoryID     int64
	Grant          string
	IncludeSupport bool
}

func (f Filter) match(li *model.LineItem) bool {
	if f.CostTypeID != 0 && (li.Config.CostTypeID == nil || *li.Config.CostTypeID != f.CostTypeID) {
		return false
	}
	if f.CategoryID != 0 && (li.Config.CategoryID == nil || *li.Config.CategoryID != f.CategoryID) {
		return false
	}
	if f.Grant != "" && !strings.EqualFold(li.GrantCode, f.Grant) {
		return false
	}
	if li.IsKind(model.CostTypeIndirect) {
		return false
	}
	if !f.IncludeSupport && li.IsKind(model.CostTypeSupport) {
		return false
	}
	return true
}

// Average returns the cost-weighted average vector over the grid items that
// match f. It is nil when no item contributes.
func Average(items []model.LineItem, n int, f Filter) []decimal.Decimal {
	cols := make([]decimal.Decimal, n)
	total := decimal.Zero
	contributed := false
	for i := range items {
		li := &items[i]
		if !li.IsGridItem() || !li.Config.HasSubcomponentAllocations() || li.Config.SubcomponentAllocationsSkipped {
			continue
		}
		if !f.match(li) {
			continue
		}
		allocated := li.TotalAllocatedCost()
		for k, v := range li.Config.SubcomponentVector(n) {
			cols[k] = cols[k].Add(v.Div(hundred).Mul(allocated))
		}
		total = total.Add(allocated)
		contributed = true
	}
	if !contributed || n == 0 {
		return nil
	}

	avg := make([]decimal.Decimal, n)
	sum := decimal.Zero
	for k, c := range cols {
		if c.IsPositive() {
			avg[k] = c.Div(total).Mul(hundred).Round(AveragePrecision)
		}
		sum = sum.Add(avg[k])
	}
	avg[n-1] = avg[n-1].Add(hundred.Sub(sum))
	return avg
}

// AllocatedTotals sums the allocated cost of every label over the items
// with a vector that are not skipped.
func AllocatedTotals(items []model.LineItem, n int) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for i := range items {
		li := &items[i]
		if !li.Config.HasSubcomponentAllocations() || li.Config.SubcomponentAllocationsSkipped {
			continue
		}
		allocated := li.TotalAllocatedCost()
		for k, v := range li.Config.SubcomponentVector(n) {
			out[k] = out[k].Add(v.Div(hundred).Mul(allocated))
		}
	}
	for k := range out {
		out[k] = out[k].Round(Precision)
	}
	return out
}

// labels returns the label count of the confirmed analysis.
func (s *Service) labels(ctx context.Context, analysisID int64) (int, error) {
	sca, err := s.confirmed(ctx, analysisID)
	if err != nil {
		return 0, err
	}
	return len(sca.SubcomponentLabels), nil
}

// Average loads the analysis items and averages them over f.
func (s *Service) Average(ctx context.Context, a *model.Analysis, f Filter) ([]decimal.Decimal, error) {
	n, err := s.labels(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	items, err := s.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return Average(items, n, f), nil
}

// Apply writes the unfiltered average to every non-PROGRAM item without a
// vector and to every skipped item, clearing the skip flag. It returns the
// number of items written.
func (s *Service) Apply(ctx context.Context, a *model.Analysis) (int, error) {
	n, err := s.labels(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	items, err := s.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	avg := Average(items, n, Filter{})

	written := 0
	for i := range items {
		li := &items[i]
		skipped := li.Config.SubcomponentAllocationsSkipped
		empty := !li.Config.HasSubcomponentAllocations() && !li.IsKind(model.CostTypeProgram)
		if !skipped && !empty {
			continue
		}
		cfg := li.Config
		cfg.SubcomponentAllocationsSkipped = false
		if avg == nil {
			cfg.SubcomponentAllocations = nil
		} else {
			cfg.SetSubcomponentVector(avg)
		}
		if err := s.Store.UpdateConfig(ctx, &cfg); err != nil {
			return written, err
		}
		written++
	}
	log.Debug().Int64("analysis_id", a.ID).Int("written", written).Msg("subcomponent average applied")
	return written, nil
}

// Totals returns the allocated cost per label.
func (s *Service) Totals(ctx context.Context, a *model.Analysis) ([]decimal.Decimal, error) {
	sca, err := s.Store.GetSubcomponentAnalysis(ctx, a.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	items, err := s.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return AllocatedTotals(items, len(sca.SubcomponentLabels)), nil
}
