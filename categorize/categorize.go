/*
Package categorize assigns a cost type and category to every cost line item
and maintains the analysis grid built from those assignments.

PURPOSE:
  Categorize is the step between LoadData and Allocate. Mappings classify
  items by their codes; the grid then materializes every (cost type,
  category) pair in use, the grants under each pair and the intervention
  instances contributing to each (pair, grant). Allocate walks the grid.

MAPPING PRECEDENCE:
  Every mapping whose criteria hold for an item applies, least specific
  first, so the most specific mapping has the last word for each field it
  sets. Specificity orders by:
    1. an exact account_code criterion
    2. the length of the account_code_starts_with prefix
    3. the number of exact criteria
  A field no mapping sets keeps its current value, else the default.

SCOPE:
  Only STANDARD items are categorized. Other-cost items carry their own
  tag and never enter the grid; special lump sums are categorized but are
  allocated outside the grid.

SEE ALSO:
  - grid.go: ensure-grid and confirmation
  - model/reference.go: Mapping.Matches
*/
package categorize

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dioptra/analysis-engine/model"
)

// Fallback names used when no reference row is flagged as default.
const (
	DefaultCostTypeName = "Program Costs"
	DefaultCategoryName = "Materials & Activities"
)

var (
	// ErrNoDefaultCostType is returned when neither a default nor the
	// fallback cost type exists.
	ErrNoDefaultCostType = errors.New("no default cost type configured")

	// ErrNoDefaultCategory is returned when neither a default nor the
	// fallback category exists.
	ErrNoDefaultCategory = errors.New("no default category configured")
)

// Categorizer runs categorization against a store.
type Categorizer struct {
	Store           model.Store
	DefaultCostType string
	DefaultCategory string
}

// New returns a Categorizer. Empty names fall back to the package defaults.
func New(store model.Store, defaultCostType, defaultCategory string) *Categorizer {
	if defaultCostType == "" {
		defaultCostType = DefaultCostTypeName
	}
	if defaultCategory == "" {
		defaultCategory = DefaultCategoryName
	}
	return &Categorizer{Store: store, DefaultCostType: defaultCostType, DefaultCategory: defaultCategory}
}

// =============================================================================
// AUTO-CATEGORIZE
// =============================================================================

// AutoCategorize applies the mapping table to every STANDARD item of the
// analysis and returns how many configs changed.
func (c *Categorizer) AutoCategorize(ctx context.Context, analysisID int64) (int, error) {
	defaults, err := c.defaults(ctx)
	if err != nil {
		return 0, err
	}
	mappings, err := c.Store.ListMappings(ctx)
	if err != nil {
		return 0, err
	}
	items, err := c.Store.ListLineItems(ctx, analysisID)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range items {
		li := &items[i]
		if li.IsOtherCost() {
			continue
		}
		cfg := li.Config
		if !apply(&cfg, matching(mappings, &li.CostLineItem), defaults) {
			continue
		}
		if err := c.Store.UpdateConfig(ctx, &cfg); err != nil {
			return changed, fmt.Errorf("categorize item %d: %w", li.ID, err)
		}
		changed++
	}
	log.Debug().Int64("analysis_id", analysisID).Int("changed", changed).Msg("auto-categorized")
	return changed, nil
}

type defaults struct {
	costTypeID int64
	categoryID int64
}

func (c *Categorizer) defaults(ctx context.Context) (defaults, error) {
	types, err := c.Store.ListCostTypes(ctx)
	if err != nil {
		return defaults{}, err
	}
	categories, err := c.Store.ListCategories(ctx)
	if err != nil {
		return defaults{}, err
	}
	ct := model.DefaultCostType(types, c.DefaultCostType)
	if ct == nil {
		return defaults{}, ErrNoDefaultCostType
	}
	cat := model.DefaultCategory(categories, c.DefaultCategory)
	if cat == nil {
		return defaults{}, ErrNoDefaultCategory
	}
	return defaults{costTypeID: ct.ID, categoryID: cat.ID}, nil
}

// matching returns the mappings that hold for item, least specific first.
func matching(mappings []model.Mapping, item *model.CostLineItem) []model.Mapping {
	var out []model.Mapping
	for _, m := range mappings {
		if m.Matches(item) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(&out[i], &out[j])
	})
	return out
}

func less(a, b *model.Mapping) bool {
	if (a.AccountCode != "") != (b.AccountCode != "") {
		return a.AccountCode == ""
	}
	if len(a.AccountCodeStartsWith) != len(b.AccountCodeStartsWith) {
		return len(a.AccountCodeStartsWith) < len(b.AccountCodeStartsWith)
	}
	return a.CriteriaCount() < b.CriteriaCount()
}

// apply sets cfg from the ordered mappings and the defaults and reports
// whether anything changed.
func apply(cfg *model.CostLineItemConfig, mappings []model.Mapping, d defaults) bool {
	costType, category := cfg.CostTypeID, cfg.CategoryID
	for _, m := range mappings {
		if m.CostTypeID != nil {
			costType = m.CostTypeID
		}
		if m.CategoryID != nil {
			category = m.CategoryID
		}
	}
	if costType == nil {
		costType = &d.costTypeID
	}
	if category == nil {
		category = &d.categoryID
	}

	changed := !sameID(cfg.CostTypeID, costType) || !sameID(cfg.CategoryID, category)
	v1, v2 := *costType, *category
	cfg.CostTypeID, cfg.CategoryID = &v1, &v2
	return changed
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// =============================================================================
// MANUAL CATEGORIZATION
// =============================================================================

// SetCategory records a user's choice for one item and refreshes the grid.
func (c *Categorizer) SetCategory(ctx context.Context, a *model.Analysis, itemID, costTypeID, categoryID int64) error {
	items, err := c.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, li := range items {
		if li.ID != itemID {
			continue
		}
		if li.IsOtherCost() {
			return &model.ValidationError{Field: "cost_line_item", Message: "other-cost items cannot be recategorized"}
		}
		cfg := li.Config
		cfg.CostTypeID, cfg.CategoryID = &costTypeID, &categoryID
		if err := c.Store.UpdateConfig(ctx, &cfg); err != nil {
			return err
		}
		_, err := c.EnsureGrid(ctx, a)
		return err
	}
	return fmt.Errorf("cost line item %d: %w", itemID, model.ErrNotFound)
}
