package ingest

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// AGGREGATOR - Transactions to cost line items
// =============================================================================

type group struct {
	item  model.CostLineItem
	txIDs []int64
}

// aggregator groups transactions by GroupKey, or by SpecialKey for
// transactions from another country when the country filter is on.
type aggregator struct {
	analysisID int64
	filter     bool
	homeCode   string
	names      map[string]string

	groups    []*group
	standard  map[model.GroupKey]*group
	special   map[model.SpecialKey]*group
	preloaded int
}

func (l *Loader) newAggregator(ctx context.Context, a *model.Analysis) (*aggregator, error) {
	settings, err := l.Store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	home, err := l.Store.GetCountry(ctx, a.CountryID)
	if err != nil {
		return nil, err
	}
	countries, err := l.Store.ListCountries(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(countries))
	for _, c := range countries {
		names[c.Code] = c.Name
	}
	return &aggregator{
		analysisID: a.ID,
		filter:     settings.TransactionCountryFilter,
		homeCode:   home.Code,
		names:      names,
		standard:   make(map[model.GroupKey]*group),
		special:    make(map[model.SpecialKey]*group),
	}, nil
}

// preload registers an existing item with its total reset to zero.
func (ag *aggregator) preload(item model.CostLineItem) {
	item.TotalCost = decimal.Zero
	g := &group{item: item}
	if item.IsSpecialLumpSum {
		ag.special[item.SpecialKey()] = g
	} else {
		ag.standard[item.GroupKey()] = g
	}
	ag.groups = append(ag.groups, g)
	ag.preloaded++
}

func (ag *aggregator) add(t *model.Transaction) {
	var g *group
	if ag.filter && t.CountryCode != ag.homeCode {
		key := t.SpecialKey()
		if g = ag.special[key]; g == nil {
			name, ok := ag.names[t.CountryCode]
			if !ok {
				name = t.CountryCode
			}
			g = &group{item: model.CostLineItem{
				AnalysisID:            ag.analysisID,
				CountryCode:           t.CountryCode,
				GrantCode:             t.GrantCode,
				BudgetLineDescription: name,
				IsSpecialLumpSum:      true,
			}}
			ag.special[key] = g
			ag.groups = append(ag.groups, g)
		}
	} else {
		key := t.GroupKey()
		if g = ag.standard[key]; g == nil {
			g = &group{item: model.CostLineItem{
				AnalysisID:            ag.analysisID,
				CountryCode:           t.CountryCode,
				GrantCode:             t.GrantCode,
				BudgetLineCode:        t.BudgetLineCode,
				AccountCode:           t.AccountCode,
				SiteCode:              t.SiteCode,
				SectorCode:            t.SectorCode,
				TransactionCode:       t.TransactionCode,
				BudgetLineDescription: t.BudgetLineDescription,
			}}
			ag.standard[key] = g
			ag.groups = append(ag.groups, g)
		}
	}
	g.item.TotalCost = g.item.TotalCost.Add(t.AmountInInstanceCurrency)
	g.txIDs = append(g.txIDs, t.ID)
}

// =============================================================================
// CREATE
// =============================================================================

// CreateCostLineItems aggregates freshly loaded transactions into new cost
// line items with empty configs. Items whose total rounds to zero are not
// created and their transactions are deleted.
func (l *Loader) CreateCostLineItems(ctx context.Context, a *model.Analysis, txs []model.Transaction) (int, error) {
	ag, err := l.newAggregator(ctx, a)
	if err != nil {
		return 0, err
	}
	for i := range txs {
		ag.add(&txs[i])
	}

	var kept []*group
	for _, g := range ag.groups {
		if !model.NearZero(g.item.TotalCost) {
			kept = append(kept, g)
		}
	}
	items := make([]model.CostLineItem, len(kept))
	for i, g := range kept {
		items[i] = g.item
	}
	if err := l.Store.BulkInsertCostLineItems(ctx, items, nil); err != nil {
		return 0, err
	}

	links := make(map[int64]int64)
	for i, g := range kept {
		for _, id := range g.txIDs {
			links[id] = items[i].ID
		}
	}
	if err := l.Store.LinkTransactions(ctx, links); err != nil {
		return 0, err
	}
	if err := l.Store.DeleteUnlinkedTransactions(ctx, a.ID); err != nil {
		return 0, err
	}
	return len(items), nil
}

// =============================================================================
// SYNC
// =============================================================================

// SyncResult counts the cost line item changes of a resync.
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// SyncCostLineItems re-aggregates reloaded transactions onto the existing
// items of a. Items matching a grouping key keep their id, config and
// allocations with a recomputed total. New keys become new items. Items
// whose total now rounds to zero are deleted. Other-cost items are left as
// they are.
func (l *Loader) SyncCostLineItems(ctx context.Context, a *model.Analysis, txs []model.Transaction) (SyncResult, error) {
	var res SyncResult
	ag, err := l.newAggregator(ctx, a)
	if err != nil {
		return res, err
	}
	existing, err := l.Store.ListLineItems(ctx, a.ID)
	if err != nil {
		return res, err
	}
	for _, li := range existing {
		if li.IsOtherCost() {
			continue
		}
		ag.preload(li.CostLineItem)
	}
	for i := range txs {
		ag.add(&txs[i])
	}

	var (
		created []*group
		updated []*group
		deleted []int64
	)
	for i, g := range ag.groups {
		isExisting := i < ag.preloaded
		switch {
		case model.NearZero(g.item.TotalCost) && isExisting:
			deleted = append(deleted, g.item.ID)
		case model.NearZero(g.item.TotalCost):
		case isExisting:
			updated = append(updated, g)
		default:
			created = append(created, g)
		}
	}

	if err := l.Store.DeleteCostLineItems(ctx, deleted); err != nil {
		return res, err
	}
	for _, g := range updated {
		if err := l.Store.UpdateCostLineItem(ctx, &g.item); err != nil {
			return res, err
		}
	}
	items := make([]model.CostLineItem, len(created))
	for i, g := range created {
		items[i] = g.item
	}
	if err := l.Store.BulkInsertCostLineItems(ctx, items, nil); err != nil {
		return res, err
	}
	for i, g := range created {
		g.item.ID = items[i].ID
	}

	links := make(map[int64]int64)
	for _, g := range append(updated, created...) {
		for _, id := range g.txIDs {
			links[id] = g.item.ID
		}
	}
	if err := l.Store.LinkTransactions(ctx, links); err != nil {
		return res, err
	}
	if err := l.Store.DeleteUnlinkedTransactions(ctx, a.ID); err != nil {
		return res, err
	}

	res.Created, res.Updated, res.Deleted = len(created), len(updated), len(deleted)
	return res, nil
}
