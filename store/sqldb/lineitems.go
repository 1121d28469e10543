package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

var transactionColumns = []string{"id", "analysis_id", "cost_line_item_id", "transaction_date",
	"country_code", "grant_code", "budget_line_code", "account_code", "site_code", "sector_code",
	"transaction_code", "transaction_description", "currency_code", "budget_line_description",
	"amount_in_source_currency", "amount_in_instance_currency",
	"dummy_field_1", "dummy_field_2", "dummy_field_3", "dummy_field_4", "dummy_field_5",
	"cloned_from_id"}

// BulkInsertTransactions reserves ids under the sequence lock, writes them
// into txs, then copies every row in one statement.
func (q *queries) BulkInsertTransactions(ctx context.Context, txs []model.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	first, err := q.reserveIDs(ctx, "transactions", len(txs))
	if err != nil {
		return err
	}
	buf := newCopyBuffer("transactions", transactionColumns...)
	for i := range txs {
		t := &txs[i]
		t.ID = first + int64(i)
		if err := buf.add(t.ID, t.AnalysisID, t.CostLineItemID, t.Date,
			t.CountryCode, t.GrantCode, t.BudgetLineCode, t.AccountCode, t.SiteCode, t.SectorCode,
			t.TransactionCode, t.TransactionDescription, t.CurrencyCode, t.BudgetLineDescription,
			t.AmountInSourceCurrency, t.AmountInInstanceCurrency,
			t.DummyField1, t.DummyField2, t.DummyField3, t.DummyField4, t.DummyField5,
			t.ClonedFromID); err != nil {
			return err
		}
	}
	if err := q.copyFrom(ctx, buf); err != nil {
		return fmt.Errorf("bulk insert transactions: %w", err)
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, analysisID int64) ([]model.Transaction, error) {
	rows, err := q.query(ctx, q.sb.Select(transactionColumns...).From("transactions").
		Where(sq.Eq{"analysis_id": analysisID}).OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var cli, cloned sql.NullInt64
		var date string
		if err := rows.Scan(&t.ID, &t.AnalysisID, &cli, &date,
			&t.CountryCode, &t.GrantCode, &t.BudgetLineCode, &t.AccountCode, &t.SiteCode, &t.SectorCode,
			&t.TransactionCode, &t.TransactionDescription, &t.CurrencyCode, &t.BudgetLineDescription,
			&t.AmountInSourceCurrency, &t.AmountInInstanceCurrency,
			&t.DummyField1, &t.DummyField2, &t.DummyField3, &t.DummyField4, &t.DummyField5,
			&cloned); err != nil {
			return nil, err
		}
		if t.Date, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("transaction %d date: %w", t.ID, err)
		}
		t.CostLineItemID = ptrInt(cli)
		t.ClonedFromID = ptrInt(cloned)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) CountTransactions(ctx context.Context, analysisID int64) (int, error) {
	return q.count(ctx, q.sb.Select("COUNT(*)").From("transactions").Where(sq.Eq{"analysis_id": analysisID}))
}

// LinkTransactions stages (transaction, item) pairs and applies them with a
// single UPDATE.
func (q *queries) LinkTransactions(ctx context.Context, links map[int64]int64) error {
	if len(links) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf := newCopyBuffer("transaction_links", "transaction_id", "cost_line_item_id")
	for _, id := range ids {
		if err := buf.add(id, links[id]); err != nil {
			return err
		}
	}
	if _, err := q.exec(ctx, q.sb.Delete("transaction_links")); err != nil {
		return fmt.Errorf("clear transaction links: %w", err)
	}
	if err := q.copyFrom(ctx, buf); err != nil {
		return fmt.Errorf("stage transaction links: %w", err)
	}
	_, err := q.run.ExecContext(ctx, `UPDATE transactions SET cost_line_item_id = (
		SELECT l.cost_line_item_id FROM transaction_links l WHERE l.transaction_id = transactions.id
	) WHERE id IN (SELECT transaction_id FROM transaction_links)`)
	if err != nil {
		return fmt.Errorf("link transactions: %w", err)
	}
	if _, err := q.exec(ctx, q.sb.Delete("transaction_links")); err != nil {
		return fmt.Errorf("clear transaction links: %w", err)
	}
	return nil
}

func (q *queries) DeleteTransactions(ctx context.Context, analysisID int64) error {
	if _, err := q.exec(ctx, q.sb.Delete("transactions").Where(sq.Eq{"analysis_id": analysisID})); err != nil {
		return fmt.Errorf("delete transactions: %w", err)
	}
	return nil
}

func (q *queries) DeleteUnlinkedTransactions(ctx context.Context, analysisID int64) error {
	_, err := q.exec(ctx, q.sb.Delete("transactions").Where(sq.And{
		sq.Eq{"analysis_id": analysisID},
		sq.Eq{"cost_line_item_id": nil},
	}))
	if err != nil {
		return fmt.Errorf("delete unlinked transactions: %w", err)
	}
	return nil
}

// =============================================================================
// COST LINE ITEMS
// =============================================================================

var costLineItemColumns = []string{"id", "analysis_id", "country_code", "grant_code", "budget_line_code",
	"account_code", "site_code", "sector_code", "transaction_code", "budget_line_description",
	"quantity", "unit_cost", "loe_or_unit", "months_or_unit", "total_cost", "is_special_lump_sum",
	"note", "dummy_field_1", "dummy_field_2", "cloned_from_id"}

var configColumns = []string{"id", "cost_line_item_id", "cost_type_id", "category_id", "analysis_cost_type",
	"subcomponent_allocations", "subcomponent_allocations_skipped", "cloned_from_id"}

func itemValues(c *model.CostLineItem) []any {
	return []any{c.ID, c.AnalysisID, c.CountryCode, c.GrantCode, c.BudgetLineCode,
		c.AccountCode, c.SiteCode, c.SectorCode, c.TransactionCode, c.BudgetLineDescription,
		c.Quantity, c.UnitCost, c.LOEOrUnit, c.MonthsOrUnit, c.TotalCost, c.IsSpecialLumpSum,
		c.Note, c.DummyField1, c.DummyField2, c.ClonedFromID}
}

func encodeSubcomponents(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode subcomponent allocations: %w", err)
	}
	return string(b), nil
}

func configValues(c *model.CostLineItemConfig) ([]any, error) {
	sub, err := encodeSubcomponents(c.SubcomponentAllocations)
	if err != nil {
		return nil, err
	}
	act := c.AnalysisCostType
	if act == "" {
		act = model.AnalysisCostStandard
	}
	return []any{c.ID, c.CostLineItemID, c.CostTypeID, c.CategoryID, string(act),
		sub, c.SubcomponentAllocationsSkipped, c.ClonedFromID}, nil
}

// BulkInsertCostLineItems reserves ids for items and configs, then copies
// both tables. Configs receive the pre-assigned item ids.
func (q *queries) BulkInsertCostLineItems(ctx context.Context, items []model.CostLineItem, cfgs []model.CostLineItemConfig) error {
	if len(items) == 0 {
		return nil
	}
	if cfgs != nil && len(cfgs) != len(items) {
		return fmt.Errorf("bulk insert cost line items: %d configs for %d items", len(cfgs), len(items))
	}
	if cfgs == nil {
		cfgs = make([]model.CostLineItemConfig, len(items))
		for i := range cfgs {
			cfgs[i].AnalysisCostType = model.AnalysisCostStandard
		}
	}

	firstItem, err := q.reserveIDs(ctx, "cost_line_items", len(items))
	if err != nil {
		return err
	}
	firstConfig, err := q.reserveIDs(ctx, "cost_line_item_configs", len(cfgs))
	if err != nil {
		return err
	}

	itemBuf := newCopyBuffer("cost_line_items", costLineItemColumns...)
	cfgBuf := newCopyBuffer("cost_line_item_configs", configColumns...)
	for i := range items {
		items[i].ID = firstItem + int64(i)
		if err := itemBuf.add(itemValues(&items[i])...); err != nil {
			return err
		}
		cfgs[i].ID = firstConfig + int64(i)
		cfgs[i].CostLineItemID = items[i].ID
		vals, err := configValues(&cfgs[i])
		if err != nil {
			return err
		}
		if err := cfgBuf.add(vals...); err != nil {
			return err
		}
	}
	if err := q.copyFrom(ctx, itemBuf); err != nil {
		return fmt.Errorf("bulk insert cost line items: %w", err)
	}
	if err := q.copyFrom(ctx, cfgBuf); err != nil {
		return fmt.Errorf("bulk insert cost line item configs: %w", err)
	}
	return nil
}

func (q *queries) InsertCostLineItem(ctx context.Context, item *model.CostLineItem, cfg *model.CostLineItemConfig) error {
	id, err := q.insertID(ctx, q.sb.Insert("cost_line_items").
		Columns(costLineItemColumns[1:]...).
		Values(itemValues(item)[1:]...))
	if err != nil {
		return fmt.Errorf("insert cost line item: %w", err)
	}
	item.ID = id
	cfg.CostLineItemID = id
	vals, err := configValues(cfg)
	if err != nil {
		return err
	}
	cfgID, err := q.insertID(ctx, q.sb.Insert("cost_line_item_configs").
		Columns(configColumns[1:]...).
		Values(vals[1:]...))
	if err != nil {
		return fmt.Errorf("insert cost line item config: %w", err)
	}
	cfg.ID = cfgID
	return nil
}

func scanCostLineItem(row interface{ Scan(...any) error }) (model.CostLineItem, error) {
	var c model.CostLineItem
	var cloned sql.NullInt64
	err := row.Scan(&c.ID, &c.AnalysisID, &c.CountryCode, &c.GrantCode, &c.BudgetLineCode,
		&c.AccountCode, &c.SiteCode, &c.SectorCode, &c.TransactionCode, &c.BudgetLineDescription,
		&c.Quantity, &c.UnitCost, &c.LOEOrUnit, &c.MonthsOrUnit, &c.TotalCost, &c.IsSpecialLumpSum,
		&c.Note, &c.DummyField1, &c.DummyField2, &cloned)
	c.ClonedFromID = ptrInt(cloned)
	return c, err
}

func (q *queries) ListCostLineItems(ctx context.Context, analysisID int64) ([]model.CostLineItem, error) {
	rows, err := q.query(ctx, q.sb.Select(costLineItemColumns...).From("cost_line_items").
		Where(sq.Eq{"analysis_id": analysisID}).OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("list cost line items: %w", err)
	}
	defer rows.Close()

	var out []model.CostLineItem
	for rows.Next() {
		c, err := scanCostLineItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) UpdateCostLineItem(ctx context.Context, item *model.CostLineItem) error {
	_, err := q.exec(ctx, q.sb.Update("cost_line_items").SetMap(map[string]any{
		"country_code":            item.CountryCode,
		"grant_code":              item.GrantCode,
		"budget_line_code":        item.BudgetLineCode,
		"account_code":            item.AccountCode,
		"site_code":               item.SiteCode,
		"sector_code":             item.SectorCode,
		"transaction_code":        item.TransactionCode,
		"budget_line_description": item.BudgetLineDescription,
		"quantity":                item.Quantity,
		"unit_cost":               item.UnitCost,
		"loe_or_unit":             item.LOEOrUnit,
		"months_or_unit":          item.MonthsOrUnit,
		"total_cost":              item.TotalCost,
		"is_special_lump_sum":     item.IsSpecialLumpSum,
		"note":                    item.Note,
		"dummy_field_1":           item.DummyField1,
		"dummy_field_2":           item.DummyField2,
	}).Where(sq.Eq{"id": item.ID}))
	if err != nil {
		return fmt.Errorf("update cost line item %d: %w", item.ID, err)
	}
	return nil
}

// DeleteCostLineItems removes items with their configs and allocations.
// Transactions pointing at them are unlinked.
func (q *queries) DeleteCostLineItems(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	// Nested with ? placeholders; the outer builder rewrites them.
	sub, args, err := sq.Select("id").From("cost_line_item_configs").
		Where(sq.Eq{"cost_line_item_id": ids}).ToSql()
	if err != nil {
		return err
	}
	steps := []sq.Sqlizer{
		q.sb.Update("transactions").Set("cost_line_item_id", nil).Where(sq.Eq{"cost_line_item_id": ids}),
		q.sb.Delete("cost_line_item_allocations").Where("cli_config_id IN ("+sub+")", args...),
		q.sb.Delete("cost_line_item_configs").Where(sq.Eq{"cost_line_item_id": ids}),
		q.sb.Delete("cost_line_items").Where(sq.Eq{"id": ids}),
	}
	for _, step := range steps {
		if _, err := q.exec(ctx, step); err != nil {
			return fmt.Errorf("delete cost line items: %w", err)
		}
	}
	return nil
}

// DeleteAllCostLineItems removes every item of the analysis with its
// configs and allocations.
func (q *queries) DeleteAllCostLineItems(ctx context.Context, analysisID int64) error {
	itemIDs := "SELECT id FROM cost_line_items WHERE analysis_id = ?"
	configIDs := "SELECT c.id FROM cost_line_item_configs c JOIN cost_line_items i ON i.id = c.cost_line_item_id WHERE i.analysis_id = ?"
	steps := []sq.Sqlizer{
		q.sb.Update("transactions").Set("cost_line_item_id", nil).Where(sq.Eq{"analysis_id": analysisID}),
		q.sb.Delete("cost_line_item_allocations").Where("cli_config_id IN ("+configIDs+")", analysisID),
		q.sb.Delete("cost_line_item_configs").Where("cost_line_item_id IN ("+itemIDs+")", analysisID),
		q.sb.Delete("cost_line_items").Where(sq.Eq{"analysis_id": analysisID}),
	}
	for _, step := range steps {
		if _, err := q.exec(ctx, step); err != nil {
			return fmt.Errorf("delete cost line items of analysis %d: %w", analysisID, err)
		}
	}
	return nil
}

func (q *queries) CountCostLineItems(ctx context.Context, analysisID int64) (int, error) {
	return q.count(ctx, q.sb.Select("COUNT(*)").From("cost_line_items").Where(sq.Eq{"analysis_id": analysisID}))
}

// =============================================================================
// CONFIGS
// =============================================================================

func (q *queries) ListConfigs(ctx context.Context, analysisID int64) ([]model.CostLineItemConfig, error) {
	cols := make([]string, len(configColumns))
	for i, c := range configColumns {
		cols[i] = "c." + c
	}
	rows, err := q.query(ctx, q.sb.Select(cols...).
		From("cost_line_item_configs c").
		Join("cost_line_items i ON i.id = c.cost_line_item_id").
		Where(sq.Eq{"i.analysis_id": analysisID}).
		OrderBy("c.cost_line_item_id"))
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var out []model.CostLineItemConfig
	for rows.Next() {
		var c model.CostLineItemConfig
		var ct, cat, cloned sql.NullInt64
		var act, sub string
		if err := rows.Scan(&c.ID, &c.CostLineItemID, &ct, &cat, &act, &sub,
			&c.SubcomponentAllocationsSkipped, &cloned); err != nil {
			return nil, err
		}
		c.CostTypeID = ptrInt(ct)
		c.CategoryID = ptrInt(cat)
		c.AnalysisCostType = model.AnalysisCostType(act)
		c.ClonedFromID = ptrInt(cloned)
		if err := json.Unmarshal([]byte(sub), &c.SubcomponentAllocations); err != nil {
			return nil, fmt.Errorf("config %d subcomponent allocations: %w", c.ID, err)
		}
		if len(c.SubcomponentAllocations) == 0 {
			c.SubcomponentAllocations = nil
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) UpdateConfig(ctx context.Context, cfg *model.CostLineItemConfig) error {
	sub, err := encodeSubcomponents(cfg.SubcomponentAllocations)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, q.sb.Update("cost_line_item_configs").
		Set("cost_type_id", nullInt(cfg.CostTypeID)).
		Set("category_id", nullInt(cfg.CategoryID)).
		Set("analysis_cost_type", string(cfg.AnalysisCostType)).
		Set("subcomponent_allocations", sub).
		Set("subcomponent_allocations_skipped", cfg.SubcomponentAllocationsSkipped).
		Where(sq.Eq{"id": cfg.ID}))
	if err != nil {
		return fmt.Errorf("update config %d: %w", cfg.ID, err)
	}
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (q *queries) ListAllocations(ctx context.Context, analysisID int64) ([]model.Allocation, error) {
	rows, err := q.query(ctx, q.sb.
		Select("a.id", "a.cli_config_id", "a.intervention_instance_id", "a.allocation", "a.cloned_from_id").
		From("cost_line_item_allocations a").
		Join("cost_line_item_configs c ON c.id = a.cli_config_id").
		Join("cost_line_items i ON i.id = c.cost_line_item_id").
		Where(sq.Eq{"i.analysis_id": analysisID}).
		OrderBy("a.id"))
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var out []model.Allocation
	for rows.Next() {
		var a model.Allocation
		var cloned sql.NullInt64
		if err := rows.Scan(&a.ID, &a.ConfigID, &a.InterventionInstanceID, &a.Allocation, &cloned); err != nil {
			return nil, err
		}
		a.ClonedFromID = ptrInt(cloned)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *queries) UpsertAllocations(ctx context.Context, allocs []model.Allocation) error {
	for i := range allocs {
		a := &allocs[i]
		id, err := q.insertID(ctx, q.sb.Insert("cost_line_item_allocations").
			Columns("cli_config_id", "intervention_instance_id", "allocation", "cloned_from_id").
			Values(a.ConfigID, a.InterventionInstanceID, a.Allocation, nullInt(a.ClonedFromID)).
			Suffix("ON CONFLICT (cli_config_id, intervention_instance_id) DO UPDATE SET allocation = excluded.allocation"))
		if err != nil {
			return fmt.Errorf("upsert allocation (config %d, instance %d): %w", a.ConfigID, a.InterventionInstanceID, err)
		}
		a.ID = id
	}
	return nil
}

func (q *queries) DeleteAllocations(ctx context.Context, analysisID int64) error {
	_, err := q.exec(ctx, q.sb.Delete("cost_line_item_allocations").Where(
		"cli_config_id IN (SELECT c.id FROM cost_line_item_configs c "+
			"JOIN cost_line_items i ON i.id = c.cost_line_item_id WHERE i.analysis_id = ?)", analysisID))
	if err != nil {
		return fmt.Errorf("delete allocations of analysis %d: %w", analysisID, err)
	}
	return nil
}

// =============================================================================
// LINE ITEM READ VIEW
// =============================================================================

// ListLineItems joins items with configs, cost types, categories and
// allocations, ordered by item id.
func (q *queries) ListLineItems(ctx context.Context, analysisID int64) ([]model.LineItem, error) {
	items, err := q.ListCostLineItems(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	cfgs, err := q.ListConfigs(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	allocs, err := q.ListAllocations(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	costTypes, err := q.ListCostTypes(ctx)
	if err != nil {
		return nil, err
	}
	categories, err := q.ListCategories(ctx)
	if err != nil {
		return nil, err
	}

	ctByID := make(map[int64]*model.CostType, len(costTypes))
	for i := range costTypes {
		ctByID[costTypes[i].ID] = &costTypes[i]
	}
	catByID := make(map[int64]*model.Category, len(categories))
	for i := range categories {
		catByID[categories[i].ID] = &categories[i]
	}
	cfgByItem := make(map[int64]model.CostLineItemConfig, len(cfgs))
	for _, c := range cfgs {
		cfgByItem[c.CostLineItemID] = c
	}
	allocsByConfig := make(map[int64]map[int64]decimal.NullDecimal)
	for _, a := range allocs {
		m, ok := allocsByConfig[a.ConfigID]
		if !ok {
			m = make(map[int64]decimal.NullDecimal)
			allocsByConfig[a.ConfigID] = m
		}
		m[a.InterventionInstanceID] = a.Allocation
	}

	out := make([]model.LineItem, 0, len(items))
	for _, item := range items {
		li := model.LineItem{CostLineItem: item, Config: cfgByItem[item.ID]}
		if li.Config.CostTypeID != nil {
			li.CostType = ctByID[*li.Config.CostTypeID]
		}
		if li.Config.CategoryID != nil {
			li.Category = catByID[*li.Config.CategoryID]
		}
		li.Allocations = allocsByConfig[li.Config.ID]
		if li.Allocations == nil {
			li.Allocations = make(map[int64]decimal.NullDecimal)
		}
		out = append(out, li)
	}
	return out, nil
}
