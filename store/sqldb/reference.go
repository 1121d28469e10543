package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// COST TYPES AND CATEGORIES
// =============================================================================

func (q *queries) ListCostTypes(ctx context.Context) ([]model.CostType, error) {
	rows, err := q.query(ctx, q.sb.Select("id", "name", "type", "sort_order", "is_default").
		From("cost_types").OrderBy("sort_order", "id"))
	if err != nil {
		return nil, fmt.Errorf("list cost types: %w", err)
	}
	defer rows.Close()

	var out []model.CostType
	for rows.Next() {
		var ct model.CostType
		var kind int
		if err := rows.Scan(&ct.ID, &ct.Name, &kind, &ct.Order, &ct.IsDefault); err != nil {
			return nil, err
		}
		ct.Type = model.CostTypeKind(kind)
		out = append(out, ct)
	}
	return out, rows.Err()
}

// SaveCostType inserts ct, or updates it when ct.ID is set.
func (q *queries) SaveCostType(ctx context.Context, ct *model.CostType) error {
	if !ct.Type.Valid() {
		return &model.ValidationError{Field: "type", Message: fmt.Sprintf("invalid cost type %d", int(ct.Type))}
	}
	if ct.ID != 0 {
		_, err := q.exec(ctx, q.sb.Update("cost_types").
			Set("name", ct.Name).Set("type", int(ct.Type)).
			Set("sort_order", ct.Order).Set("is_default", ct.IsDefault).
			Where(sq.Eq{"id": ct.ID}))
		return err
	}
	id, err := q.insertID(ctx, q.sb.Insert("cost_types").
		Columns("name", "type", "sort_order", "is_default").
		Values(ct.Name, int(ct.Type), ct.Order, ct.IsDefault))
	if err != nil {
		return fmt.Errorf("save cost type %q: %w", ct.Name, err)
	}
	ct.ID = id
	return nil
}

func (q *queries) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := q.query(ctx, q.sb.Select("id", "name", "sort_order", "is_default").
		From("categories").OrderBy("sort_order", "id"))
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Order, &c.IsDefault); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) SaveCategory(ctx context.Context, c *model.Category) error {
	if c.ID != 0 {
		_, err := q.exec(ctx, q.sb.Update("categories").
			Set("name", c.Name).Set("sort_order", c.Order).Set("is_default", c.IsDefault).
			Where(sq.Eq{"id": c.ID}))
		return err
	}
	id, err := q.insertID(ctx, q.sb.Insert("categories").
		Columns("name", "sort_order", "is_default").
		Values(c.Name, c.Order, c.IsDefault))
	if err != nil {
		return fmt.Errorf("save category %q: %w", c.Name, err)
	}
	c.ID = id
	return nil
}

// =============================================================================
// GEOGRAPHY
// =============================================================================

func (q *queries) ListRegions(ctx context.Context) ([]model.Region, error) {
	rows, err := q.query(ctx, q.sb.Select("id", "name").From("regions").OrderBy("name"))
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var out []model.Region
	for rows.Next() {
		var r model.Region
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *queries) SaveRegion(ctx context.Context, r *model.Region) error {
	if r.ID != 0 {
		_, err := q.exec(ctx, q.sb.Update("regions").Set("name", r.Name).Where(sq.Eq{"id": r.ID}))
		return err
	}
	id, err := q.insertID(ctx, q.sb.Insert("regions").Columns("name").Values(r.Name))
	if err != nil {
		return fmt.Errorf("save region %q: %w", r.Name, err)
	}
	r.ID = id
	return nil
}

var countryColumns = []string{"id", "name", "code", "region_id", "always_include_costs"}

func scanCountry(row interface{ Scan(...any) error }) (model.Country, error) {
	var c model.Country
	var region sql.NullInt64
	if err := row.Scan(&c.ID, &c.Name, &c.Code, &region, &c.AlwaysIncludeCosts); err != nil {
		return c, err
	}
	c.RegionID = ptrInt(region)
	return c, nil
}

func (q *queries) ListCountries(ctx context.Context) ([]model.Country, error) {
	rows, err := q.query(ctx, q.sb.Select(countryColumns...).From("countries").OrderBy("name"))
	if err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	defer rows.Close()

	var out []model.Country
	for rows.Next() {
		c, err := scanCountry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) GetCountry(ctx context.Context, id int64) (*model.Country, error) {
	query, args, err := q.sb.Select(countryColumns...).From("countries").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	c, err := scanCountry(q.run.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, fmt.Errorf("country %d: %w", id, model.ErrNotFound))
	}
	return &c, nil
}

func (q *queries) SaveCountry(ctx context.Context, c *model.Country) error {
	if c.ID != 0 {
		_, err := q.exec(ctx, q.sb.Update("countries").
			Set("name", c.Name).Set("code", c.Code).
			Set("region_id", nullInt(c.RegionID)).
			Set("always_include_costs", c.AlwaysIncludeCosts).
			Where(sq.Eq{"id": c.ID}))
		return err
	}
	id, err := q.insertID(ctx, q.sb.Insert("countries").
		Columns("name", "code", "region_id", "always_include_costs").
		Values(c.Name, c.Code, nullInt(c.RegionID), c.AlwaysIncludeCosts))
	if err != nil {
		return fmt.Errorf("save country %q: %w", c.Name, err)
	}
	c.ID = id
	return nil
}

// =============================================================================
// INTERVENTIONS
// =============================================================================

var interventionColumns = []string{"id", "name", "output_metrics", "subcomponent_labels"}

func scanIntervention(row interface{ Scan(...any) error }) (model.Intervention, error) {
	var iv model.Intervention
	var metrics, labels string
	if err := row.Scan(&iv.ID, &iv.Name, &metrics, &labels); err != nil {
		return iv, err
	}
	if err := json.Unmarshal([]byte(metrics), &iv.OutputMetrics); err != nil {
		return iv, fmt.Errorf("intervention %d output metrics: %w", iv.ID, err)
	}
	if err := json.Unmarshal([]byte(labels), &iv.SubcomponentLabels); err != nil {
		return iv, fmt.Errorf("intervention %d subcomponent labels: %w", iv.ID, err)
	}
	return iv, nil
}

func (q *queries) ListInterventions(ctx context.Context) ([]model.Intervention, error) {
	rows, err := q.query(ctx, q.sb.Select(interventionColumns...).From("interventions").OrderBy("name"))
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []model.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func (q *queries) GetIntervention(ctx context.Context, id int64) (*model.Intervention, error) {
	query, args, err := q.sb.Select(interventionColumns...).From("interventions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	iv, err := scanIntervention(q.run.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, fmt.Errorf("intervention %d: %w", id, model.ErrNotFound))
	}
	return &iv, nil
}

func (q *queries) SaveIntervention(ctx context.Context, iv *model.Intervention) error {
	if _, err := iv.Metrics(); err != nil {
		return &model.ValidationError{Field: "output_metrics", Message: err.Error()}
	}
	metrics, err := json.Marshal(nonNil(iv.OutputMetrics))
	if err != nil {
		return err
	}
	labels, err := json.Marshal(nonNil(iv.SubcomponentLabels))
	if err != nil {
		return err
	}
	if iv.ID != 0 {
		_, err := q.exec(ctx, q.sb.Update("interventions").
			Set("name", iv.Name).Set("output_metrics", string(metrics)).
			Set("subcomponent_labels", string(labels)).
			Where(sq.Eq{"id": iv.ID}))
		return err
	}
	id, err := q.insertID(ctx, q.sb.Insert("interventions").
		Columns("name", "output_metrics", "subcomponent_labels").
		Values(iv.Name, string(metrics), string(labels)))
	if err != nil {
		return fmt.Errorf("save intervention %q: %w", iv.Name, err)
	}
	iv.ID = id
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// =============================================================================
// MAPPINGS
// =============================================================================

var mappingColumns = []string{"id", "country_code", "grant_code", "budget_line_code", "account_code",
	"account_code_starts_with", "site_code", "sector_code", "budget_line_description",
	"cost_type_id", "category_id"}

func (q *queries) ListMappings(ctx context.Context) ([]model.Mapping, error) {
	rows, err := q.query(ctx, q.sb.Select(mappingColumns...).From("cost_type_category_mappings").OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []model.Mapping
	for rows.Next() {
		var m model.Mapping
		var ct, cat sql.NullInt64
		if err := rows.Scan(&m.ID, &m.CountryCode, &m.GrantCode, &m.BudgetLineCode, &m.AccountCode,
			&m.AccountCodeStartsWith, &m.SiteCode, &m.SectorCode, &m.BudgetLineDescription,
			&ct, &cat); err != nil {
			return nil, err
		}
		m.CostTypeID = ptrInt(ct)
		m.CategoryID = ptrInt(cat)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceMappings deletes every mapping and inserts mappings.
func (q *queries) ReplaceMappings(ctx context.Context, mappings []model.Mapping) error {
	if !q.inTx {
		return errCopyOutsideTx
	}
	if _, err := q.exec(ctx, q.sb.Delete("cost_type_category_mappings")); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	buf := newCopyBuffer("cost_type_category_mappings", mappingColumns[1:]...)
	for _, m := range mappings {
		if err := buf.add(m.CountryCode, m.GrantCode, m.BudgetLineCode, m.AccountCode,
			m.AccountCodeStartsWith, m.SiteCode, m.SectorCode, m.BudgetLineDescription,
			m.CostTypeID, m.CategoryID); err != nil {
			return err
		}
	}
	return q.copyFrom(ctx, buf)
}

// SaveAccountCodeDescriptions upserts descs by account code.
func (q *queries) SaveAccountCodeDescriptions(ctx context.Context, descs []model.AccountCodeDescription) error {
	for _, d := range descs {
		_, err := q.exec(ctx, q.sb.Insert("account_code_descriptions").
			Columns("account_code", "description", "sensitive_data").
			Values(d.AccountCode, d.Description, d.SensitiveData).
			Suffix("ON CONFLICT (account_code) DO UPDATE SET description = excluded.description, " +
				"sensitive_data = excluded.sensitive_data"))
		if err != nil {
			return fmt.Errorf("save account code %q: %w", d.AccountCode, err)
		}
	}
	return nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (q *queries) GetSettings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := q.queryRow(ctx, q.sb.Select("transaction_country_filter").From("settings").Where(sq.Eq{"id": 1}),
		&s.TransactionCountryFilter)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

func (q *queries) SaveSettings(ctx context.Context, s model.Settings) error {
	_, err := q.exec(ctx, q.sb.Insert("settings").
		Columns("id", "transaction_country_filter").
		Values(1, s.TransactionCountryFilter).
		Suffix("ON CONFLICT (id) DO UPDATE SET transaction_country_filter = excluded.transaction_country_filter"))
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
