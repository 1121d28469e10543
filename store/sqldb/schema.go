package sqldb

import (
	"context"
	"fmt"
	"strings"
)

// Dates are stored as TEXT (YYYY-MM-DD) in both dialects. JSON columns are
// TEXT. {{ID}}, {{DEC}} and {{PCT}} are replaced per dialect.
const schema = `
CREATE TABLE IF NOT EXISTS regions (
	id {{ID}},
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS countries (
	id {{ID}},
	name TEXT NOT NULL UNIQUE,
	code TEXT NOT NULL,
	region_id BIGINT REFERENCES regions(id) ON DELETE SET NULL,
	always_include_costs BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS cost_types (
	id {{ID}},
	name TEXT NOT NULL UNIQUE,
	type INTEGER NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0,
	is_default BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS categories (
	id {{ID}},
	name TEXT NOT NULL UNIQUE,
	sort_order INTEGER NOT NULL DEFAULT 0,
	is_default BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS interventions (
	id {{ID}},
	name TEXT NOT NULL UNIQUE,
	output_metrics TEXT NOT NULL DEFAULT '[]',
	subcomponent_labels TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS cost_type_category_mappings (
	id {{ID}},
	country_code TEXT NOT NULL DEFAULT '',
	grant_code TEXT NOT NULL DEFAULT '',
	budget_line_code TEXT NOT NULL DEFAULT '',
	account_code TEXT NOT NULL DEFAULT '',
	account_code_starts_with TEXT NOT NULL DEFAULT '',
	site_code TEXT NOT NULL DEFAULT '',
	sector_code TEXT NOT NULL DEFAULT '',
	budget_line_description TEXT NOT NULL DEFAULT '',
	cost_type_id BIGINT REFERENCES cost_types(id) ON DELETE SET NULL,
	category_id BIGINT REFERENCES categories(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS account_code_descriptions (
	account_code TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	sensitive_data BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY,
	transaction_country_filter BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS analyses (
	id {{ID}},
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	start_date TEXT NOT NULL,
	end_date TEXT NOT NULL,
	country_id BIGINT NOT NULL REFERENCES countries(id),
	grants TEXT NOT NULL,
	other_hq_costs BOOLEAN NOT NULL DEFAULT FALSE,
	in_kind_contributions BOOLEAN NOT NULL DEFAULT FALSE,
	client_time BOOLEAN NOT NULL DEFAULT FALSE,
	output_costs TEXT NOT NULL DEFAULT '{}',
	source TEXT,
	all_transactions_total_cost TEXT NOT NULL DEFAULT '',
	needs_transaction_resync BOOLEAN NOT NULL DEFAULT FALSE,
	cloned_from_id BIGINT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS intervention_instances (
	id {{ID}},
	analysis_id BIGINT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	intervention_id BIGINT NOT NULL REFERENCES interventions(id),
	label TEXT NOT NULL DEFAULT '',
	sort_order INTEGER NOT NULL DEFAULT 0,
	parameters TEXT NOT NULL DEFAULT '{}',
	cloned_from_id BIGINT
);

CREATE TABLE IF NOT EXISTS cost_line_items (
	id {{ID}},
	analysis_id BIGINT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	country_code TEXT NOT NULL DEFAULT '',
	grant_code TEXT NOT NULL DEFAULT '',
	budget_line_code TEXT NOT NULL DEFAULT '',
	account_code TEXT NOT NULL DEFAULT '',
	site_code TEXT NOT NULL DEFAULT '',
	sector_code TEXT NOT NULL DEFAULT '',
	transaction_code TEXT NOT NULL DEFAULT '',
	budget_line_description TEXT NOT NULL DEFAULT '',
	quantity {{DEC}},
	unit_cost {{DEC}},
	loe_or_unit {{DEC}},
	months_or_unit {{DEC}},
	total_cost {{DEC}} NOT NULL,
	is_special_lump_sum BOOLEAN NOT NULL DEFAULT FALSE,
	note TEXT NOT NULL DEFAULT '',
	dummy_field_1 TEXT NOT NULL DEFAULT '',
	dummy_field_2 TEXT NOT NULL DEFAULT '',
	cloned_from_id BIGINT
);

CREATE INDEX IF NOT EXISTS idx_cost_line_items_analysis ON cost_line_items(analysis_id);

CREATE TABLE IF NOT EXISTS cost_line_item_configs (
	id {{ID}},
	cost_line_item_id BIGINT NOT NULL UNIQUE REFERENCES cost_line_items(id) ON DELETE CASCADE,
	cost_type_id BIGINT REFERENCES cost_types(id) ON DELETE SET NULL,
	category_id BIGINT REFERENCES categories(id) ON DELETE SET NULL,
	analysis_cost_type TEXT NOT NULL DEFAULT 'STANDARD',
	subcomponent_allocations TEXT NOT NULL DEFAULT '{}',
	subcomponent_allocations_skipped BOOLEAN NOT NULL DEFAULT FALSE,
	cloned_from_id BIGINT
);

CREATE TABLE IF NOT EXISTS cost_line_item_allocations (
	id {{ID}},
	cli_config_id BIGINT NOT NULL REFERENCES cost_line_item_configs(id) ON DELETE CASCADE,
	intervention_instance_id BIGINT NOT NULL REFERENCES intervention_instances(id) ON DELETE CASCADE,
	allocation {{PCT}},
	cloned_from_id BIGINT,
	UNIQUE (cli_config_id, intervention_instance_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	id {{ID}},
	analysis_id BIGINT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	cost_line_item_id BIGINT REFERENCES cost_line_items(id) ON DELETE SET NULL,
	transaction_date TEXT NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	grant_code TEXT NOT NULL DEFAULT '',
	budget_line_code TEXT NOT NULL DEFAULT '',
	account_code TEXT NOT NULL DEFAULT '',
	site_code TEXT NOT NULL DEFAULT '',
	sector_code TEXT NOT NULL DEFAULT '',
	transaction_code TEXT NOT NULL DEFAULT '',
	transaction_description TEXT NOT NULL DEFAULT '',
	currency_code TEXT NOT NULL DEFAULT '',
	budget_line_description TEXT NOT NULL DEFAULT '',
	amount_in_source_currency {{DEC}} NOT NULL,
	amount_in_instance_currency {{DEC}} NOT NULL,
	dummy_field_1 TEXT NOT NULL DEFAULT '',
	dummy_field_2 TEXT NOT NULL DEFAULT '',
	dummy_field_3 TEXT NOT NULL DEFAULT '',
	dummy_field_4 TEXT NOT NULL DEFAULT '',
	dummy_field_5 TEXT NOT NULL DEFAULT '',
	cloned_from_id BIGINT
);

CREATE INDEX IF NOT EXISTS idx_transactions_analysis ON transactions(analysis_id);

CREATE TABLE IF NOT EXISTS transaction_links (
	transaction_id BIGINT NOT NULL,
	cost_line_item_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis_cost_type_categories (
	id {{ID}},
	analysis_id BIGINT NOT NULL REFERENCES analyses(id) ON DELETE CASCADE,
	cost_type_id BIGINT NOT NULL REFERENCES cost_types(id),
	category_id BIGINT NOT NULL REFERENCES categories(id),
	confirmed BOOLEAN NOT NULL DEFAULT FALSE,
	cloned_from_id BIGINT,
	UNIQUE (analysis_id, cost_type_id, category_id)
);

CREATE TABLE IF NOT EXISTS analysis_cost_type_category_grants (
	id {{ID}},
	cost_type_category_id BIGINT NOT NULL REFERENCES analysis_cost_type_categories(id) ON DELETE CASCADE,
	grant_code TEXT NOT NULL,
	cloned_from_id BIGINT,
	UNIQUE (cost_type_category_id, grant_code)
);

CREATE TABLE IF NOT EXISTS analysis_cost_type_category_grant_interventions (
	id {{ID}},
	cost_type_category_grant_id BIGINT NOT NULL REFERENCES analysis_cost_type_category_grants(id) ON DELETE CASCADE,
	intervention_instance_id BIGINT NOT NULL REFERENCES intervention_instances(id) ON DELETE CASCADE,
	cloned_from_id BIGINT
);

CREATE TABLE IF NOT EXISTS subcomponent_cost_analyses (
	id {{ID}},
	analysis_id BIGINT NOT NULL UNIQUE REFERENCES analyses(id) ON DELETE CASCADE,
	subcomponent_labels TEXT NOT NULL DEFAULT '[]',
	subcomponent_labels_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
	cloned_from_id BIGINT
);
`

func (s *Store) migrate(ctx context.Context) error {
	ddl := strings.NewReplacer(
		"{{ID}}", s.dialect.idColumn,
		"{{DEC}}", s.dialect.decimalType,
		"{{PCT}}", s.dialect.percentType,
	).Replace(schema)

	// pgx rejects multi-statement strings under the extended protocol.
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
