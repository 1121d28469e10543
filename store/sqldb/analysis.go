package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// ANALYSES
// =============================================================================

var analysisColumns = []string{"id", "title", "description", "owner", "start_date", "end_date",
	"country_id", "grants", "other_hq_costs", "in_kind_contributions", "client_time", "output_costs",
	"source", "all_transactions_total_cost", "needs_transaction_resync", "cloned_from_id",
	"created_at", "updated_at"}

func scanAnalysis(row interface{ Scan(...any) error }) (model.Analysis, error) {
	var a model.Analysis
	var start, end, outputCosts, created, updated string
	var source sql.NullString
	var cloned sql.NullInt64
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.Owner, &start, &end,
		&a.CountryID, &a.Grants, &a.OtherHQCosts, &a.InKindContributions, &a.ClientTime, &outputCosts,
		&source, &a.AllTransactionsTotalCost, &a.NeedsTransactionResync, &cloned,
		&created, &updated)
	if err != nil {
		return a, err
	}
	if a.StartDate, err = parseDate(start); err != nil {
		return a, fmt.Errorf("analysis %d start date: %w", a.ID, err)
	}
	if a.EndDate, err = parseDate(end); err != nil {
		return a, fmt.Errorf("analysis %d end date: %w", a.ID, err)
	}
	if outputCosts != "" {
		if err := json.Unmarshal([]byte(outputCosts), &a.OutputCosts); err != nil {
			return a, fmt.Errorf("analysis %d output costs: %w", a.ID, err)
		}
	}
	a.Source = source.String
	a.ClonedFromID = ptrInt(cloned)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}

func encodeOutputCosts(o model.OutputCosts) (string, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode output costs: %w", err)
	}
	return string(b), nil
}

func (q *queries) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	if err := a.Validate(); err != nil {
		return err
	}
	outputCosts, err := encodeOutputCosts(a.OutputCosts)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Second)
	a.CreatedAt, a.UpdatedAt = now, now

	id, err := q.insertID(ctx, q.sb.Insert("analyses").
		Columns(analysisColumns[1:]...).
		Values(a.Title, a.Description, a.Owner, formatDate(a.StartDate), formatDate(a.EndDate),
			a.CountryID, a.Grants, a.OtherHQCosts, a.InKindContributions, a.ClientTime, outputCosts,
			nullString(a.Source), a.AllTransactionsTotalCost, a.NeedsTransactionResync,
			nullInt(a.ClonedFromID), formatTime(now), formatTime(now)))
	if err != nil {
		return fmt.Errorf("create analysis: %w", err)
	}
	a.ID = id
	return nil
}

func (q *queries) GetAnalysis(ctx context.Context, id int64) (*model.Analysis, error) {
	query, args, err := q.sb.Select(analysisColumns...).From("analyses").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	a, err := scanAnalysis(q.run.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, fmt.Errorf("%w: %d", model.ErrAnalysisNotFound, id))
	}
	return &a, nil
}

func (q *queries) ListAnalyses(ctx context.Context) ([]model.Analysis, error) {
	rows, err := q.query(ctx, q.sb.Select(analysisColumns...).From("analyses").OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []model.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *queries) UpdateAnalysis(ctx context.Context, a *model.Analysis) error {
	if err := a.Validate(); err != nil {
		return err
	}
	outputCosts, err := encodeOutputCosts(a.OutputCosts)
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := q.exec(ctx, q.sb.Update("analyses").SetMap(map[string]any{
		"title":                       a.Title,
		"description":                 a.Description,
		"owner":                       a.Owner,
		"start_date":                  formatDate(a.StartDate),
		"end_date":                    formatDate(a.EndDate),
		"country_id":                  a.CountryID,
		"grants":                      a.Grants,
		"other_hq_costs":              a.OtherHQCosts,
		"in_kind_contributions":       a.InKindContributions,
		"client_time":                 a.ClientTime,
		"output_costs":                outputCosts,
		"source":                      nullString(a.Source),
		"all_transactions_total_cost": a.AllTransactionsTotalCost,
		"needs_transaction_resync":    a.NeedsTransactionResync,
		"updated_at":                  formatTime(a.UpdatedAt),
	}).Where(sq.Eq{"id": a.ID}))
	if err != nil {
		return fmt.Errorf("update analysis %d: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", model.ErrAnalysisNotFound, a.ID)
	}
	return nil
}

// DeleteAnalysis removes the analysis and everything it owns.
func (q *queries) DeleteAnalysis(ctx context.Context, id int64) error {
	if err := q.DeleteTransactions(ctx, id); err != nil {
		return err
	}
	if err := q.DeleteGrid(ctx, id); err != nil {
		return err
	}
	if err := q.DeleteAllCostLineItems(ctx, id); err != nil {
		return err
	}
	for _, table := range []string{"subcomponent_cost_analyses", "intervention_instances"} {
		if _, err := q.exec(ctx, q.sb.Delete(table).Where(sq.Eq{"analysis_id": id})); err != nil {
			return fmt.Errorf("delete %s of analysis %d: %w", table, id, err)
		}
	}
	res, err := q.exec(ctx, q.sb.Delete("analyses").Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("delete analysis %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", model.ErrAnalysisNotFound, id)
	}
	return nil
}

// =============================================================================
// INTERVENTION INSTANCES
// =============================================================================

func encodeParameters(p map[string]decimal.Decimal) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(b), nil
}

func (q *queries) CreateInterventionInstance(ctx context.Context, inst *model.InterventionInstance) error {
	params, err := encodeParameters(inst.Parameters)
	if err != nil {
		return err
	}
	id, err := q.insertID(ctx, q.sb.Insert("intervention_instances").
		Columns("analysis_id", "intervention_id", "label", "sort_order", "parameters", "cloned_from_id").
		Values(inst.AnalysisID, inst.InterventionID, inst.Label, inst.Order, params, nullInt(inst.ClonedFromID)))
	if err != nil {
		return fmt.Errorf("create intervention instance: %w", err)
	}
	inst.ID = id
	return nil
}

func (q *queries) UpdateInterventionInstance(ctx context.Context, inst *model.InterventionInstance) error {
	params, err := encodeParameters(inst.Parameters)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, q.sb.Update("intervention_instances").
		Set("intervention_id", inst.InterventionID).
		Set("label", inst.Label).
		Set("sort_order", inst.Order).
		Set("parameters", params).
		Where(sq.Eq{"id": inst.ID}))
	if err != nil {
		return fmt.Errorf("update intervention instance %d: %w", inst.ID, err)
	}
	return nil
}

func (q *queries) ListInterventionInstances(ctx context.Context, analysisID int64) ([]model.InterventionInstance, error) {
	rows, err := q.query(ctx, q.sb.
		Select("id", "analysis_id", "intervention_id", "label", "sort_order", "parameters", "cloned_from_id").
		From("intervention_instances").
		Where(sq.Eq{"analysis_id": analysisID}).
		OrderBy("sort_order", "id"))
	if err != nil {
		return nil, fmt.Errorf("list intervention instances: %w", err)
	}
	defer rows.Close()

	var out []model.InterventionInstance
	for rows.Next() {
		var inst model.InterventionInstance
		var params string
		var cloned sql.NullInt64
		if err := rows.Scan(&inst.ID, &inst.AnalysisID, &inst.InterventionID, &inst.Label,
			&inst.Order, &params, &cloned); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &inst.Parameters); err != nil {
			return nil, fmt.Errorf("intervention instance %d parameters: %w", inst.ID, err)
		}
		inst.ClonedFromID = ptrInt(cloned)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// =============================================================================
// SUBCOMPONENT ANALYSIS
// =============================================================================

// GetSubcomponentAnalysis returns model.ErrNotFound when none exists.
func (q *queries) GetSubcomponentAnalysis(ctx context.Context, analysisID int64) (*model.SubcomponentCostAnalysis, error) {
	var sca model.SubcomponentCostAnalysis
	var labels string
	var cloned sql.NullInt64
	err := q.queryRow(ctx, q.sb.
		Select("id", "analysis_id", "subcomponent_labels", "subcomponent_labels_confirmed", "cloned_from_id").
		From("subcomponent_cost_analyses").
		Where(sq.Eq{"analysis_id": analysisID}),
		&sca.ID, &sca.AnalysisID, &labels, &sca.SubcomponentLabelsConfirmed, &cloned)
	if err != nil {
		return nil, notFound(err, fmt.Errorf("subcomponent analysis for %d: %w", analysisID, model.ErrNotFound))
	}
	if err := json.Unmarshal([]byte(labels), &sca.SubcomponentLabels); err != nil {
		return nil, fmt.Errorf("subcomponent labels: %w", err)
	}
	sca.ClonedFromID = ptrInt(cloned)
	return &sca, nil
}

// SaveSubcomponentAnalysis upserts by analysis id.
func (q *queries) SaveSubcomponentAnalysis(ctx context.Context, sca *model.SubcomponentCostAnalysis) error {
	labels, err := json.Marshal(nonNil(sca.SubcomponentLabels))
	if err != nil {
		return err
	}
	id, err := q.insertID(ctx, q.sb.Insert("subcomponent_cost_analyses").
		Columns("analysis_id", "subcomponent_labels", "subcomponent_labels_confirmed", "cloned_from_id").
		Values(sca.AnalysisID, string(labels), sca.SubcomponentLabelsConfirmed, nullInt(sca.ClonedFromID)).
		Suffix("ON CONFLICT (analysis_id) DO UPDATE SET subcomponent_labels = excluded.subcomponent_labels, " +
			"subcomponent_labels_confirmed = excluded.subcomponent_labels_confirmed"))
	if err != nil {
		return fmt.Errorf("save subcomponent analysis: %w", err)
	}
	sca.ID = id
	return nil
}
