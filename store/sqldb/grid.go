package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/dioptra/analysis-engine/model"
)

// GetGrid loads the three grid tables of an analysis.
func (q *queries) GetGrid(ctx context.Context, analysisID int64) (*model.Grid, error) {
	grid := &model.Grid{}

	rows, err := q.query(ctx, q.sb.
		Select("id", "analysis_id", "cost_type_id", "category_id", "confirmed", "cloned_from_id").
		From("analysis_cost_type_categories").
		Where(sq.Eq{"analysis_id": analysisID}).
		OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("get grid: %w", err)
	}
	for rows.Next() {
		var r model.AnalysisCostTypeCategory
		var cloned sql.NullInt64
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.CostTypeID, &r.CategoryID, &r.Confirmed, &cloned); err != nil {
			rows.Close()
			return nil, err
		}
		r.ClonedFromID = ptrInt(cloned)
		grid.Categories = append(grid.Categories, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.query(ctx, q.sb.
		Select("g.id", "g.cost_type_category_id", "g.grant_code", "g.cloned_from_id").
		From("analysis_cost_type_category_grants g").
		Join("analysis_cost_type_categories c ON c.id = g.cost_type_category_id").
		Where(sq.Eq{"c.analysis_id": analysisID}).
		OrderBy("g.id"))
	if err != nil {
		return nil, fmt.Errorf("get grid grants: %w", err)
	}
	for rows.Next() {
		var r model.AnalysisCostTypeCategoryGrant
		var cloned sql.NullInt64
		if err := rows.Scan(&r.ID, &r.CostTypeCategoryID, &r.Grant, &cloned); err != nil {
			rows.Close()
			return nil, err
		}
		r.ClonedFromID = ptrInt(cloned)
		grid.Grants = append(grid.Grants, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.query(ctx, q.sb.
		Select("x.id", "x.cost_type_category_grant_id", "x.intervention_instance_id", "x.cloned_from_id").
		From("analysis_cost_type_category_grant_interventions x").
		Join("analysis_cost_type_category_grants g ON g.id = x.cost_type_category_grant_id").
		Join("analysis_cost_type_categories c ON c.id = g.cost_type_category_id").
		Where(sq.Eq{"c.analysis_id": analysisID}).
		OrderBy("x.id"))
	if err != nil {
		return nil, fmt.Errorf("get grid interventions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.AnalysisCostTypeCategoryGrantIntervention
		var cloned sql.NullInt64
		if err := rows.Scan(&r.ID, &r.CostTypeCategoryGrantID, &r.InterventionInstanceID, &cloned); err != nil {
			return nil, err
		}
		r.ClonedFromID = ptrInt(cloned)
		grid.Interventions = append(grid.Interventions, r)
	}
	return grid, rows.Err()
}

func (q *queries) CreateCostTypeCategory(ctx context.Context, row *model.AnalysisCostTypeCategory) error {
	id, err := q.insertID(ctx, q.sb.Insert("analysis_cost_type_categories").
		Columns("analysis_id", "cost_type_id", "category_id", "confirmed", "cloned_from_id").
		Values(row.AnalysisID, row.CostTypeID, row.CategoryID, row.Confirmed, nullInt(row.ClonedFromID)))
	if err != nil {
		return fmt.Errorf("create grid row: %w", err)
	}
	row.ID = id
	return nil
}

func (q *queries) UpdateCostTypeCategory(ctx context.Context, row *model.AnalysisCostTypeCategory) error {
	_, err := q.exec(ctx, q.sb.Update("analysis_cost_type_categories").
		Set("confirmed", row.Confirmed).
		Where(sq.Eq{"id": row.ID}))
	if err != nil {
		return fmt.Errorf("update grid row %d: %w", row.ID, err)
	}
	return nil
}

// DeleteCostTypeCategories removes grid rows with their grants and
// intervention flags.
func (q *queries) DeleteCostTypeCategories(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	grantIDs, args, err := sq.Select("id").From("analysis_cost_type_category_grants").
		Where(sq.Eq{"cost_type_category_id": ids}).ToSql()
	if err != nil {
		return err
	}
	steps := []sq.Sqlizer{
		q.sb.Delete("analysis_cost_type_category_grant_interventions").
			Where("cost_type_category_grant_id IN ("+grantIDs+")", args...),
		q.sb.Delete("analysis_cost_type_category_grants").Where(sq.Eq{"cost_type_category_id": ids}),
		q.sb.Delete("analysis_cost_type_categories").Where(sq.Eq{"id": ids}),
	}
	for _, step := range steps {
		if _, err := q.exec(ctx, step); err != nil {
			return fmt.Errorf("delete grid rows: %w", err)
		}
	}
	return nil
}

func (q *queries) CreateCostTypeCategoryGrant(ctx context.Context, row *model.AnalysisCostTypeCategoryGrant) error {
	id, err := q.insertID(ctx, q.sb.Insert("analysis_cost_type_category_grants").
		Columns("cost_type_category_id", "grant_code", "cloned_from_id").
		Values(row.CostTypeCategoryID, row.Grant, nullInt(row.ClonedFromID)))
	if err != nil {
		return fmt.Errorf("create grid grant: %w", err)
	}
	row.ID = id
	return nil
}

func (q *queries) DeleteCostTypeCategoryGrants(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	steps := []sq.Sqlizer{
		q.sb.Delete("analysis_cost_type_category_grant_interventions").Where(sq.Eq{"cost_type_category_grant_id": ids}),
		q.sb.Delete("analysis_cost_type_category_grants").Where(sq.Eq{"id": ids}),
	}
	for _, step := range steps {
		if _, err := q.exec(ctx, step); err != nil {
			return fmt.Errorf("delete grid grants: %w", err)
		}
	}
	return nil
}

func (q *queries) CreateCostTypeCategoryGrantIntervention(ctx context.Context, row *model.AnalysisCostTypeCategoryGrantIntervention) error {
	id, err := q.insertID(ctx, q.sb.Insert("analysis_cost_type_category_grant_interventions").
		Columns("cost_type_category_grant_id", "intervention_instance_id", "cloned_from_id").
		Values(row.CostTypeCategoryGrantID, row.InterventionInstanceID, nullInt(row.ClonedFromID)))
	if err != nil {
		return fmt.Errorf("create grid intervention: %w", err)
	}
	row.ID = id
	return nil
}

// DeleteGrid removes every grid row of the analysis.
func (q *queries) DeleteGrid(ctx context.Context, analysisID int64) error {
	rows, err := q.query(ctx, q.sb.Select("id").From("analysis_cost_type_categories").
		Where(sq.Eq{"analysis_id": analysisID}))
	if err != nil {
		return fmt.Errorf("delete grid: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	return q.DeleteCostTypeCategories(ctx, ids)
}
