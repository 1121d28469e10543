/*
clone.go - Deep copy of an analysis with cloned_from back-references

PURPOSE:
  Duplicates an analysis and everything it owns. Every copied row records
  the id it was copied from in ClonedFromID; nothing is shared between the
  source and the copy.

GRAPH:
  The copy is a walk over an ordered list of nodes. Each node copies one
  entity kind and records old id -> new id in an IDMap, which later nodes
  use to rewrite their foreign keys:

    intervention instances
    cost line items (with their configs)
    allocations            -> configs, instances
    transactions           -> items
    grid rows
    grid grants            -> grid rows
    grid grant instances   -> grid grants, instances
    subcomponent analysis

  Run checks that every node comes after the nodes it depends on, so a
  reordered graph fails before any row is written.

SEE ALSO:
  - model/store.go: the bulk inserts that pre-assign ids
  - engine/engine.go: CloneAnalysis
*/
package clone

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dioptra/analysis-engine/model"
)

// Title suffixes of a copy.
const (
	SuffixDuplicate         = " (DUPLICATE)"
	SuffixDuplicateNewDates = " (DUPLICATE, NEW DATES)"
)

// =============================================================================
// ID MAP
// =============================================================================

// Kind names an entity of the clone graph.
type Kind string

const (
	KindAnalysis          Kind = "analysis"
	KindInstance          Kind = "intervention_instance"
	KindItem              Kind = "cost_line_item"
	KindConfig            Kind = "cost_line_item_config"
	KindAllocation        Kind = "allocation"
	KindTransaction       Kind = "transaction"
	KindCostTypeCategory  Kind = "cost_type_category"
	KindGrant             Kind = "cost_type_category_grant"
	KindGrantIntervention Kind = "cost_type_category_grant_intervention"
	KindSubcomponent      Kind = "subcomponent_analysis"
)

// IDMap maps old ids to new ids per kind.
type IDMap map[Kind]map[int64]int64

func (m IDMap) Set(kind Kind, oldID, newID int64) {
	if m[kind] == nil {
		m[kind] = make(map[int64]int64)
	}
	m[kind][oldID] = newID
}

// Get returns the new id of oldID. A missing id means the graph copied a
// child whose parent was never copied.
func (m IDMap) Get(kind Kind, oldID int64) (int64, error) {
	newID, ok := m[kind][oldID]
	if !ok {
		return 0, fmt.Errorf("clone: no copy of %s %d", kind, oldID)
	}
	return newID, nil
}

// GetOptional is Get for nullable references; nil stays nil.
func (m IDMap) GetOptional(kind Kind, oldID *int64) (*int64, error) {
	if oldID == nil {
		return nil, nil
	}
	newID, err := m.Get(kind, *oldID)
	if err != nil {
		return nil, err
	}
	return &newID, nil
}

// Count returns how many rows of kind were copied.
func (m IDMap) Count(kind Kind) int {
	return len(m[kind])
}

// =============================================================================
// GRAPH
// =============================================================================

// Job is the state shared by the nodes of one run.
type Job struct {
	Store  model.Store
	Source *model.Analysis
	Target *model.Analysis
	IDs    IDMap

	grid *model.Grid
}

// SourceGrid loads the source grid once per run.
func (j *Job) SourceGrid(ctx context.Context) (*model.Grid, error) {
	if j.grid == nil {
		g, err := j.Store.GetGrid(ctx, j.Source.ID)
		if err != nil {
			return nil, err
		}
		j.grid = g
	}
	return j.grid, nil
}

// Node copies the rows of one kind from Source to Target.
type Node struct {
	Kind Kind
	// Provides lists extra kinds the node fills in the IDMap.
	Provides []Kind
	// After lists the kinds whose ids Copy rewrites.
	After []Kind
	Copy  func(ctx context.Context, j *Job) error
}

// Run validates the order of graph, then runs each node in turn. Kinds
// already present in j.IDs count as copied.
func Run(ctx context.Context, j *Job, graph []Node) error {
	done := make(map[Kind]bool, len(graph)+len(j.IDs))
	for kind := range j.IDs {
		done[kind] = true
	}
	for _, n := range graph {
		for _, dep := range n.After {
			if !done[dep] {
				return fmt.Errorf("clone graph: %s needs %s first", n.Kind, dep)
			}
		}
		done[n.Kind] = true
		for _, k := range n.Provides {
			done[k] = true
		}
	}

	for _, n := range graph {
		if err := n.Copy(ctx, j); err != nil {
			return fmt.Errorf("clone %s: %w", n.Kind, err)
		}
	}
	return nil
}

// AnalysisGraph is the traversal order of an analysis copy.
var AnalysisGraph = []Node{
	{Kind: KindInstance, Copy: copyInstances},
	{Kind: KindItem, Provides: []Kind{KindConfig}, Copy: copyItems},
	{Kind: KindAllocation, After: []Kind{KindConfig, KindInstance}, Copy: copyAllocations},
	{Kind: KindTransaction, After: []Kind{KindItem}, Copy: copyTransactions},
	{Kind: KindCostTypeCategory, Copy: copyCostTypeCategories},
	{Kind: KindGrant, After: []Kind{KindCostTypeCategory}, Copy: copyGrants},
	{Kind: KindGrantIntervention, After: []Kind{KindGrant, KindInstance}, Copy: copyGrantInterventions},
	{Kind: KindSubcomponent, Copy: copySubcomponent},
}

// =============================================================================
// ANALYSIS
// =============================================================================

// Options customizes a copy. Zero values keep the source's.
type Options struct {
	Owner string
	// StartDate and EndDate move the copy to a new period when both are set.
	// The copy then needs its transactions resynced.
	StartDate time.Time
	EndDate   time.Time
}

func (o Options) newDates() bool {
	return !o.StartDate.IsZero() && !o.EndDate.IsZero()
}

// Analysis copies the analysis sourceID in one transaction and returns the
// copy. Output costs are not copied.
func Analysis(ctx context.Context, store model.Store, sourceID int64, opts Options) (*model.Analysis, error) {
	started := time.Now()
	var job *Job
	err := store.WithTx(ctx, func(tx model.Store) error {
		src, err := tx.GetAnalysis(ctx, sourceID)
		if err != nil {
			return err
		}
		dst := newAnalysis(src, opts)
		if err := tx.CreateAnalysis(ctx, dst); err != nil {
			return err
		}
		job = &Job{Store: tx, Source: src, Target: dst, IDs: IDMap{}}
		job.IDs.Set(KindAnalysis, src.ID, dst.ID)
		return Run(ctx, job, AnalysisGraph)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("analysis_id", job.Target.ID).
		Int64("cloned_from_id", sourceID).
		Int("items", job.IDs.Count(KindItem)).
		Int("transactions", job.IDs.Count(KindTransaction)).
		Int("allocations", job.IDs.Count(KindAllocation)).
		Dur("duration", time.Since(started)).
		Msg("analysis cloned")
	return job.Target, nil
}

func newAnalysis(src *model.Analysis, opts Options) *model.Analysis {
	dst := *src
	dst.ID = 0
	dst.ClonedFromID = &src.ID
	dst.OutputCosts = nil
	dst.Title = src.Title + SuffixDuplicate
	if opts.Owner != "" {
		dst.Owner = opts.Owner
	}
	if opts.newDates() {
		dst.Title = src.Title + SuffixDuplicateNewDates
		dst.StartDate = opts.StartDate
		dst.EndDate = opts.EndDate
		dst.NeedsTransactionResync = true
	}
	return &dst
}

// =============================================================================
// NODES
// =============================================================================

func clonedFrom(id int64) *int64 {
	return &id
}

func copyInstances(ctx context.Context, j *Job) error {
	instances, err := j.Store.ListInterventionInstances(ctx, j.Source.ID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		oldID := inst.ID
		inst.ID = 0
		inst.AnalysisID = j.Target.ID
		inst.Parameters = maps.Clone(inst.Parameters)
		inst.ClonedFromID = clonedFrom(oldID)
		if err := j.Store.CreateInterventionInstance(ctx, &inst); err != nil {
			return err
		}
		j.IDs.Set(KindInstance, oldID, inst.ID)
	}
	return nil
}

func copyItems(ctx context.Context, j *Job) error {
	items, err := j.Store.ListCostLineItems(ctx, j.Source.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	configs, err := j.Store.ListConfigs(ctx, j.Source.ID)
	if err != nil {
		return err
	}
	byItem := make(map[int64]model.CostLineItemConfig, len(configs))
	for _, c := range configs {
		byItem[c.CostLineItemID] = c
	}

	oldItems := make([]int64, len(items))
	oldConfigs := make([]int64, len(items))
	cfgs := make([]model.CostLineItemConfig, len(items))
	for i := range items {
		oldItems[i] = items[i].ID
		items[i].ID = 0
		items[i].AnalysisID = j.Target.ID
		items[i].ClonedFromID = clonedFrom(oldItems[i])

		cfg, ok := byItem[oldItems[i]]
		if !ok {
			cfg = model.CostLineItemConfig{AnalysisCostType: model.AnalysisCostStandard}
		} else {
			oldConfigs[i] = cfg.ID
			cfg.ClonedFromID = clonedFrom(cfg.ID)
		}
		cfg.ID = 0
		cfg.CostLineItemID = 0
		cfg.SubcomponentAllocations = maps.Clone(cfg.SubcomponentAllocations)
		cfgs[i] = cfg
	}
	if err := j.Store.BulkInsertCostLineItems(ctx, items, cfgs); err != nil {
		return err
	}
	for i := range items {
		j.IDs.Set(KindItem, oldItems[i], items[i].ID)
		if oldConfigs[i] != 0 {
			j.IDs.Set(KindConfig, oldConfigs[i], cfgs[i].ID)
		}
	}
	return nil
}

func copyAllocations(ctx context.Context, j *Job) error {
	allocs, err := j.Store.ListAllocations(ctx, j.Source.ID)
	if err != nil {
		return err
	}
	if len(allocs) == 0 {
		return nil
	}
	oldIDs := make([]int64, len(allocs))
	for i := range allocs {
		a := &allocs[i]
		oldIDs[i] = a.ID
		if a.ConfigID, err = j.IDs.Get(KindConfig, a.ConfigID); err != nil {
			return err
		}
		if a.InterventionInstanceID, err = j.IDs.Get(KindInstance, a.InterventionInstanceID); err != nil {
			return err
		}
		a.ID = 0
		a.ClonedFromID = clonedFrom(oldIDs[i])
	}
	if err := j.Store.UpsertAllocations(ctx, allocs); err != nil {
		return err
	}
	for i := range allocs {
		j.IDs.Set(KindAllocation, oldIDs[i], allocs[i].ID)
	}
	return nil
}

// copyTransactions writes transactions already linked to the new items, so
// no relink pass is needed.
func copyTransactions(ctx context.Context, j *Job) error {
	txs, err := j.Store.ListTransactions(ctx, j.Source.ID)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}
	oldIDs := make([]int64, len(txs))
	for i := range txs {
		t := &txs[i]
		oldIDs[i] = t.ID
		if t.CostLineItemID, err = j.IDs.GetOptional(KindItem, t.CostLineItemID); err != nil {
			return err
		}
		t.ID = 0
		t.AnalysisID = j.Target.ID
		t.ClonedFromID = clonedFrom(oldIDs[i])
	}
	if err := j.Store.BulkInsertTransactions(ctx, txs); err != nil {
		return err
	}
	for i := range txs {
		j.IDs.Set(KindTransaction, oldIDs[i], txs[i].ID)
	}
	return nil
}

func copyCostTypeCategories(ctx context.Context, j *Job) error {
	grid, err := j.SourceGrid(ctx)
	if err != nil {
		return err
	}
	for _, row := range grid.Categories {
		oldID := row.ID
		row.ID = 0
		row.AnalysisID = j.Target.ID
		row.ClonedFromID = clonedFrom(oldID)
		if err := j.Store.CreateCostTypeCategory(ctx, &row); err != nil {
			return err
		}
		j.IDs.Set(KindCostTypeCategory, oldID, row.ID)
	}
	return nil
}

func copyGrants(ctx context.Context, j *Job) error {
	grid, err := j.SourceGrid(ctx)
	if err != nil {
		return err
	}
	for _, row := range grid.Grants {
		oldID := row.ID
		if row.CostTypeCategoryID, err = j.IDs.Get(KindCostTypeCategory, row.CostTypeCategoryID); err != nil {
			return err
		}
		row.ID = 0
		row.ClonedFromID = clonedFrom(oldID)
		if err := j.Store.CreateCostTypeCategoryGrant(ctx, &row); err != nil {
			return err
		}
		j.IDs.Set(KindGrant, oldID, row.ID)
	}
	return nil
}

func copyGrantInterventions(ctx context.Context, j *Job) error {
	grid, err := j.SourceGrid(ctx)
	if err != nil {
		return err
	}
	for _, row := range grid.Interventions {
		oldID := row.ID
		if row.CostTypeCategoryGrantID, err = j.IDs.Get(KindGrant, row.CostTypeCategoryGrantID); err != nil {
			return err
		}
		if row.InterventionInstanceID, err = j.IDs.Get(KindInstance, row.InterventionInstanceID); err != nil {
			return err
		}
		row.ID = 0
		row.ClonedFromID = clonedFrom(oldID)
		if err := j.Store.CreateCostTypeCategoryGrantIntervention(ctx, &row); err != nil {
			return err
		}
		j.IDs.Set(KindGrantIntervention, oldID, row.ID)
	}
	return nil
}

func copySubcomponent(ctx context.Context, j *Job) error {
	sca, err := j.Store.GetSubcomponentAnalysis(ctx, j.Source.ID)
	if model.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	oldID := sca.ID
	sca.ID = 0
	sca.AnalysisID = j.Target.ID
	sca.SubcomponentLabels = append([]string(nil), sca.SubcomponentLabels...)
	sca.ClonedFromID = clonedFrom(oldID)
	if err := j.Store.SaveSubcomponentAnalysis(ctx, sca); err != nil {
		return err
	}
	j.IDs.Set(KindSubcomponent, oldID, sca.ID)
	return nil
}
