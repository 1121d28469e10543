/*
Package workflow computes where an analysis stands in the analysis steps.

PURPOSE:
  The workflow is a fixed list of steps, some of which hold sub-steps.
  Nothing about a step is stored: completeness and dependencies are derived
  from the analysis data every time a Workflow is built, so edits made
  outside the workflow are always reflected.

STEPS (in order):
  define                     every instance has its required parameters
  load-data                  items exist and no resync is pending
  categorize                 one sub-step per cost type in the grid
  allocate                   one sub-step per (cost type, grant), then one
                             supporting-costs sub-step per special grant
  add-other-costs            client time, in-kind, other HQ (when enabled)
  insights                   the final step; complete once reachable
  confirm-subcomponents      labels confirmed (single instance only)
  allocate-subcomponents     per (cost type, grant) vectors, supporting costs

TRAVERSAL:
  Next skips disabled steps. Prev into a multi-step lands on its first
  incomplete sub-step, or its last one. LastIncomplete descends into
  multi-steps; LastComplete is the step before it.

SEE ALSO:
  - invalidate.go: what each step deletes when its inputs change
  - engine/engine.go: gates operations on DependenciesMet
*/
package workflow

import (
	"context"

	"github.com/dioptra/analysis-engine/allocate"
	"github.com/dioptra/analysis-engine/categorize"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/othercosts"
	"github.com/dioptra/analysis-engine/subcomponent"
)

// Top-level step names.
const (
	StepDefine                = "define"
	StepLoadData              = "load-data"
	StepCategorize            = "categorize"
	StepAllocate              = "allocate"
	StepAddOtherCosts         = "add-other-costs"
	StepInsights              = "insights"
	StepSubcomponentsConfirm  = "confirm-subcomponents"
	StepSubcomponentsAllocate = "allocate-subcomponents"
)

// Sub-step names.
const (
	SubStepCategorizeCostType        = "categorize-cost_type"
	SubStepAllocateCostTypeGrant     = "allocate-cost_type-grant"
	SubStepAllocateSupportingCosts   = "allocate-supporting-costs"
	SubStepSubcomponentCostTypeGrant = "subcomponents-cost_type-grant"
	SubStepSubcomponentSupporting    = "subcomponents-supporting-costs"
)

var otherCostSubSteps = map[model.AnalysisCostType]struct{ name, title string }{
	model.AnalysisCostClientTime: {"add-client-time-costs", "Client Time"},
	model.AnalysisCostInKind:     {"add-in-kind-contributor-costs", "In-Kind Contributions"},
	model.AnalysisCostOtherHQ:    {"add-other-hq-costs", "Other HQ Costs"},
}

// =============================================================================
// STEP
// =============================================================================

// Step is one node of the workflow. Sub-steps carry the slice they cover in
// CostTypeID, Kind, Grant or CostType.
type Step struct {
	Name            string `json:"name"`
	Title           string `json:"title"`
	Enabled         bool   `json:"enabled"`
	Final           bool   `json:"final,omitempty"`
	Complete        bool   `json:"complete"`
	DependenciesMet bool   `json:"dependencies_met"`

	CostTypeID int64                  `json:"cost_type_id,omitempty"`
	Kind       model.CostTypeKind     `json:"-"`
	Grant      string                 `json:"grant,omitempty"`
	CostType   model.AnalysisCostType `json:"analysis_cost_type,omitempty"`

	Steps []*Step `json:"steps,omitempty"`

	parent *Step
}

// Parent returns the multi-step holding s, or nil for a top-level step.
func (s *Step) Parent() *Step { return s.parent }

// IsMulti reports whether s holds sub-steps by construction.
func (s *Step) IsMulti() bool {
	switch s.Name {
	case StepCategorize, StepAllocate, StepAddOtherCosts, StepSubcomponentsAllocate:
		return true
	}
	return false
}

func (s *Step) add(sub *Step) {
	sub.parent = s
	sub.Enabled = true
	s.Steps = append(s.Steps, sub)
}

func (s *Step) firstIncomplete() *Step {
	for _, sub := range s.Steps {
		if !sub.Complete {
			return sub
		}
	}
	return nil
}

func (s *Step) allComplete(name string) bool {
	for _, sub := range s.Steps {
		if (name == "" || sub.Name == name) && !sub.Complete {
			return false
		}
	}
	return true
}

// =============================================================================
// SNAPSHOT - Everything the predicates read
// =============================================================================

// Snapshot is the analysis data a Workflow is computed from.
type Snapshot struct {
	Analysis      *model.Analysis
	Instances     []model.InterventionInstance
	Interventions map[int64]*model.Intervention
	Items         []model.LineItem
	Grid          *model.Grid
	CostTypes     []model.CostType

	// Subcomponent is nil until the subcomponent analysis is started.
	Subcomponent *model.SubcomponentCostAnalysis
}

// LoadSnapshot reads the workflow inputs of an analysis.
func LoadSnapshot(ctx context.Context, store model.Store, a *model.Analysis) (*Snapshot, error) {
	s := &Snapshot{Analysis: a}
	var err error
	if s.Instances, err = store.ListInterventionInstances(ctx, a.ID); err != nil {
		return nil, err
	}
	ivs, err := store.ListInterventions(ctx)
	if err != nil {
		return nil, err
	}
	s.Interventions = make(map[int64]*model.Intervention, len(ivs))
	for i := range ivs {
		s.Interventions[ivs[i].ID] = &ivs[i]
	}
	if s.Items, err = store.ListLineItems(ctx, a.ID); err != nil {
		return nil, err
	}
	if s.Grid, err = store.GetGrid(ctx, a.ID); err != nil {
		return nil, err
	}
	if s.CostTypes, err = store.ListCostTypes(ctx); err != nil {
		return nil, err
	}
	sca, err := store.GetSubcomponentAnalysis(ctx, a.ID)
	switch {
	case err == nil:
		s.Subcomponent = sca
	case !model.IsNotFound(err):
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) costTypeName(id int64) string {
	for _, ct := range s.CostTypes {
		if ct.ID == id {
			return ct.Name
		}
	}
	return ""
}

func (s *Snapshot) singleInstance() bool {
	return len(s.Instances) == 1
}

// parametersSet reports whether the analysis has instances and each carries
// its intervention's required parameters.
func (s *Snapshot) parametersSet() bool {
	if len(s.Instances) == 0 {
		return false
	}
	for _, inst := range s.Instances {
		iv, ok := s.Interventions[inst.InterventionID]
		if !ok || !iv.HasRequiredParameters(inst.Parameters) {
			return false
		}
	}
	return true
}

// =============================================================================
// WORKFLOW
// =============================================================================

type Workflow struct {
	Analysis *model.Analysis `json:"-"`
	Steps    []*Step         `json:"steps"`
}

// Load reads the analysis data and builds its workflow.
func Load(ctx context.Context, store model.Store, a *model.Analysis) (*Workflow, error) {
	snap, err := LoadSnapshot(ctx, store, a)
	if err != nil {
		return nil, err
	}
	return New(snap), nil
}

// New computes every step from snap. Steps only depend on steps built
// before them, so a single pass in order is enough.
func New(snap *Snapshot) *Workflow {
	a := snap.Analysis
	w := &Workflow{Analysis: a}

	define := &Step{Name: StepDefine, Title: "Define Analysis", Enabled: true, DependenciesMet: true}
	define.Complete = snap.parametersSet()

	load := &Step{Name: StepLoadData, Title: "Load Data", Enabled: true}
	load.DependenciesMet = define.Complete
	load.Complete = load.DependenciesMet && !a.NeedsTransactionResync && len(snap.Items) > 0

	cat := buildCategorize(snap, load)
	alloc := buildAllocate(snap, cat)
	other := buildOtherCosts(snap, alloc)

	ins := &Step{Name: StepInsights, Title: "View Insights", Enabled: true, Final: true}
	if other.Enabled {
		ins.DependenciesMet = other.Complete
	} else {
		ins.DependenciesMet = alloc.Complete
	}
	// Insights calculates on read, so it needs no work of its own.
	ins.Complete = ins.DependenciesMet

	confirm := &Step{Name: StepSubcomponentsConfirm, Title: "Confirm Subcomponents", Enabled: true}
	confirm.DependenciesMet = snap.singleInstance() && ins.Complete
	confirm.Complete = snap.Subcomponent != nil && snap.Subcomponent.SubcomponentLabelsConfirmed

	sub := buildSubcomponents(snap, confirm)

	w.Steps = []*Step{define, load, cat, alloc, other, ins, confirm, sub}
	return w
}

func buildCategorize(snap *Snapshot, load *Step) *Step {
	cat := &Step{Name: StepCategorize, Title: "Confirm Categories", Enabled: true}
	cat.DependenciesMet = load.Complete
	for _, ctID := range categorize.CostTypesInGrid(snap.Grid) {
		sub := &Step{Name: SubStepCategorizeCostType, Title: snap.costTypeName(ctID), CostTypeID: ctID}
		sub.DependenciesMet = load.Complete
		sub.Complete = sub.DependenciesMet && categorize.CostTypeConfirmed(snap.Grid, ctID)
		cat.add(sub)
	}
	cat.Complete = cat.DependenciesMet && len(cat.Steps) > 0 && cat.allComplete("")
	return cat
}

// completeThrough reports whether every sub-step of parent named name whose
// kind is at or before kind is complete.
func completeThrough(parent *Step, name string, kind model.CostTypeKind) bool {
	for _, s := range parent.Steps {
		if s.Name == name && s.Kind <= kind && !s.Complete {
			return false
		}
	}
	return true
}

func grantTitle(snap *Snapshot, base, grant string) string {
	if len(snap.Analysis.GrantsList()) > 1 {
		return base + ": " + grant
	}
	return base
}

func buildAllocate(snap *Snapshot, cat *Step) *Step {
	alloc := &Step{Name: StepAllocate, Title: "Allocate Costs", Enabled: true}
	alloc.DependenciesMet = cat.Complete

	for _, cg := range allocate.SubSteps(snap.Grid, snap.CostTypes) {
		sub := &Step{
			Name:       SubStepAllocateCostTypeGrant,
			Title:      grantTitle(snap, snap.costTypeName(cg.CostTypeID), cg.Grant),
			CostTypeID: cg.CostTypeID,
			Kind:       cg.Kind,
			Grant:      cg.Grant,
		}
		sub.Complete = allocate.GrantComplete(snap.Grid, snap.Items, snap.Instances, cg)
		alloc.add(sub)
	}
	for _, sub := range alloc.Steps {
		sub.DependenciesMet = cat.Complete
		if prev, ok := sub.Kind.Previous(); ok {
			sub.DependenciesMet = sub.DependenciesMet && completeThrough(alloc, SubStepAllocateCostTypeGrant, prev)
		}
	}

	grantsDone := alloc.allComplete(SubStepAllocateCostTypeGrant)
	for _, grant := range allocate.SpecialGrants(snap.Items) {
		sub := &Step{Name: SubStepAllocateSupportingCosts, Title: grantTitle(snap, "Other Supporting Costs", grant), Grant: grant}
		sub.DependenciesMet = cat.Complete && grantsDone
		sub.Complete = allocate.SupportingCostsComplete(snap.Items, grant)
		alloc.add(sub)
	}

	alloc.Complete = alloc.DependenciesMet && alloc.allComplete("")
	return alloc
}

func buildOtherCosts(snap *Snapshot, alloc *Step) *Step {
	a := snap.Analysis
	other := &Step{Name: StepAddOtherCosts, Title: "Add Other Costs", Enabled: a.OtherCostsEnabled()}
	other.DependenciesMet = alloc.Complete
	for _, t := range othercosts.EnabledTypes(a) {
		meta := otherCostSubSteps[t]
		sub := &Step{Name: meta.name, Title: meta.title, CostType: t}
		sub.Complete = othercosts.StepComplete(snap.Items, t)
		// A sub-step with another one after it can be visited early.
		switch t {
		case model.AnalysisCostClientTime:
			sub.DependenciesMet = a.InKindContributions || a.OtherHQCosts || other.DependenciesMet
		case model.AnalysisCostInKind:
			sub.DependenciesMet = a.OtherHQCosts || other.DependenciesMet
		default:
			sub.DependenciesMet = other.DependenciesMet
		}
		other.add(sub)
	}
	other.Complete = other.DependenciesMet && other.allComplete("")
	return other
}

func buildSubcomponents(snap *Snapshot, confirm *Step) *Step {
	sub := &Step{Name: StepSubcomponentsAllocate, Title: "Allocate to Subcomponents", Enabled: true}
	ready := snap.singleInstance() && confirm.Complete
	sub.DependenciesMet = ready

	slices := subcomponent.SubSteps(snap.Grid, snap.CostTypes, snap.Items)
	for _, cg := range slices {
		s := &Step{
			Name:       SubStepSubcomponentCostTypeGrant,
			Title:      grantTitle(snap, snap.costTypeName(cg.CostTypeID), cg.Grant),
			CostTypeID: cg.CostTypeID,
			Kind:       cg.Kind,
			Grant:      cg.Grant,
		}
		s.Complete = subcomponent.SliceComplete(snap.Items, cg)
		sub.add(s)
	}
	for _, s := range sub.Steps {
		s.DependenciesMet = ready
		if prev, ok := s.Kind.Previous(); ok {
			s.DependenciesMet = s.DependenciesMet && completeThrough(sub, SubStepSubcomponentCostTypeGrant, prev)
		}
	}

	slicesDone := sub.allComplete(SubStepSubcomponentCostTypeGrant)
	for _, grant := range allocate.SpecialGrants(snap.Items) {
		s := &Step{Name: SubStepSubcomponentSupporting, Title: grantTitle(snap, "Other Supporting Costs", grant), Grant: grant}
		s.DependenciesMet = ready && slicesDone
		s.Complete = subcomponent.SupportingComplete(snap.Items, grant)
		sub.add(s)
	}

	// Only the PROGRAM slices are required; the rest follow the average.
	sub.Complete = ready && subcomponent.ProgramComplete(slices, snap.Items)
	return sub
}

// =============================================================================
// LOOKUP AND TRAVERSAL
// =============================================================================

// Get returns the top-level step called name, or nil.
func (w *Workflow) Get(name string) *Step {
	for _, s := range w.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Main returns the cost analysis steps, Subcomponents the optional
// subcomponent branch.
func (w *Workflow) Main() []*Step { return w.Steps[:len(w.Steps)-2] }

func (w *Workflow) Subcomponents() []*Step { return w.Steps[len(w.Steps)-2:] }

func (w *Workflow) index(s *Step) int {
	for i, top := range w.Steps {
		if top == s {
			return i
		}
	}
	return -1
}

// Next returns the step after s: the next sibling of a sub-step, otherwise
// the next enabled top-level step.
func (w *Workflow) Next(s *Step) *Step {
	if s == nil {
		return nil
	}
	if p := s.parent; p != nil {
		for i, sib := range p.Steps {
			if sib == s && i+1 < len(p.Steps) {
				return p.Steps[i+1]
			}
		}
		return w.Next(p)
	}
	i := w.index(s)
	if i < 0 {
		return nil
	}
	for _, next := range w.Steps[i+1:] {
		if next.Enabled {
			return next
		}
	}
	return nil
}

// Prev returns the step before s. Stepping back into a multi-step lands on
// its first incomplete sub-step, or its last one.
func (w *Workflow) Prev(s *Step) *Step {
	if s == nil {
		return nil
	}
	if p := s.parent; p != nil {
		for i, sib := range p.Steps {
			if sib == s && i > 0 {
				return p.Steps[i-1]
			}
		}
		return w.Prev(p)
	}
	i := w.index(s)
	if i <= 0 {
		return nil
	}
	prev := w.Steps[i-1]
	if len(prev.Steps) > 0 {
		if inc := prev.firstIncomplete(); inc != nil {
			return inc
		}
		return prev.Steps[len(prev.Steps)-1]
	}
	return prev
}

// FinalStep returns the step that ends the main analysis.
func (w *Workflow) FinalStep() *Step {
	for _, s := range w.Steps {
		if s.Final {
			return s
		}
	}
	return nil
}

// LastIncomplete returns the first enabled step that is not complete,
// descending into multi-steps. It is nil when every step is complete.
func (w *Workflow) LastIncomplete() *Step {
	for _, s := range w.Steps {
		if !s.Enabled || s.Complete {
			continue
		}
		if len(s.Steps) > 0 {
			if inc := s.firstIncomplete(); inc != nil {
				return inc
			}
			return s.Steps[len(s.Steps)-1]
		}
		return s
	}
	return nil
}

// LastIncompleteOrLast is where a user resumes: the final step once it is
// complete (unless skipFinal), else the first incomplete step, else the
// last step.
func (w *Workflow) LastIncompleteOrLast(skipFinal bool) *Step {
	if !skipFinal {
		if f := w.FinalStep(); f != nil && f.Complete {
			return f
		}
	}
	if inc := w.LastIncomplete(); inc != nil {
		return inc
	}
	return w.Steps[len(w.Steps)-1]
}

// LastComplete returns the step before the first incomplete one. A
// sub-step is first mapped to its parent. With nothing left incomplete it
// is the last enabled step.
func (w *Workflow) LastComplete() *Step {
	s := w.LastIncomplete()
	if s == nil {
		for i := len(w.Steps) - 1; i >= 0; i-- {
			if w.Steps[i].Enabled {
				return w.Steps[i]
			}
		}
		return nil
	}
	if s.parent != nil {
		s = s.parent
	}
	return w.Prev(s)
}

// Require returns a StepLockedError unless the dependencies of the named
// top-level step are met.
func (w *Workflow) Require(name string) error {
	s := w.Get(name)
	if s == nil {
		return &model.ValidationError{Field: "step", Message: "unknown step " + name}
	}
	if !s.Enabled || !s.DependenciesMet {
		return &model.StepLockedError{Step: name}
	}
	return nil
}
