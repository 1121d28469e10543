/*
engine.go - Service facade over the analysis stages

PURPOSE:
  Engine is what the HTTP surface and the CLI call. Each public method
  works on one analysis and runs inside a single Store.WithTx, so a failure
  anywhere leaves the analysis as it was. Methods that belong to a
  workflow step first check that the step is reachable.

KEY CONCEPTS:
  Gate:       workflow.Require(step) before a step's writes; a locked step
              is model.ErrStepLocked
  Load:       one ingestion run, correlated in logs by a uuid load_id;
              user-facing rejections are (false, LoadResult, nil) and roll
              back like any error
  Invalidate: explicit step invalidation, counted in metrics

SEE ALSO:
  - engine/load.go: ingestion flows, resync, reference imports
  - engine/steps.go: categorize, allocate, other costs, insights, subcomponents
  - workflow/workflow.go: the step graph
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/dioptra/analysis-engine/archive"
	"github.com/dioptra/analysis-engine/clone"
	"github.com/dioptra/analysis-engine/datastore"
	"github.com/dioptra/analysis-engine/ingest"
	"github.com/dioptra/analysis-engine/insights"
	"github.com/dioptra/analysis-engine/metrics"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/seed"
	"github.com/dioptra/analysis-engine/subcomponent"
	"github.com/dioptra/analysis-engine/workflow"
)

// Options wires the optional collaborators of an Engine.
type Options struct {
	// Source is the external ledger; nil disables data-store loads.
	Source datastore.Source
	// Archive keeps uploaded files; nil uses an in-memory archive.
	Archive archive.Archive
	// Metrics defaults to a fresh private registry.
	Metrics *metrics.Metrics

	Ingest          ingest.Options
	DefaultCostType string
	DefaultCategory string
	// Currency is the reporting currency; the zero unit means USD.
	Currency        currency.Unit
}

type Engine struct {
	Store   model.Store
	Source  datastore.Source
	Archive archive.Archive
	Metrics *metrics.Metrics

	ingest          ingest.Options
	defaultCostType string
	defaultCategory string
	currency        currency.Unit
}

func New(store model.Store, opts Options) *Engine {
	if opts.Archive == nil {
		opts.Archive = archive.NewMemory()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Currency == (currency.Unit{}) {
		opts.Currency = currency.USD
	}
	if opts.Ingest == (ingest.Options{}) {
		opts.Ingest = ingest.DefaultOptions()
	}
	return &Engine{
		Store:           store,
		Source:          opts.Source,
		Archive:         opts.Archive,
		Metrics:         opts.Metrics,
		ingest:          opts.Ingest,
		defaultCostType: opts.DefaultCostType,
		defaultCategory: opts.DefaultCategory,
		currency:        opts.Currency,
	}
}

// =============================================================================
// TRANSACTION HELPERS
// =============================================================================

// withAnalysis loads the analysis inside a transaction and runs fn with the
// transaction's store.
func (e *Engine) withAnalysis(ctx context.Context, analysisID int64, fn func(tx model.Store, a *model.Analysis) error) error {
	return e.Store.WithTx(ctx, func(tx model.Store) error {
		a, err := tx.GetAnalysis(ctx, analysisID)
		if err != nil {
			return err
		}
		return fn(tx, a)
	})
}

// gate returns an error unless step is reachable for a.
func gate(ctx context.Context, tx model.Store, a *model.Analysis, step string) (*workflow.Workflow, error) {
	w, err := workflow.Load(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	if err := w.Require(step); err != nil {
		return nil, err
	}
	return w, nil
}

// =============================================================================
// ANALYSES
// =============================================================================

// CreateAnalysis validates a and stores it.
func (e *Engine) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	return e.Store.WithTx(ctx, func(tx model.Store) error {
		if _, err := tx.GetCountry(ctx, a.CountryID); err != nil {
			if model.IsNotFound(err) {
				return &model.ValidationError{Field: "country_id", Message: fmt.Sprintf("unknown country %d", a.CountryID)}
			}
			return err
		}
		a.ID = 0
		a.OutputCosts = nil
		a.Source = ""
		if err := tx.CreateAnalysis(ctx, a); err != nil {
			return err
		}
		log.Info().Int64("analysis_id", a.ID).Str("grants", a.Grants).Msg("analysis created")
		return nil
	})
}

func (e *Engine) GetAnalysis(ctx context.Context, id int64) (*model.Analysis, error) {
	return e.Store.GetAnalysis(ctx, id)
}

func (e *Engine) ListAnalyses(ctx context.Context) ([]model.Analysis, error) {
	return e.Store.ListAnalyses(ctx)
}

func (e *Engine) DeleteAnalysis(ctx context.Context, id int64) error {
	return e.Store.WithTx(ctx, func(tx model.Store) error {
		if err := tx.DeleteAnalysis(ctx, id); err != nil {
			return err
		}
		log.Info().Int64("analysis_id", id).Msg("analysis deleted")
		return nil
	})
}

// AnalysisUpdate carries the editable Define fields. Nil fields are kept.
type AnalysisUpdate struct {
	Title               *string
	Description         *string
	StartDate           *time.Time
	EndDate             *time.Time
	CountryID           *int64
	Grants              *string
	OtherHQCosts        *bool
	InKindContributions *bool
	ClientTime          *bool
}

// UpdateAnalysis applies u. A new period, country or grant list makes the
// loaded data stale: a data-store analysis is flagged for resync, a file
// analysis loses its data. Toggling other costs clears output costs.
func (e *Engine) UpdateAnalysis(ctx context.Context, id int64, u AnalysisUpdate) (*model.Analysis, error) {
	var out *model.Analysis
	err := e.withAnalysis(ctx, id, func(tx model.Store, a *model.Analysis) error {
		before := *a
		setIf(&a.Title, u.Title)
		setIf(&a.Description, u.Description)
		setIf(&a.StartDate, u.StartDate)
		setIf(&a.EndDate, u.EndDate)
		setIf(&a.CountryID, u.CountryID)
		setIf(&a.Grants, u.Grants)
		setIf(&a.OtherHQCosts, u.OtherHQCosts)
		setIf(&a.InKindContributions, u.InKindContributions)
		setIf(&a.ClientTime, u.ClientTime)
		if err := a.Validate(); err != nil {
			return err
		}

		scopeChanged := !a.StartDate.Equal(before.StartDate) || !a.EndDate.Equal(before.EndDate) ||
			a.CountryID != before.CountryID || a.Grants != before.Grants
		flagsChanged := a.OtherHQCosts != before.OtherHQCosts ||
			a.InKindContributions != before.InKindContributions || a.ClientTime != before.ClientTime

		inv := workflow.NewInvalidator(tx)
		switch {
		case scopeChanged && a.Source == model.DataStoreSource:
			a.NeedsTransactionResync = true
		case scopeChanged && a.Source != "":
			if err := inv.Invalidate(ctx, a, workflow.StepLoadData); err != nil {
				return err
			}
			e.Metrics.ObserveInvalidation(workflow.StepLoadData)
		}
		if flagsChanged {
			a.OutputCosts = nil
		}
		if err := tx.UpdateAnalysis(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// =============================================================================
// INTERVENTION INSTANCES
// =============================================================================

// AddInterventionInstance attaches an intervention to the analysis. The
// instance count decides whether subcomponent analysis applies, so the
// subcomponent state is reset with the output costs.
func (e *Engine) AddInterventionInstance(ctx context.Context, analysisID int64, inst *model.InterventionInstance) error {
	return e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if _, err := tx.GetIntervention(ctx, inst.InterventionID); err != nil {
			if model.IsNotFound(err) {
				return &model.ValidationError{Field: "intervention_id", Message: fmt.Sprintf("unknown intervention %d", inst.InterventionID)}
			}
			return err
		}
		if err := checkParameters(inst.Parameters); err != nil {
			return err
		}
		existing, err := tx.ListInterventionInstances(ctx, a.ID)
		if err != nil {
			return err
		}
		inst.ID = 0
		inst.AnalysisID = a.ID
		inst.Order = len(existing)
		if err := tx.CreateInterventionInstance(ctx, inst); err != nil {
			return err
		}
		if err := insights.New(tx).Invalidate(ctx, a); err != nil {
			return err
		}
		return subcomponent.New(tx).Invalidate(ctx, a)
	})
}

// UpdateInterventionParameters replaces the parameters of one instance and
// clears the output costs.
func (e *Engine) UpdateInterventionParameters(ctx context.Context, analysisID, instanceID int64, params map[string]decimal.Decimal) error {
	return e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		if err := checkParameters(params); err != nil {
			return err
		}
		instances, err := tx.ListInterventionInstances(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			if inst.ID != instanceID {
				continue
			}
			inst.Parameters = params
			if err := tx.UpdateInterventionInstance(ctx, &inst); err != nil {
				return err
			}
			return insights.New(tx).Invalidate(ctx, a)
		}
		return fmt.Errorf("intervention instance %d: %w", instanceID, model.ErrNotFound)
	})
}

func checkParameters(params map[string]decimal.Decimal) error {
	for name, v := range params {
		if v.IsNegative() {
			return &model.ValidationError{Field: name, Message: "must not be negative"}
		}
	}
	return nil
}

// =============================================================================
// WORKFLOW
// =============================================================================

// Workflow computes the step graph of an analysis.
func (e *Engine) Workflow(ctx context.Context, analysisID int64) (*workflow.Workflow, error) {
	a, err := e.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return workflow.Load(ctx, e.Store, a)
}

// InvalidateStep clears what the named step derived.
func (e *Engine) InvalidateStep(ctx context.Context, analysisID int64, step string) error {
	err := e.withAnalysis(ctx, analysisID, func(tx model.Store, a *model.Analysis) error {
		return workflow.NewInvalidator(tx).Invalidate(ctx, a, step)
	})
	if err != nil {
		return err
	}
	e.Metrics.ObserveInvalidation(step)
	return nil
}

// =============================================================================
// CLONE, SEED, BATCH
// =============================================================================

// CloneAnalysis copies an analysis with everything it owns.
func (e *Engine) CloneAnalysis(ctx context.Context, analysisID int64, opts clone.Options) (*model.Analysis, error) {
	return clone.Analysis(ctx, e.Store, analysisID, opts)
}

// Seed loads the embedded reference data.
func (e *Engine) Seed(ctx context.Context) (*seed.Result, error) {
	data, err := seed.Default()
	if err != nil {
		return nil, err
	}
	res, err := seed.Apply(ctx, e.Store, data)
	if err != nil {
		return nil, err
	}
	log.Info().Interface("created", res).Msg("reference data seeded")
	return res, nil
}

// ClearOutputCosts empties the output costs of every analysis and returns
// how many had any.
func (e *Engine) ClearOutputCosts(ctx context.Context) (int, error) {
	analyses, err := e.Store.ListAnalyses(ctx)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, a := range analyses {
		if len(a.OutputCosts) == 0 {
			continue
		}
		err := e.withAnalysis(ctx, a.ID, func(tx model.Store, a *model.Analysis) error {
			return insights.New(tx).Invalidate(ctx, a)
		})
		if err != nil {
			return cleared, fmt.Errorf("clear output costs of analysis %d: %w", a.ID, err)
		}
		cleared++
	}
	log.Info().Int("analyses", cleared).Msg("output costs cleared")
	return cleared, nil
}
