package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dioptra/analysis-engine/archive"
	"github.com/dioptra/analysis-engine/categorize"
	"github.com/dioptra/analysis-engine/ingest"
	"github.com/dioptra/analysis-engine/insights"
	"github.com/dioptra/analysis-engine/metrics"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/workflow"
)

// =============================================================================
// LOAD RUNS
// =============================================================================

// errRejected aborts the transaction of a load that produced user-facing
// errors. It never leaves the package.
var errRejected = errors.New("load rejected")

// LoadOutcome is the result of one ingestion run.
type LoadOutcome struct {
	LoadID string `json:"load_id"`
	OK     bool   `json:"ok"`
	model.LoadResult
	// Sync is set by resyncs.
	Sync *ingest.SyncResult `json:"sync,omitempty"`
}

type loadFunc func(tx model.Store, loadID string) (bool, model.LoadResult, error)

// run executes fn in a transaction. A rejection rolls back like an error
// but is returned as a failed outcome.
func (e *Engine) run(ctx context.Context, mode string, logCtx func(zerolog.Context) zerolog.Context, fn loadFunc) (LoadOutcome, error) {
	started := time.Now()
	out := LoadOutcome{LoadID: uuid.NewString()}
	logger := logCtx(log.With().Str("load_id", out.LoadID).Str("mode", mode)).Logger()

	err := e.Store.WithTx(ctx, func(tx model.Store) error {
		ok, res, err := fn(tx, out.LoadID)
		if err != nil {
			return err
		}
		out.OK, out.LoadResult = ok, res
		if !ok {
			return errRejected
		}
		return nil
	})
	if errors.Is(err, errRejected) {
		err = nil
	}
	if err != nil {
		out.OK = false
	}
	e.Metrics.ObserveImport(mode, metrics.Result(out.OK, err), out.ImportedCount, started)

	ev := logger.Info()
	switch {
	case err != nil:
		ev = logger.Error().Err(err)
	case !out.OK:
		ev = logger.Warn().Int("errors", len(out.Errors))
	}
	ev.Int("imported", out.ImportedCount).Dur("duration", time.Since(started)).Msg("load finished")
	if err != nil {
		return LoadOutcome{LoadID: out.LoadID}, err
	}
	return out, nil
}

func (e *Engine) analysisLoad(ctx context.Context, mode string, analysisID int64, fn func(tx model.Store, a *model.Analysis, loadID string) (bool, model.LoadResult, error)) (LoadOutcome, error) {
	withID := func(c zerolog.Context) zerolog.Context { return c.Int64("analysis_id", analysisID) }
	return e.run(ctx, mode, withID, func(tx model.Store, loadID string) (bool, model.LoadResult, error) {
		a, err := tx.GetAnalysis(ctx, analysisID)
		if err != nil {
			return false, model.LoadResult{}, err
		}
		return fn(tx, a, loadID)
	})
}

// archiveUpload keeps the raw upload. Failures are logged and do not stop
// the load.
func (e *Engine) archiveUpload(ctx context.Context, analysisID int64, loadID, name string, data []byte) {
	key := archive.Key(analysisID, loadID, name)
	if err := e.Archive.Put(ctx, key, data, archive.ContentType(name)); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("upload not archived")
	}
}

// replaceData gates Load Data and clears what a previous load derived.
func (e *Engine) replaceData(ctx context.Context, tx model.Store, a *model.Analysis) error {
	if _, err := gate(ctx, tx, a, workflow.StepLoadData); err != nil {
		return err
	}
	if a.Source == "" {
		return nil
	}
	if err := workflow.NewInvalidator(tx).Invalidate(ctx, a, workflow.StepLoadData); err != nil {
		return err
	}
	e.Metrics.ObserveInvalidation(workflow.StepLoadData)
	return nil
}

// categorizeAll maps the STANDARD items and brings the grid up to date.
func (e *Engine) categorizeAll(ctx context.Context, tx model.Store, a *model.Analysis) error {
	c := categorize.New(tx, e.defaultCostType, e.defaultCategory)
	if _, err := c.AutoCategorize(ctx, a.ID); err != nil {
		return fmt.Errorf("auto categorize: %w", err)
	}
	if _, err := c.EnsureGrid(ctx, a); err != nil {
		return fmt.Errorf("ensure grid: %w", err)
	}
	return nil
}

// createItems turns a successful transaction load into categorized items.
func (e *Engine) createItems(ctx context.Context, tx model.Store, a *model.Analysis, load *ingest.TransactionLoad) error {
	if _, err := ingest.New(tx, e.ingest).CreateCostLineItems(ctx, a, load.Transactions); err != nil {
		return fmt.Errorf("create cost line items: %w", err)
	}
	if err := e.categorizeAll(ctx, tx, a); err != nil {
		return err
	}
	if a.NeedsTransactionResync {
		a.NeedsTransactionResync = false
		return tx.UpdateAnalysis(ctx, a)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// LoadTransactionsFromFile replaces the analysis data with the transactions
// of an uploaded spreadsheet. name is recorded as the analysis source.
func (e *Engine) LoadTransactionsFromFile(ctx context.Context, analysisID int64, name string, r io.Reader) (LoadOutcome, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return LoadOutcome{}, fmt.Errorf("read upload: %w", err)
	}
	return e.analysisLoad(ctx, metrics.ModeFile, analysisID, func(tx model.Store, a *model.Analysis, loadID string) (bool, model.LoadResult, error) {
		if err := e.replaceData(ctx, tx, a); err != nil {
			return false, model.LoadResult{}, err
		}
		e.archiveUpload(ctx, a.ID, loadID, name, data)

		load, err := ingest.New(tx, e.ingest).LoadTransactionsFromFile(ctx, a, name, bytes.NewReader(data))
		if err != nil || !load.OK {
			return false, resultOf(load), err
		}
		if err := e.createItems(ctx, tx, a, load); err != nil {
			return false, model.LoadResult{}, err
		}
		return true, load.Result, nil
	})
}

// LoadTransactionsFromDataStore replaces the analysis data with the ledger
// rows of its period, country and grants.
func (e *Engine) LoadTransactionsFromDataStore(ctx context.Context, analysisID int64) (LoadOutcome, error) {
	if e.Source == nil {
		return LoadOutcome{}, model.ErrTransactionStoreDisabled
	}
	return e.analysisLoad(ctx, metrics.ModeDataStore, analysisID, func(tx model.Store, a *model.Analysis, _ string) (bool, model.LoadResult, error) {
		if err := e.replaceData(ctx, tx, a); err != nil {
			return false, model.LoadResult{}, err
		}
		load, err := ingest.New(tx, e.ingest).LoadTransactionsFromSource(ctx, a, e.Source)
		if err != nil || !load.OK {
			return false, resultOf(load), err
		}
		if err := e.createItems(ctx, tx, a, load); err != nil {
			return false, model.LoadResult{}, err
		}
		return true, load.Result, nil
	})
}

// CountDataStoreTransactions returns how many ledger rows a data store load
// would import.
func (e *Engine) CountDataStoreTransactions(ctx context.Context, analysisID int64) (int, error) {
	a, err := e.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return 0, err
	}
	return ingest.New(e.Store, e.ingest).CountSourceTransactions(ctx, a, e.Source)
}

func resultOf(load *ingest.TransactionLoad) model.LoadResult {
	if load == nil {
		return model.LoadResult{}
	}
	return load.Result
}

// =============================================================================
// RESYNC
// =============================================================================

// ResyncTransactions reloads the ledger rows of a data-store analysis and
// folds them into the existing items, keeping their categories and
// allocations. Output costs are cleared.
func (e *Engine) ResyncTransactions(ctx context.Context, analysisID int64) (LoadOutcome, error) {
	if e.Source == nil {
		return LoadOutcome{}, model.ErrTransactionStoreDisabled
	}
	var sync ingest.SyncResult
	out, err := e.analysisLoad(ctx, metrics.ModeResync, analysisID, func(tx model.Store, a *model.Analysis, _ string) (bool, model.LoadResult, error) {
		if a.Source != model.DataStoreSource {
			return false, model.LoadResult{}, &model.ValidationError{Field: "source", Message: "only data store analyses can be resynced"}
		}
		if err := tx.DeleteTransactions(ctx, a.ID); err != nil {
			return false, model.LoadResult{}, err
		}
		loader := ingest.New(tx, e.ingest)
		load, err := loader.LoadTransactionsFromSource(ctx, a, e.Source)
		if err != nil || !load.OK {
			return false, resultOf(load), err
		}
		if sync, err = loader.SyncCostLineItems(ctx, a, load.Transactions); err != nil {
			return false, model.LoadResult{}, fmt.Errorf("sync cost line items: %w", err)
		}
		if err := insights.New(tx).Invalidate(ctx, a); err != nil {
			return false, model.LoadResult{}, err
		}
		if err := e.categorizeAll(ctx, tx, a); err != nil {
			return false, model.LoadResult{}, err
		}
		a.NeedsTransactionResync = false
		if err := tx.UpdateAnalysis(ctx, a); err != nil {
			return false, model.LoadResult{}, err
		}
		return true, load.Result, nil
	})
	if err == nil && out.OK {
		out.Sync = &sync
	}
	return out, err
}

// ResyncAll resyncs every analysis flagged for it. A failing analysis is
// logged and the batch goes on; the first error is returned at the end.
func (e *Engine) ResyncAll(ctx context.Context) (int, error) {
	analyses, err := e.Store.ListAnalyses(ctx)
	if err != nil {
		return 0, err
	}
	var first error
	done := 0
	for _, a := range analyses {
		if !a.NeedsTransactionResync || a.Source != model.DataStoreSource {
			continue
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}
		out, err := e.ResyncTransactions(ctx, a.ID)
		switch {
		case err != nil:
			log.Error().Err(err).Int64("analysis_id", a.ID).Msg("resync failed")
			if first == nil {
				first = fmt.Errorf("resync analysis %d: %w", a.ID, err)
			}
		case out.OK:
			done++
		}
	}
	return done, first
}

// =============================================================================
// COST LINE ITEMS
// =============================================================================

// LoadCostLineItems replaces the analysis data with items read directly
// from an uploaded spreadsheet.
func (e *Engine) LoadCostLineItems(ctx context.Context, analysisID int64, name string, r io.Reader) (LoadOutcome, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return LoadOutcome{}, fmt.Errorf("read upload: %w", err)
	}
	return e.analysisLoad(ctx, metrics.ModeLineItems, analysisID, func(tx model.Store, a *model.Analysis, loadID string) (bool, model.LoadResult, error) {
		if err := e.replaceData(ctx, tx, a); err != nil {
			return false, model.LoadResult{}, err
		}
		e.archiveUpload(ctx, a.ID, loadID, name, data)

		ok, res, err := ingest.New(tx, e.ingest).LoadCostLineItems(ctx, a, name, bytes.NewReader(data))
		if err != nil || !ok {
			return false, res, err
		}
		if err := e.categorizeAll(ctx, tx, a); err != nil {
			return false, model.LoadResult{}, err
		}
		return true, res, nil
	})
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func noAnalysis(c zerolog.Context) zerolog.Context { return c }

// ImportMappings replaces the cost type / category mapping table.
func (e *Engine) ImportMappings(ctx context.Context, r io.Reader) (LoadOutcome, error) {
	return e.run(ctx, metrics.ModeMappings, noAnalysis, func(tx model.Store, _ string) (bool, model.LoadResult, error) {
		return ingest.New(tx, e.ingest).ImportMappings(ctx, r)
	})
}

// ImportCountries upserts countries by code.
func (e *Engine) ImportCountries(ctx context.Context, r io.Reader) (LoadOutcome, error) {
	return e.run(ctx, metrics.ModeCountries, noAnalysis, func(tx model.Store, _ string) (bool, model.LoadResult, error) {
		return ingest.New(tx, e.ingest).ImportCountries(ctx, r)
	})
}
