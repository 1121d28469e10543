/*
handlers.go - HTTP API handlers for the analysis engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response and JSON
  serialization, and delegates everything else to engine.Engine.

ENDPOINTS:
  Analyses:
    POST   /api/analyses                              Create analysis
    GET    /api/analyses                              List analyses
    GET    /api/analyses/{id}                         Get analysis
    PATCH  /api/analyses/{id}                         Update Define fields
    DELETE /api/analyses/{id}                         Delete analysis
    POST   /api/analyses/{id}/interventions           Add intervention instance
    PUT    /api/analyses/{id}/interventions/{iid}     Replace parameters
    POST   /api/analyses/{id}/clone                   Clone analysis

  Load Data:
    POST   /api/analyses/{id}/transactions            Multipart upload ("file")
    POST   /api/analyses/{id}/transactions/datastore  Load from the ledger
    GET    /api/analyses/{id}/transactions/datastore  Preflight row count
    POST   /api/analyses/{id}/transactions/resync     Resync from the ledger
    POST   /api/analyses/{id}/cost-line-items         Multipart upload ("file")

  Workflow and steps:
    GET    /api/analyses/{id}/workflow
    POST   /api/analyses/{id}/steps/{step}/invalidate
    POST   /api/analyses/{id}/categories/confirm
    PUT    /api/analyses/{id}/cost-line-items/{item}/category
    GET    /api/analyses/{id}/allocations/suggested
    PUT    /api/analyses/{id}/allocations
    POST   /api/analyses/{id}/allocations/apply-suggested
    GET    /api/analyses/{id}/supporting-costs/{grant}
    POST   /api/analyses/{id}/other-costs
    DELETE /api/analyses/{id}/other-costs/{item}
    POST   /api/analyses/{id}/insights/calculate
    GET    /api/analyses/{id}/insights
    POST   /api/analyses/{id}/subcomponents
    POST   /api/analyses/{id}/subcomponents/confirm
    PUT    /api/analyses/{id}/subcomponents/allocations

  Reference:
    POST   /api/reference/mappings                    Multipart upload ("file")
    POST   /api/reference/countries                   Multipart upload ("file")
    POST   /api/seed                                  Load the embedded reference data

ERROR HANDLING:
  Errors are returned as {error, details} with the HTTP status derived from
  the error chain:
  - 400: model.IsClientError (validation, import taxonomy)
  - 404: model.IsNotFound
  - 409: model.IsConflict (workflow step locked)
  - 503: model.IsUnavailable (ledger disabled or down)
  - 500: everything else
  A rejected load is not an error: it is a 422 carrying the LoadOutcome.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dioptra/analysis-engine/allocate"
	"github.com/dioptra/analysis-engine/clone"
	"github.com/dioptra/analysis-engine/engine"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/othercosts"
	"github.com/dioptra/analysis-engine/subcomponent"
)

// MaxUploadBytes caps multipart uploads.
const MaxUploadBytes = 64 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
}

func NewHandler(e *engine.Engine) *Handler {
	return &Handler{Engine: e}
}

// =============================================================================
// ANALYSES
// =============================================================================

// CreateAnalysis creates an analysis.
// POST /api/analyses
func (h *Handler) CreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req CreateAnalysisRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := req.toModel()
	if err != nil {
		fail(w, err)
		return
	}
	if err := h.Engine.CreateAnalysis(r.Context(), a); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAnalysisDTO(a))
}

// ListAnalyses returns all analyses.
// GET /api/analyses
func (h *Handler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	analyses, err := h.Engine.ListAnalyses(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	dtos := make([]AnalysisDTO, len(analyses))
	for i := range analyses {
		dtos[i] = toAnalysisDTO(&analyses[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAnalysis returns one analysis.
// GET /api/analyses/{id}
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	a, err := h.Engine.GetAnalysis(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalysisDTO(a))
}

// UpdateAnalysis edits the Define fields.
// PATCH /api/analyses/{id}
func (h *Handler) UpdateAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateAnalysisRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := req.toUpdate()
	if err != nil {
		fail(w, err)
		return
	}
	a, err := h.Engine.UpdateAnalysis(r.Context(), id, u)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalysisDTO(a))
}

// DeleteAnalysis removes an analysis with everything it owns.
// DELETE /api/analyses/{id}
func (h *Handler) DeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Engine.DeleteAnalysis(r.Context(), id); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddIntervention attaches an intervention instance.
// POST /api/analyses/{id}/interventions
func (h *Handler) AddIntervention(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req AddInstanceRequest
	if !decode(w, r, &req) {
		return
	}
	params, err := parseParameters(req.Parameters)
	if err != nil {
		fail(w, err)
		return
	}
	inst := model.InterventionInstance{InterventionID: req.InterventionID, Label: req.Label, Parameters: params}
	if err := h.Engine.AddInterventionInstance(r.Context(), id, &inst); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstanceDTO(&inst))
}

// UpdateParameters replaces the parameters of one instance.
// PUT /api/analyses/{id}/interventions/{iid}
func (h *Handler) UpdateParameters(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	iid, ok := pathID(w, r, "iid")
	if !ok {
		return
	}
	var raw map[string]string
	if !decode(w, r, &raw) {
		return
	}
	params, err := parseParameters(raw)
	if err != nil {
		fail(w, err)
		return
	}
	if err := h.Engine.UpdateInterventionParameters(r.Context(), id, iid, params); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloneAnalysis copies an analysis.
// POST /api/analyses/{id}/clone
func (h *Handler) CloneAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CloneRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	opts := clone.Options{Owner: req.Owner}
	if req.StartDate != "" && req.EndDate != "" {
		start, err := parseDate("start_date", req.StartDate)
		if err != nil {
			fail(w, err)
			return
		}
		end, err := parseDate("end_date", req.EndDate)
		if err != nil {
			fail(w, err)
			return
		}
		opts.StartDate, opts.EndDate = start, end
	}
	a, err := h.Engine.CloneAnalysis(r.Context(), id, opts)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAnalysisDTO(a))
}

// =============================================================================
// LOAD DATA
// =============================================================================

// UploadTransactions loads an uploaded transaction ledger.
// POST /api/analyses/{id}/transactions
func (h *Handler) UploadTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	name, file, ok := upload(w, r)
	if !ok {
		return
	}
	defer file.Close()
	out, err := h.Engine.LoadTransactionsFromFile(r.Context(), id, name, file)
	writeLoad(w, out, err)
}

// UploadCostLineItems loads an uploaded cost line item sheet.
// POST /api/analyses/{id}/cost-line-items
func (h *Handler) UploadCostLineItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	name, file, ok := upload(w, r)
	if !ok {
		return
	}
	defer file.Close()
	out, err := h.Engine.LoadCostLineItems(r.Context(), id, name, file)
	writeLoad(w, out, err)
}

// LoadFromDataStore loads the analysis transactions from the ledger.
// POST /api/analyses/{id}/transactions/datastore
func (h *Handler) LoadFromDataStore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	out, err := h.Engine.LoadTransactionsFromDataStore(r.Context(), id)
	writeLoad(w, out, err)
}

// CountDataStore returns the ledger row count a load would import.
// GET /api/analyses/{id}/transactions/datastore
func (h *Handler) CountDataStore(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := h.Engine.CountDataStoreTransactions(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// Resync reloads a data store analysis.
// POST /api/analyses/{id}/transactions/resync
func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	out, err := h.Engine.ResyncTransactions(r.Context(), id)
	writeLoad(w, out, err)
}

// =============================================================================
// WORKFLOW
// =============================================================================

// GetWorkflow returns the step graph.
// GET /api/analyses/{id}/workflow
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	wf, err := h.Engine.Workflow(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	var lastComplete string
	if s := wf.LastComplete(); s != nil {
		lastComplete = s.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"steps":         wf.Steps,
		"last_complete": lastComplete,
	})
}

// InvalidateStep clears what a step derived.
// POST /api/analyses/{id}/steps/{step}/invalidate
func (h *Handler) InvalidateStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Engine.InvalidateStep(r.Context(), id, chi.URLParam(r, "step")); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CATEGORIZE AND ALLOCATE
// =============================================================================

// ConfirmCategories confirms one cost type of the grid.
// POST /api/analyses/{id}/categories/confirm
func (h *Handler) ConfirmCategories(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ConfirmCategoriesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Engine.ConfirmCategories(r.Context(), id, req.CostTypeID); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetCategory recategorizes one item.
// PUT /api/analyses/{id}/cost-line-items/{item}/category
func (h *Handler) SetCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	item, ok := pathID(w, r, "item")
	if !ok {
		return
	}
	var req SetCategoryRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Engine.SetCategory(r.Context(), id, item, req.CostTypeID, req.CategoryID); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SuggestedAllocations returns the grid suggestions.
// GET /api/analyses/{id}/allocations/suggested
func (h *Handler) SuggestedAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.Engine.SuggestedAllocations(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// SaveAllocations saves entered percentages. Per-item errors come back
// with a 422 and the valid rows saved.
// PUT /api/analyses/{id}/allocations
func (h *Handler) SaveAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var updates []allocate.Update
	if !decode(w, r, &updates) {
		return
	}
	res, err := h.Engine.SaveAllocations(r.Context(), id, updates)
	if err != nil {
		fail(w, err)
		return
	}
	status := http.StatusOK
	if len(res.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// ApplySuggestions fills a shared sub-step with its suggestion.
// POST /api/analyses/{id}/allocations/apply-suggested
func (h *Handler) ApplySuggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ApplySuggestionsRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := h.Engine.ApplySuggestions(r.Context(), id, req.CostTypeID, req.Grant)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// SupportingCosts returns the other-supporting-costs suggestion.
// GET /api/analyses/{id}/supporting-costs/{grant}
func (h *Handler) SupportingCosts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	s, err := h.Engine.SupportingCosts(r.Context(), id, chi.URLParam(r, "grant"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// =============================================================================
// OTHER COSTS
// =============================================================================

// SaveOtherCost creates or updates an other-cost item.
// POST /api/analyses/{id}/other-costs
func (h *Handler) SaveOtherCost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var entry othercosts.Entry
	if !decode(w, r, &entry) {
		return
	}
	li, err := h.Engine.SaveOtherCost(r.Context(), id, entry)
	if err != nil {
		fail(w, err)
		return
	}
	status := http.StatusOK
	if entry.ItemID == 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, toLineItemDTO(&li))
}

// DeleteOtherCost removes an other-cost item.
// DELETE /api/analyses/{id}/other-costs/{item}
func (h *Handler) DeleteOtherCost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	item, ok := pathID(w, r, "item")
	if !ok {
		return
	}
	if err := h.Engine.DeleteOtherCost(r.Context(), id, item); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INSIGHTS
// =============================================================================

// CalculateInsights recomputes output costs.
// POST /api/analyses/{id}/insights/calculate
func (h *Handler) CalculateInsights(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	costs, err := h.Engine.CalculateInsights(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, costs)
}

// GetInsights returns the insights report.
// GET /api/analyses/{id}/insights
func (h *Handler) GetInsights(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rep, err := h.Engine.Insights(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// SUBCOMPONENTS
// =============================================================================

// StartSubcomponents creates the subcomponent analysis or replaces its
// labels.
// POST /api/analyses/{id}/subcomponents
func (h *Handler) StartSubcomponents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SubcomponentLabelsRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	sca, err := h.Engine.StartSubcomponents(r.Context(), id, req.Labels)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubcomponentDTO(sca))
}

// ConfirmSubcomponents confirms the labels.
// POST /api/analyses/{id}/subcomponents/confirm
func (h *Handler) ConfirmSubcomponents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sca, err := h.Engine.ConfirmSubcomponents(r.Context(), id)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubcomponentDTO(sca))
}

// SaveSubcomponentAllocations saves per-item vectors.
// PUT /api/analyses/{id}/subcomponents/allocations
func (h *Handler) SaveSubcomponentAllocations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var updates []subcomponent.Update
	if !decode(w, r, &updates) {
		return
	}
	out, err := h.Engine.SaveSubcomponentAllocations(r.Context(), id, updates)
	if err != nil {
		fail(w, err)
		return
	}
	status := http.StatusOK
	if len(out.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, out)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ImportMappings replaces the mapping table.
// POST /api/reference/mappings
func (h *Handler) ImportMappings(w http.ResponseWriter, r *http.Request) {
	_, file, ok := upload(w, r)
	if !ok {
		return
	}
	defer file.Close()
	out, err := h.Engine.ImportMappings(r.Context(), file)
	writeLoad(w, out, err)
}

// ImportCountries upserts countries.
// POST /api/reference/countries
func (h *Handler) ImportCountries(w http.ResponseWriter, r *http.Request) {
	_, file, ok := upload(w, r)
	if !ok {
		return
	}
	defer file.Close()
	out, err := h.Engine.ImportCountries(r.Context(), file)
	writeLoad(w, out, err)
}

// Seed loads the embedded reference data.
// POST /api/seed
func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Seed(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name), fmt.Errorf("%q is not an id", raw))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// upload returns the "file" part of a multipart request.
func upload(w http.ResponseWriter, r *http.Request) (string, io.ReadCloser, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "A file upload named \"file\" is required", err)
		return "", nil, false
	}
	return hdr.Filename, file, true
}

func writeLoad(w http.ResponseWriter, out engine.LoadOutcome, err error) {
	if err != nil {
		fail(w, err)
		return
	}
	status := http.StatusOK
	if !out.OK {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, out)
}

// statusOf maps an engine error to its HTTP status.
func statusOf(err error) int {
	switch {
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsConflict(err):
		return http.StatusConflict
	case model.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case model.IsClientError(err):
		return http.StatusBadRequest
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		writeError(w, status, "Internal error", err)
		return
	}
	writeError(w, status, http.StatusText(status), err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
