/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The engine's model
  types carry no JSON tags; these types fix the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Analysis:      AnalysisDTO, CreateAnalysisRequest, UpdateAnalysisRequest
  Interventions: InstanceDTO, AddInstanceRequest
  Line items:    LineItemDTO
  Subcomponents: SubcomponentDTO, SubcomponentLabelsRequest
  Errors:        ErrorResponse

VALIDATION:
  Parsing (dates, decimals) happens in the To* methods; entity rules are
  checked by the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dioptra/analysis-engine/engine"
	"github.com/dioptra/analysis-engine/model"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// ANALYSIS
// =============================================================================

type AnalysisDTO struct {
	ID                     int64             `json:"id"`
	Title                  string            `json:"title"`
	Description            string            `json:"description,omitempty"`
	Owner                  string            `json:"owner,omitempty"`
	StartDate              string            `json:"start_date"`
	EndDate                string            `json:"end_date"`
	CountryID              int64             `json:"country_id"`
	Grants                 string            `json:"grants"`
	OtherHQCosts           bool              `json:"other_hq_costs"`
	InKindContributions    bool              `json:"in_kind_contributions"`
	ClientTime             bool              `json:"client_time"`
	Source                 string            `json:"source,omitempty"`
	NeedsTransactionResync bool              `json:"needs_transaction_resync"`
	OutputCosts            model.OutputCosts `json:"output_costs,omitempty"`
	ClonedFromID           *int64            `json:"cloned_from,omitempty"`
	CreatedAt              string            `json:"created_at,omitempty"`
}

func toAnalysisDTO(a *model.Analysis) AnalysisDTO {
	dto := AnalysisDTO{
		ID:                     a.ID,
		Title:                  a.Title,
		Description:            a.Description,
		Owner:                  a.Owner,
		StartDate:              a.StartDate.Format(model.DateLayout),
		EndDate:                a.EndDate.Format(model.DateLayout),
		CountryID:              a.CountryID,
		Grants:                 a.Grants,
		OtherHQCosts:           a.OtherHQCosts,
		InKindContributions:    a.InKindContributions,
		ClientTime:             a.ClientTime,
		Source:                 a.Source,
		NeedsTransactionResync: a.NeedsTransactionResync,
		OutputCosts:            a.OutputCosts,
		ClonedFromID:           a.ClonedFromID,
	}
	if !a.CreatedAt.IsZero() {
		dto.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

type CreateAnalysisRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	Owner               string `json:"owner"`
	StartDate           string `json:"start_date"`
	EndDate             string `json:"end_date"`
	CountryID           int64  `json:"country_id"`
	Grants              string `json:"grants"`
	OtherHQCosts        bool   `json:"other_hq_costs"`
	InKindContributions bool   `json:"in_kind_contributions"`
	ClientTime          bool   `json:"client_time"`
}

func (req CreateAnalysisRequest) toModel() (*model.Analysis, error) {
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parseDate("end_date", req.EndDate)
	if err != nil {
		return nil, err
	}
	a := &model.Analysis{
		Title:               req.Title,
		Description:         req.Description,
		Owner:               req.Owner,
		StartDate:           start,
		EndDate:             end,
		CountryID:           req.CountryID,
		Grants:              req.Grants,
		OtherHQCosts:        req.OtherHQCosts,
		InKindContributions: req.InKindContributions,
		ClientTime:          req.ClientTime,
	}
	return a, a.Validate()
}

// UpdateAnalysisRequest leaves absent fields unchanged.
type UpdateAnalysisRequest struct {
	Title               *string `json:"title"`
	Description         *string `json:"description"`
	StartDate           *string `json:"start_date"`
	EndDate             *string `json:"end_date"`
	CountryID           *int64  `json:"country_id"`
	Grants              *string `json:"grants"`
	OtherHQCosts        *bool   `json:"other_hq_costs"`
	InKindContributions *bool   `json:"in_kind_contributions"`
	ClientTime          *bool   `json:"client_time"`
}

func (req UpdateAnalysisRequest) toUpdate() (engine.AnalysisUpdate, error) {
	u := engine.AnalysisUpdate{
		Title:               req.Title,
		Description:         req.Description,
		CountryID:           req.CountryID,
		Grants:              req.Grants,
		OtherHQCosts:        req.OtherHQCosts,
		InKindContributions: req.InKindContributions,
		ClientTime:          req.ClientTime,
	}
	if req.StartDate != nil {
		d, err := parseDate("start_date", *req.StartDate)
		if err != nil {
			return u, err
		}
		u.StartDate = &d
	}
	if req.EndDate != nil {
		d, err := parseDate("end_date", *req.EndDate)
		if err != nil {
			return u, err
		}
		u.EndDate = &d
	}
	return u, nil
}

type CloneRequest struct {
	Owner     string `json:"owner"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func parseDate(field, s string) (time.Time, error) {
	d, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, &model.ValidationError{Field: field, Message: "use YYYY-MM-DD"}
	}
	return d, nil
}

// =============================================================================
// INTERVENTIONS
// =============================================================================

type InstanceDTO struct {
	ID             int64             `json:"id"`
	InterventionID int64             `json:"intervention_id"`
	Label          string            `json:"label,omitempty"`
	Order          int               `json:"order"`
	Parameters     map[string]string `json:"parameters"`
}

func toInstanceDTO(inst *model.InterventionInstance) InstanceDTO {
	params := make(map[string]string, len(inst.Parameters))
	for k, v := range inst.Parameters {
		params[k] = v.String()
	}
	return InstanceDTO{
		ID:             inst.ID,
		InterventionID: inst.InterventionID,
		Label:          inst.Label,
		Order:          inst.Order,
		Parameters:     params,
	}
}

type AddInstanceRequest struct {
	InterventionID int64             `json:"intervention_id"`
	Label          string            `json:"label"`
	Parameters     map[string]string `json:"parameters"`
}

func parseParameters(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, &model.ValidationError{Field: k, Message: fmt.Sprintf("%q is not a number", v)}
		}
		out[k] = d
	}
	return out, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

type LineItemDTO struct {
	ID                    int64                  `json:"id"`
	GrantCode             string                 `json:"grant_code"`
	CountryCode           string                 `json:"country_code"`
	AccountCode           string                 `json:"account_code,omitempty"`
	BudgetLineDescription string                 `json:"budget_line_description"`
	TotalCost             decimal.Decimal        `json:"total_cost"`
	Quantity              decimal.NullDecimal    `json:"quantity"`
	UnitCost              decimal.NullDecimal    `json:"unit_cost"`
	LOEOrUnit             decimal.NullDecimal    `json:"loe_or_unit"`
	Note                  string                 `json:"note,omitempty"`
	AnalysisCostType      model.AnalysisCostType `json:"analysis_cost_type"`
	CostTypeID            *int64                 `json:"cost_type_id"`
	CategoryID            *int64                 `json:"category_id"`
	Allocations           map[int64]string       `json:"allocations"`
}

func toLineItemDTO(li *model.LineItem) LineItemDTO {
	allocs := make(map[int64]string, len(li.Allocations))
	for id, v := range li.Allocations {
		if v.Valid {
			allocs[id] = v.Decimal.String()
		} else {
			allocs[id] = ""
		}
	}
	return LineItemDTO{
		ID:                    li.ID,
		GrantCode:             li.GrantCode,
		CountryCode:           li.CountryCode,
		AccountCode:           li.AccountCode,
		BudgetLineDescription: li.BudgetLineDescription,
		TotalCost:             li.TotalCost,
		Quantity:              li.Quantity,
		UnitCost:              li.UnitCost,
		LOEOrUnit:             li.LOEOrUnit,
		Note:                  li.Note,
		AnalysisCostType:      li.Config.AnalysisCostType,
		CostTypeID:            li.Config.CostTypeID,
		CategoryID:            li.Config.CategoryID,
		Allocations:           allocs,
	}
}

// =============================================================================
// SUBCOMPONENTS
// =============================================================================

type SubcomponentDTO struct {
	AnalysisID int64    `json:"analysis_id"`
	Labels     []string `json:"subcomponent_labels"`
	Confirmed  bool     `json:"subcomponent_labels_confirmed"`
}

func toSubcomponentDTO(sca *model.SubcomponentCostAnalysis) SubcomponentDTO {
	return SubcomponentDTO{
		AnalysisID: sca.AnalysisID,
		Labels:     sca.SubcomponentLabels,
		Confirmed:  sca.SubcomponentLabelsConfirmed,
	}
}

type SubcomponentLabelsRequest struct {
	Labels []string `json:"subcomponent_labels"`
}

type ConfirmCategoriesRequest struct {
	CostTypeID int64 `json:"cost_type_id"`
}

type SetCategoryRequest struct {
	CostTypeID int64 `json:"cost_type_id"`
	CategoryID int64 `json:"category_id"`
}

type ApplySuggestionsRequest struct {
	CostTypeID int64  `json:"cost_type_id"`
	Grant      string `json:"grant"`
}
