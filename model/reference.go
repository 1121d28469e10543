/*
reference.go - Read-mostly reference entities

PURPOSE:
  Cost types, categories, countries, regions, interventions, the
  account-code mapping table and the process-wide Settings row. The engine
  reads these fresh at each use and never caches them across requests.

KEY CONCEPTS:
  CostTypeKind:     closed set {PROGRAM, SUPPORT, INDIRECT}, each with its own
                    sharing rule and suggestion basis
  AnalysisCostType: tagged variant {STANDARD, CLIENT_TIME, IN_KIND, OTHER_HQ}
  Mapping:          account code criteria -> (CostType, Category)

SEE ALSO:
  - output_metric.go: output metric registry referenced by Intervention
  - categorize/categorize.go: applies mappings
*/
package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COST TYPE KIND - Sum type over the three cost strategies
// =============================================================================

type CostTypeKind int

const (
	CostTypeProgram  CostTypeKind = 10
	CostTypeSupport  CostTypeKind = 20
	CostTypeIndirect CostTypeKind = 30
)

// CostTypeKinds lists the kinds in workflow order.
var CostTypeKinds = []CostTypeKind{CostTypeProgram, CostTypeSupport, CostTypeIndirect}

func (k CostTypeKind) String() string {
	switch k {
	case CostTypeProgram:
		return "PROGRAM"
	case CostTypeSupport:
		return "SUPPORT"
	case CostTypeIndirect:
		return "INDIRECT"
	default:
		return fmt.Sprintf("CostTypeKind(%d)", int(k))
	}
}

// Valid reports whether k is one of the three declared kinds.
func (k CostTypeKind) Valid() bool {
	return k == CostTypeProgram || k == CostTypeSupport || k == CostTypeIndirect
}

// Shared reports whether costs of this kind are spread across interventions.
func (k CostTypeKind) Shared() bool {
	return k == CostTypeSupport || k == CostTypeIndirect
}

// AllocationEditable reports whether the user may override suggestions.
func (k CostTypeKind) AllocationEditable() bool {
	return k != CostTypeIndirect
}

// Previous returns the kind that must be allocated before k.
func (k CostTypeKind) Previous() (CostTypeKind, bool) {
	switch k {
	case CostTypeSupport:
		return CostTypeProgram, true
	case CostTypeIndirect:
		return CostTypeSupport, true
	default:
		return 0, false
	}
}

// SuggestionBasis lists the kinds whose allocations drive the suggested
// allocation for k. PROGRAM has no suggestion.
func (k CostTypeKind) SuggestionBasis() []CostTypeKind {
	switch k {
	case CostTypeSupport:
		return []CostTypeKind{CostTypeProgram}
	case CostTypeIndirect:
		return []CostTypeKind{CostTypeProgram, CostTypeSupport}
	default:
		return nil
	}
}

// ParseCostTypeKind accepts either the numeric tag or the upper-case name.
func ParseCostTypeKind(s string) (CostTypeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "10", "PROGRAM":
		return CostTypeProgram, nil
	case "20", "SUPPORT":
		return CostTypeSupport, nil
	case "30", "INDIRECT":
		return CostTypeIndirect, nil
	}
	return 0, fmt.Errorf("unknown cost type %q", s)
}

type CostType struct {
	ID        int64
	Name      string
	Type      CostTypeKind
	Order     int
	IsDefault bool
}

type Category struct {
	ID        int64
	Name      string
	Order     int
	IsDefault bool
}

// DefaultCostType returns the row marked default, else the one named
// fallbackName, else nil.
func DefaultCostType(types []CostType, fallbackName string) *CostType {
	for i := range types {
		if types[i].IsDefault {
			return &types[i]
		}
	}
	for i := range types {
		if strings.EqualFold(types[i].Name, fallbackName) {
			return &types[i]
		}
	}
	return nil
}

// DefaultCategory returns the row marked default, else the one named
// fallbackName, else nil.
func DefaultCategory(categories []Category, fallbackName string) *Category {
	for i := range categories {
		if categories[i].IsDefault {
			return &categories[i]
		}
	}
	for i := range categories {
		if strings.EqualFold(categories[i].Name, fallbackName) {
			return &categories[i]
		}
	}
	return nil
}

// =============================================================================
// ANALYSIS COST TYPE - Tagged variant on CostLineItemConfig
// =============================================================================

type AnalysisCostType string

const (
	AnalysisCostStandard   AnalysisCostType = "STANDARD"
	AnalysisCostClientTime AnalysisCostType = "CLIENT_TIME"
	AnalysisCostInKind     AnalysisCostType = "IN_KIND"
	AnalysisCostOtherHQ    AnalysisCostType = "OTHER_HQ"
)

// OtherCostTypes lists the other-cost tags in step order.
var OtherCostTypes = []AnalysisCostType{AnalysisCostClientTime, AnalysisCostInKind, AnalysisCostOtherHQ}

func (t AnalysisCostType) Valid() bool {
	switch t {
	case AnalysisCostStandard, AnalysisCostClientTime, AnalysisCostInKind, AnalysisCostOtherHQ:
		return true
	}
	return false
}

// IsOtherCost reports whether the item was entered after allocation.
func (t AnalysisCostType) IsOtherCost() bool {
	return t == AnalysisCostClientTime || t == AnalysisCostInKind || t == AnalysisCostOtherHQ
}

// FullyAllocated reports whether items of this tag go 100% to one instance.
func (t AnalysisCostType) FullyAllocated() bool {
	return t == AnalysisCostClientTime || t == AnalysisCostInKind
}

// Slug is the sub-step name for the tag.
func (t AnalysisCostType) Slug() string {
	switch t {
	case AnalysisCostClientTime:
		return "client-time"
	case AnalysisCostInKind:
		return "in-kind"
	case AnalysisCostOtherHQ:
		return "other-hq"
	default:
		return "standard"
	}
}

// =============================================================================
// GEOGRAPHY
// =============================================================================

type Region struct {
	ID   int64
	Name string
}

type Country struct {
	ID                 int64
	Name               string
	Code               string
	RegionID           *int64
	AlwaysIncludeCosts bool
}

// =============================================================================
// INTERVENTION
// =============================================================================

type Intervention struct {
	ID                 int64
	Name               string
	OutputMetrics      []string
	SubcomponentLabels []string
}

// Metrics resolves the intervention's output metric ids.
func (iv *Intervention) Metrics() ([]OutputMetric, error) {
	out := make([]OutputMetric, 0, len(iv.OutputMetrics))
	for _, id := range iv.OutputMetrics {
		m, ok := LookupOutputMetric(id)
		if !ok {
			return nil, fmt.Errorf("intervention %q: unknown output metric %q", iv.Name, id)
		}
		out = append(out, m)
	}
	return out, nil
}

// RequiredParameters lists the parameters of the first output metric.
func (iv *Intervention) RequiredParameters() []string {
	if len(iv.OutputMetrics) == 0 {
		return nil
	}
	m, ok := LookupOutputMetric(iv.OutputMetrics[0])
	if !ok {
		return nil
	}
	return m.ParameterKeys()
}

// KnownParameters lists the union of parameters of every output metric.
func (iv *Intervention) KnownParameters() map[string]bool {
	known := make(map[string]bool)
	for _, id := range iv.OutputMetrics {
		if m, ok := LookupOutputMetric(id); ok {
			for _, p := range m.Parameters {
				known[p.Key] = true
			}
		}
	}
	return known
}

// CheckParameters verifies that required parameters are present and that no
// unknown parameter is supplied.
func (iv *Intervention) CheckParameters(params map[string]decimal.Decimal) error {
	known := iv.KnownParameters()
	for k, v := range params {
		if !known[k] {
			return &ValidationError{Field: k, Message: fmt.Sprintf("unknown parameter %q for intervention %q", k, iv.Name)}
		}
		if v.IsNegative() {
			return &ValidationError{Field: k, Message: fmt.Sprintf("parameter %q must not be negative", k)}
		}
	}
	for _, k := range iv.RequiredParameters() {
		if _, ok := params[k]; !ok {
			return &ValidationError{Field: k, Message: fmt.Sprintf("parameter %q is required", k)}
		}
	}
	return nil
}

// HasRequiredParameters reports whether params carries a positive value for
// every required parameter.
func (iv *Intervention) HasRequiredParameters(params map[string]decimal.Decimal) bool {
	for _, k := range iv.RequiredParameters() {
		v, ok := params[k]
		if !ok || !v.IsPositive() {
			return false
		}
	}
	return true
}

// =============================================================================
// COST TYPE CATEGORY MAPPING
// =============================================================================

// Mapping assigns a (CostType, Category) to items whose codes match every
// non-empty criterion.
type Mapping struct {
	ID                    int64
	CountryCode           string
	GrantCode             string
	BudgetLineCode        string
	AccountCode           string
	AccountCodeStartsWith string
	SiteCode              string
	SectorCode            string
	BudgetLineDescription string
	CostTypeID            *int64
	CategoryID            *int64
}

// CriteriaCount is the number of exact-match criteria set on m.
func (m *Mapping) CriteriaCount() int {
	n := 0
	for _, v := range []string{m.CountryCode, m.GrantCode, m.BudgetLineCode, m.AccountCode,
		m.SiteCode, m.SectorCode, m.BudgetLineDescription} {
		if v != "" {
			n++
		}
	}
	return n
}

// Matches reports whether every criterion set on m holds for c.
func (m *Mapping) Matches(c *CostLineItem) bool {
	exact := []struct{ want, got string }{
		{m.CountryCode, c.CountryCode},
		{m.GrantCode, c.GrantCode},
		{m.BudgetLineCode, c.BudgetLineCode},
		{m.AccountCode, c.AccountCode},
		{m.SiteCode, c.SiteCode},
		{m.SectorCode, c.SectorCode},
		{m.BudgetLineDescription, c.BudgetLineDescription},
	}
	for _, f := range exact {
		if f.want != "" && f.want != f.got {
			return false
		}
	}
	if m.AccountCodeStartsWith != "" && !strings.HasPrefix(c.AccountCode, m.AccountCodeStartsWith) {
		return false
	}
	return m.CriteriaCount() > 0 || m.AccountCodeStartsWith != ""
}

// AccountCodeDescription records the human description of an account code.
type AccountCodeDescription struct {
	AccountCode   string
	Description   string
	SensitiveData bool
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings is the process-wide row read by the engine.
type Settings struct {
	TransactionCountryFilter bool
}
