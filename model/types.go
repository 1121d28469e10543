/*
Package model provides the entities of the analysis engine.

PURPOSE:
  This package contains the persisted types shared by every engine stage:
  the Analysis itself, its intervention instances, the raw ledger
  Transactions, the CostLineItems aggregated from them, and the per-item
  configuration and allocation rows written during Categorize and Allocate.

KEY CONCEPTS IN THIS FILE (types.go):
  - Analysis: a costing study over a date range, a country and a set of grants
  - Transaction: one raw ledger row, owned by exactly one Analysis
  - CostLineItem: the unit at which costs are categorized and allocated
  - CostLineItemConfig: classification and subcomponent state (1:1 with an item)
  - Allocation: percentage of an item contributed to an intervention instance
  - LineItem: denormalized read view joining an item with its config,
    cost type, category and allocations

DESIGN PRINCIPLES:
  1. Precision: money and percentages use decimal.Decimal
  2. Explicit methods: every computed field is a method on its entity
  3. Ownership: every child row carries its owning AnalysisID

SEE ALSO:
  - reference.go: CostType, Category, Country, Intervention
  - grid.go: analysis-scoped (CostType, Category, Grant) rows
  - store.go: persistence interface
*/
package model

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the only accepted date format for transactions and analyses.
const DateLayout = "2006-01-02"

// DataStoreSource is the Analysis.Source value used when transactions were
// pulled from the external ledger rather than an uploaded file.
const DataStoreSource = "Data store"

// =============================================================================
// ANALYSIS - Top-level unit of work
// =============================================================================

type Analysis struct {
	ID          int64
	Title       string
	Description string
	Owner       string
	StartDate   time.Time
	EndDate     time.Time
	CountryID   int64

	// Grants is a comma-separated, order-significant list of grant codes.
	Grants string

	OtherHQCosts        bool
	InKindContributions bool
	ClientTime          bool

	OutputCosts OutputCosts

	// Source is the uploaded file name, DataStoreSource, or empty.
	Source string

	// AllTransactionsTotalCost is parallel to GrantsList().
	AllTransactionsTotalCost string

	NeedsTransactionResync bool
	ClonedFromID           *int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// GrantsList returns the analysis grants, trimmed and upper-cased, in the
// order they were declared.
func (a *Analysis) GrantsList() []string {
	if strings.TrimSpace(a.Grants) == "" {
		return nil
	}
	parts := strings.Split(a.Grants, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToUpper(strings.TrimSpace(p)))
	}
	return out
}

// HasGrant reports whether code is one of the analysis grants, ignoring case.
func (a *Analysis) HasGrant(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, g := range a.GrantsList() {
		if g == code {
			return true
		}
	}
	return false
}

// AllTransactionsTotalCostFor returns the unfiltered ledger total for grant.
// The second result is false when no totals have been recorded.
func (a *Analysis) AllTransactionsTotalCostFor(grant string) (decimal.Decimal, bool) {
	if a.AllTransactionsTotalCost == "" {
		return decimal.Zero, false
	}
	totals := strings.Split(a.AllTransactionsTotalCost, ",")
	grant = strings.ToUpper(strings.TrimSpace(grant))
	for i, g := range a.GrantsList() {
		if g != grant || i >= len(totals) {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(totals[i]))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// ContainsDate reports whether d falls in [StartDate, EndDate].
func (a *Analysis) ContainsDate(d time.Time) bool {
	return !d.Before(a.StartDate) && !d.After(a.EndDate)
}

// OtherCostsEnabled reports whether any of the other-cost flags is set.
func (a *Analysis) OtherCostsEnabled() bool {
	return a.ClientTime || a.InKindContributions || a.OtherHQCosts
}

// Validate checks the invariants that do not need the store.
func (a *Analysis) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if a.StartDate.IsZero() || a.EndDate.IsZero() {
		return &ValidationError{Field: "start_date", Message: "start and end dates are required"}
	}
	if a.EndDate.Before(a.StartDate) {
		return &ValidationError{Field: "end_date", Message: "end date must not be before start date"}
	}
	if len(a.GrantsList()) == 0 {
		return &ValidationError{Field: "grants", Message: "at least one grant is required"}
	}
	for _, g := range a.GrantsList() {
		if g == "" {
			return &ValidationError{Field: "grants", Message: "grant codes must not be empty"}
		}
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// =============================================================================
// OUTPUT COSTS - Insights cache
// =============================================================================

// BucketTotals holds the allocated totals for one intervention instance and
// output metric.
type BucketTotals struct {
	All        decimal.Decimal
	DirectOnly decimal.Decimal
	InKind     decimal.Decimal
	Client     decimal.Decimal
}

type bucketTotalsJSON struct {
	All        json.Number `json:"all"`
	DirectOnly json.Number `json:"direct_only"`
	InKind     json.Number `json:"in_kind"`
	Client     json.Number `json:"client"`
}

// MarshalJSON writes the totals as JSON numbers.
func (b BucketTotals) MarshalJSON() ([]byte, error) {
	return json.Marshal(bucketTotalsJSON{
		All:        json.Number(b.All.String()),
		DirectOnly: json.Number(b.DirectOnly.String()),
		InKind:     json.Number(b.InKind.String()),
		Client:     json.Number(b.Client.String()),
	})
}

func (b *BucketTotals) UnmarshalJSON(data []byte) error {
	var raw struct {
		All        decimal.Decimal `json:"all"`
		DirectOnly decimal.Decimal `json:"direct_only"`
		InKind     decimal.Decimal `json:"in_kind"`
		Client     decimal.Decimal `json:"client"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = BucketTotals{All: raw.All, DirectOnly: raw.DirectOnly, InKind: raw.InKind, Client: raw.Client}
	return nil
}

// OutputCosts maps intervention instance id (as a string) to metric id to
// bucket totals.
type OutputCosts map[string]map[string]BucketTotals

// Has reports whether an entry exists for the instance and metric.
func (o OutputCosts) Has(instanceID int64, metricID string) bool {
	byMetric, ok := o[InstanceKey(instanceID)]
	if !ok {
		return false
	}
	_, ok = byMetric[metricID]
	return ok
}

// InstanceKey formats an intervention instance id as an OutputCosts key.
func InstanceKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// =============================================================================
// INTERVENTION INSTANCE
// =============================================================================

type InterventionInstance struct {
	ID             int64
	AnalysisID     int64
	InterventionID int64
	Label          string
	Order          int
	Parameters     map[string]decimal.Decimal
	ClonedFromID   *int64
}

// DisplayName returns the label, or the intervention name when unlabeled.
func (i *InterventionInstance) DisplayName(iv *Intervention) string {
	if i.Label != "" {
		return i.Label
	}
	if iv == nil {
		return ""
	}
	return iv.Name
}

// =============================================================================
// TRANSACTION - Raw ledger row
// =============================================================================

type Transaction struct {
	ID                       int64
	AnalysisID               int64
	CostLineItemID           *int64
	Date                     time.Time
	CountryCode              string
	GrantCode                string
	BudgetLineCode           string
	AccountCode              string
	SiteCode                 string
	SectorCode               string
	TransactionCode          string
	TransactionDescription   string
	CurrencyCode             string
	BudgetLineDescription    string
	AmountInSourceCurrency   decimal.Decimal
	AmountInInstanceCurrency decimal.Decimal
	DummyField1              string
	DummyField2              string
	DummyField3              string
	DummyField4              string
	DummyField5              string
	ClonedFromID             *int64
}

// =============================================================================
// COST LINE ITEM
// =============================================================================

type CostLineItem struct {
	ID                    int64
	AnalysisID            int64
	CountryCode           string
	GrantCode             string
	BudgetLineCode        string
	AccountCode           string
	SiteCode              string
	SectorCode            string
	TransactionCode       string
	BudgetLineDescription string
	Quantity              decimal.NullDecimal
	UnitCost              decimal.NullDecimal
	LOEOrUnit             decimal.NullDecimal
	MonthsOrUnit          decimal.NullDecimal
	TotalCost             decimal.Decimal
	IsSpecialLumpSum      bool
	Note                  string
	DummyField1           string
	DummyField2           string
	ClonedFromID          *int64
}

// GroupKey identifies the set of transactions aggregated into one item.
type GroupKey struct {
	CountryCode           string
	GrantCode             string
	BudgetLineCode        string
	AccountCode           string
	SiteCode              string
	SectorCode            string
	TransactionCode       string
	BudgetLineDescription string
}

// SpecialKey identifies a special lump-sum item.
type SpecialKey struct {
	CountryCode string
	GrantCode   string
}

func (c *CostLineItem) GroupKey() GroupKey {
	return GroupKey{
		CountryCode:           c.CountryCode,
		GrantCode:             c.GrantCode,
		BudgetLineCode:        c.BudgetLineCode,
		AccountCode:           c.AccountCode,
		SiteCode:              c.SiteCode,
		SectorCode:            c.SectorCode,
		TransactionCode:       c.TransactionCode,
		BudgetLineDescription: c.BudgetLineDescription,
	}
}

func (c *CostLineItem) SpecialKey() SpecialKey {
	return SpecialKey{CountryCode: c.CountryCode, GrantCode: c.GrantCode}
}

func (t *Transaction) GroupKey() GroupKey {
	return GroupKey{
		CountryCode:           t.CountryCode,
		GrantCode:             t.GrantCode,
		BudgetLineCode:        t.BudgetLineCode,
		AccountCode:           t.AccountCode,
		SiteCode:              t.SiteCode,
		SectorCode:            t.SectorCode,
		TransactionCode:       t.TransactionCode,
		BudgetLineDescription: t.BudgetLineDescription,
	}
}

func (t *Transaction) SpecialKey() SpecialKey {
	return SpecialKey{CountryCode: t.CountryCode, GrantCode: t.GrantCode}
}

// NearZero reports whether a total rounds to zero at cent precision.
func NearZero(d decimal.Decimal) bool {
	return d.Abs().LessThan(decimal.New(1, -2))
}

// ComputedTotal returns quantity × unit_cost × (loe_or_unit or 1) when
// quantity and unit cost are both present.
func (c *CostLineItem) ComputedTotal() (decimal.Decimal, bool) {
	if !c.Quantity.Valid || !c.UnitCost.Valid {
		return decimal.Zero, false
	}
	total := c.Quantity.Decimal.Mul(c.UnitCost.Decimal)
	if c.LOEOrUnit.Valid && !c.LOEOrUnit.Decimal.IsZero() {
		total = total.Mul(c.LOEOrUnit.Decimal)
	}
	return total.Round(4), true
}

// =============================================================================
// COST LINE ITEM CONFIG
// =============================================================================

type CostLineItemConfig struct {
	ID                             int64
	CostLineItemID                 int64
	CostTypeID                     *int64
	CategoryID                     *int64
	AnalysisCostType               AnalysisCostType
	SubcomponentAllocations        map[string]string
	SubcomponentAllocationsSkipped bool
	ClonedFromID                   *int64
}

// SubcomponentVector returns the subcomponent percentages ordered by index.
// Entries that do not parse are treated as zero.
func (c *CostLineItemConfig) SubcomponentVector(n int) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for k, v := range c.SubcomponentAllocations {
		i, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if i < 0 || i >= n {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			continue
		}
		out[i] = d
	}
	return out
}

// HasSubcomponentAllocations reports whether any vector entry has been set.
func (c *CostLineItemConfig) HasSubcomponentAllocations() bool {
	return len(c.SubcomponentAllocations) > 0
}

// SetSubcomponentVector stores v keyed by index string.
func (c *CostLineItemConfig) SetSubcomponentVector(v []decimal.Decimal) {
	m := make(map[string]string, len(v))
	for i, d := range v {
		m[strconv.Itoa(i)] = d.String()
	}
	c.SubcomponentAllocations = m
}

// =============================================================================
// ALLOCATION
// =============================================================================

type Allocation struct {
	ID                     int64
	ConfigID               int64
	InterventionInstanceID int64
	Allocation             decimal.NullDecimal
	ClonedFromID           *int64
}

// =============================================================================
// LINE ITEM - Read view
// =============================================================================

// LineItem joins a cost line item with everything the calculators need.
type LineItem struct {
	CostLineItem
	Config      CostLineItemConfig
	CostType    *CostType
	Category    *Category
	Allocations map[int64]decimal.NullDecimal
}

// Kind returns the item's cost type tag. The second result is false for
// uncategorized items.
func (li *LineItem) Kind() (CostTypeKind, bool) {
	if li.CostType == nil {
		return 0, false
	}
	return li.CostType.Type, true
}

// IsKind reports whether the item is categorized under one of kinds.
func (li *LineItem) IsKind(kinds ...CostTypeKind) bool {
	k, ok := li.Kind()
	if !ok {
		return false
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// IsOtherCost reports whether the item was entered in the other-costs step.
func (li *LineItem) IsOtherCost() bool {
	return li.Config.AnalysisCostType.IsOtherCost()
}

// IsGridItem reports whether the item belongs to the categorize/allocate
// grid: standard, not a special lump sum.
func (li *LineItem) IsGridItem() bool {
	return !li.IsSpecialLumpSum && !li.IsOtherCost()
}

// AllocationFor returns the allocation percentage for an instance and
// whether it is set.
func (li *LineItem) AllocationFor(instanceID int64) (decimal.Decimal, bool) {
	a, ok := li.Allocations[instanceID]
	if !ok || !a.Valid {
		return decimal.Zero, false
	}
	return a.Decimal, true
}

// AllocatedCost returns total_cost × allocation / 100 for an instance.
func (li *LineItem) AllocatedCost(instanceID int64) decimal.Decimal {
	pct, ok := li.AllocationFor(instanceID)
	if !ok {
		return decimal.Zero
	}
	return li.TotalCost.Mul(pct).Div(decimal.NewFromInt(100))
}

// TotalAllocatedCost sums the allocated cost across every instance.
func (li *LineItem) TotalAllocatedCost() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range li.Allocations {
		if a.Valid {
			sum = sum.Add(a.Decimal)
		}
	}
	return li.TotalCost.Mul(sum).Div(decimal.NewFromInt(100))
}

// HasAnyAllocation reports whether at least one allocation is non-null.
func (li *LineItem) HasAnyAllocation() bool {
	for _, a := range li.Allocations {
		if a.Valid {
			return true
		}
	}
	return false
}

// HasPositiveAllocation reports whether any allocation is above zero.
func (li *LineItem) HasPositiveAllocation() bool {
	for _, a := range li.Allocations {
		if a.Valid && a.Decimal.IsPositive() {
			return true
		}
	}
	return false
}

// SoleAllocator returns the instance receiving 100% of the item, if any.
func (li *LineItem) SoleAllocator() (int64, bool) {
	hundred := decimal.NewFromInt(100)
	for id, a := range li.Allocations {
		if a.Valid && a.Decimal.Equal(hundred) {
			return id, true
		}
	}
	return 0, false
}

// LineItemGrants returns the sorted distinct grant codes of items.
func LineItemGrants(items []LineItem) []string {
	seen := make(map[string]bool)
	var out []string
	for _, li := range items {
		if !seen[li.GrantCode] {
			seen[li.GrantCode] = true
			out = append(out, li.GrantCode)
		}
	}
	sort.Strings(out)
	return out
}

// SumTotalCost sums total_cost over items.
func SumTotalCost(items []LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, li := range items {
		sum = sum.Add(li.TotalCost)
	}
	return sum
}
