package ingest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dioptra/analysis-engine/model"
)

// =============================================================================
// REFERENCE IMPORTS - Header-keyed uploads
// =============================================================================

type header struct {
	name     string
	display  string
	required bool
}

// loadTable reads a header-keyed upload and runs the file-level checks.
// A non-nil LoadResult means the file was rejected.
func (l *Loader) loadTable(r io.Reader, headers []header) (*table, *model.LoadResult, error) {
	t, err := readTable(r)
	if err != nil {
		if res, ok := model.FromImportError(err); ok {
			return nil, &res, nil
		}
		return nil, nil, err
	}

	var errs []string
	if len(t.rows) < 1 {
		errs = append(errs, model.MsgFileEmpty())
	}
	if len(t.rows) > l.Options.lineItemLimit() {
		errs = append(errs, model.MsgFileTooLarge(l.Options.lineItemLimit()))
	}
	if len(errs) == 0 {
		if missing := missingHeaders(t, headers); len(missing) > 0 {
			errs = append(errs, model.MsgIncorrectHeaders(missing))
		}
	}
	if len(errs) > 0 {
		res := model.FailedLoad(errs...)
		return nil, &res, nil
	}
	return t, nil, nil
}

// missingHeaders returns the display names of absent required headers,
// ordered by header name.
func missingHeaders(t *table, headers []header) []string {
	if len(t.headers) == len(headers) {
		return nil
	}
	var missing []header
	for _, h := range headers {
		if h.required && !t.hasHeader(h.name) {
			missing = append(missing, h)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].name < missing[j].name })
	out := make([]string, len(missing))
	for i, h := range missing {
		out[i] = h.display
	}
	return out
}

// =============================================================================
// COST TYPE CATEGORY MAPPINGS
// =============================================================================

var mappingHeaders = []header{
	{name: "country_code", display: "Country code"},
	{name: "grant_code", display: "Grant code"},
	{name: "budget_line_code", display: "Budget line code"},
	{name: "account_code", display: "Account Code"},
	{name: "account_code_description", display: "Account Code Description"},
	{name: "site_code", display: "Site code"},
	{name: "sector_code", display: "Sector code"},
	{name: "budget_line_description", display: "Budget line description"},
	{name: "category", display: "Category"},
	{name: "cost_type", display: "Cost type"},
	{name: "sensitive_data?", display: "Sensitive Data?"},
}

var mappingNumericHeaders = map[string]bool{
	"grant_code":              true,
	"budget_line_code":        true,
	"account_code":            true,
	"site_code":               true,
	"sector_code":             true,
	"budget_line_description": true,
}

const mappingValueLimit = 255

// ImportMappings replaces the whole cost type / category mapping table with
// the rows of r and upserts the account code descriptions they carry.
// Nothing is written when any row fails.
func (l *Loader) ImportMappings(ctx context.Context, r io.Reader) (bool, model.LoadResult, error) {
	t, rejected, err := l.loadTable(r, mappingHeaders)
	if err != nil || rejected != nil {
		return false, deref(rejected), err
	}

	costTypes, err := l.Store.ListCostTypes(ctx)
	if err != nil {
		return false, model.LoadResult{}, err
	}
	categories, err := l.Store.ListCategories(ctx)
	if err != nil {
		return false, model.LoadResult{}, err
	}
	costTypeByName := make(map[string]int64, len(costTypes))
	for _, ct := range costTypes {
		costTypeByName[ct.Name] = ct.ID
	}
	categoryByName := make(map[string]int64, len(categories))
	for _, c := range categories {
		categoryByName[c.Name] = c.ID
	}

	var (
		errs     []string
		mappings []model.Mapping
		descs    []model.AccountCodeDescription
		seen     = make(map[string]int)
	)
	for i, raw := range t.rows {
		row := i + 1
		if raw["category"] == "" && raw["cost_type"] == "" && raw["account_code_description"] == "" {
			errs = append(errs, model.MsgMissingData(row, []string{"Category", "Cost type", "Account Code Description"}))
		}

		values := make(map[string]string, len(mappingHeaders))
		var sensitive bool
		for _, h := range mappingHeaders {
			v := raw[h.name]
			switch {
			case mappingNumericHeaders[h.name]:
				v = l.Options.code(v)
			case h.name == "sensitive_data?":
				b, err := parseBool(v)
				if err != nil {
					errs = append(errs, model.MsgInvalidRowColumn(row, h.display, v, ""))
				}
				sensitive = b
			}
			if h.name != "category" && h.name != "cost_type" && h.name != "sensitive_data?" &&
				utf8.RuneCountInString(v) > mappingValueLimit {
				errs = append(errs, model.MsgValueTooLong(row, h.display, mappingValueLimit))
			}
			if h.name == "cost_type" && v != "" {
				if _, ok := costTypeByName[v]; !ok {
					errs = append(errs, model.MsgInvalidRowColumn(row, h.display, v, "Invalid Cost Type"))
				}
			}
			if h.name == "category" && v != "" {
				if _, ok := categoryByName[v]; !ok {
					errs = append(errs, model.MsgInvalidRowColumn(row, h.display, v, "Invalid Category"))
				}
			}
			values[h.name] = v
		}

		m := model.Mapping{
			CountryCode:           values["country_code"],
			GrantCode:             values["grant_code"],
			BudgetLineCode:        values["budget_line_code"],
			AccountCode:           values["account_code"],
			SiteCode:              values["site_code"],
			SectorCode:            values["sector_code"],
			BudgetLineDescription: values["budget_line_description"],
		}
		if id, ok := costTypeByName[values["cost_type"]]; ok {
			m.CostTypeID = &id
		}
		if id, ok := categoryByName[values["category"]]; ok {
			m.CategoryID = &id
		}
		mappings = append(mappings, m)

		desc := model.AccountCodeDescription{
			AccountCode:   values["account_code"],
			Description:   values["account_code_description"],
			SensitiveData: sensitive,
		}
		if idx, ok := seen[desc.AccountCode]; ok {
			if first := descs[idx]; first.Description != desc.Description || first.SensitiveData != desc.SensitiveData {
				errs = append(errs, model.MsgInconsistentAccountCodeDescription(desc.AccountCode))
			}
			continue
		}
		seen[desc.AccountCode] = len(descs)
		descs = append(descs, desc)
	}
	if len(errs) > 0 {
		return false, model.FailedLoad(errs...), nil
	}

	if err := l.Store.ReplaceMappings(ctx, mappings); err != nil {
		return false, model.LoadResult{}, err
	}
	withCode := descs[:0]
	for _, d := range descs {
		if d.AccountCode != "" {
			withCode = append(withCode, d)
		}
	}
	if err := l.Store.SaveAccountCodeDescriptions(ctx, withCode); err != nil {
		return false, model.LoadResult{}, err
	}
	return true, model.LoadResult{ImportedCount: len(mappings)}, nil
}

// =============================================================================
// COUNTRIES
// =============================================================================

var countryHeaders = []header{
	{name: "name", display: "Name", required: true},
	{name: "code", display: "Code", required: true},
	{name: "region", display: "Region"},
}

const (
	countryNameLimit = 255
)

// ImportCountries creates or updates countries by name. The file must list
// every country already present; names may not repeat.
func (l *Loader) ImportCountries(ctx context.Context, r io.Reader) (bool, model.LoadResult, error) {
	t, rejected, err := l.loadTable(r, countryHeaders)
	if err != nil || rejected != nil {
		return false, deref(rejected), err
	}

	existing, err := l.Store.ListCountries(ctx)
	if err != nil {
		return false, model.LoadResult{}, err
	}
	regions, err := l.Store.ListRegions(ctx)
	if err != nil {
		return false, model.LoadResult{}, err
	}
	byName := make(map[string]model.Country, len(existing))
	for _, c := range existing {
		byName[c.Name] = c
	}
	regionByName := make(map[string]int64, len(regions))
	for _, reg := range regions {
		regionByName[reg.Name] = reg.ID
	}

	var (
		errs    []string
		pending []model.Country
		counts  = make(map[string]int)
		names   []string
	)
	for i, raw := range t.rows {
		row := i + 1
		name := strings.TrimSpace(raw["name"])
		code := strings.TrimSpace(raw["code"])
		region := strings.TrimSpace(raw["region"])

		if name == "" {
			errs = append(errs, model.MsgRequiredRowColumn(row, "Name"))
		}
		if utf8.RuneCountInString(name) > countryNameLimit {
			errs = append(errs, model.MsgValueTooLong(row, "Name", countryNameLimit))
		}
		if code == "" {
			errs = append(errs, model.MsgRequiredRowColumn(row, "Code"))
		}
		if utf8.RuneCountInString(code) > countryCodeLimit {
			errs = append(errs, model.MsgValueTooLong(row, "Code", countryCodeLimit))
		}
		regionID, knownRegion := regionByName[region]
		if region != "" && !knownRegion {
			errs = append(errs, model.MsgInvalidRegion(row, "Region", region))
		}

		if name != "" {
			if counts[name] == 0 {
				names = append(names, name)
			}
			counts[name]++
		}
		if len(errs) > 0 {
			continue
		}

		c, ok := byName[name]
		if !ok {
			c = model.Country{Name: name}
		}
		c.Code = code
		if region != "" {
			c.RegionID = &regionID
		}
		pending = append(pending, c)
	}

	var dupes []string
	for _, n := range names {
		if counts[n] > 1 {
			dupes = append(dupes, n)
		}
	}
	if len(dupes) > 0 {
		errs = append(errs, model.MsgDuplicateCountryNames(dupes))
	}
	var missing []string
	for n := range byName {
		if counts[n] == 0 {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		errs = append(errs, model.MsgMissingCountries(missing))
	}
	if len(errs) > 0 {
		return false, model.FailedLoad(errs...), nil
	}

	for i := range pending {
		if err := l.Store.SaveCountry(ctx, &pending[i]); err != nil {
			return false, model.LoadResult{}, fmt.Errorf("save country %q: %w", pending[i].Name, err)
		}
	}
	return true, model.LoadResult{ImportedCount: len(pending)}, nil
}

func deref(res *model.LoadResult) model.LoadResult {
	if res == nil {
		return model.LoadResult{}
	}
	return *res
}
