/*
Package seed loads reference data into a store.

PURPOSE:
  The engine reads cost types, categories, countries, interventions and the
  mapping table as lookups. This package ships a default set as embedded
  YAML and applies it to a model.Store by name, so running it twice leaves
  the store unchanged.

USAGE:
  data, err := seed.Default()
  res, err := seed.Apply(ctx, store, data)
*/
package seed

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/dioptra/analysis-engine/model"
)

//go:embed reference.yaml
var referenceYAML []byte

// Data is the YAML shape of a reference data set.
type Data struct {
	Settings      SettingsSeed       `yaml:"settings"`
	Regions       []string           `yaml:"regions"`
	Countries     []CountrySeed      `yaml:"countries"`
	CostTypes     []CostTypeSeed     `yaml:"cost_types"`
	Categories    []CategorySeed     `yaml:"categories"`
	Interventions []InterventionSeed `yaml:"interventions"`
	Mappings      []MappingSeed      `yaml:"mappings"`
}

type SettingsSeed struct {
	TransactionCountryFilter bool `yaml:"transaction_country_filter"`
}

type CountrySeed struct {
	Name               string `yaml:"name"`
	Code               string `yaml:"code"`
	Region             string `yaml:"region"`
	AlwaysIncludeCosts bool   `yaml:"always_include_costs"`
}

type CostTypeSeed struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Default bool   `yaml:"default"`
}

type CategorySeed struct {
	Name    string `yaml:"name"`
	Default bool   `yaml:"default"`
}

type InterventionSeed struct {
	Name               string   `yaml:"name"`
	OutputMetrics      []string `yaml:"output_metrics"`
	SubcomponentLabels []string `yaml:"subcomponent_labels"`
}

type MappingSeed struct {
	CountryCode           string `yaml:"country_code"`
	GrantCode             string `yaml:"grant_code"`
	BudgetLineCode        string `yaml:"budget_line_code"`
	AccountCode           string `yaml:"account_code"`
	AccountCodeStartsWith string `yaml:"account_code_starts_with"`
	SiteCode              string `yaml:"site_code"`
	SectorCode            string `yaml:"sector_code"`
	BudgetLineDescription string `yaml:"budget_line_description"`
	CostType              string `yaml:"cost_type"`
	Category              string `yaml:"category"`
}

// Result counts the rows created by Apply.
type Result struct {
	Regions       int `json:"regions"`
	Countries     int `json:"countries"`
	CostTypes     int `json:"cost_types"`
	Categories    int `json:"categories"`
	Interventions int `json:"interventions"`
	Mappings      int `json:"mappings"`
}

// Default returns the embedded reference data.
func Default() (*Data, error) {
	return Parse(referenceYAML)
}

// Parse decodes a YAML reference data set.
func Parse(b []byte) (*Data, error) {
	var d Data
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse seed data: %w", err)
	}
	return &d, nil
}

// Apply inserts every row of d whose name is not already present. Mappings
// are written only when the mapping table is empty. Settings are written once.
func Apply(ctx context.Context, store model.Store, d *Data) (*Result, error) {
	res := &Result{}
	err := store.WithTx(ctx, func(tx model.Store) error {
		regions, err := applyRegions(ctx, tx, d, res)
		if err != nil {
			return err
		}
		if err := applyCountries(ctx, tx, d, regions, res); err != nil {
			return err
		}
		costTypes, err := applyCostTypes(ctx, tx, d, res)
		if err != nil {
			return err
		}
		categories, err := applyCategories(ctx, tx, d, res)
		if err != nil {
			return err
		}
		if err := applyInterventions(ctx, tx, d, res); err != nil {
			return err
		}
		if err := applyMappings(ctx, tx, d, costTypes, categories, res); err != nil {
			return err
		}
		return tx.SaveSettings(ctx, model.Settings{TransactionCountryFilter: d.Settings.TransactionCountryFilter})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func applyRegions(ctx context.Context, tx model.Store, d *Data, res *Result) (map[string]int64, error) {
	existing, err := tx.ListRegions(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(existing))
	for _, r := range existing {
		byName[r.Name] = r.ID
	}
	for _, name := range d.Regions {
		if _, ok := byName[name]; ok {
			continue
		}
		r := model.Region{Name: name}
		if err := tx.SaveRegion(ctx, &r); err != nil {
			return nil, err
		}
		byName[name] = r.ID
		res.Regions++
	}
	return byName, nil
}

func applyCountries(ctx context.Context, tx model.Store, d *Data, regions map[string]int64, res *Result) error {
	existing, err := tx.ListCountries(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.Name] = true
	}
	for _, cs := range d.Countries {
		if seen[cs.Name] {
			continue
		}
		c := model.Country{Name: cs.Name, Code: cs.Code, AlwaysIncludeCosts: cs.AlwaysIncludeCosts}
		if cs.Region != "" {
			id, ok := regions[cs.Region]
			if !ok {
				return fmt.Errorf("seed country %q: unknown region %q", cs.Name, cs.Region)
			}
			c.RegionID = &id
		}
		if err := tx.SaveCountry(ctx, &c); err != nil {
			return err
		}
		res.Countries++
	}
	return nil
}

func applyCostTypes(ctx context.Context, tx model.Store, d *Data, res *Result) (map[string]int64, error) {
	existing, err := tx.ListCostTypes(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(existing))
	for _, ct := range existing {
		byName[ct.Name] = ct.ID
	}
	for i, cs := range d.CostTypes {
		if _, ok := byName[cs.Name]; ok {
			continue
		}
		kind, err := model.ParseCostTypeKind(cs.Type)
		if err != nil {
			return nil, fmt.Errorf("seed cost type %q: %w", cs.Name, err)
		}
		ct := model.CostType{Name: cs.Name, Type: kind, Order: i, IsDefault: cs.Default}
		if err := tx.SaveCostType(ctx, &ct); err != nil {
			return nil, err
		}
		byName[cs.Name] = ct.ID
		res.CostTypes++
	}
	return byName, nil
}

func applyCategories(ctx context.Context, tx model.Store, d *Data, res *Result) (map[string]int64, error) {
	existing, err := tx.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(existing))
	for _, c := range existing {
		byName[c.Name] = c.ID
	}
	for i, cs := range d.Categories {
		if _, ok := byName[cs.Name]; ok {
			continue
		}
		c := model.Category{Name: cs.Name, Order: i, IsDefault: cs.Default}
		if err := tx.SaveCategory(ctx, &c); err != nil {
			return nil, err
		}
		byName[cs.Name] = c.ID
		res.Categories++
	}
	return byName, nil
}

func applyInterventions(ctx context.Context, tx model.Store, d *Data, res *Result) error {
	existing, err := tx.ListInterventions(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, iv := range existing {
		seen[iv.Name] = true
	}
	for _, is := range d.Interventions {
		if seen[is.Name] {
			continue
		}
		iv := model.Intervention{Name: is.Name, OutputMetrics: is.OutputMetrics, SubcomponentLabels: is.SubcomponentLabels}
		if err := tx.SaveIntervention(ctx, &iv); err != nil {
			return fmt.Errorf("seed intervention %q: %w", is.Name, err)
		}
		res.Interventions++
	}
	return nil
}

func applyMappings(ctx context.Context, tx model.Store, d *Data, costTypes, categories map[string]int64, res *Result) error {
	existing, err := tx.ListMappings(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 || len(d.Mappings) == 0 {
		return nil
	}
	mappings := make([]model.Mapping, 0, len(d.Mappings))
	for i, ms := range d.Mappings {
		m := model.Mapping{
			CountryCode:           ms.CountryCode,
			GrantCode:             ms.GrantCode,
			BudgetLineCode:        ms.BudgetLineCode,
			AccountCode:           ms.AccountCode,
			AccountCodeStartsWith: ms.AccountCodeStartsWith,
			SiteCode:              ms.SiteCode,
			SectorCode:            ms.SectorCode,
			BudgetLineDescription: ms.BudgetLineDescription,
		}
		if ms.CostType != "" {
			id, ok := costTypes[ms.CostType]
			if !ok {
				return fmt.Errorf("seed mapping %d: unknown cost type %q", i, ms.CostType)
			}
			m.CostTypeID = &id
		}
		if ms.Category != "" {
			id, ok := categories[ms.Category]
			if !ok {
				return fmt.Errorf("seed mapping %d: unknown category %q", i, ms.Category)
			}
			m.CategoryID = &id
		}
		mappings = append(mappings, m)
	}
	if err := tx.ReplaceMappings(ctx, mappings); err != nil {
		return err
	}
	res.Mappings = len(mappings)
	return nil
}
