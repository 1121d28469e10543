/*
grid.go - Analysis-scoped categorization grid and subcomponent analysis

PURPOSE:
  The grid materializes every (CostType, Category) pair used by an analysis,
  the grants under each pair, and the intervention instances contributing to
  each (pair, grant). Categorize confirms rows; Allocate iterates them.
*/
package model

// AnalysisCostTypeCategory is one unique (analysis, cost type, category).
type AnalysisCostTypeCategory struct {
	ID           int64
	AnalysisID   int64
	CostTypeID   int64
	CategoryID   int64
	Confirmed    bool
	ClonedFromID *int64
}

// AnalysisCostTypeCategoryGrant is a (grid row, grant) pair.
type AnalysisCostTypeCategoryGrant struct {
	ID                 int64
	CostTypeCategoryID int64
	Grant              string
	ClonedFromID       *int64
}

// AnalysisCostTypeCategoryGrantIntervention flags an intervention instance
// as contributing to a (grid row, grant).
type AnalysisCostTypeCategoryGrantIntervention struct {
	ID                      int64
	CostTypeCategoryGrantID int64
	InterventionInstanceID  int64
	ClonedFromID            *int64
}

// Grid bundles the grid rows of one analysis.
type Grid struct {
	Categories    []AnalysisCostTypeCategory
	Grants        []AnalysisCostTypeCategoryGrant
	Interventions []AnalysisCostTypeCategoryGrantIntervention
}

// GrantsFor returns the grant rows belonging to grid row id.
func (g *Grid) GrantsFor(costTypeCategoryID int64) []AnalysisCostTypeCategoryGrant {
	var out []AnalysisCostTypeCategoryGrant
	for _, gr := range g.Grants {
		if gr.CostTypeCategoryID == costTypeCategoryID {
			out = append(out, gr)
		}
	}
	return out
}

// SubcomponentCostAnalysis is the optional per-analysis subcomponent state.
type SubcomponentCostAnalysis struct {
	ID                          int64
	AnalysisID                  int64
	SubcomponentLabels          []string
	SubcomponentLabelsConfirmed bool
	ClonedFromID                *int64
}
