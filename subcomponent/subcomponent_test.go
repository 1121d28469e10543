package subcomponent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/allocate"
	"github.com/dioptra/analysis-engine/categorize"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/subcomponent"
	"github.com/dioptra/analysis-engine/testutil"
)

func assertVector(t *testing.T, want []string, got []decimal.Decimal) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, testutil.D(want[i]).Equal(got[i]), "index %d: want %s, got %s", i, want[i], got[i].String())
	}
}

// averagingFixture builds the four items of the averaging example on a
// two-label intervention and returns them in insertion order.
func averagingFixture(t *testing.T, env *testutil.Env) (*model.Analysis, []model.LineItem) {
	t.Helper()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Teacher Professional Development", nil)
	pct := func(p string) map[int64]string { return map[int64]string{inst.ID: p} }
	return a, []model.LineItem{
		env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeSupport, Category: "Office Expenses", Allocations: pct("100")}),
		env.AddItem(t, a, testutil.ItemSpec{Total: "200", Kind: model.CostTypeProgram, Allocations: pct("40"), Subcomponents: []string{"75", "25"}}),
		env.AddItem(t, a, testutil.ItemSpec{Total: "20", Kind: model.CostTypeProgram, Allocations: pct("100"), Subcomponents: []string{"50", "50"}}),
		env.AddItem(t, a, testutil.ItemSpec{Total: "1000", Kind: model.CostTypeProgram, Allocations: pct("100")}),
	}
}

func TestAverage_WeightsByAllocatedCost(t *testing.T) {
	// GIVEN: A support item and an empty program item without vectors, plus
	//        200 @40% split 75/25 and 20 @100% split 50/50
	// WHEN: Averaging over the whole analysis
	// THEN: The result is [70, 30]: (60+10)/100 and (20+10)/100

	env := testutil.NewEnv(t)
	a, _ := averagingFixture(t, env)
	items, err := env.Store.ListLineItems(context.Background(), a.ID)
	require.NoError(t, err)

	assertVector(t, []string{"70", "30"}, subcomponent.Average(items, 2, subcomponent.Filter{}))
}

func TestAverage_FiltersAndSkips(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Teacher Professional Development", nil)
	pct := map[int64]string{inst.ID: "100"}
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Allocations: pct, Subcomponents: []string{"100", "0"}})
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Allocations: pct, Subcomponents: []string{"0", "100"}, Skipped: true})
	env.AddItem(t, a, testutil.ItemSpec{Total: "300", Kind: model.CostTypeSupport, Category: "Office Expenses",
		Allocations: pct, Subcomponents: []string{"0", "100"}})
	env.AddItem(t, a, testutil.ItemSpec{Total: "300", Kind: model.CostTypeIndirect, Category: "Office Expenses",
		Allocations: pct, Subcomponents: []string{"0", "100"}})

	items, err := env.Store.ListLineItems(context.Background(), a.ID)
	require.NoError(t, err)

	// Skipped, SUPPORT and INDIRECT items are left out.
	assertVector(t, []string{"100", "0"}, subcomponent.Average(items, 2, subcomponent.Filter{}))
	// Support counts when asked for; INDIRECT never does.
	assertVector(t, []string{"25", "75"}, subcomponent.Average(items, 2, subcomponent.Filter{IncludeSupport: true}))

	support := env.CostTypes[model.CostTypeSupport].ID
	assertVector(t, []string{"0", "100"}, subcomponent.Average(items, 2, subcomponent.Filter{CostTypeID: support, IncludeSupport: true}))
	assert.Nil(t, subcomponent.Average(items, 2, subcomponent.Filter{Grant: "OTHER"}))
}

func TestAverage_LastLabelAbsorbsRounding(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Cash Transfers", nil)
	pct := map[int64]string{inst.ID: "100"}
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Allocations: pct, Subcomponents: []string{"100", "0", "0"}})
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Allocations: pct, Subcomponents: []string{"0", "100", "0"}})
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Allocations: pct, Subcomponents: []string{"0", "0", "100"}})

	items, err := env.Store.ListLineItems(context.Background(), a.ID)
	require.NoError(t, err)
	assertVector(t, []string{"33.33", "33.33", "33.34"}, subcomponent.Average(items, 3, subcomponent.Filter{}))
}

func TestParseVector(t *testing.T) {
	v, msg := subcomponent.ParseVector([]string{"33.3333", " 33.3333% ", "33.3333"}, 3)
	require.Empty(t, msg)
	assertVector(t, []string{"33.3333", "33.3333", "33.3334"}, v)

	v, msg = subcomponent.ParseVector([]string{"", ""}, 2)
	assert.Empty(t, msg)
	assert.Nil(t, v)

	v, msg = subcomponent.ParseVector([]string{"100", ""}, 2)
	assert.Empty(t, msg)
	assertVector(t, []string{"100", "0"}, v)

	cases := map[string]struct {
		raw  []string
		want string
	}{
		"wrong length": {[]string{"100"}, subcomponent.MsgWrongLength},
		"not a number": {[]string{"abc", "100"}, subcomponent.MsgInvalidValue},
		"over 100":     {[]string{"120", "-20"}, subcomponent.MsgInvalidValue},
		"short sum":    {[]string{"50", "40"}, subcomponent.MsgInvalidSum},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, msg := subcomponent.ParseVector(tc.raw, 2)
			assert.Equal(t, tc.want, msg)
		})
	}
}

func TestCreate_RequiresSingleInstance(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	svc := subcomponent.New(env.Store)

	_, err := svc.Create(ctx, a)
	assert.True(t, errors.Is(err, model.ErrSingleInterventionRequired))

	env.AddInstance(t, a, "Cash Transfers", nil)
	sca, err := svc.Create(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"Targeting", "Distribution", "Monitoring"}, sca.SubcomponentLabels)
	assert.False(t, sca.SubcomponentLabelsConfirmed)

	again, err := svc.Create(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, sca.ID, again.ID)

	env.AddInstance(t, a, "Family Planning", nil)
	_, err = svc.Create(ctx, a)
	assert.True(t, errors.Is(err, model.ErrSingleInterventionRequired))
}

func TestSave_RequiresConfirmedLabels(t *testing.T) {
	// GIVEN: Labels seeded but not confirmed
	// WHEN: Saving vectors before and after confirming
	// THEN: The first attempt is locked; the second stores the vector and
	//       the skip flag, and reports the bad rows

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a, items := averagingFixture(t, env)
	svc := subcomponent.New(env.Store)
	_, err := svc.Create(ctx, a)
	require.NoError(t, err)

	_, err = svc.Save(ctx, a, []subcomponent.Update{{ItemID: items[3].ID, Allocations: []string{"60", "40"}}})
	assert.True(t, errors.Is(err, model.ErrStepLocked))

	_, err = svc.Confirm(ctx, a)
	require.NoError(t, err)
	res, err := svc.Save(ctx, a, []subcomponent.Update{
		{ItemID: items[3].ID, Allocations: []string{"60", "40"}},
		{ItemID: items[1].ID, Skipped: true},
		{ItemID: items[2].ID, Allocations: []string{"60"}},
		{ItemID: 9999, Allocations: []string{"60", "40"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, map[int64]string{items[2].ID: subcomponent.MsgWrongLength, 9999: subcomponent.MsgUnknownItem}, res.Errors)

	got := env.LineItem(t, a.ID, items[3].ID)
	assertVector(t, []string{"60", "40"}, got.Config.SubcomponentVector(2))
	skipped := env.LineItem(t, a.ID, items[1].ID)
	assert.True(t, skipped.Config.SubcomponentAllocationsSkipped)
	assert.False(t, skipped.Config.HasSubcomponentAllocations())
	unchanged := env.LineItem(t, a.ID, items[2].ID)
	assertVector(t, []string{"50", "50"}, unchanged.Config.SubcomponentVector(2))
}

func TestApply_FillsSharedAndSkippedItems(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a, items := averagingFixture(t, env)
	svc := subcomponent.New(env.Store)
	_, err := svc.Confirm(ctx, a)
	require.NoError(t, err)

	n, err := svc.Apply(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	support := env.LineItem(t, a.ID, items[0].ID)
	assertVector(t, []string{"70", "30"}, support.Config.SubcomponentVector(2))
	// Program items without a vector are the user's to fill.
	cleared := env.LineItem(t, a.ID, items[3].ID).Config
	assert.False(t, cleared.HasSubcomponentAllocations())

	totals, err := svc.Totals(ctx, a)
	require.NoError(t, err)
	// 60+10+70 and 20+10+30.
	assertVector(t, []string{"140", "60"}, totals)
}

func TestSetLabels_ClearsVectorsAndConfirmation(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a, items := averagingFixture(t, env)
	svc := subcomponent.New(env.Store)
	_, err := svc.Confirm(ctx, a)
	require.NoError(t, err)

	sca, err := svc.SetLabels(ctx, a, []string{" Workshops ", "Mentoring", "Materials"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Workshops", "Mentoring", "Materials"}, sca.SubcomponentLabels)
	assert.False(t, sca.SubcomponentLabelsConfirmed)
	cleared := env.LineItem(t, a.ID, items[1].ID).Config
	assert.False(t, cleared.HasSubcomponentAllocations())

	_, err = svc.SetLabels(ctx, a, []string{"ok", " "})
	assert.True(t, model.IsClientError(err))
}

func TestSliceComplete_ProgramSlices(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Teacher Professional Development", nil)
	pct := map[int64]string{inst.ID: "100"}
	program := env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Allocations: pct})
	env.AddItem(t, a, testutil.ItemSpec{Total: "50", Kind: model.CostTypeProgram, Allocations: map[int64]string{inst.ID: "0"}})
	env.AddItem(t, a, testutil.ItemSpec{Total: "40", Kind: model.CostTypeSupport, Category: "Office Expenses"})
	special := env.AddItem(t, a, testutil.ItemSpec{Total: "10", Kind: model.CostTypeSupport, Special: true, Allocations: pct})

	_, err := categorize.New(env.Store, "", "").EnsureGrid(ctx, a)
	require.NoError(t, err)
	grid, err := env.Store.GetGrid(ctx, a.ID)
	require.NoError(t, err)
	costTypes, err := env.Store.ListCostTypes(ctx)
	require.NoError(t, err)
	load := func() []model.LineItem {
		items, err := env.Store.ListLineItems(ctx, a.ID)
		require.NoError(t, err)
		return items
	}

	// The support cost type has nothing allocated, so only PROGRAM needs vectors.
	steps := subcomponent.SubSteps(grid, costTypes, load())
	want := allocate.CostTypeGrant{CostTypeID: env.CostTypes[model.CostTypeProgram].ID, Kind: model.CostTypeProgram, Grant: "GRANT123"}
	require.Equal(t, []allocate.CostTypeGrant{want}, steps)
	assert.False(t, subcomponent.ProgramComplete(steps, load()))
	assert.False(t, subcomponent.SupportingComplete(load(), "grant123"))

	svc := subcomponent.New(env.Store)
	_, err = svc.Confirm(ctx, a)
	require.NoError(t, err)
	_, err = svc.Save(ctx, a, []subcomponent.Update{
		{ItemID: program.ID, Allocations: []string{"80", "20"}},
		{ItemID: special.ID, Allocations: []string{"50", "50"}},
	})
	require.NoError(t, err)

	assert.True(t, subcomponent.ProgramComplete(steps, load()))
	assert.True(t, subcomponent.KindCompleteThrough(steps, load(), model.CostTypeIndirect))
	assert.True(t, subcomponent.SupportingComplete(load(), "GRANT123"))
}

func TestSubSteps_SkipsGrantWithoutAllocatedItems(t *testing.T) {
	// GIVEN: Program items under two grants, only GRANT123 allocated
	// WHEN: Listing the slices that need vectors
	// THEN: GRANT456 is left out and never counts as complete

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{Grants: "GRANT123,GRANT456"})
	inst := env.AddInstance(t, a, "Teacher Professional Development", nil)
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Grant: "GRANT123",
		Allocations: map[int64]string{inst.ID: "100"}})
	env.AddItem(t, a, testutil.ItemSpec{Total: "50", Kind: model.CostTypeProgram, Grant: "GRANT456",
		Allocations: map[int64]string{inst.ID: "0"}})

	_, err := categorize.New(env.Store, "", "").EnsureGrid(ctx, a)
	require.NoError(t, err)
	grid, err := env.Store.GetGrid(ctx, a.ID)
	require.NoError(t, err)
	costTypes, err := env.Store.ListCostTypes(ctx)
	require.NoError(t, err)
	items, err := env.Store.ListLineItems(ctx, a.ID)
	require.NoError(t, err)

	programID := env.CostTypes[model.CostTypeProgram].ID
	steps := subcomponent.SubSteps(grid, costTypes, items)
	assert.Equal(t, []allocate.CostTypeGrant{{CostTypeID: programID, Kind: model.CostTypeProgram, Grant: "GRANT123"}}, steps)
	assert.False(t, subcomponent.SliceComplete(items,
		allocate.CostTypeGrant{CostTypeID: programID, Kind: model.CostTypeProgram, Grant: "GRANT456"}))
}

func TestInvalidate_ClearsEverything(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a, items := averagingFixture(t, env)
	svc := subcomponent.New(env.Store)
	_, err := svc.Confirm(ctx, a)
	require.NoError(t, err)
	_, err = svc.Save(ctx, a, []subcomponent.Update{{ItemID: items[0].ID, Skipped: true}})
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(ctx, a))

	sca, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, sca.SubcomponentLabelsConfirmed)
	for _, li := range items {
		got := env.LineItem(t, a.ID, li.ID)
		assert.False(t, got.Config.HasSubcomponentAllocations())
		assert.False(t, got.Config.SubcomponentAllocationsSkipped)
	}
}
