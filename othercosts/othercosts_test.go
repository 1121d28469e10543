package othercosts_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/othercosts"
	"github.com/dioptra/analysis-engine/testutil"
)

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(testutil.D(s))
}

func TestSave_ClientTimeGoesFullyToOneInstance(t *testing.T) {
	// GIVEN: An analysis with client time and two instances
	// WHEN: Saving 10 clients × 2 hours × 2.5 per hour for the second instance
	// THEN: The total is 50 and the second instance gets 100%, the first 0%

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{ClientTime: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)
	y := env.AddInstance(t, a, "Family Planning", nil)

	li, err := othercosts.New(env.Store).Save(ctx, a, othercosts.Entry{
		Type:        model.AnalysisCostClientTime,
		Description: " Caregivers ",
		LOEOrUnit:   nd("10"),
		Quantity:    nd("2"),
		UnitCost:    nd("2.5"),
		InstanceID:  y.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, "Caregivers", li.BudgetLineDescription)
	assert.True(t, testutil.D("50").Equal(li.TotalCost), li.TotalCost.String())
	assert.Equal(t, "KE", li.CountryCode)
	sole, ok := li.SoleAllocator()
	require.True(t, ok)
	assert.Equal(t, y.ID, sole)
	px, ok := li.AllocationFor(x.ID)
	require.True(t, ok)
	assert.True(t, px.IsZero())
	assert.Nil(t, li.CostType)
}

func TestSave_InKindDefaultsToSingleInstance(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{InKind: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)

	li, err := othercosts.New(env.Store).Save(context.Background(), a, othercosts.Entry{
		Type:        model.AnalysisCostInKind,
		Description: "Medical supplies",
		Quantity:    nd("4"),
		UnitCost:    nd("12.5"),
		LOEOrUnit:   nd("3"),
	})
	require.NoError(t, err)

	// loe_or_unit is not part of an in-kind total.
	assert.True(t, testutil.D("50").Equal(li.TotalCost), li.TotalCost.String())
	assert.False(t, li.LOEOrUnit.Valid)
	sole, ok := li.SoleAllocator()
	require.True(t, ok)
	assert.Equal(t, x.ID, sole)
}

func TestSave_OtherHQDefaultsToSupportCostType(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{OtherHQ: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)
	y := env.AddInstance(t, a, "Family Planning", nil)

	svc := othercosts.New(env.Store)
	li, err := svc.Save(ctx, a, othercosts.Entry{
		Type:        model.AnalysisCostOtherHQ,
		Description: "HQ finance team",
		TotalCost:   nd("1000"),
		Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("30"), y.ID: testutil.D("20")},
	})
	require.NoError(t, err)
	require.NotNil(t, li.CostType)
	assert.Equal(t, model.CostTypeSupport, li.CostType.Type)
	assert.True(t, testutil.D("500").Equal(li.TotalAllocatedCost()))

	program := env.CostTypes[model.CostTypeProgram].ID
	li, err = svc.Save(ctx, a, othercosts.Entry{
		ItemID:      li.ID,
		Type:        model.AnalysisCostOtherHQ,
		Description: "HQ finance team",
		TotalCost:   nd("2000"),
		CostTypeID:  &program,
		Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("50")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CostTypeProgram, li.CostType.Type)
	// Y was left out of the update and drops to 0%.
	assert.True(t, testutil.D("1000").Equal(li.TotalAllocatedCost()), li.TotalAllocatedCost().String())
	py, ok := li.AllocationFor(y.ID)
	require.True(t, ok)
	assert.True(t, py.IsZero(), py.String())

	items, err := svc.List(ctx, a.ID, model.AnalysisCostOtherHQ)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSave_Validation(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{InKind: true, OtherHQ: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)
	env.AddInstance(t, a, "Family Planning", nil)
	svc := othercosts.New(env.Store)

	cases := map[string]othercosts.Entry{
		"not enabled": {Type: model.AnalysisCostClientTime, Description: "x", LOEOrUnit: nd("1"), Quantity: nd("1"),
			UnitCost: nd("1"), InstanceID: x.ID},
		"standard":         {Type: model.AnalysisCostStandard, Description: "x"},
		"no description":   {Type: model.AnalysisCostOtherHQ, TotalCost: nd("1")},
		"no total":         {Type: model.AnalysisCostOtherHQ, Description: "x"},
		"negative":         {Type: model.AnalysisCostInKind, Description: "x", Quantity: nd("-1"), UnitCost: nd("1")},
		"ambiguous":        {Type: model.AnalysisCostInKind, Description: "x", Quantity: nd("1"), UnitCost: nd("1")},
		"out of range":     {Type: model.AnalysisCostOtherHQ, Description: "x", TotalCost: nd("1"), Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("101")}},
		"unknown instance": {Type: model.AnalysisCostOtherHQ, Description: "x", TotalCost: nd("1"), Allocations: map[int64]decimal.Decimal{999: testutil.D("1")}},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Save(context.Background(), a, e)
			assert.True(t, model.IsClientError(err), "got %v", err)
		})
	}
}

func TestSave_UpdateReplacesAllocations(t *testing.T) {
	// GIVEN: An OTHER_HQ item split 50/50 over two instances
	// WHEN: Updating it to 100% on the first instance only
	// THEN: The second instance is 0% and the item is allocated exactly once

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{OtherHQ: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)
	y := env.AddInstance(t, a, "Family Planning", nil)

	svc := othercosts.New(env.Store)
	li, err := svc.Save(ctx, a, othercosts.Entry{
		Type:        model.AnalysisCostOtherHQ,
		Description: "HQ audit",
		TotalCost:   nd("200"),
		Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("50"), y.ID: testutil.D("50")},
	})
	require.NoError(t, err)

	li, err = svc.Save(ctx, a, othercosts.Entry{
		ItemID:      li.ID,
		Type:        model.AnalysisCostOtherHQ,
		Description: "HQ audit",
		TotalCost:   nd("200"),
		Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("100")},
	})
	require.NoError(t, err)

	stored := env.LineItem(t, a.ID, li.ID)
	px, ok := stored.AllocationFor(x.ID)
	require.True(t, ok)
	assert.True(t, testutil.D("100").Equal(px), px.String())
	py, ok := stored.AllocationFor(y.ID)
	require.True(t, ok)
	assert.True(t, py.IsZero(), py.String())
	assert.True(t, testutil.D("200").Equal(stored.TotalAllocatedCost()), stored.TotalAllocatedCost().String())
}

func TestSave_AllocationMessages(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{OtherHQ: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)
	y := env.AddInstance(t, a, "Family Planning", nil)
	svc := othercosts.New(env.Store)

	_, err := svc.Save(context.Background(), a, othercosts.Entry{
		Type: model.AnalysisCostOtherHQ, Description: "x", TotalCost: nd("1"),
		Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("101")},
	})
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("allocations.%d: %s", x.ID, othercosts.MsgAllocationRange), err.Error())
	assert.Contains(t, err.Error(), "0-100%")

	_, err = svc.Save(context.Background(), a, othercosts.Entry{
		Type: model.AnalysisCostOtherHQ, Description: "x", TotalCost: nd("1"),
		Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("60"), y.ID: testutil.D("60")},
	})
	require.Error(t, err)
	assert.Equal(t, "allocations: Allocations for cost line item cannot exceed 100% when summed", err.Error())
}

func TestSave_RejectsZeroTotal(t *testing.T) {
	// GIVEN: Entries whose total cost is zero, entered or computed
	// WHEN: Saving them
	// THEN: Each fails on total_cost

	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{InKind: true, OtherHQ: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)
	svc := othercosts.New(env.Store)

	cases := map[string]othercosts.Entry{
		"other hq": {Type: model.AnalysisCostOtherHQ, Description: "x", TotalCost: nd("0"),
			Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("100")}},
		"in kind": {Type: model.AnalysisCostInKind, Description: "x", Quantity: nd("0"), UnitCost: nd("5")},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Save(context.Background(), a, e)
			require.Error(t, err)
			assert.True(t, model.IsClientError(err), "got %v", err)
			assert.Equal(t, "total_cost: "+othercosts.MsgZeroTotal, err.Error())
		})
	}
}

func TestSave_ClearsOutputCosts(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{OtherHQ: true})
	x := env.AddInstance(t, a, "Cash Transfers", nil)
	a.OutputCosts = model.OutputCosts{model.InstanceKey(x.ID): {"m": model.BucketTotals{}}}
	require.NoError(t, env.Store.UpdateAnalysis(ctx, a))

	_, err := othercosts.New(env.Store).Save(ctx, a, othercosts.Entry{
		Type: model.AnalysisCostOtherHQ, Description: "x", TotalCost: nd("1"),
		Allocations: map[int64]decimal.Decimal{x.ID: testutil.D("100")},
	})
	require.NoError(t, err)
	assert.Empty(t, env.Reload(t, a).OutputCosts)
}

func TestDelete_OnlyOtherCosts(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{InKind: true})
	donated := env.AddItem(t, a, testutil.ItemSpec{Total: "10", AnalysisCostType: model.AnalysisCostInKind})
	standard := env.AddItem(t, a, testutil.ItemSpec{Total: "10", Kind: model.CostTypeProgram})

	svc := othercosts.New(env.Store)
	assert.True(t, model.IsClientError(svc.Delete(ctx, a, standard.ID)))
	assert.True(t, model.IsNotFound(svc.Delete(ctx, a, 12345)))
	require.NoError(t, svc.Delete(ctx, a, donated.ID))

	items, err := env.Store.ListLineItems(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, othercosts.StepComplete(items, model.AnalysisCostInKind))
	assert.Len(t, items, 1)
}

func TestEnabledTypes_StepOrder(t *testing.T) {
	a := &model.Analysis{OtherHQCosts: true, ClientTime: true}
	assert.Equal(t, []model.AnalysisCostType{model.AnalysisCostClientTime, model.AnalysisCostOtherHQ}, othercosts.EnabledTypes(a))
	assert.Empty(t, othercosts.EnabledTypes(&model.Analysis{}))
}
