package insights_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dioptra/analysis-engine/insights"
	"github.com/dioptra/analysis-engine/model"
	"github.com/dioptra/analysis-engine/testutil"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, testutil.D(want).Equal(got), "%s: want %s, got %s", field, want, got.String())
}

// fiveItems builds the standard mixed fixture: two program-side grid items,
// a special lump sum, an in-kind item and a client time item.
func fiveItems(t *testing.T, env *testutil.Env, a *model.Analysis, instID int64) {
	t.Helper()
	pct := func(p string) map[int64]string { return map[int64]string{instID: p} }
	env.AddItem(t, a, testutil.ItemSpec{Total: "50000", Kind: model.CostTypeProgram, Allocations: pct("50")})
	env.AddItem(t, a, testutil.ItemSpec{Total: "36000", Kind: model.CostTypeSupport, Category: "Office Expenses", Allocations: pct("25")})
	env.AddItem(t, a, testutil.ItemSpec{Total: "14000", Kind: model.CostTypeSupport, Special: true, Allocations: pct("75")})
	env.AddItem(t, a, testutil.ItemSpec{Total: "10000", AnalysisCostType: model.AnalysisCostInKind, Allocations: pct("75")})
	env.AddItem(t, a, testutil.ItemSpec{Total: "5000", AnalysisCostType: model.AnalysisCostClientTime,
		LOE: "10", Quantity: "2", Allocations: pct("100")})
}

func TestCalculate_BucketTotals(t *testing.T) {
	// GIVEN: One Cash Transfers instance with both parameters set and the
	//        five-item fixture
	// WHEN: Calculating output costs
	// THEN: Both metrics store all=44500, direct_only=25000, in_kind=7500,
	//       client=5000

	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{InKind: true, ClientTime: true})
	inst := env.AddInstance(t, a, "Cash Transfers", map[string]string{
		"value_of_cash_distributed": "100000",
		"number_of_households":      "500",
	})
	fiveItems(t, env, a, inst.ID)

	costs, err := insights.New(env.Store).Calculate(ctx, a)
	require.NoError(t, err)

	byMetric := costs[model.InstanceKey(inst.ID)]
	require.Len(t, byMetric, 2)
	for _, metric := range []string{"ValueOfCashDistributed", "NumberOfHouseholds"} {
		b, ok := byMetric[metric]
		require.True(t, ok, metric)
		assertDecimal(t, "44500", b.All, metric+" all")
		assertDecimal(t, "25000", b.DirectOnly, metric+" direct_only")
		assertDecimal(t, "7500", b.InKind, metric+" in_kind")
		assertDecimal(t, "5000", b.Client, metric+" client")
	}

	stored := env.Reload(t, a)
	assert.True(t, stored.OutputCosts.Has(inst.ID, "NumberOfHouseholds"))
	done, err := insights.New(env.Store).Done(ctx, stored)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSums_DisabledFlagsDropBuckets(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{InKind: true, ClientTime: true})
	inst := env.AddInstance(t, a, "Cash Transfers", nil)
	fiveItems(t, env, a, inst.ID)

	items, err := env.Store.ListLineItems(context.Background(), a.ID)
	require.NoError(t, err)

	a.InKindContributions = false
	a.ClientTime = false
	b := insights.Sums(a, items, inst.ID)
	assertDecimal(t, "44500", b.All, "all")
	assert.True(t, b.InKind.IsZero())
	assert.True(t, b.Client.IsZero())
}

func TestSums_RoundsToCents(t *testing.T) {
	env := testutil.NewEnv(t)
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Cash Transfers", nil)
	env.AddItem(t, a, testutil.ItemSpec{Total: "100", Kind: model.CostTypeProgram, Allocations: map[int64]string{inst.ID: "33.3333"}})

	items, err := env.Store.ListLineItems(context.Background(), a.ID)
	require.NoError(t, err)

	b := insights.Sums(a, items, inst.ID)
	assertDecimal(t, "33.33", b.All, "all")
	assertDecimal(t, "33.33", b.DirectOnly, "direct_only")
}

func TestCalculate_SkipsMetricsWithMissingParameters(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	inst := env.AddInstance(t, a, "Vaccination Campaign", map[string]string{"number_of_doses": "1000"})
	env.AddItem(t, a, testutil.ItemSpec{Total: "500", Kind: model.CostTypeProgram, Allocations: map[int64]string{inst.ID: "100"}})

	calc := insights.New(env.Store)
	costs, err := calc.Calculate(ctx, a)
	require.NoError(t, err)
	assert.True(t, costs.Has(inst.ID, "NumberOfDoses"))
	assert.False(t, costs.Has(inst.ID, "NumberOfChildren"))

	// The first metric is present, which is what completion looks at.
	done, err := calc.Done(ctx, a)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCalculationsDone_FirstMetricMissing(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{})
	env.AddInstance(t, a, "Vaccination Campaign", map[string]string{"number_of_children": "10"})

	calc := insights.New(env.Store)
	_, err := calc.Calculate(ctx, a)
	require.NoError(t, err)
	done, err := calc.Done(ctx, a)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, calc.Invalidate(ctx, a))
	assert.Empty(t, env.Reload(t, a).OutputCosts)
}

func TestReport_UnitCostsAndClientHours(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	a := env.NewAnalysis(t, testutil.AnalysisOptions{InKind: true, ClientTime: true})
	inst := env.AddInstance(t, a, "Cash Transfers", map[string]string{
		"value_of_cash_distributed": "100000",
		"number_of_households":      "500",
	})
	fiveItems(t, env, a, inst.ID)

	calc := insights.New(env.Store)
	_, err := calc.Calculate(ctx, a)
	require.NoError(t, err)

	r, err := calc.Report(ctx, a)
	require.NoError(t, err)
	assert.True(t, r.CalculationsDone)
	assertDecimal(t, "20", r.ClientHours, "client hours")
	require.Len(t, r.Instances, 1)
	ir := r.Instances[0]
	assert.Equal(t, "Cash Transfers", ir.Name)
	assertDecimal(t, "20", ir.ClientHours, "instance client hours")
	require.Len(t, ir.Metrics, 2)

	households := ir.Metrics[1]
	assert.Equal(t, "NumberOfHouseholds", households.MetricID)
	require.True(t, households.All.Valid)
	assertDecimal(t, "89", households.All.Decimal, "all per household")
	assertDecimal(t, "50", households.DirectOnly.Decimal, "direct per household")
	assertDecimal(t, "15", households.InKind.Decimal, "in kind per household")
	assertDecimal(t, "10", households.Client.Decimal, "client per household")

	cash := ir.Metrics[0]
	assert.Equal(t, "ValueOfCashDistributed", cash.MetricID)
	assertDecimal(t, "-0.56", cash.All.Decimal, "all per dollar distributed")
}

func TestComparisonParameters_MissingAndUnknownLabels(t *testing.T) {
	env := testutil.NewEnv(t)
	iv := env.Interventions["Vaccination Campaign"]

	params, errs := insights.ComparisonParameters(&iv, 3, map[string]decimal.NullDecimal{
		"Number of Doses": decimal.NewNullDecimal(testutil.D("1200")),
		"Bogus":           decimal.NewNullDecimal(testutil.D("1")),
	})
	assert.Equal(t, map[string]decimal.Decimal{"number_of_doses": testutil.D("1200")}, params)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "Bogus")
	assert.Equal(t, model.MsgMissingParameter("Number of Children", 3), errs[1])
}
