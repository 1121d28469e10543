/*
output_metric.go - Output metric registry

PURPOSE:
  Each Intervention declares an ordered list of output metric ids. A metric
  names its parameters and defines how a cost total turns into a unit cost.

METRIC SHAPES:
  count:   one parameter, unit cost = cost / p
  product: two parameters, unit cost = cost / (p1 × p2)
  value:   one monetary parameter, unit cost = (cost − v) / v
*/
package model

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type metricShape int

const (
	shapeCount metricShape = iota
	shapeProduct
	shapeValue
)

// MetricParameter is one named input of an output metric.
type MetricParameter struct {
	Key   string
	Label string
}

// OutputMetric describes how an intervention's outputs are counted.
type OutputMetric struct {
	ID         string
	Name       string
	Parameters []MetricParameter
	shape      metricShape
}

// ParameterKeys returns the parameter keys in declaration order.
func (m OutputMetric) ParameterKeys() []string {
	keys := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		keys[i] = p.Key
	}
	return keys
}

// TotalOutput returns the number of outputs described by params.
func (m OutputMetric) TotalOutput(params map[string]decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.NewFromInt(1)
	for _, p := range m.Parameters {
		v, ok := params[p.Key]
		if !ok {
			return decimal.Zero, &MissingParameterError{Parameter: p.Key}
		}
		total = total.Mul(v)
	}
	return total, nil
}

// UnitCost returns the cost per output. The second result is false when the
// denominator is not positive.
func (m OutputMetric) UnitCost(cost decimal.Decimal, params map[string]decimal.Decimal) (decimal.Decimal, bool, error) {
	denom, err := m.TotalOutput(params)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !denom.IsPositive() {
		return decimal.Zero, false, nil
	}
	if m.shape == shapeValue {
		return cost.Sub(denom).Div(denom), true, nil
	}
	return cost.Div(denom), true, nil
}

// IsValueMetric reports whether the metric compares spend to a value
// distributed rather than counting outputs.
func (m OutputMetric) IsValueMetric() bool {
	return m.shape == shapeValue
}

func count(id, name, key, label string) OutputMetric {
	return OutputMetric{ID: id, Name: name, Parameters: []MetricParameter{{key, label}}, shape: shapeCount}
}

func product(id, name, k1, l1, k2, l2 string) OutputMetric {
	return OutputMetric{ID: id, Name: name, Parameters: []MetricParameter{{k1, l1}, {k2, l2}}, shape: shapeProduct}
}

func value(id, name, key, label string) OutputMetric {
	return OutputMetric{ID: id, Name: name, Parameters: []MetricParameter{{key, label}}, shape: shapeValue}
}

var outputMetrics = []OutputMetric{
	count("NumberOfPeople", "Number of People", "number_of_people", "Number of People"),
	product("NumberOfPersonYearsOfWaterAccess", "Number of Person-Years of Water Access",
		"number_of_people", "Number of People",
		"number_of_years_of_water_access", "Number of Years of Water Access"),
	product("NumberOfPersonYearsOfSanitationAccess", "Number of Person-Years of Sanitation Access",
		"number_of_people", "Number of People Served",
		"number_of_years_a_latrine_can_last", "Number of Years a Latrine Can Last"),
	count("NumberOfDoses", "Number of Doses", "number_of_doses", "Number of Doses"),
	count("NumberOfChildren", "Number of Children", "number_of_children", "Number of Children"),
	count("NumberOfParticipants", "Number of Participants", "number_of_participants", "Number of Participants"),
	count("NumberOfWomen", "Number of Women", "number_of_women", "Number of Women"),
	count("NumberOfChildrenRecovered", "Number of Children Recovered", "number_of_children_recovered", "Number of Children Recovered"),
	count("NumberOfCommunities", "Number of Communities", "number_of_communities", "Number of Communities"),
	count("NumberOfCoupleYearsOfProtection", "Number of Couple-Years of Protection (CYPs)",
		"number_of_CYPs_provided", "Cost per Couple per Year of Protection"),
	value("ValueOfItemsDistributed", "Value of Items Distributed", "value_items_distributed", "Value of Items Distributed"),
	count("NumberOfOutputs", "Number of Outputs", "number_of_outputs", "Number of Outputs"),
	count("NumberOfConsultations", "Number of Consultations", "number_of_consultations", "Number of Consultations"),
	count("NumberOfClients", "Number of Clients", "number_of_clients", "Number of Clients"),
	count("NumberOfHouseholds", "Number of Households", "number_of_households", "Number of Households"),
	product("NumberOfTeacherDaysOfTraining", "Number of Teacher-Days of Training",
		"number_of_teachers", "Number of Teachers",
		"number_of_days_of_training", "Number of Days of Training"),
	product("NumberOfDaysOfTraining", "Number of Days of Training",
		"number_of_people", "Number of People",
		"number_of_days_of_training", "Number of Days of Training"),
	product("NumberOfTeacherYearsOfSupport", "Number of Teacher-Years of Support",
		"number_of_teachers", "Number of Teachers",
		"number_of_years_of_support", "Number of Years of Support"),
	count("NumberOfChildrenTreated", "Number of Children Treated (Excluding Defaulters)",
		"number_of_children_treated", "Number of Children Treated (Excluding Defaulters)"),
	value("ValueOfCashDistributed", "Value of Cash Distributed", "value_of_cash_distributed", "Value of Cash Distributed"),
	value("ValueOfBusinessGrantAmount", "Value of Business Grant Amount",
		"value_of_business_grant_amount", "Value of Business Grant Amount"),
	count("NumberOfHectares", "Number of Hectares", "number_of_hectares", "Number of Hectares"),
	count("NumberOfCaregivers", "Number of Caregivers", "number_of_caregivers", "Number of Caregivers"),
	count("NumberOfMeals", "Number of Meals", "number_of_meals", "Number of Meals"),
	count("NumberOfGroups", "Number of Groups", "number_of_groups", "Number of Groups"),
}

var outputMetricsByID = func() map[string]OutputMetric {
	m := make(map[string]OutputMetric, len(outputMetrics))
	for _, om := range outputMetrics {
		if _, dup := m[om.ID]; dup {
			panic(fmt.Sprintf("duplicate output metric %s", om.ID))
		}
		m[om.ID] = om
	}
	return m
}()

// LookupOutputMetric returns the metric registered under id.
func LookupOutputMetric(id string) (OutputMetric, bool) {
	m, ok := outputMetricsByID[id]
	return m, ok
}

// OutputMetricIDs returns every registered id, sorted.
func OutputMetricIDs() []string {
	ids := make([]string, 0, len(outputMetricsByID))
	for id := range outputMetricsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
