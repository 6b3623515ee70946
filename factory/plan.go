/*
Package factory provides JSON to Go pricing-plan conversion.

PURPOSE:
  Converts JSON plan definitions into workandpay.PricingPlan values, so fleet
  operators can define named pricing presets (markup, term, cadence) without
  code changes.

JSON SCHEMA:
  {
    "id": "standard-3y-weekly",
    "name": "Standard 3 years weekly",
    "multiplier": "2",
    "duration_years": 3,
    "frequency": "weekly"
  }

  multiplier accepts a JSON number or a decimal string. It must be >= 1:
  a plan never sells a vehicle below its original price.

USAGE:
  f := factory.NewPlanFactory()
  plan, err := f.ParsePlan(jsonString)

  // Quote an agreement on that plan
  quote, err := workandpay.Calculate(f.QuoteRequest(plan, originalPrice))

SEE ALSO:
  - workandpay/types.go: PricingPlan type definition
  - workandpay/calculator.go: How multiplier, duration and frequency combine
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/workandpay"
)

// MaxDurationYears caps plan terms.
const MaxDurationYears = workandpay.MaxDurationYears

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the JSON representation of a pricing plan.
type PlanJSON struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	DurationYears int             `json:"duration_years"`
	Frequency     string          `json:"frequency"`
}

// =============================================================================
// PLAN FACTORY
// =============================================================================

// PlanFactory converts JSON plans to Go structs.
type PlanFactory struct{}

func NewPlanFactory() *PlanFactory {
	return &PlanFactory{}
}

// ParsePlan parses and validates a JSON plan.
func (f *PlanFactory) ParsePlan(jsonStr string) (*workandpay.PricingPlan, error) {
	var pj PlanJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plan JSON: %v", generic.ErrInvalidInput, err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts PlanJSON to a PricingPlan.
func (f *PlanFactory) FromJSON(pj PlanJSON) (*workandpay.PricingPlan, error) {
	plan := &workandpay.PricingPlan{
		ID:            strings.TrimSpace(pj.ID),
		Name:          strings.TrimSpace(pj.Name),
		Multiplier:    pj.Multiplier,
		DurationYears: pj.DurationYears,
		Frequency:     workandpay.Frequency(strings.ToLower(strings.TrimSpace(pj.Frequency))),
	}
	if plan.Name == "" {
		plan.Name = plan.ID
	}
	if err := f.Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ToJSON converts a PricingPlan to PlanJSON.
func (f *PlanFactory) ToJSON(plan *workandpay.PricingPlan) PlanJSON {
	return PlanJSON{
		ID:            plan.ID,
		Name:          plan.Name,
		Multiplier:    plan.Multiplier,
		DurationYears: plan.DurationYears,
		Frequency:     string(plan.Frequency),
	}
}

// Validate checks a plan's terms.
func (f *PlanFactory) Validate(plan *workandpay.PricingPlan) error {
	switch {
	case plan.ID == "":
		return generic.Invalid("id", "plan id is required")
	case plan.Multiplier.LessThan(decimal.NewFromInt(1)):
		return generic.Invalid("multiplier", "must be at least 1, got %s", plan.Multiplier)
	case plan.DurationYears < 1 || plan.DurationYears > MaxDurationYears:
		return generic.Invalid("duration_years", "must be between 1 and %d, got %d", MaxDurationYears, plan.DurationYears)
	case !plan.Frequency.Valid():
		return generic.Invalid("frequency", "must be weekly or monthly, got %q", plan.Frequency)
	}
	return nil
}

// QuoteRequest builds the calculator input for a vehicle priced at
// originalPrice on this plan.
func (f *PlanFactory) QuoteRequest(plan *workandpay.PricingPlan, originalPrice generic.Money) workandpay.QuoteRequest {
	return workandpay.QuoteRequest{
		OriginalPrice: originalPrice,
		Multiplier:    plan.Multiplier,
		DurationYears: plan.DurationYears,
		Frequency:     plan.Frequency,
	}
}

// =============================================================================
// PRESET PLANS
// =============================================================================

// StandardPlanJSON is the default terms: double the vehicle price over
// three years, paid weekly.
func StandardPlanJSON() string {
	return `{
		"id": "standard-3y-weekly",
		"name": "Standard 3 years weekly",
		"multiplier": 2,
		"duration_years": 3,
		"frequency": "weekly"
	}`
}

// ShortTermPlanJSON is a one-year monthly plan with a lower markup.
func ShortTermPlanJSON() string {
	return `{
		"id": "short-1y-monthly",
		"name": "Short term 1 year monthly",
		"multiplier": "1.5",
		"duration_years": 1,
		"frequency": "monthly"
	}`
}

// Presets parses the built-in plans.
func (f *PlanFactory) Presets() ([]workandpay.PricingPlan, error) {
	var plans []workandpay.PricingPlan
	for _, js := range []string{StandardPlanJSON(), ShortTermPlanJSON()} {
		p, err := f.ParsePlan(js)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, nil
}
