package workandpay

import (
	"github.com/shopspring/decimal"

	"github.com/warp/workpay-engine/generic"
)

// MaxDurationYears caps an agreement's term.
const MaxDurationYears = 10

// QuoteRequest is the input to the installment calculator.
type QuoteRequest struct {
	OriginalPrice generic.Money
	Multiplier    decimal.Decimal
	DurationYears int
	Frequency     Frequency
	// FinalPrice overrides OriginalPrice × Multiplier when positive.
	FinalPrice generic.Money
}

// Quote is the priced schedule for an agreement.
type Quote struct {
	TotalSalePrice    generic.Money
	InstallmentAmount generic.Money
	TotalPeriods      int
}

// Calculate prices an installment schedule. It is pure and can be used to
// preview terms before an agreement is created.
//
// The installment is the total divided by the number of periods, rounded UP
// to the cent, so InstallmentAmount × TotalPeriods >= TotalSalePrice.
func Calculate(req QuoteRequest) (Quote, error) {
	if req.DurationYears <= 0 || req.DurationYears > MaxDurationYears {
		return Quote{}, generic.Invalid("duration_years", "must be between 1 and %d, got %d", MaxDurationYears, req.DurationYears)
	}
	perYear, ok := req.Frequency.PeriodsPerYear()
	if !ok {
		return Quote{}, generic.Invalid("frequency", "must be %q or %q, got %q",
			FrequencyWeekly, FrequencyMonthly, req.Frequency)
	}
	periods := req.DurationYears * perYear
	if periods <= 0 {
		return Quote{}, generic.Invalid("duration_years", "schedule has no periods")
	}
	if req.FinalPrice.IsNegative() {
		return Quote{}, generic.Invalid("final_price", "must not be negative")
	}

	total := req.FinalPrice
	if !total.IsPositive() {
		if !req.OriginalPrice.IsPositive() {
			return Quote{}, generic.Invalid("original_price", "must be positive")
		}
		if !req.Multiplier.IsPositive() {
			return Quote{}, generic.Invalid("multiplier", "must be positive")
		}
		var err error
		total, err = generic.MoneyFromDecimal(req.OriginalPrice.Decimal().Mul(req.Multiplier))
		if err != nil {
			return Quote{}, generic.Invalid("total_sale_price", "original_price x multiplier is out of range")
		}
	}
	if !total.IsPositive() {
		return Quote{}, generic.Invalid("total_sale_price", "must be positive")
	}

	return Quote{
		TotalSalePrice:    total,
		InstallmentAmount: total.CeilDiv(int64(periods)),
		TotalPeriods:      periods,
	}, nil
}
