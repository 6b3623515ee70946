// Package workandpay implements installment sales of vehicles to drivers.
// A company sells a vehicle through a fixed schedule of installments; the
// ledger tracks payments against a running balance and the vehicle changes
// hands once the balance reaches zero.
package workandpay

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/workpay-engine/generic"
)

// Code prefixes for human-readable identifiers.
const (
	AgreementCodePrefix = "WA"
	PaymentCodePrefix   = "PR"
	VehicleCodePrefix   = "VE"
)

// =============================================================================
// FREQUENCY
// =============================================================================

// Frequency is how often an installment falls due.
type Frequency string

const (
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// PeriodsPerYear returns the number of installments in one year.
func (f Frequency) PeriodsPerYear() (int, bool) {
	switch f {
	case FrequencyWeekly:
		return 52, true
	case FrequencyMonthly:
		return 12, true
	default:
		return 0, false
	}
}

func (f Frequency) Valid() bool {
	_, ok := f.PeriodsPerYear()
	return ok
}

// =============================================================================
// STATUS - Agreement state machine
// =============================================================================

// Status is the agreement state. Active is initial; Completed and Defaulted
// are terminal.
type Status string

const (
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
	StatusDefaulted Status = "Defaulted"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDefaulted
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusDefaulted:
		return true
	}
	return false
}

// Vehicle statuses known to the engine. Other values are stored as given.
const (
	VehicleStatusAvailable = "Available"
	// VehicleStatusSold is written to the vehicle on settlement.
	VehicleStatusSold = "Sold"
)

// =============================================================================
// AGREEMENT
// =============================================================================

// Agreement is one installment-sale contract between a vehicle owner and a
// driver.
//
// INVARIANTS (at rest):
//   - AmountPaid + BalanceDue == TotalSalePrice
//   - BalanceDue >= 0
//   - Status == Completed iff BalanceDue == 0
//
// Financial fields are written only by the Ledger.
type Agreement struct {
	ID        string
	Code      string
	OwnerID   string
	DriverID  string
	VehicleID string
	PlanID    string

	OriginalVehiclePrice generic.Money
	TotalSalePrice       generic.Money
	InstallmentAmount    generic.Money
	PaymentFrequency     Frequency
	DurationYears        int

	AmountPaid            generic.Money
	BalanceDue            generic.Money
	InstallmentsPaid      int
	InstallmentsRemaining int

	Status         Status
	StartDate      time.Time
	CompletionDate *time.Time
	DefaultedAt    *time.Time
	DefaultReason  string

	// SettlementPending is set in the transaction that completes the
	// agreement and cleared once the vehicle has been transferred.
	SettlementPending bool
	SettledAt         *time.Time

	Version   int64
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalPeriods is the number of installments in the full schedule.
func (a *Agreement) TotalPeriods() int {
	n, _ := a.PaymentFrequency.PeriodsPerYear()
	return n * a.DurationYears
}

// Balanced reports whether the running totals reconcile with the price.
func (a *Agreement) Balanced() bool {
	return a.AmountPaid+a.BalanceDue == a.TotalSalePrice && !a.BalanceDue.IsNegative()
}

// Clone returns a deep copy safe to mutate.
func (a *Agreement) Clone() *Agreement {
	c := *a
	c.CompletionDate = cloneTime(a.CompletionDate)
	c.DefaultedAt = cloneTime(a.DefaultedAt)
	c.SettledAt = cloneTime(a.SettledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AgreementFilter narrows ListAgreements. Empty fields match everything.
type AgreementFilter struct {
	OwnerID   string
	DriverID  string
	VehicleID string
	Status    Status
	Limit     int
}

// =============================================================================
// PAYMENT RECORD - Append-only ledger entry
// =============================================================================

// PaymentRecord is one payment against an agreement. Never updated or deleted.
type PaymentRecord struct {
	ID             string
	Code           string
	AgreementID    string
	Amount         generic.Money
	PaymentDate    time.Time
	Method         string
	RecordedBy     string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// VEHICLE - Collaborator view
// =============================================================================

// Vehicle is the part of the fleet record the engine reads and writes.
type Vehicle struct {
	ID           string
	Code         string
	OwnerID      string
	Status       string
	LicensePlate string
	Make         string
	Model        string
	Year         int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VehicleUpdate is the ownership change applied on settlement.
type VehicleUpdate struct {
	OwnerID string
	Status  string
}

// =============================================================================
// PRICING PLAN - Named pricing preset
// =============================================================================

// PricingPlan is a stored set of agreement terms. An agreement created from
// a plan copies the terms; later plan edits do not touch existing agreements.
type PricingPlan struct {
	ID            string
	Name          string
	Multiplier    decimal.Decimal
	DurationYears int
	Frequency     Frequency
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
