/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are generic.Money. They encode as JSON numbers with two decimals
  and decode from a number or a string ("641.03"). Sub-cent input is
  rejected when decoding.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/plan.go: PlanJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/workpay-engine/factory"
	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/workandpay"
)

// =============================================================================
// QUOTE
// =============================================================================

// QuoteRequest previews the terms of an agreement.
type QuoteRequest struct {
	PlanID        string          `json:"plan_id,omitempty"`
	OriginalPrice generic.Money   `json:"original_price"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	DurationYears int             `json:"duration_years"`
	Frequency     string          `json:"frequency"`
	FinalPrice    generic.Money   `json:"final_price,omitempty"`
}

type QuoteDTO struct {
	TotalSalePrice    generic.Money `json:"total_sale_price"`
	InstallmentAmount generic.Money `json:"installment_amount"`
	TotalPeriods      int           `json:"total_periods"`
}

// =============================================================================
// AGREEMENTS
// =============================================================================

// CreateAgreementRequest initiates an agreement. When PlanID is set the
// plan fills multiplier, duration and frequency left empty.
type CreateAgreementRequest struct {
	OwnerID   string `json:"owner_id"`
	DriverID  string `json:"driver_id"`
	VehicleID string `json:"vehicle_id"`
	QuoteRequest
}

// AgreementDTO represents an agreement in API responses.
type AgreementDTO struct {
	ID                    string        `json:"id"`
	Code                  string        `json:"code"`
	OwnerID               string        `json:"owner_id"`
	DriverID              string        `json:"driver_id"`
	VehicleID             string        `json:"vehicle_id"`
	PlanID                string        `json:"plan_id,omitempty"`
	OriginalVehiclePrice  generic.Money `json:"original_vehicle_price"`
	TotalSalePrice        generic.Money `json:"total_sale_price"`
	InstallmentAmount     generic.Money `json:"installment_amount"`
	PaymentFrequency      string        `json:"payment_frequency"`
	DurationYears         int           `json:"duration_years"`
	AmountPaid            generic.Money `json:"amount_paid"`
	BalanceDue            generic.Money `json:"balance_due"`
	InstallmentsPaid      int           `json:"installments_paid"`
	InstallmentsRemaining int           `json:"installments_remaining"`
	Status                string        `json:"status"`
	StartDate             string        `json:"start_date"`
	CompletionDate        *string       `json:"completion_date,omitempty"`
	DefaultedAt           *string       `json:"defaulted_at,omitempty"`
	DefaultReason         string        `json:"default_reason,omitempty"`
	SettlementPending     bool          `json:"settlement_pending"`
	SettledAt             *string       `json:"settled_at,omitempty"`
	Version               int64         `json:"version"`
	CreatedBy             string        `json:"created_by,omitempty"`
	CreatedAt             string        `json:"created_at"`
	UpdatedAt             string        `json:"updated_at"`
}

func toAgreementDTO(a *workandpay.Agreement) AgreementDTO {
	return AgreementDTO{
		ID:                    a.ID,
		Code:                  a.Code,
		OwnerID:               a.OwnerID,
		DriverID:              a.DriverID,
		VehicleID:             a.VehicleID,
		PlanID:                a.PlanID,
		OriginalVehiclePrice:  a.OriginalVehiclePrice,
		TotalSalePrice:        a.TotalSalePrice,
		InstallmentAmount:     a.InstallmentAmount,
		PaymentFrequency:      string(a.PaymentFrequency),
		DurationYears:         a.DurationYears,
		AmountPaid:            a.AmountPaid,
		BalanceDue:            a.BalanceDue,
		InstallmentsPaid:      a.InstallmentsPaid,
		InstallmentsRemaining: a.InstallmentsRemaining,
		Status:                string(a.Status),
		StartDate:             a.StartDate.Format(time.RFC3339),
		CompletionDate:        timePtr(a.CompletionDate),
		DefaultedAt:           timePtr(a.DefaultedAt),
		DefaultReason:         a.DefaultReason,
		SettlementPending:     a.SettlementPending,
		SettledAt:             timePtr(a.SettledAt),
		Version:               a.Version,
		CreatedBy:             a.CreatedBy,
		CreatedAt:             a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             a.UpdatedAt.Format(time.RFC3339),
	}
}

// DefaultRequest marks an agreement as defaulted.
type DefaultRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPaymentRequest is a payment against an agreement. The
// Idempotency-Key header takes precedence over the body field.
type RecordPaymentRequest struct {
	Amount         generic.Money `json:"amount"`
	Method         string        `json:"method,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

type PaymentDTO struct {
	ID             string        `json:"id"`
	Code           string        `json:"code"`
	AgreementID    string        `json:"agreement_id"`
	Amount         generic.Money `json:"amount"`
	PaymentDate    string        `json:"payment_date"`
	Method         string        `json:"method,omitempty"`
	RecordedBy     string        `json:"recorded_by,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

func toPaymentDTO(p *workandpay.PaymentRecord) PaymentDTO {
	return PaymentDTO{
		ID:             p.ID,
		Code:           p.Code,
		AgreementID:    p.AgreementID,
		Amount:         p.Amount,
		PaymentDate:    p.PaymentDate.Format(time.RFC3339),
		Method:         p.Method,
		RecordedBy:     p.RecordedBy,
		IdempotencyKey: p.IdempotencyKey,
	}
}

// SettlementDTO reports the vehicle transfer triggered by a payment.
type SettlementDTO struct {
	Attempted bool   `json:"attempted"`
	Settled   bool   `json:"settled"`
	Error     string `json:"error,omitempty"`
}

// PaymentOutcomeDTO is the response to a recorded payment.
type PaymentOutcomeDTO struct {
	Agreement  AgreementDTO   `json:"agreement"`
	Payment    PaymentDTO     `json:"payment"`
	Completed  bool           `json:"completed"`
	Duplicate  bool           `json:"duplicate"`
	Settlement *SettlementDTO `json:"settlement,omitempty"`
}

func toPaymentOutcomeDTO(out *workandpay.PaymentOutcome) PaymentOutcomeDTO {
	dto := PaymentOutcomeDTO{
		Agreement: toAgreementDTO(out.Agreement),
		Payment:   toPaymentDTO(out.Payment),
		Completed: out.Completed,
		Duplicate: out.Duplicate,
	}
	if out.Settlement.Attempted || out.Completed {
		dto.Settlement = &SettlementDTO{
			Attempted: out.Settlement.Attempted,
			Settled:   out.Settlement.Settled(),
		}
		if out.Settlement.Err != nil {
			dto.Settlement.Error = out.Settlement.Err.Error()
		}
	}
	return dto
}

// ReconcileDTO summarizes a settlement sweep.
type ReconcileDTO struct {
	Scanned int `json:"scanned"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// =============================================================================
// VEHICLES
// =============================================================================

type CreateVehicleRequest struct {
	ID           string `json:"id,omitempty"`
	OwnerID      string `json:"owner_id"`
	Status       string `json:"status,omitempty"`
	LicensePlate string `json:"license_plate,omitempty"`
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
	Year         int    `json:"year,omitempty"`
}

type VehicleDTO struct {
	ID           string `json:"id"`
	Code         string `json:"code"`
	OwnerID      string `json:"owner_id"`
	Status       string `json:"status"`
	LicensePlate string `json:"license_plate,omitempty"`
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
	Year         int    `json:"year,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

func toVehicleDTO(v *workandpay.Vehicle) VehicleDTO {
	return VehicleDTO{
		ID:           v.ID,
		Code:         v.Code,
		OwnerID:      v.OwnerID,
		Status:       v.Status,
		LicensePlate: v.LicensePlate,
		Make:         v.Make,
		Model:        v.Model,
		Year:         v.Year,
		UpdatedAt:    v.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PLANS
// =============================================================================

// PlanDTO represents a pricing plan in API responses.
type PlanDTO struct {
	factory.PlanJSON
	CreatedAt string `json:"created_at,omitempty"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code"`
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
