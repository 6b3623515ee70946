package workandpay

import (
	"errors"
	"fmt"

	"github.com/warp/workpay-engine/generic"
)

// Rejection reasons. Each is wrapped by PaymentRejectedError and can be
// matched with errors.Is.
var (
	ErrAgreementCompleted      = errors.New("agreement already completed")
	ErrAgreementDefaulted      = errors.New("agreement is defaulted")
	ErrPaymentExceedsBalance   = errors.New("payment exceeds balance due")
	ErrPaymentBelowInstallment = errors.New("payment below minimum installment")
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the agreement's current state.
var ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", generic.ErrRuleViolation)

// ErrVehicleUnderAgreement is returned when a vehicle already has an Active
// agreement.
var ErrVehicleUnderAgreement = fmt.Errorf("vehicle already has an active agreement: %w", generic.ErrConflict)

// AgreementNotFoundError is returned when an agreement ID does not resolve.
type AgreementNotFoundError struct {
	AgreementID string
}

func (e *AgreementNotFoundError) Error() string {
	return fmt.Sprintf("agreement %s not found", e.AgreementID)
}

func (e *AgreementNotFoundError) Unwrap() error { return generic.ErrEntityNotFound }

// VehicleNotFoundError is returned by vehicle stores.
type VehicleNotFoundError struct {
	VehicleID string
}

func (e *VehicleNotFoundError) Error() string {
	return fmt.Sprintf("vehicle %s not found", e.VehicleID)
}

func (e *VehicleNotFoundError) Unwrap() error { return generic.ErrEntityNotFound }

// PaymentRejectedError explains why the ledger refused a payment.
// Nothing is written when it is returned.
type PaymentRejectedError struct {
	AgreementID       string
	Reason            error
	Amount            generic.Money
	BalanceDue        generic.Money
	InstallmentAmount generic.Money
}

func (e *PaymentRejectedError) Error() string {
	return fmt.Sprintf("payment of %s rejected for agreement %s: %v (balance due %s, installment %s)",
		e.Amount, e.AgreementID, e.Reason, e.BalanceDue, e.InstallmentAmount)
}

func (e *PaymentRejectedError) Unwrap() []error {
	return []error{e.Reason, generic.ErrRuleViolation}
}
