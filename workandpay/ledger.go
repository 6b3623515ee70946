/*
ledger.go - Transactional payment recording

PURPOSE:
  The Ledger is the only component that writes an agreement's financial
  fields. For one incoming payment it validates against the CURRENT
  agreement, appends a PaymentRecord and updates the running totals, all
  inside a single store transaction.

CRITICAL INVARIANTS:
  1. ATOMIC: payment insert and agreement update commit together or not at all
  2. SERIALIZED: the agreement is re-read under a lock inside the transaction,
     so two concurrent payments cannot both apply against the same balance
  3. RECONCILED: sum(payments) == AmountPaid, AmountPaid + BalanceDue == Total
  4. TERMINAL: nothing is recorded against a Completed or Defaulted agreement

VALIDATION ORDER (fail fast, abort the transaction):
  1. Agreement exists
  2. Idempotency key already used -> no-op success, nothing written
  3. Status is Active
  4. Amount <= BalanceDue
  5. Amount >= InstallmentAmount, unless it exactly clears the balance

COMPLETION:
  When BalanceDue reaches zero the agreement becomes Completed in the same
  transaction, CompletionDate is set and SettlementPending is raised. The
  vehicle transfer itself happens after commit (settlement.go).

SEE ALSO:
  - store.go: LedgerTx contract
  - settlement.go: Post-commit vehicle transfer
  - service.go: Boundary validation and orchestration
*/
package workandpay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/workpay-engine/generic"
)

// PaymentCommand is a validated request to record a payment.
type PaymentCommand struct {
	AgreementID    string
	Amount         generic.Money
	Method         string
	RecordedBy     string
	IdempotencyKey string
}

// PaymentResult is the committed outcome of RecordPayment.
type PaymentResult struct {
	Agreement *Agreement
	Payment   *PaymentRecord
	// Completed is true only when THIS payment moved the agreement from
	// Active to Completed.
	Completed bool
	// Duplicate is true when the idempotency key matched an earlier payment
	// and nothing was written.
	Duplicate bool
}

// DefaultCommand moves an Active agreement to Defaulted.
type DefaultCommand struct {
	AgreementID string
	Reason      string
	Actor       string
}

// Ledger records payments and status transitions transactionally.
type Ledger struct {
	store TxStore
	opts  options
	log   *zap.Logger
}

// NewLedger creates a ledger over a transactional store.
func NewLedger(store TxStore, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{store: store, opts: o, log: o.logger.Named("ledger")}
}

// RecordPayment validates and applies one payment atomically.
func (l *Ledger) RecordPayment(ctx context.Context, cmd PaymentCommand) (*PaymentResult, error) {
	var result *PaymentResult

	err := l.store.WithTx(ctx, func(tx LedgerTx) error {
		agreement, err := tx.GetAgreementForUpdate(ctx, cmd.AgreementID)
		if err != nil {
			return fmt.Errorf("load agreement: %w", err)
		}
		if agreement == nil {
			return &AgreementNotFoundError{AgreementID: cmd.AgreementID}
		}

		if cmd.IdempotencyKey != "" {
			existing, err := tx.FindPaymentByIdempotencyKey(ctx, agreement.ID, cmd.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("check idempotency key: %w", err)
			}
			if existing != nil {
				result = &PaymentResult{Agreement: agreement, Payment: existing, Duplicate: true}
				return nil
			}
		}

		if err := checkPayment(agreement, cmd.Amount); err != nil {
			return err
		}

		now := l.opts.now()
		payment := &PaymentRecord{
			ID:             l.opts.newID(),
			AgreementID:    agreement.ID,
			Amount:         cmd.Amount,
			PaymentDate:    now,
			Method:         cmd.Method,
			RecordedBy:     cmd.RecordedBy,
			IdempotencyKey: cmd.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		updated := agreement.Clone()
		completed := applyPayment(updated, cmd.Amount, now)
		if err := tx.UpdateAgreementLedger(ctx, updated); err != nil {
			return fmt.Errorf("update agreement: %w", err)
		}

		result = &PaymentResult{Agreement: updated, Payment: payment, Completed: completed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		l.log.Info("duplicate payment ignored",
			zap.String("agreement", result.Agreement.Code),
			zap.String("payment", result.Payment.Code),
			zap.String("idempotency_key", cmd.IdempotencyKey))
		return result, nil
	}

	l.log.Info("payment recorded",
		zap.String("agreement", result.Agreement.Code),
		zap.String("payment", result.Payment.Code),
		zap.Stringer("amount", result.Payment.Amount),
		zap.Stringer("balance_due", result.Agreement.BalanceDue),
		zap.Int("installments_remaining", result.Agreement.InstallmentsRemaining),
		zap.Bool("completed", result.Completed))
	return result, nil
}

// Default moves an Active agreement to Defaulted. Nothing in the engine
// calls this on its own; it exists for an external or manual process.
func (l *Ledger) Default(ctx context.Context, cmd DefaultCommand) (*Agreement, error) {
	var updated *Agreement

	err := l.store.WithTx(ctx, func(tx LedgerTx) error {
		agreement, err := tx.GetAgreementForUpdate(ctx, cmd.AgreementID)
		if err != nil {
			return fmt.Errorf("load agreement: %w", err)
		}
		if agreement == nil {
			return &AgreementNotFoundError{AgreementID: cmd.AgreementID}
		}
		if agreement.Status != StatusActive {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, agreement.Status, StatusDefaulted)
		}

		now := l.opts.now()
		updated = agreement.Clone()
		updated.Status = StatusDefaulted
		updated.DefaultedAt = &now
		updated.DefaultReason = cmd.Reason
		updated.UpdatedAt = now
		return tx.UpdateAgreementLedger(ctx, updated)
	})
	if err != nil {
		return nil, err
	}

	l.log.Warn("agreement defaulted",
		zap.String("agreement", updated.Code),
		zap.String("actor", cmd.Actor),
		zap.String("reason", cmd.Reason),
		zap.Stringer("balance_due", updated.BalanceDue))
	return updated, nil
}

func checkPayment(a *Agreement, amount generic.Money) error {
	reject := func(reason error) error {
		return &PaymentRejectedError{
			AgreementID:       a.ID,
			Reason:            reason,
			Amount:            amount,
			BalanceDue:        a.BalanceDue,
			InstallmentAmount: a.InstallmentAmount,
		}
	}

	switch a.Status {
	case StatusCompleted:
		return reject(ErrAgreementCompleted)
	case StatusDefaulted:
		return reject(ErrAgreementDefaulted)
	}
	if amount > a.BalanceDue {
		return reject(ErrPaymentExceedsBalance)
	}
	// The last installment is usually smaller than the rest because the
	// installment is rounded up; paying exactly the residual is allowed.
	if amount < a.InstallmentAmount && amount != a.BalanceDue {
		return reject(ErrPaymentBelowInstallment)
	}
	return nil
}

// applyPayment updates running totals in place and reports whether the
// agreement was completed by this payment.
func applyPayment(a *Agreement, amount generic.Money, at time.Time) bool {
	a.AmountPaid += amount
	a.BalanceDue = (a.TotalSalePrice - a.AmountPaid).Max(generic.Zero)
	a.InstallmentsPaid++
	if a.InstallmentsRemaining > 0 {
		a.InstallmentsRemaining--
	}
	a.UpdatedAt = at

	if a.BalanceDue.IsZero() && a.Status == StatusActive {
		a.Status = StatusCompleted
		a.CompletionDate = &at
		a.SettlementPending = true
		return true
	}
	return false
}
