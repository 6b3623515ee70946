/*
service.go - Agreement lifecycle service

PURPOSE:
  The entry point callers use. Validates input at the boundary, prices new
  agreements, delegates every balance change to the Ledger and triggers the
  vehicle transfer after a payment completes an agreement.

STATE MACHINE:
  Active ──(balance reaches 0)──> Completed
    │
    └──(MarkDefaulted)──────────> Defaulted

  Completed and Defaulted are terminal. No payment is accepted in either.

ERRORS:
  Ledger and store errors are returned unchanged (wrapped with context).
  Settlement failures are NOT errors of ProcessPayment; they are reported in
  PaymentOutcome.Settlement and retried by ReconcileSettlements.

SEE ALSO:
  - calculator.go: Pricing
  - ledger.go: Transactional payment recording
  - settlement.go: Vehicle transfer
*/
package workandpay

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/workpay-engine/generic"
)

// DefaultReconcileBatch bounds one settlement sweep when no limit is given.
const DefaultReconcileBatch = 100

// InitiateRequest carries the terms of a new agreement.
type InitiateRequest struct {
	OwnerID   string
	DriverID  string
	VehicleID string
	PlanID    string

	OriginalPrice generic.Money
	Multiplier    decimal.Decimal
	DurationYears int
	Frequency     Frequency
	FinalPrice    generic.Money

	CreatedBy string
}

// PaymentRequest is an incoming payment as received from a caller.
type PaymentRequest struct {
	AgreementID    string
	Amount         generic.Money
	Method         string
	RecordedBy     string
	IdempotencyKey string
}

// PaymentOutcome is what ProcessPayment returns on success.
type PaymentOutcome struct {
	Agreement  *Agreement
	Payment    *PaymentRecord
	Completed  bool
	Duplicate  bool
	Settlement SettlementResult
}

// Service manages the agreement lifecycle.
type Service struct {
	store   TxStore
	ledger  *Ledger
	settler *Settler
	cache   AgreementCache
	opts    options
	log     *zap.Logger
}

// NewService wires the ledger and settler over one store. vehicles may be
// nil, in which case completed agreements stay pending settlement.
func NewService(store TxStore, vehicles VehicleUpdater, opts ...Option) *Service {
	o := buildOptions(opts)
	return &Service{
		store:   store,
		ledger:  NewLedger(store, opts...),
		settler: NewSettler(store, vehicles, opts...),
		cache:   o.cache,
		opts:    o,
		log:     o.logger.Named("service"),
	}
}

// =============================================================================
// INITIATION
// =============================================================================

// InitiateAgreement prices and persists a new Active agreement. It has no
// side effects on the vehicle.
func (s *Service) InitiateAgreement(ctx context.Context, req InitiateRequest) (*Agreement, error) {
	var missing []string
	if strings.TrimSpace(req.OwnerID) == "" {
		missing = append(missing, "owner_id")
	}
	if strings.TrimSpace(req.DriverID) == "" {
		missing = append(missing, "driver_id")
	}
	if strings.TrimSpace(req.VehicleID) == "" {
		missing = append(missing, "vehicle_id")
	}
	if len(missing) > 0 {
		return nil, generic.Invalid(strings.Join(missing, ","), "missing essential IDs")
	}

	quote, err := Calculate(QuoteRequest{
		OriginalPrice: req.OriginalPrice,
		Multiplier:    req.Multiplier,
		DurationYears: req.DurationYears,
		Frequency:     req.Frequency,
		FinalPrice:    req.FinalPrice,
	})
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	a := &Agreement{
		ID:                    s.opts.newID(),
		OwnerID:               req.OwnerID,
		DriverID:              req.DriverID,
		VehicleID:             req.VehicleID,
		PlanID:                req.PlanID,
		OriginalVehiclePrice:  req.OriginalPrice,
		TotalSalePrice:        quote.TotalSalePrice,
		InstallmentAmount:     quote.InstallmentAmount,
		PaymentFrequency:      req.Frequency,
		DurationYears:         req.DurationYears,
		AmountPaid:            generic.Zero,
		BalanceDue:            quote.TotalSalePrice,
		InstallmentsPaid:      0,
		InstallmentsRemaining: quote.TotalPeriods,
		Status:                StatusActive,
		StartDate:             now,
		Version:               1,
		CreatedBy:             req.CreatedBy,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.store.CreateAgreement(ctx, a); err != nil {
		return nil, fmt.Errorf("create agreement: %w", err)
	}
	s.cachePut(ctx, a)

	s.log.Info("agreement initiated",
		zap.String("agreement", a.Code),
		zap.String("vehicle_id", a.VehicleID),
		zap.String("driver_id", a.DriverID),
		zap.Stringer("total_sale_price", a.TotalSalePrice),
		zap.Stringer("installment", a.InstallmentAmount),
		zap.Int("periods", quote.TotalPeriods))
	return a, nil
}

// CalculateInstallment previews pricing without persisting anything.
func (s *Service) CalculateInstallment(req QuoteRequest) (Quote, error) {
	return Calculate(req)
}

// =============================================================================
// READS
// =============================================================================

// GetAgreementDetails returns nil, nil when the agreement does not exist.
func (s *Service) GetAgreementDetails(ctx context.Context, id string) (*Agreement, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, id)
		switch {
		case err != nil:
			s.log.Warn("agreement cache read failed", zap.String("agreement_id", id), zap.Error(err))
		case ok:
			return cached, nil
		}
	}

	a, err := s.store.GetAgreement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agreement: %w", err)
	}
	if a != nil {
		s.cachePut(ctx, a)
	}
	return a, nil
}

// GetPaymentsByAgreementID returns the payments of an agreement, newest
// first.
func (s *Service) GetPaymentsByAgreementID(ctx context.Context, id string) ([]PaymentRecord, error) {
	a, err := s.store.GetAgreement(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agreement: %w", err)
	}
	if a == nil {
		return nil, &AgreementNotFoundError{AgreementID: id}
	}
	payments, err := s.store.ListPayments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

func (s *Service) ListAgreements(ctx context.Context, filter AgreementFilter) ([]Agreement, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, generic.Invalid("status", "unknown status %q", filter.Status)
	}
	if filter.Limit < 0 {
		return nil, generic.Invalid("limit", "must not be negative")
	}
	return s.store.ListAgreements(ctx, filter)
}

// =============================================================================
// WRITES
// =============================================================================

// ProcessPayment records a payment and, when it completes the agreement,
// transfers the vehicle to the driver.
func (s *Service) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentOutcome, error) {
	if strings.TrimSpace(req.AgreementID) == "" {
		return nil, generic.Invalid("agreement_id", "is required")
	}
	if !req.Amount.IsPositive() {
		return nil, generic.Invalid("amount", "must be positive, got %s", req.Amount)
	}

	result, err := s.ledger.RecordPayment(ctx, PaymentCommand{
		AgreementID:    req.AgreementID,
		Amount:         req.Amount,
		Method:         req.Method,
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	outcome := &PaymentOutcome{
		Agreement: result.Agreement,
		Payment:   result.Payment,
		Completed: result.Completed,
		Duplicate: result.Duplicate,
	}
	if result.Completed {
		outcome.Settlement = s.settler.Settle(ctx, result.Agreement)
	}
	if !result.Duplicate {
		s.cachePut(ctx, result.Agreement)
	}
	return outcome, nil
}

// MarkDefaulted moves an Active agreement to Defaulted. There is no
// automatic default detection; an operator or external process calls this.
func (s *Service) MarkDefaulted(ctx context.Context, id, reason, actor string) (*Agreement, error) {
	if strings.TrimSpace(id) == "" {
		return nil, generic.Invalid("agreement_id", "is required")
	}
	a, err := s.ledger.Default(ctx, DefaultCommand{AgreementID: id, Reason: reason, Actor: actor})
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, a)
	return a, nil
}

// ReconcileSettlements retries vehicle transfers for completed agreements
// still pending settlement. limit <= 0 uses DefaultReconcileBatch.
func (s *Service) ReconcileSettlements(ctx context.Context, limit int) (ReconcileReport, error) {
	if limit <= 0 {
		limit = DefaultReconcileBatch
	}
	return s.settler.Reconcile(ctx, limit, func(a *Agreement) {
		s.cachePut(ctx, a)
	})
}

func (s *Service) cachePut(ctx context.Context, a *Agreement) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, a); err != nil {
		s.log.Warn("agreement cache write failed", zap.String("agreement", a.Code), zap.Error(err))
	}
}
