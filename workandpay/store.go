/*
store.go - Persistence contract for agreements and payments

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations: store/sqlite (default), store/postgres (gorm),
  store/memory (tests and demos).

KEY INTERFACES:
  AgreementStore: Create and read agreements, settlement bookkeeping
  PaymentStore:   Ordered reads of the append-only payment log
  LedgerTx:       The view available inside one transaction
  TxStore:        Both stores plus WithTx for atomic ledger writes
  VehicleUpdater: The vehicle collaborator used on settlement

TRANSACTION CONTRACT:
  WithTx runs fn inside ONE database transaction. If fn returns an error the
  transaction is rolled back and neither the agreement nor the payment log
  changes. GetAgreementForUpdate must take a lock that serializes concurrent
  writers on the same agreement (SELECT ... FOR UPDATE, BEGIN IMMEDIATE).

APPEND-ONLY:
  Payments have InsertPayment and nothing else. There is no update or delete.

SEE ALSO:
  - ledger.go: The only caller of WithTx
  - store/sqlite/sqlite.go: SQLite implementation
*/
package workandpay

import (
	"context"
	"time"
)

// AgreementStore persists agreements outside the ledger transaction.
type AgreementStore interface {
	// CreateAgreement inserts a new agreement and assigns its Code.
	// Returns ErrVehicleUnderAgreement if the vehicle already has an
	// Active agreement.
	CreateAgreement(ctx context.Context, a *Agreement) error

	// GetAgreement returns nil, nil when the agreement does not exist.
	GetAgreement(ctx context.Context, id string) (*Agreement, error)

	ListAgreements(ctx context.Context, filter AgreementFilter) ([]Agreement, error)

	// ListPendingSettlements returns Completed agreements whose vehicle
	// transfer has not been confirmed, oldest completion first.
	ListPendingSettlements(ctx context.Context, limit int) ([]Agreement, error)

	// ClaimSettlement reserves a pending settlement for one worker until
	// until. It reports false when the agreement is no longer pending or
	// holds a claim that has not expired at now.
	ClaimSettlement(ctx context.Context, id string, now, until time.Time) (bool, error)

	// ReleaseSettlement drops a claim so the next sweep can retry at once.
	ReleaseSettlement(ctx context.Context, id string) error

	// MarkSettled clears SettlementPending and any claim. Settling twice is
	// a no-op.
	MarkSettled(ctx context.Context, id string, at time.Time) error
}

// PaymentStore reads the payment log.
type PaymentStore interface {
	// ListPayments returns payments for an agreement, newest first.
	ListPayments(ctx context.Context, agreementID string) ([]PaymentRecord, error)
}

// LedgerTx is the persistence view inside one ledger transaction.
type LedgerTx interface {
	// GetAgreementForUpdate reads and locks the agreement. nil, nil if absent.
	GetAgreementForUpdate(ctx context.Context, id string) (*Agreement, error)

	// FindPaymentByIdempotencyKey returns nil, nil when no payment matches.
	FindPaymentByIdempotencyKey(ctx context.Context, agreementID, key string) (*PaymentRecord, error)

	// InsertPayment appends a payment and assigns its Code.
	InsertPayment(ctx context.Context, p *PaymentRecord) error

	// UpdateAgreementLedger writes running totals, status and settlement
	// fields. It fails with generic.ErrConcurrentModification unless the
	// stored version equals a.Version, and increments a.Version on success.
	UpdateAgreementLedger(ctx context.Context, a *Agreement) error
}

// TxStore is the full persistence contract of the engine.
type TxStore interface {
	AgreementStore
	PaymentStore

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// VehicleUpdater is the vehicle collaborator. UpdateVehicle must be
// idempotent: applying the same update twice leaves the same state.
type VehicleUpdater interface {
	UpdateVehicle(ctx context.Context, vehicleID string, update VehicleUpdate) error
}

// VehicleStore is the minimal vehicle registry used by the HTTP layer.
type VehicleStore interface {
	VehicleUpdater
	CreateVehicle(ctx context.Context, v *Vehicle) error
	// GetVehicle returns nil, nil when the vehicle does not exist.
	GetVehicle(ctx context.Context, id string) (*Vehicle, error)
}

// AgreementCache is an optional read cache for agreement details.
// Put must never replace a cached agreement with an older Version.
type AgreementCache interface {
	Get(ctx context.Context, id string) (*Agreement, bool, error)
	Put(ctx context.Context, a *Agreement) error
}

// PlanStore persists pricing plans. SavePlan upserts by ID.
type PlanStore interface {
	SavePlan(ctx context.Context, p PricingPlan) error
	// GetPlan returns nil, nil when the plan does not exist.
	GetPlan(ctx context.Context, id string) (*PricingPlan, error)
	ListPlans(ctx context.Context) ([]PricingPlan, error)
}
