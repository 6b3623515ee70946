/*
settlement.go - Vehicle ownership transfer on completion

PURPOSE:
  When a payment completes an agreement the vehicle must change hands: the
  driver becomes the owner and the vehicle is marked Sold. The vehicle lives
  in another aggregate (possibly another service), so the transfer cannot
  share the ledger transaction.

HOW IT STAYS CORRECT:
  1. The ledger sets SettlementPending in the SAME transaction that marks
     the agreement Completed. A completed agreement is therefore always
     either settled or visibly pending.
  2. After commit, Settle claims the agreement (a leased conditional update
     on the pending row). Only the claim holder calls
     VehicleUpdater.UpdateVehicle, so ProcessPayment and a concurrent sweep
     never both transfer the vehicle. On success MarkSettled clears the flag
     and the claim.
  3. On failure nothing is rolled back. The payment stands, the claim is
     released, the failure is logged and reported, and the reconciler
     retries later. A worker that dies mid-transfer leaves a claim that
     expires after the lease.
  4. UpdateVehicle is idempotent, so a retry after a partial success (vehicle
     updated, MarkSettled failed) is harmless.

SEE ALSO:
  - ledger.go: Raises SettlementPending
  - service.go: ProcessPayment and ReconcileSettlements
  - api/scheduler.go: Periodic reconciliation
*/
package workandpay

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SettlementResult reports the vehicle transfer attempted after a payment.
type SettlementResult struct {
	Attempted bool
	// Skipped is true when another worker holds the settlement claim.
	Skipped bool
	Err     error
}

// Settled reports whether the transfer was attempted and succeeded.
func (r SettlementResult) Settled() bool {
	return r.Attempted && r.Err == nil
}

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Scanned int
	Settled int
	Failed  int
	Skipped int
}

// Settler transfers vehicle ownership for completed agreements.
type Settler struct {
	agreements AgreementStore
	vehicles   VehicleUpdater
	opts       options
	log        *zap.Logger
}

// NewSettler creates a settler. A nil VehicleUpdater leaves every completed
// agreement pending.
func NewSettler(agreements AgreementStore, vehicles VehicleUpdater, opts ...Option) *Settler {
	o := buildOptions(opts)
	return &Settler{
		agreements: agreements,
		vehicles:   vehicles,
		opts:       o,
		log:        o.logger.Named("settlement"),
	}
}

// Settle transfers the vehicle of a completed agreement and clears its
// pending flag. On success a is updated in place.
func (s *Settler) Settle(ctx context.Context, a *Agreement) SettlementResult {
	if a.Status != StatusCompleted || !a.SettlementPending {
		return SettlementResult{}
	}
	if s.vehicles == nil {
		s.log.Warn("no vehicle collaborator configured, settlement left pending",
			zap.String("agreement", a.Code))
		return SettlementResult{}
	}

	claimedAt := s.opts.now()
	claimed, err := s.agreements.ClaimSettlement(ctx, a.ID, claimedAt, claimedAt.Add(s.opts.settlementLease))
	if err != nil {
		s.log.Warn("settlement claim failed, will retry",
			zap.String("agreement", a.Code),
			zap.Error(err))
		return SettlementResult{Attempted: true, Err: fmt.Errorf("claim settlement: %w", err)}
	}
	if !claimed {
		s.log.Debug("settlement claimed by another worker", zap.String("agreement", a.Code))
		return SettlementResult{Skipped: true}
	}

	update := VehicleUpdate{OwnerID: a.DriverID, Status: VehicleStatusSold}
	if err := s.vehicles.UpdateVehicle(ctx, a.VehicleID, update); err != nil {
		s.log.Warn("vehicle transfer failed, will retry",
			zap.String("agreement", a.Code),
			zap.String("vehicle_id", a.VehicleID),
			zap.Error(err))
		if rerr := s.agreements.ReleaseSettlement(ctx, a.ID); rerr != nil {
			s.log.Warn("settlement claim not released, retry waits for the lease",
				zap.String("agreement", a.Code),
				zap.Error(rerr))
		}
		return SettlementResult{Attempted: true, Err: fmt.Errorf("update vehicle %s: %w", a.VehicleID, err)}
	}

	now := s.opts.now()
	if err := s.agreements.MarkSettled(ctx, a.ID, now); err != nil {
		s.log.Warn("vehicle transferred but settlement not recorded",
			zap.String("agreement", a.Code),
			zap.Error(err))
		return SettlementResult{Attempted: true, Err: fmt.Errorf("mark settled: %w", err)}
	}

	a.SettlementPending = false
	a.SettledAt = &now
	s.log.Info("vehicle transferred",
		zap.String("agreement", a.Code),
		zap.String("vehicle_id", a.VehicleID),
		zap.String("new_owner", a.DriverID))
	return SettlementResult{Attempted: true}
}

// Reconcile retries pending settlements, oldest completion first. The
// onSettled callback, if set, is invoked for every agreement settled.
func (s *Settler) Reconcile(ctx context.Context, limit int, onSettled func(*Agreement)) (ReconcileReport, error) {
	var report ReconcileReport

	pending, err := s.agreements.ListPendingSettlements(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("list pending settlements: %w", err)
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		a := &pending[i]
		report.Scanned++

		res := s.Settle(ctx, a)
		switch {
		case res.Settled():
			report.Settled++
			if onSettled != nil {
				onSettled(a)
			}
		case res.Attempted:
			report.Failed++
		case res.Skipped:
			report.Skipped++
		}
	}

	if report.Scanned > 0 {
		s.log.Info("settlement sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("settled", report.Settled),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped))
	}
	return report, nil
}
