// Package memory provides an in-memory implementation of the workandpay
// store interfaces for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/workandpay"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps agreements, payments, vehicles and plans in maps. Every method
// returns copies, so callers can never mutate stored state directly.
type Store struct {
	mu         sync.RWMutex
	agreements map[string]*workandpay.Agreement
	payments   map[string][]workandpay.PaymentRecord
	vehicles   map[string]*workandpay.Vehicle
	plans      map[string]workandpay.PricingPlan
	sequences  map[string]int64
	// claims holds settlement claim expiries by agreement ID.
	claims map[string]time.Time
}

var (
	_ workandpay.TxStore      = (*Store)(nil)
	_ workandpay.VehicleStore = (*Store)(nil)
	_ workandpay.PlanStore    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		agreements: make(map[string]*workandpay.Agreement),
		payments:   make(map[string][]workandpay.PaymentRecord),
		vehicles:   make(map[string]*workandpay.Vehicle),
		plans:      make(map[string]workandpay.PricingPlan),
		sequences:  make(map[string]int64),
		claims:     make(map[string]time.Time),
	}
}

func (s *Store) nextCodeLocked(prefix string) string {
	s.sequences[prefix]++
	return generic.FormatCode(prefix, s.sequences[prefix])
}

// =============================================================================
// AGREEMENTS
// =============================================================================

func (s *Store) CreateAgreement(_ context.Context, a *workandpay.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agreements[a.ID]; exists {
		return fmt.Errorf("agreement %s: %w", a.ID, generic.ErrConflict)
	}
	for _, other := range s.agreements {
		if other.VehicleID == a.VehicleID && other.Status == workandpay.StatusActive {
			return workandpay.ErrVehicleUnderAgreement
		}
	}

	a.Code = s.nextCodeLocked(workandpay.AgreementCodePrefix)
	s.agreements[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAgreement(_ context.Context, id string) (*workandpay.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agreements[id]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (s *Store) ListAgreements(_ context.Context, filter workandpay.AgreementFilter) ([]workandpay.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []workandpay.Agreement
	for _, a := range s.agreements {
		if filter.OwnerID != "" && a.OwnerID != filter.OwnerID {
			continue
		}
		if filter.DriverID != "" && a.DriverID != filter.DriverID {
			continue
		}
		if filter.VehicleID != "" && a.VehicleID != filter.VehicleID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		result = append(result, *a.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Code > result[j].Code
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ListPendingSettlements(_ context.Context, limit int) ([]workandpay.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []workandpay.Agreement
	for _, a := range s.agreements {
		if a.Status == workandpay.StatusCompleted && a.SettlementPending {
			result = append(result, *a.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		ci, cj := result[i].CompletionDate, result[j].CompletionDate
		if ci != nil && cj != nil && !ci.Equal(*cj) {
			return ci.Before(*cj)
		}
		return result[i].Code < result[j].Code
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ClaimSettlement(_ context.Context, id string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[id]
	if !ok {
		return false, &workandpay.AgreementNotFoundError{AgreementID: id}
	}
	if !a.SettlementPending {
		return false, nil
	}
	if held, ok := s.claims[id]; ok && held.After(now) {
		return false, nil
	}
	s.claims[id] = until
	return true, nil
}

func (s *Store) ReleaseSettlement(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, id)
	return nil
}

func (s *Store) MarkSettled(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agreements[id]
	if !ok {
		return &workandpay.AgreementNotFoundError{AgreementID: id}
	}
	delete(s.claims, id)
	a.SettlementPending = false
	if a.SettledAt == nil {
		a.SettledAt = &at
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// ListPayments returns payments newest first.
func (s *Store) ListPayments(_ context.Context, agreementID string) ([]workandpay.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := append([]workandpay.PaymentRecord(nil), s.payments[agreementID]...)
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].PaymentDate.Equal(result[j].PaymentDate) {
			return result[i].PaymentDate.After(result[j].PaymentDate)
		}
		return result[i].Code > result[j].Code
	})
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, so transactions are serial.
func (s *Store) WithTx(ctx context.Context, fn func(tx workandpay.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot()
	if err := fn(&txView{parent: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	agreements map[string]*workandpay.Agreement
	payments   map[string][]workandpay.PaymentRecord
	sequences  map[string]int64
}

func (s *Store) snapshot() memorySnapshot {
	snap := memorySnapshot{
		agreements: make(map[string]*workandpay.Agreement, len(s.agreements)),
		payments:   make(map[string][]workandpay.PaymentRecord, len(s.payments)),
		sequences:  make(map[string]int64, len(s.sequences)),
	}
	for k, v := range s.agreements {
		snap.agreements[k] = v.Clone()
	}
	for k, v := range s.payments {
		snap.payments[k] = append([]workandpay.PaymentRecord(nil), v...)
	}
	for k, v := range s.sequences {
		snap.sequences[k] = v
	}
	return snap
}

func (s *Store) restore(snap memorySnapshot) {
	s.agreements = snap.agreements
	s.payments = snap.payments
	s.sequences = snap.sequences
}

// txView operates on the parent's maps; the parent lock is already held.
type txView struct {
	parent *Store
}

func (tv *txView) GetAgreementForUpdate(_ context.Context, id string) (*workandpay.Agreement, error) {
	a, ok := tv.parent.agreements[id]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (tv *txView) FindPaymentByIdempotencyKey(_ context.Context, agreementID, key string) (*workandpay.PaymentRecord, error) {
	for _, p := range tv.parent.payments[agreementID] {
		if p.IdempotencyKey == key {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

func (tv *txView) InsertPayment(ctx context.Context, p *workandpay.PaymentRecord) error {
	if p.IdempotencyKey != "" {
		existing, _ := tv.FindPaymentByIdempotencyKey(ctx, p.AgreementID, p.IdempotencyKey)
		if existing != nil {
			return generic.ErrDuplicateIdempotencyKey
		}
	}
	p.Code = tv.parent.nextCodeLocked(workandpay.PaymentCodePrefix)
	tv.parent.payments[p.AgreementID] = append(tv.parent.payments[p.AgreementID], *p)
	return nil
}

func (tv *txView) UpdateAgreementLedger(_ context.Context, a *workandpay.Agreement) error {
	stored, ok := tv.parent.agreements[a.ID]
	if !ok || stored.Version != a.Version {
		return fmt.Errorf("agreement %s at version %d: %w", a.ID, a.Version, generic.ErrConcurrentModification)
	}
	a.Version++
	tv.parent.agreements[a.ID] = a.Clone()
	return nil
}

// =============================================================================
// VEHICLES
// =============================================================================

func (s *Store) CreateVehicle(_ context.Context, v *workandpay.Vehicle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if _, exists := s.vehicles[v.ID]; exists {
		return fmt.Errorf("vehicle %s: %w", v.ID, generic.ErrConflict)
	}
	if v.Status == "" {
		v.Status = workandpay.VehicleStatusAvailable
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	v.Code = s.nextCodeLocked(workandpay.VehicleCodePrefix)

	stored := *v
	s.vehicles[v.ID] = &stored
	return nil
}

func (s *Store) GetVehicle(_ context.Context, id string) (*workandpay.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vehicles[id]
	if !ok {
		return nil, nil
	}
	out := *v
	return &out, nil
}

func (s *Store) UpdateVehicle(_ context.Context, vehicleID string, update workandpay.VehicleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vehicles[vehicleID]
	if !ok {
		return &workandpay.VehicleNotFoundError{VehicleID: vehicleID}
	}
	v.OwnerID = update.OwnerID
	v.Status = update.Status
	v.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// PLANS
// =============================================================================

func (s *Store) SavePlan(_ context.Context, p workandpay.PricingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.plans[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.plans[p.ID] = p
	return nil
}

func (s *Store) GetPlan(_ context.Context, id string) (*workandpay.PricingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ListPlans(_ context.Context) ([]workandpay.PricingPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]workandpay.PricingPlan, 0, len(s.plans))
	for _, p := range s.plans {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Reset clears all data.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agreements = make(map[string]*workandpay.Agreement)
	s.payments = make(map[string][]workandpay.PaymentRecord)
	s.vehicles = make(map[string]*workandpay.Vehicle)
	s.plans = make(map[string]workandpay.PricingPlan)
	s.sequences = make(map[string]int64)
	s.claims = make(map[string]time.Time)
	return nil
}
