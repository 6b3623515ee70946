package workandpay_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/store/memory"
	"github.com/warp/workpay-engine/store/sqlite"
	"github.com/warp/workpay-engine/workandpay"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type backend interface {
	workandpay.TxStore
	workandpay.VehicleStore
}

// forEachStore runs fn against every store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store backend)) {
	t.Run("sqlite", func(t *testing.T) {
		store, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, memory.New())
	})
}

// stepClock advances one minute on every call so payment dates are ordered.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, time.January, 6, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

// recordingVehicles counts settlement calls and can be made to fail.
type recordingVehicles struct {
	mu    sync.Mutex
	inner workandpay.VehicleUpdater
	calls []workandpay.VehicleUpdate
	err   error
}

func (r *recordingVehicles) UpdateVehicle(ctx context.Context, vehicleID string, u workandpay.VehicleUpdate) error {
	r.mu.Lock()
	r.calls = append(r.calls, u)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.inner.UpdateVehicle(ctx, vehicleID, u)
}

func (r *recordingVehicles) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingVehicles) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	svc      *workandpay.Service
	store    backend
	vehicles *recordingVehicles
	vehicle  *workandpay.Vehicle
}

func newFixture(t *testing.T, store backend, opts ...workandpay.Option) *fixture {
	t.Helper()
	v := &workandpay.Vehicle{
		OwnerID:      "company-1",
		LicensePlate: "KDA 123A",
		Make:         "Toyota",
		Model:        "Probox",
		Year:         2019,
	}
	require.NoError(t, store.CreateVehicle(context.Background(), v))

	rec := &recordingVehicles{inner: store}
	opts = append([]workandpay.Option{workandpay.WithClock(newStepClock().Now)}, opts...)
	return &fixture{
		svc:      workandpay.NewService(store, rec, opts...),
		store:    store,
		vehicles: rec,
		vehicle:  v,
	}
}

// threeYearWeekly is 50,000 at 2x over 3 years weekly: 156 x 641.03.
func (f *fixture) threeYearWeekly() workandpay.InitiateRequest {
	return workandpay.InitiateRequest{
		OwnerID:       "company-1",
		DriverID:      "driver-1",
		VehicleID:     f.vehicle.ID,
		OriginalPrice: generic.MustParseMoney("50000"),
		Multiplier:    decimal.NewFromInt(2),
		DurationYears: 3,
		Frequency:     workandpay.FrequencyWeekly,
		CreatedBy:     "admin-1",
	}
}

// oneYearMonthly is 1,000 over 12 months: 11 x 83.34 then 83.26.
func (f *fixture) oneYearMonthly() workandpay.InitiateRequest {
	return workandpay.InitiateRequest{
		OwnerID:       "company-1",
		DriverID:      "driver-1",
		VehicleID:     f.vehicle.ID,
		OriginalPrice: generic.MustParseMoney("500"),
		Multiplier:    decimal.NewFromInt(2),
		DurationYears: 1,
		Frequency:     workandpay.FrequencyMonthly,
	}
}

func (f *fixture) initiate(t *testing.T, req workandpay.InitiateRequest) *workandpay.Agreement {
	t.Helper()
	a, err := f.svc.InitiateAgreement(context.Background(), req)
	require.NoError(t, err)
	return a
}

func (f *fixture) pay(t *testing.T, agreementID, amount string) *workandpay.PaymentOutcome {
	t.Helper()
	out, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
		AgreementID: agreementID,
		Amount:      generic.MustParseMoney(amount),
		Method:      "mpesa",
		RecordedBy:  "cashier-1",
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) reload(t *testing.T, id string) *workandpay.Agreement {
	t.Helper()
	a, err := f.store.GetAgreement(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func assertReconciled(t *testing.T, store backend, a *workandpay.Agreement) {
	t.Helper()
	payments, err := store.ListPayments(context.Background(), a.ID)
	require.NoError(t, err)

	var sum generic.Money
	for _, p := range payments {
		sum += p.Amount
	}
	assert.Equal(t, a.AmountPaid, sum, "payments must sum to amount paid")
	assert.Equal(t, a.TotalSalePrice, a.AmountPaid+a.BalanceDue, "paid + balance must equal total")
	assert.False(t, a.BalanceDue.IsNegative())
	assert.Equal(t, a.BalanceDue.IsZero(), a.Status == workandpay.StatusCompleted)
}

// =============================================================================
// INITIATION
// =============================================================================

func TestInitiateAgreement_CreatesActiveAgreement(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)

		a := f.initiate(t, f.threeYearWeekly())

		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "WA-0000001", a.Code)
		assert.Equal(t, generic.MustParseMoney("100000.00"), a.TotalSalePrice)
		assert.Equal(t, generic.MustParseMoney("641.03"), a.InstallmentAmount)
		assert.Equal(t, generic.MustParseMoney("100000.00"), a.BalanceDue)
		assert.Equal(t, generic.Zero, a.AmountPaid)
		assert.Equal(t, 0, a.InstallmentsPaid)
		assert.Equal(t, 156, a.InstallmentsRemaining)
		assert.Equal(t, workandpay.StatusActive, a.Status)
		assert.Nil(t, a.CompletionDate)
		assert.False(t, a.SettlementPending)

		stored := f.reload(t, a.ID)
		assert.Equal(t, a.Code, stored.Code)
		assert.Equal(t, a.BalanceDue, stored.BalanceDue)
		assert.True(t, a.StartDate.Equal(stored.StartDate))

		// No vehicle side effects on initiation.
		assert.Equal(t, 0, f.vehicles.callCount())
	})
}

func TestInitiateAgreement_MissingIDsRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		req := f.threeYearWeekly()
		req.DriverID = ""
		req.VehicleID = "  "

		_, err := f.svc.InitiateAgreement(context.Background(), req)

		require.Error(t, err)
		assert.True(t, generic.IsValidation(err))
		assert.Contains(t, err.Error(), "driver_id")
		assert.Contains(t, err.Error(), "vehicle_id")

		all, err := f.svc.ListAgreements(context.Background(), workandpay.AgreementFilter{})
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestInitiateAgreement_VehicleAlreadyUnderAgreement(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		f.initiate(t, f.threeYearWeekly())

		req := f.threeYearWeekly()
		req.DriverID = "driver-2"
		_, err := f.svc.InitiateAgreement(context.Background(), req)

		assert.ErrorIs(t, err, workandpay.ErrVehicleUnderAgreement)
		assert.True(t, generic.IsConflict(err))
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestProcessPayment_FullScheduleCompletesAndTransfersVehicle(t *testing.T) {
	// GIVEN: 100,000 over 156 weekly installments of 641.03
	// WHEN: 155 installments are paid, then the 640.35 residual
	// THEN: The agreement completes exactly once and the vehicle is sold to
	//       the driver exactly once

	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.threeYearWeekly())

		var last *workandpay.PaymentOutcome
		for i := 0; i < 155; i++ {
			last = f.pay(t, a.ID, "641.03")
			require.False(t, last.Completed, "payment %d must not complete", i+1)
			require.Equal(t, workandpay.StatusActive, last.Agreement.Status)
		}
		assert.Equal(t, generic.MustParseMoney("640.35"), last.Agreement.BalanceDue)
		assert.Equal(t, 1, last.Agreement.InstallmentsRemaining)
		assert.Equal(t, 0, f.vehicles.callCount())

		final := f.pay(t, a.ID, "640.35")

		assert.True(t, final.Completed)
		assert.True(t, final.Settlement.Settled())
		assert.Equal(t, workandpay.StatusCompleted, final.Agreement.Status)
		assert.Equal(t, generic.Zero, final.Agreement.BalanceDue)
		assert.Equal(t, generic.MustParseMoney("100000.00"), final.Agreement.AmountPaid)
		assert.Equal(t, 156, final.Agreement.InstallmentsPaid)
		assert.Equal(t, 0, final.Agreement.InstallmentsRemaining)
		require.NotNil(t, final.Agreement.CompletionDate)

		stored := f.reload(t, a.ID)
		assert.Equal(t, workandpay.StatusCompleted, stored.Status)
		assert.False(t, stored.SettlementPending)
		assert.NotNil(t, stored.SettledAt)
		assertReconciled(t, store, stored)

		require.Equal(t, 1, f.vehicles.callCount())
		v, err := store.GetVehicle(context.Background(), f.vehicle.ID)
		require.NoError(t, err)
		assert.Equal(t, "driver-1", v.OwnerID)
		assert.Equal(t, workandpay.VehicleStatusSold, v.Status)
	})
}

func TestProcessPayment_ExceedsBalanceRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.threeYearWeekly())
		before := f.reload(t, a.ID)

		_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: a.ID,
			Amount:      generic.MustParseMoney("200000"),
		})

		assert.ErrorIs(t, err, workandpay.ErrPaymentExceedsBalance)
		assert.True(t, generic.IsClientError(err))
		var rejected *workandpay.PaymentRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, generic.MustParseMoney("100000.00"), rejected.BalanceDue)

		payments, err := store.ListPayments(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)
		assert.Equal(t, before, f.reload(t, a.ID))
	})
}

func TestProcessPayment_BelowInstallmentRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.threeYearWeekly())
		before := f.reload(t, a.ID)

		_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: a.ID,
			Amount:      generic.MustParseMoney("10"),
		})

		assert.ErrorIs(t, err, workandpay.ErrPaymentBelowInstallment)
		payments, err := store.ListPayments(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)
		assert.Equal(t, before, f.reload(t, a.ID))
	})
}

func TestProcessPayment_NonPositiveAmountRejectedBeforePersistence(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.threeYearWeekly())

		for _, amount := range []generic.Money{0, -64103} {
			_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
				AgreementID: a.ID,
				Amount:      amount,
			})
			assert.True(t, generic.IsValidation(err), "amount %s", amount)
		}

		// Unknown agreement with a bad amount still fails validation first.
		_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: "missing",
			Amount:      0,
		})
		assert.True(t, generic.IsValidation(err))
	})
}

func TestProcessPayment_UnknownAgreement(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)

		_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: "does-not-exist",
			Amount:      generic.MustParseMoney("641.03"),
		})

		assert.True(t, generic.IsNotFound(err))
		var nf *workandpay.AgreementNotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestProcessPayment_CompletedAgreementRejectsFurtherPayments(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.oneYearMonthly())
		for i := 0; i < 11; i++ {
			f.pay(t, a.ID, "83.34")
		}
		final := f.pay(t, a.ID, "83.26")
		require.True(t, final.Completed)

		_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: a.ID,
			Amount:      generic.MustParseMoney("83.34"),
		})

		assert.ErrorIs(t, err, workandpay.ErrAgreementCompleted)
		assert.Contains(t, err.Error(), "agreement already completed")
		payments, err := store.ListPayments(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 12)
		assert.Equal(t, 1, f.vehicles.callCount())
	})
}

func TestProcessPayment_ResidualOnlyAcceptedWhenItClearsBalance(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.oneYearMonthly())
		for i := 0; i < 11; i++ {
			f.pay(t, a.ID, "83.34")
		}

		// 83.25 is below both the installment and the balance.
		_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: a.ID,
			Amount:      generic.MustParseMoney("83.25"),
		})
		assert.ErrorIs(t, err, workandpay.ErrPaymentBelowInstallment)

		// A full installment now exceeds the balance.
		_, err = f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: a.ID,
			Amount:      generic.MustParseMoney("83.34"),
		})
		assert.ErrorIs(t, err, workandpay.ErrPaymentExceedsBalance)

		out := f.pay(t, a.ID, "83.26")
		assert.True(t, out.Completed)
	})
}

func TestProcessPayment_IdempotencyKeyReplayIsNoOp(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.threeYearWeekly())
		req := workandpay.PaymentRequest{
			AgreementID:    a.ID,
			Amount:         generic.MustParseMoney("641.03"),
			Method:         "cash",
			IdempotencyKey: "receipt-001",
		}

		first, err := f.svc.ProcessPayment(context.Background(), req)
		require.NoError(t, err)
		second, err := f.svc.ProcessPayment(context.Background(), req)
		require.NoError(t, err)

		assert.False(t, first.Duplicate)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Payment.ID, second.Payment.ID)
		assert.Equal(t, first.Payment.Code, second.Payment.Code)

		payments, err := store.ListPayments(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
		stored := f.reload(t, a.ID)
		assert.Equal(t, generic.MustParseMoney("641.03"), stored.AmountPaid)
		assertReconciled(t, store, stored)
	})
}

func TestProcessPayment_ConcurrentPaymentsDoNotLoseUpdates(t *testing.T) {
	// GIVEN: 1,000 over 12 months (11 x 83.34, then 83.26)
	// WHEN: 20 goroutines each try to pay 83.34 at the same time
	// THEN: Exactly 11 succeed, the rest exceed the remaining balance, and
	//       totals reconcile

	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.oneYearMonthly())

		const workers = 20
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			rejected  int
			other     []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
					AgreementID: a.ID,
					Amount:      generic.MustParseMoney("83.34"),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, workandpay.ErrPaymentExceedsBalance):
					rejected++
				default:
					other = append(other, err)
				}
			}()
		}
		wg.Wait()

		require.Empty(t, other)
		assert.Equal(t, 11, succeeded)
		assert.Equal(t, workers-11, rejected)

		stored := f.reload(t, a.ID)
		assert.Equal(t, generic.MustParseMoney("916.74"), stored.AmountPaid)
		assert.Equal(t, generic.MustParseMoney("83.26"), stored.BalanceDue)
		assert.Equal(t, 11, stored.InstallmentsPaid)
		assert.Equal(t, 1, stored.InstallmentsRemaining)
		assertReconciled(t, store, stored)
	})
}

func TestProcessPayment_MonotonicAcrossReads(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.oneYearMonthly())

		prev := f.reload(t, a.ID)
		for i := 0; i < 5; i++ {
			f.pay(t, a.ID, "100")
			cur := f.reload(t, a.ID)
			assert.Greater(t, int64(cur.AmountPaid), int64(prev.AmountPaid))
			assert.Greater(t, cur.InstallmentsPaid, prev.InstallmentsPaid)
			assert.Less(t, int64(cur.BalanceDue), int64(prev.BalanceDue))
			assert.LessOrEqual(t, cur.InstallmentsRemaining, prev.InstallmentsRemaining)
			assert.Greater(t, cur.Version, prev.Version)
			prev = cur
		}
	})
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestProcessPayment_SettlementFailureDoesNotRollBackAndIsReconciled(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.oneYearMonthly())
		for i := 0; i < 11; i++ {
			f.pay(t, a.ID, "83.34")
		}

		f.vehicles.failWith(errors.New("fleet service unavailable"))
		final := f.pay(t, a.ID, "83.26")

		// The payment stands even though the transfer failed.
		assert.True(t, final.Completed)
		assert.True(t, final.Settlement.Attempted)
		assert.Error(t, final.Settlement.Err)
		stored := f.reload(t, a.ID)
		assert.Equal(t, workandpay.StatusCompleted, stored.Status)
		assert.True(t, stored.SettlementPending)
		assertReconciled(t, store, stored)

		v, err := store.GetVehicle(context.Background(), f.vehicle.ID)
		require.NoError(t, err)
		assert.Equal(t, "company-1", v.OwnerID)

		// A sweep while the collaborator is still down changes nothing.
		report, err := f.svc.ReconcileSettlements(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, workandpay.ReconcileReport{Scanned: 1, Failed: 1}, report)

		f.vehicles.failWith(nil)
		report, err = f.svc.ReconcileSettlements(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, workandpay.ReconcileReport{Scanned: 1, Settled: 1}, report)

		stored = f.reload(t, a.ID)
		assert.False(t, stored.SettlementPending)
		assert.NotNil(t, stored.SettledAt)
		v, err = store.GetVehicle(context.Background(), f.vehicle.ID)
		require.NoError(t, err)
		assert.Equal(t, "driver-1", v.OwnerID)
		assert.Equal(t, workandpay.VehicleStatusSold, v.Status)

		// Nothing left to do.
		report, err = f.svc.ReconcileSettlements(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, workandpay.ReconcileReport{}, report)
	})
}

// gatedVehicles holds the first UpdateVehicle call until release is closed.
type gatedVehicles struct {
	*recordingVehicles
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedVehicles) UpdateVehicle(ctx context.Context, vehicleID string, u workandpay.VehicleUpdate) error {
	first := false
	g.once.Do(func() {
		first = true
		close(g.entered)
	})
	if first {
		<-g.release
	}
	return g.recordingVehicles.UpdateVehicle(ctx, vehicleID, u)
}

func TestProcessPayment_SweepDuringSettlementDoesNotTransferTwice(t *testing.T) {
	// GIVEN: The completing payment is mid-transfer, holding the settlement claim
	// WHEN: A reconciliation sweep runs at the same moment
	// THEN: The sweep skips the agreement and the vehicle is updated exactly once

	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		gated := &gatedVehicles{
			recordingVehicles: f.vehicles,
			entered:           make(chan struct{}),
			release:           make(chan struct{}),
		}
		f.svc = workandpay.NewService(store, gated, workandpay.WithClock(newStepClock().Now))

		a := f.initiate(t, f.oneYearMonthly())
		for i := 0; i < 11; i++ {
			f.pay(t, a.ID, "83.34")
		}

		done := make(chan *workandpay.PaymentOutcome, 1)
		go func() {
			out, err := f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
				AgreementID: a.ID,
				Amount:      generic.MustParseMoney("83.26"),
			})
			assert.NoError(t, err)
			done <- out
		}()
		<-gated.entered

		report, err := f.svc.ReconcileSettlements(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, workandpay.ReconcileReport{Scanned: 1, Skipped: 1}, report)

		close(gated.release)
		out := <-done
		require.NotNil(t, out)
		assert.True(t, out.Completed)
		assert.True(t, out.Settlement.Settled())
		assert.Equal(t, 1, f.vehicles.callCount())

		stored := f.reload(t, a.ID)
		assert.False(t, stored.SettlementPending)

		report, err = f.svc.ReconcileSettlements(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, workandpay.ReconcileReport{}, report)
		assert.Equal(t, 1, f.vehicles.callCount())
	})
}

func TestReconcile_ExpiredClaimIsTakenOver(t *testing.T) {
	// GIVEN: A completed agreement whose claim holder died without releasing it
	// WHEN: Sweeps run before and after the lease expires
	// THEN: The first is skipped and the second settles

	store := memory.New()
	clock := newStepClock()
	svc := workandpay.NewService(store, nil, workandpay.WithClock(clock.Now))
	a, err := svc.InitiateAgreement(context.Background(), workandpay.InitiateRequest{
		OwnerID: "company-1", DriverID: "driver-1", VehicleID: "vehicle-1",
		FinalPrice: generic.MustParseMoney("100"), DurationYears: 1, Frequency: workandpay.FrequencyMonthly,
	})
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		_, err := svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{AgreementID: a.ID, Amount: generic.MustParseMoney("8.34")})
		require.NoError(t, err)
	}
	_, err = svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{AgreementID: a.ID, Amount: generic.MustParseMoney("8.26")})
	require.NoError(t, err)

	now := clock.Now()
	claimed, err := store.ClaimSettlement(context.Background(), a.ID, now, now.Add(10*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	vehicles := &recordingVehicles{inner: nopVehicles{}}
	sweeper := workandpay.NewService(store, vehicles, workandpay.WithClock(clock.Now), workandpay.WithSettlementLease(time.Minute))

	report, err := sweeper.ReconcileSettlements(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, workandpay.ReconcileReport{Scanned: 1, Skipped: 1}, report)
	assert.Equal(t, 0, vehicles.callCount())

	// The step clock moves one minute per call.
	for i := 0; i < 10; i++ {
		clock.Now()
	}
	report, err = sweeper.ReconcileSettlements(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, workandpay.ReconcileReport{Scanned: 1, Settled: 1}, report)
	assert.Equal(t, 1, vehicles.callCount())
}

type nopVehicles struct{}

func (nopVehicles) UpdateVehicle(context.Context, string, workandpay.VehicleUpdate) error { return nil }

func TestService_WithoutVehicleCollaboratorLeavesSettlementPending(t *testing.T) {
	store := memory.New()
	svc := workandpay.NewService(store, nil)
	a, err := svc.InitiateAgreement(context.Background(), workandpay.InitiateRequest{
		OwnerID: "company-1", DriverID: "driver-1", VehicleID: "vehicle-1",
		FinalPrice: generic.MustParseMoney("100"), DurationYears: 1, Frequency: workandpay.FrequencyMonthly,
	})
	require.NoError(t, err)

	for i := 0; i < 11; i++ {
		_, err := svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{AgreementID: a.ID, Amount: generic.MustParseMoney("8.34")})
		require.NoError(t, err)
	}
	out, err := svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{AgreementID: a.ID, Amount: generic.MustParseMoney("8.26")})
	require.NoError(t, err)

	assert.True(t, out.Completed)
	assert.False(t, out.Settlement.Attempted)
	assert.True(t, out.Agreement.SettlementPending)
}

// =============================================================================
// DEFAULT
// =============================================================================

func TestMarkDefaulted_BlocksPaymentsAndIsTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.threeYearWeekly())
		f.pay(t, a.ID, "641.03")

		d, err := f.svc.MarkDefaulted(context.Background(), a.ID, "missed 8 weeks", "ops-1")
		require.NoError(t, err)
		assert.Equal(t, workandpay.StatusDefaulted, d.Status)
		assert.NotNil(t, d.DefaultedAt)
		assert.Equal(t, "missed 8 weeks", d.DefaultReason)

		_, err = f.svc.ProcessPayment(context.Background(), workandpay.PaymentRequest{
			AgreementID: a.ID,
			Amount:      generic.MustParseMoney("641.03"),
		})
		assert.ErrorIs(t, err, workandpay.ErrAgreementDefaulted)

		_, err = f.svc.MarkDefaulted(context.Background(), a.ID, "again", "ops-1")
		assert.ErrorIs(t, err, workandpay.ErrInvalidTransition)
		assert.True(t, generic.IsClientError(err))

		stored := f.reload(t, a.ID)
		assert.Equal(t, generic.MustParseMoney("641.03"), stored.AmountPaid)
		assert.Equal(t, workandpay.StatusDefaulted, stored.Status)
		assert.Equal(t, 0, f.vehicles.callCount())
	})
}

// =============================================================================
// READS
// =============================================================================

func TestGetAgreementDetails_AbsentReturnsNil(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)

		a, err := f.svc.GetAgreementDetails(context.Background(), "nope")

		assert.NoError(t, err)
		assert.Nil(t, a)
	})
}

func TestGetPaymentsByAgreementID_NewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		a := f.initiate(t, f.oneYearMonthly())
		f.pay(t, a.ID, "83.34")
		f.pay(t, a.ID, "100")
		f.pay(t, a.ID, "200")

		payments, err := f.svc.GetPaymentsByAgreementID(context.Background(), a.ID)

		require.NoError(t, err)
		require.Len(t, payments, 3)
		assert.Equal(t, generic.MustParseMoney("200"), payments[0].Amount)
		assert.Equal(t, generic.MustParseMoney("100"), payments[1].Amount)
		assert.Equal(t, generic.MustParseMoney("83.34"), payments[2].Amount)
		assert.Equal(t, "PR-0000003", payments[0].Code)
		assert.True(t, payments[0].PaymentDate.After(payments[1].PaymentDate))

		_, err = f.svc.GetPaymentsByAgreementID(context.Background(), "missing")
		assert.True(t, generic.IsNotFound(err))
	})
}

func TestListAgreements_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store backend) {
		f := newFixture(t, store)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			v := &workandpay.Vehicle{OwnerID: "company-1"}
			require.NoError(t, store.CreateVehicle(ctx, v))
			req := f.oneYearMonthly()
			req.VehicleID = v.ID
			req.DriverID = fmt.Sprintf("driver-%d", i%2)
			f.initiate(t, req)
		}

		byDriver, err := f.svc.ListAgreements(ctx, workandpay.AgreementFilter{DriverID: "driver-0"})
		require.NoError(t, err)
		assert.Len(t, byDriver, 2)

		active, err := f.svc.ListAgreements(ctx, workandpay.AgreementFilter{Status: workandpay.StatusActive, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, active, 1)

		_, err = f.svc.ListAgreements(ctx, workandpay.AgreementFilter{Status: "Paused"})
		assert.True(t, generic.IsValidation(err))
	})
}

// =============================================================================
// CACHE
// =============================================================================

type mapCache struct {
	mu    sync.Mutex
	items map[string]*workandpay.Agreement
	hits  int
}

func (c *mapCache) Get(_ context.Context, id string) (*workandpay.Agreement, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.items[id]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return a.Clone(), true, nil
}

func (c *mapCache) Put(_ context.Context, a *workandpay.Agreement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.items[a.ID]; ok && cur.Version > a.Version {
		return nil
	}
	c.items[a.ID] = a.Clone()
	return nil
}

func TestGetAgreementDetails_ServedFromCacheAndRefreshedOnPayment(t *testing.T) {
	cache := &mapCache{items: make(map[string]*workandpay.Agreement)}
	f := newFixture(t, memory.New(), workandpay.WithCache(cache))
	a := f.initiate(t, f.oneYearMonthly())

	got, err := f.svc.GetAgreementDetails(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, a.BalanceDue, got.BalanceDue)

	f.pay(t, a.ID, "83.34")

	got, err = f.svc.GetAgreementDetails(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.MustParseMoney("916.66"), got.BalanceDue)
	assert.Equal(t, 2, cache.hits)
}
