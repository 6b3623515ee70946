package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/store/memory"
	"github.com/warp/workpay-engine/workandpay"
)

func seed(t *testing.T, store *memory.Store) *workandpay.Agreement {
	t.Helper()
	a := &workandpay.Agreement{
		ID:                "a-1",
		VehicleID:         "v-1",
		TotalSalePrice:    generic.MustParseMoney("1000"),
		InstallmentAmount: generic.MustParseMoney("83.34"),
		BalanceDue:        generic.MustParseMoney("1000"),
		Status:            workandpay.StatusActive,
		Version:           1,
	}
	require.NoError(t, store.CreateAgreement(context.Background(), a))
	return a
}

func TestMemory_WithTx_RollbackRestoresSnapshot(t *testing.T) {
	// GIVEN: An agreement with no payments
	// WHEN: A transaction writes a payment and the agreement, then fails
	// THEN: Neither write is visible and the payment code is not consumed

	store := memory.New()
	ctx := context.Background()
	seed(t, store)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx workandpay.LedgerTx) error {
		a, _ := tx.GetAgreementForUpdate(ctx, "a-1")
		p := &workandpay.PaymentRecord{ID: "p-1", AgreementID: "a-1", Amount: 8334, PaymentDate: time.Now()}
		require.NoError(t, tx.InsertPayment(ctx, p))
		a.AmountPaid += p.Amount
		a.BalanceDue -= p.Amount
		require.NoError(t, tx.UpdateAgreementLedger(ctx, a))
		return boom
	})
	require.ErrorIs(t, err, boom)

	payments, err := store.ListPayments(ctx, "a-1")
	require.NoError(t, err)
	assert.Empty(t, payments)

	a, err := store.GetAgreement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, generic.Zero, a.AmountPaid)
	assert.Equal(t, int64(1), a.Version)

	err = store.WithTx(ctx, func(tx workandpay.LedgerTx) error {
		p := &workandpay.PaymentRecord{ID: "p-2", AgreementID: "a-1", Amount: 8334}
		require.NoError(t, tx.InsertPayment(ctx, p))
		assert.Equal(t, "PR-0000001", p.Code)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ReturnedAgreementsAreCopies(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seed(t, store)

	a, err := store.GetAgreement(ctx, "a-1")
	require.NoError(t, err)
	a.BalanceDue = 0

	again, err := store.GetAgreement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, generic.MustParseMoney("1000"), again.BalanceDue)
}

func TestMemory_StaleVersionRejected(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seed(t, store)

	err := store.WithTx(ctx, func(tx workandpay.LedgerTx) error {
		a, _ := tx.GetAgreementForUpdate(ctx, "a-1")
		a.Version = 0
		return tx.UpdateAgreementLedger(ctx, a)
	})

	assert.True(t, generic.IsRetryable(err))
}

func TestMemory_CanceledContextAbortsTransaction(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithTx(ctx, func(workandpay.LedgerTx) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemory_OneActiveAgreementPerVehicle(t *testing.T) {
	store := memory.New()
	seed(t, store)

	err := store.CreateAgreement(context.Background(), &workandpay.Agreement{
		ID: "a-2", VehicleID: "v-1", Status: workandpay.StatusActive,
	})

	assert.ErrorIs(t, err, workandpay.ErrVehicleUnderAgreement)
}

func TestMemory_SettlementClaimIsExclusiveUntilExpiry(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	seed(t, store)
	require.NoError(t, store.WithTx(ctx, func(tx workandpay.LedgerTx) error {
		a, err := tx.GetAgreementForUpdate(ctx, "a-1")
		if err != nil {
			return err
		}
		a.AmountPaid, a.BalanceDue = a.TotalSalePrice, 0
		a.Status = workandpay.StatusCompleted
		a.SettlementPending = true
		return tx.UpdateAgreementLedger(ctx, a)
	}))

	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	ok, err := store.ClaimSettlement(ctx, "a-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimSettlement(ctx, "a-1", now.Add(time.Second), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "second worker loses while the claim is live")

	require.NoError(t, store.ReleaseSettlement(ctx, "a-1"))
	ok, err = store.ClaimSettlement(ctx, "a-1", now.Add(time.Second), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.MarkSettled(ctx, "a-1", now))
	ok, err = store.ClaimSettlement(ctx, "a-1", now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.ClaimSettlement(ctx, "missing", now, now.Add(time.Minute))
	assert.True(t, generic.IsNotFound(err))
}
