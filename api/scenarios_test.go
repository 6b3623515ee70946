/*
scenarios_test.go - Tests for demo scenario loading

Tests for:
- Each scenario loads and leaves the expected agreement state
- The settlement backlog is cleared by the reconcile endpoint and scheduler
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/store/memory"
	"github.com/warp/workpay-engine/workandpay"
)

func (s *testServer) loadScenario(id string) AgreementDTO {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/work-pay/agreements?owner_id="+demoCompany, nil)
	require.Equal(s.t, http.StatusOK, rec.Code)
	list := decode[[]AgreementDTO](s.t, rec)
	require.Len(s.t, list, 1)
	return list[0]
}

func TestScenarios_List(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestScenarioA_FreshAgreement(t *testing.T) {
	s := newTestServer(t)

	a := s.loadScenario("scenario-a")

	assert.Equal(t, generic.MustParseMoney("100000"), a.TotalSalePrice)
	assert.Equal(t, generic.MustParseMoney("641.03"), a.InstallmentAmount)
	assert.Equal(t, 156, a.InstallmentsRemaining)
	assert.Equal(t, "Active", a.Status)

	rec := s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "scenario-a", decode[ScenarioDTO](t, rec).ID)
}

func TestNearSettlement_ResidualCompletes(t *testing.T) {
	// GIVEN: 155 installments of 641.03 paid
	// WHEN: The residual 640.35 is paid
	// THEN: The agreement completes and the vehicle goes to the driver

	s := newTestServer(t)
	a := s.loadScenario("near-settlement")
	assert.Equal(t, generic.MustParseMoney("640.35"), a.BalanceDue)
	assert.Equal(t, 155, a.InstallmentsPaid)
	assert.Equal(t, 1, a.InstallmentsRemaining)

	rec := s.do(http.MethodPost, "/api/work-pay/agreements/"+a.ID+"/payments", `{"amount": "640.35"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[PaymentOutcomeDTO](t, rec)
	assert.True(t, out.Completed)
	assert.True(t, out.Settlement.Settled)

	rec = s.do(http.MethodGet, "/api/vehicles/"+a.VehicleID, nil)
	assert.Equal(t, demoDriver, decode[VehicleDTO](t, rec).OwnerID)
}

func TestSettlementBacklog_ReconcileEndpoint(t *testing.T) {
	s := newTestServer(t)
	a := s.loadScenario("settlement-backlog")
	assert.Equal(t, "Completed", a.Status)
	assert.True(t, a.SettlementPending)

	rec := s.do(http.MethodPost, "/api/work-pay/settlements/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ReconcileDTO{Scanned: 1, Settled: 1}, decode[ReconcileDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/vehicles/"+a.VehicleID, nil)
	v := decode[VehicleDTO](t, rec)
	assert.Equal(t, demoDriver, v.OwnerID)
	assert.Equal(t, workandpay.VehicleStatusSold, v.Status)

	// A second sweep finds nothing.
	rec = s.do(http.MethodPost, "/api/work-pay/settlements/reconcile", nil)
	assert.Equal(t, ReconcileDTO{}, decode[ReconcileDTO](t, rec))
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettlementScheduler_RunNowDrainsBacklog(t *testing.T) {
	store := memory.New()
	h := NewHandler(store, nil)
	require.NoError(t, h.loadSettlementBacklogScenario(context.Background()))

	sched := NewSettlementScheduler(h.Service, nil)
	assert.True(t, sched.NextRunTime().IsZero(), "no sweep yet")

	before := time.Now()
	report := sched.RunNow()

	assert.Equal(t, workandpay.ReconcileReport{Scanned: 1, Settled: 1}, report)
	next := sched.NextRunTime()
	assert.False(t, next.Before(before.Add(sched.CheckInterval)))
	assert.False(t, next.After(time.Now().Add(sched.CheckInterval)))

	pending, err := store.ListPendingSettlements(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSettlementScheduler_StartStop(t *testing.T) {
	h := NewHandler(memory.New(), nil)
	sched := NewSettlementScheduler(h.Service, nil)

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	sched.Enabled = false
	sched.Start()
	sched.Stop()
}
