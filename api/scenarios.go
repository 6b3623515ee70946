/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates plans, vehicles, agreements and
	payments through the same Service the API uses.

AVAILABLE SCENARIOS:

	scenario-a:         Fresh agreement, 50,000 vehicle on the standard plan
	near-settlement:    155 of 156 weekly installments paid; 640.35 left
	settlement-backlog: Paid-off agreement whose vehicle transfer is pending

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save preset plans via factory
 3. Register vehicles owned by the demo company
 4. Initiate agreements and record payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "near-settlement"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
  - factory/plan.go: Plan JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/workandpay"
)

const (
	demoCompany = "company-demo"
	demoDriver  = "driver-demo"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "scenario-a",
		Name:        "New Agreement",
		Description: "50,000 vehicle at 2x over 3 years weekly: 156 installments of 641.03",
	},
	{
		ID:          "near-settlement",
		Name:        "Near Settlement",
		Description: "155 installments paid; one residual payment of 640.35 completes the sale",
	},
	{
		ID:          "settlement-backlog",
		Name:        "Settlement Backlog",
		Description: "Completed agreement whose vehicle transfer is still pending reconciliation",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "scenario-a":
		loader = h.loadScenarioA
	case "near-settlement":
		loader = h.loadNearSettlementScenario
	case "settlement-backlog":
		loader = h.loadSettlementBacklogScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setCurrentScenario(req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadScenarioA(ctx context.Context) error {
	_, err := h.seedStandardAgreement(ctx, h.Service)
	return err
}

func (h *Handler) loadNearSettlementScenario(ctx context.Context) error {
	a, err := h.seedStandardAgreement(ctx, h.Service)
	if err != nil {
		return err
	}
	return payInstallments(ctx, h.Service, a, a.TotalPeriods()-1)
}

// loadSettlementBacklogScenario pays off an agreement through a Service
// with no vehicle collaborator, leaving the transfer pending for the
// reconciler.
func (h *Handler) loadSettlementBacklogScenario(ctx context.Context) error {
	if err := h.savePresetPlans(ctx); err != nil {
		return err
	}
	v, err := h.seedVehicle(ctx, "KDA 200B", "Nissan", "Note", 2018)
	if err != nil {
		return err
	}

	detached := workandpay.NewService(h.Store, nil, h.serviceOpts...)
	a, err := detached.InitiateAgreement(ctx, workandpay.InitiateRequest{
		OwnerID:       demoCompany,
		DriverID:      demoDriver,
		VehicleID:     v.ID,
		PlanID:        "short-1y-monthly",
		OriginalPrice: generic.MustParseMoney("1000"),
		Multiplier:    decimal.RequireFromString("1.5"),
		DurationYears: 1,
		Frequency:     workandpay.FrequencyMonthly,
		CreatedBy:     "scenario",
	})
	if err != nil {
		return err
	}
	if err := payInstallments(ctx, detached, a, a.TotalPeriods()-1); err != nil {
		return err
	}

	current, err := h.Store.GetAgreement(ctx, a.ID)
	if err != nil {
		return err
	}
	_, err = detached.ProcessPayment(ctx, workandpay.PaymentRequest{
		AgreementID: a.ID,
		Amount:      current.BalanceDue,
		Method:      "cash",
		RecordedBy:  "scenario",
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) savePresetPlans(ctx context.Context) error {
	plans, err := h.PlanFactory.Presets()
	if err != nil {
		return err
	}
	for _, p := range plans {
		if err := h.Store.SavePlan(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) seedVehicle(ctx context.Context, plate, brand, model string, year int) (*workandpay.Vehicle, error) {
	v := &workandpay.Vehicle{
		OwnerID:      demoCompany,
		LicensePlate: plate,
		Make:         brand,
		Model:        model,
		Year:         year,
	}
	if err := h.Store.CreateVehicle(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (h *Handler) seedStandardAgreement(ctx context.Context, svc *workandpay.Service) (*workandpay.Agreement, error) {
	if err := h.savePresetPlans(ctx); err != nil {
		return nil, err
	}
	v, err := h.seedVehicle(ctx, "KDA 100A", "Toyota", "Probox", 2019)
	if err != nil {
		return nil, err
	}
	return svc.InitiateAgreement(ctx, workandpay.InitiateRequest{
		OwnerID:       demoCompany,
		DriverID:      demoDriver,
		VehicleID:     v.ID,
		PlanID:        "standard-3y-weekly",
		OriginalPrice: generic.MustParseMoney("50000"),
		Multiplier:    decimal.NewFromInt(2),
		DurationYears: 3,
		Frequency:     workandpay.FrequencyWeekly,
		CreatedBy:     "scenario",
	})
}

func payInstallments(ctx context.Context, svc *workandpay.Service, a *workandpay.Agreement, n int) error {
	for i := 0; i < n; i++ {
		_, err := svc.ProcessPayment(ctx, workandpay.PaymentRequest{
			AgreementID:    a.ID,
			Amount:         a.InstallmentAmount,
			Method:         "mobile_money",
			RecordedBy:     "scenario",
			IdempotencyKey: fmt.Sprintf("scenario-%s-%d", a.ID, i+1),
		})
		if err != nil {
			return fmt.Errorf("installment %d: %w", i+1, err)
		}
	}
	return nil
}
