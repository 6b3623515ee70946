/*
handlers.go - HTTP API handlers for the work-and-pay engine

PURPOSE:
  Exposes the agreement lifecycle via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to workandpay.Service.

ENDPOINTS:
  Agreements:
    POST   /api/work-pay/quote                          Preview pricing
    POST   /api/work-pay/agreements                     Initiate agreement
    GET    /api/work-pay/agreements                     List (owner_id, driver_id, vehicle_id, status, limit)
    GET    /api/work-pay/agreements/{id}                Agreement details
    POST   /api/work-pay/agreements/{id}/default        Mark defaulted

  Payments:
    GET    /api/work-pay/agreements/{id}/payments       Newest first
    POST   /api/work-pay/agreements/{id}/payments       Record payment (Idempotency-Key header)

  Settlement:
    POST   /api/work-pay/settlements/reconcile          Retry pending vehicle transfers now

  Plans:
    GET    /api/work-pay/plans                          List plans
    POST   /api/work-pay/plans                          Create/replace plan from JSON
    GET    /api/work-pay/plans/{id}                     Get plan

  Vehicles:
    POST   /api/vehicles                                Register vehicle
    GET    /api/vehicles/{id}                           Vehicle details

ACTOR:
  The acting user comes from the X-User-ID header and is stored as
  CreatedBy / RecordedBy. Authentication happens upstream.

ERROR HANDLING:
  Errors are classified with the generic helpers and returned as JSON:
  - 400: Validation errors, invalid input
  - 404: Agreement, plan or vehicle not found
  - 409: Conflict (vehicle under agreement, duplicate key)
  - 422: Business rule (payment rejected, invalid transition)
  - 503: Retryable infrastructure failure
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/workpay-engine/factory"
	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/workandpay"
)

// ActorHeader carries the acting user's ID.
const ActorHeader = "X-User-ID"

// IdempotencyHeader carries the client's payment idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the persistence the HTTP layer needs. store/sqlite,
// store/postgres and store/memory all implement it.
type Backend interface {
	workandpay.TxStore
	workandpay.VehicleStore
	workandpay.PlanStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       Backend
	Service     *workandpay.Service
	PlanFactory *factory.PlanFactory

	serviceOpts []workandpay.Option
	log         *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a Service over store. opts are passed to the Service
// (cache, logger, clock).
func NewHandler(store Backend, log *zap.Logger, opts ...workandpay.Option) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]workandpay.Option{workandpay.WithLogger(log)}, opts...)
	return &Handler{
		Store:       store,
		Service:     workandpay.NewService(store, store, opts...),
		PlanFactory: factory.NewPlanFactory(),
		serviceOpts: opts,
		log:         log.Named("http"),
	}
}

// Health reports liveness and, when the store supports it, database
// reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// QUOTE & AGREEMENT HANDLERS
// =============================================================================

// Quote previews the installment schedule.
// POST /api/work-pay/quote
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	qr, err := h.quoteRequest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	quote, err := h.Service.CalculateInstallment(qr)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteDTO{
		TotalSalePrice:    quote.TotalSalePrice,
		InstallmentAmount: quote.InstallmentAmount,
		TotalPeriods:      quote.TotalPeriods,
	})
}

// CreateAgreement initiates an agreement.
// POST /api/work-pay/agreements
func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req CreateAgreementRequest
	if !decodeBody(w, r, &req) {
		return
	}

	qr, err := h.quoteRequest(r.Context(), req.QuoteRequest)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	a, err := h.Service.InitiateAgreement(r.Context(), workandpay.InitiateRequest{
		OwnerID:       req.OwnerID,
		DriverID:      req.DriverID,
		VehicleID:     req.VehicleID,
		PlanID:        req.PlanID,
		OriginalPrice: qr.OriginalPrice,
		Multiplier:    qr.Multiplier,
		DurationYears: qr.DurationYears,
		Frequency:     qr.Frequency,
		FinalPrice:    qr.FinalPrice,
		CreatedBy:     actor(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAgreementDTO(a))
}

// quoteRequest resolves plan_id into the terms the caller left empty.
func (h *Handler) quoteRequest(ctx context.Context, req QuoteRequest) (workandpay.QuoteRequest, error) {
	qr := workandpay.QuoteRequest{
		OriginalPrice: req.OriginalPrice,
		Multiplier:    req.Multiplier,
		DurationYears: req.DurationYears,
		Frequency:     workandpay.Frequency(strings.ToLower(req.Frequency)),
		FinalPrice:    req.FinalPrice,
	}
	if req.PlanID == "" {
		return qr, nil
	}

	plan, err := h.Store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return qr, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return qr, generic.Invalid("plan_id", "unknown plan %q", req.PlanID)
	}
	if qr.Multiplier.IsZero() {
		qr.Multiplier = plan.Multiplier
	}
	if qr.DurationYears == 0 {
		qr.DurationYears = plan.DurationYears
	}
	if qr.Frequency == "" {
		qr.Frequency = plan.Frequency
	}
	return qr, nil
}

// ListAgreements returns agreements matching the query filters.
// GET /api/work-pay/agreements
func (h *Handler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workandpay.AgreementFilter{
		OwnerID:   q.Get("owner_id"),
		DriverID:  q.Get("driver_id"),
		VehicleID: q.Get("vehicle_id"),
		Status:    workandpay.Status(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.writeServiceError(w, r, generic.Invalid("limit", "must be an integer"))
			return
		}
		filter.Limit = limit
	}

	agreements, err := h.Service.ListAgreements(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]AgreementDTO, len(agreements))
	for i := range agreements {
		dtos[i] = toAgreementDTO(&agreements[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAgreement returns a single agreement.
// GET /api/work-pay/agreements/{id}
func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.Service.GetAgreementDetails(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "Agreement not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toAgreementDTO(a))
}

// DefaultAgreement marks an Active agreement as defaulted.
// POST /api/work-pay/agreements/{id}/default
func (h *Handler) DefaultAgreement(w http.ResponseWriter, r *http.Request) {
	var req DefaultRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a, err := h.Service.MarkDefaulted(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAgreementDTO(a))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns the payment history, newest first.
// GET /api/work-pay/agreements/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Service.GetPaymentsByAgreementID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i := range payments {
		dtos[i] = toPaymentDTO(&payments[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordPayment applies a payment to an agreement. A replayed idempotency
// key returns the original payment with 200 instead of 201.
// POST /api/work-pay/agreements/{id}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := req.IdempotencyKey
	if hk := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); hk != "" {
		key = hk
	}

	out, err := h.Service.ProcessPayment(r.Context(), workandpay.PaymentRequest{
		AgreementID:    chi.URLParam(r, "id"),
		Amount:         req.Amount,
		Method:         req.Method,
		RecordedBy:     actor(r),
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentOutcomeDTO(out))
}

// ReconcileSettlements runs one settlement sweep.
// POST /api/work-pay/settlements/reconcile
func (h *Handler) ReconcileSettlements(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeServiceError(w, r, generic.Invalid("limit", "must be an integer"))
			return
		}
		limit = n
	}

	report, err := h.Service.ReconcileSettlements(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ReconcileDTO(report))
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns all pricing plans.
// GET /api/work-pay/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Store.ListPlans(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]PlanDTO, len(plans))
	for i := range plans {
		dtos[i] = h.toPlanDTO(&plans[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePlan stores a pricing plan from JSON. An existing ID is replaced;
// agreements already on the plan keep their terms.
// POST /api/work-pay/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var pj factory.PlanJSON
	if !decodeBody(w, r, &pj) {
		return
	}

	plan, err := h.PlanFactory.FromJSON(pj)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.Store.SavePlan(r.Context(), *plan); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toPlanDTO(plan))
}

// GetPlan returns a single plan.
// GET /api/work-pay/plans/{id}
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Store.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if plan == nil {
		writeError(w, http.StatusNotFound, "Plan not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, h.toPlanDTO(plan))
}

func (h *Handler) toPlanDTO(p *workandpay.PricingPlan) PlanDTO {
	dto := PlanDTO{PlanJSON: h.PlanFactory.ToJSON(p)}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = p.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// VEHICLE HANDLERS
// =============================================================================

// CreateVehicle registers a vehicle.
// POST /api/vehicles
func (h *Handler) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	var req CreateVehicleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		h.writeServiceError(w, r, generic.Invalid("owner_id", "is required"))
		return
	}

	v := &workandpay.Vehicle{
		ID:           req.ID,
		OwnerID:      req.OwnerID,
		Status:       req.Status,
		LicensePlate: req.LicensePlate,
		Make:         req.Make,
		Model:        req.Model,
		Year:         req.Year,
	}
	if err := h.Store.CreateVehicle(r.Context(), v); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toVehicleDTO(v))
}

// GetVehicle returns a single vehicle.
// GET /api/vehicles/{id}
func (h *Handler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := h.Store.GetVehicle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "Vehicle not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toVehicleDTO(v))
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: codeForStatus(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps a domain error to its HTTP status and code.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Details: err.Error(),
		Code:    code,
	})
}

// classify returns the HTTP status and a stable machine-readable code.
func classify(err error) (int, string) {
	switch {
	case generic.IsValidation(err):
		return http.StatusBadRequest, "invalid_input"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, workandpay.ErrVehicleUnderAgreement):
		return http.StatusConflict, "vehicle_under_agreement"
	case generic.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, workandpay.ErrPaymentExceedsBalance):
		return http.StatusUnprocessableEntity, "payment_exceeds_balance"
	case errors.Is(err, workandpay.ErrPaymentBelowInstallment):
		return http.StatusUnprocessableEntity, "payment_below_installment"
	case errors.Is(err, workandpay.ErrAgreementCompleted):
		return http.StatusUnprocessableEntity, "agreement_completed"
	case errors.Is(err, workandpay.ErrAgreementDefaulted):
		return http.StatusUnprocessableEntity, "agreement_defaulted"
	case errors.Is(err, workandpay.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, generic.ErrRuleViolation):
		return http.StatusUnprocessableEntity, "rule_violation"
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable, "retryable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// decodeBody writes a 400 and returns false when the body is not valid JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
}
