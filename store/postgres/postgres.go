/*
Package postgres implements the workandpay store interfaces on PostgreSQL
using gorm.

PURPOSE:
  Production persistence. Same contract as store/sqlite; the difference is
  how concurrent writers are serialized.

CONCURRENCY:
  GetAgreementForUpdate issues SELECT ... FOR UPDATE (clause.Locking), so a
  second ledger transaction on the same agreement blocks until the first
  commits and then re-reads the new balance. Different agreements never
  contend.

SCHEMA:
  AutoMigrate creates the tables from the row structs below. Partial unique
  indexes gorm cannot express are created with raw SQL afterwards:
  - idx_agreements_active_vehicle: one Active agreement per vehicle
  - idx_payments_idempotency: (agreement_id, idempotency_key) unique
  - chk_agreements_ledger: amount_paid + balance_due = total_sale_price,
    no negative totals
  - chk_payment_records_amount: amount > 0
  Codes come from one SEQUENCE per prefix (code_seq_wa, code_seq_pr,
  code_seq_ve).

SEE ALSO:
  - workandpay/store.go: Interface definitions
  - store/sqlite: Default implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/workandpay"
)

// PostgreSQL error codes the store reacts to.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

// =============================================================================
// ROW MODELS
// =============================================================================

type agreementRow struct {
	ID                     string `gorm:"primaryKey"`
	Code                   string `gorm:"uniqueIndex;not null"`
	OwnerID                string `gorm:"not null;index"`
	DriverID               string `gorm:"not null;index"`
	VehicleID              string `gorm:"not null"`
	PlanID                 string
	OriginalPrice          int64  `gorm:"not null"`
	TotalSalePrice         int64  `gorm:"not null"`
	InstallmentAmount      int64  `gorm:"not null"`
	PaymentFrequency       string `gorm:"not null"`
	DurationYears          int    `gorm:"not null"`
	AmountPaid             int64  `gorm:"not null"`
	BalanceDue             int64  `gorm:"not null"`
	InstallmentsPaid       int    `gorm:"not null"`
	InstallmentsRemaining  int    `gorm:"not null"`
	Status                 string `gorm:"not null;index"`
	StartDate              time.Time
	CompletionDate         *time.Time
	DefaultedAt            *time.Time
	DefaultReason          string
	SettlementPending      bool `gorm:"not null"`
	SettlementClaimedUntil *time.Time
	SettledAt              *time.Time
	Version                int64 `gorm:"not null"`
	CreatedBy              string
	CreatedAt              time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt              time.Time `gorm:"autoUpdateTime:false"`
}

func (agreementRow) TableName() string { return "agreements" }

type paymentRow struct {
	ID             string    `gorm:"primaryKey"`
	Code           string    `gorm:"uniqueIndex;not null"`
	AgreementID    string    `gorm:"not null;index:idx_payments_agreement_date,priority:1"`
	Amount         int64     `gorm:"not null"`
	PaymentDate    time.Time `gorm:"not null;index:idx_payments_agreement_date,priority:2,sort:desc"`
	Method         string
	RecordedBy     string
	IdempotencyKey *string
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
}

func (paymentRow) TableName() string { return "payment_records" }

type vehicleRow struct {
	ID           string `gorm:"primaryKey"`
	Code         string `gorm:"uniqueIndex;not null"`
	OwnerID      string `gorm:"not null"`
	Status       string `gorm:"not null"`
	LicensePlate string
	Make         string
	Model        string
	Year         int
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (vehicleRow) TableName() string { return "vehicles" }

type planRow struct {
	ID            string          `gorm:"primaryKey"`
	Name          string          `gorm:"not null"`
	Multiplier    decimal.Decimal `gorm:"type:numeric(10,4);not null"`
	DurationYears int             `gorm:"not null"`
	Frequency     string          `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (planRow) TableName() string { return "pricing_plans" }

// codePrefixes each get a SEQUENCE. nextval takes no row lock, so code
// allocation never serializes writers on different agreements. A rolled-back
// insert leaves a gap in its prefix's codes.
var codePrefixes = []string{
	workandpay.AgreementCodePrefix,
	workandpay.PaymentCodePrefix,
	workandpay.VehicleCodePrefix,
}

func sequenceName(prefix string) string {
	return "code_seq_" + strings.ToLower(prefix)
}

// =============================================================================
// STORE
// =============================================================================

// Store implements all storage interfaces on PostgreSQL.
type Store struct {
	db *gorm.DB
}

var (
	_ workandpay.TxStore      = (*Store)(nil)
	_ workandpay.VehicleStore = (*Store)(nil)
	_ workandpay.PlanStore    = (*Store)(nil)
)

// New connects to PostgreSQL and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&agreementRow{}, &paymentRow{}, &vehicleRow{}, &planRow{}); err != nil {
		return err
	}

	var statements []string
	for _, prefix := range codePrefixes {
		statements = append(statements, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", sequenceName(prefix)))
	}
	statements = append(statements,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agreements_active_vehicle
			ON agreements (vehicle_id) WHERE status = 'Active'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
			ON payment_records (agreement_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_agreements_settlement
			ON agreements (completion_date) WHERE settlement_pending`,
		`ALTER TABLE agreements
			DROP CONSTRAINT IF EXISTS chk_agreements_ledger,
			ADD CONSTRAINT chk_agreements_ledger CHECK (
				total_sale_price > 0 AND installment_amount > 0 AND
				amount_paid >= 0 AND balance_due >= 0 AND installments_remaining >= 0 AND
				amount_paid + balance_due = total_sale_price)`,
		`ALTER TABLE payment_records
			DROP CONSTRAINT IF EXISTS chk_payment_records_amount,
			ADD CONSTRAINT chk_payment_records_amount CHECK (amount > 0)`,
	)
	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func nextCode(tx *gorm.DB, prefix string) (string, error) {
	var seq int64
	err := tx.Raw(fmt.Sprintf("SELECT nextval('%s')", sequenceName(prefix))).Scan(&seq).Error
	if err != nil {
		return "", fmt.Errorf("failed to allocate %s code: %w", prefix, err)
	}
	return generic.FormatCode(prefix, seq), nil
}

// =============================================================================
// AGREEMENTS
// =============================================================================

func (s *Store) CreateAgreement(ctx context.Context, a *workandpay.Agreement) error {
	var code string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		code, err = nextCode(tx, workandpay.AgreementCodePrefix)
		if err != nil {
			return err
		}
		row := toAgreementRow(a)
		row.Code = code
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err, "idx_agreements_active_vehicle") {
				return workandpay.ErrVehicleUnderAgreement
			}
			if isUniqueViolation(err, "") {
				return fmt.Errorf("%w: %v", generic.ErrConflict, err)
			}
			return fmt.Errorf("failed to insert agreement: %w", err)
		}
		return nil
	})
	if err != nil {
		return classify("create agreement", err)
	}

	a.Code = code
	return nil
}

func (s *Store) GetAgreement(ctx context.Context, id string) (*workandpay.Agreement, error) {
	var row agreementRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toAgreement(), nil
}

func (s *Store) ListAgreements(ctx context.Context, filter workandpay.AgreementFilter) ([]workandpay.Agreement, error) {
	q := s.db.WithContext(ctx).Model(&agreementRow{})
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.DriverID != "" {
		q = q.Where("driver_id = ?", filter.DriverID)
	}
	if filter.VehicleID != "" {
		q = q.Where("vehicle_id = ?", filter.VehicleID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []agreementRow
	if err := q.Order("created_at DESC, code DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toAgreements(rows), nil
}

func (s *Store) ListPendingSettlements(ctx context.Context, limit int) ([]workandpay.Agreement, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND settlement_pending", string(workandpay.StatusCompleted)).
		Order("completion_date ASC, code ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []agreementRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toAgreements(rows), nil
}

// ClaimSettlement is a conditional UPDATE; concurrent claimers block on the
// row and re-check the predicate, so exactly one wins.
func (s *Store) ClaimSettlement(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&agreementRow{}).
		Where("id = ? AND settlement_pending", id).
		Where("settlement_claimed_until IS NULL OR settlement_claimed_until <= ?", now).
		Update("settlement_claimed_until", until)
	if res.Error != nil {
		return false, classify("claim settlement", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&agreementRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, &workandpay.AgreementNotFoundError{AgreementID: id}
	}
	return false, nil
}

func (s *Store) ReleaseSettlement(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&agreementRow{}).
		Where("id = ?", id).
		Update("settlement_claimed_until", nil).Error
	return classify("release settlement", err)
}

func (s *Store) MarkSettled(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&agreementRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"settlement_pending":       false,
		"settlement_claimed_until": nil,
		"settled_at":               gorm.Expr("COALESCE(settled_at, ?)", at),
	})
	if res.Error != nil {
		return classify("mark settled", res.Error)
	}
	if res.RowsAffected == 0 {
		return &workandpay.AgreementNotFoundError{AgreementID: id}
	}
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) ListPayments(ctx context.Context, agreementID string) ([]workandpay.PaymentRecord, error) {
	var rows []paymentRow
	err := s.db.WithContext(ctx).
		Where("agreement_id = ?", agreementID).
		Order("payment_date DESC, code DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	payments := make([]workandpay.PaymentRecord, 0, len(rows))
	for _, r := range rows {
		payments = append(payments, r.toPayment())
	}
	return payments, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx workandpay.LedgerTx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx})
	})
	return classify("ledger transaction", err)
}

type ledgerTx struct {
	db *gorm.DB
}

// GetAgreementForUpdate locks the agreement row until commit.
func (t *ledgerTx) GetAgreementForUpdate(_ context.Context, id string) (*workandpay.Agreement, error) {
	var row agreementRow
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toAgreement(), nil
}

func (t *ledgerTx) FindPaymentByIdempotencyKey(_ context.Context, agreementID, key string) (*workandpay.PaymentRecord, error) {
	var row paymentRow
	err := t.db.Where("agreement_id = ? AND idempotency_key = ?", agreementID, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := row.toPayment()
	return &p, nil
}

func (t *ledgerTx) InsertPayment(_ context.Context, p *workandpay.PaymentRecord) error {
	code, err := nextCode(t.db, workandpay.PaymentCodePrefix)
	if err != nil {
		return err
	}

	row := paymentRow{
		ID:          p.ID,
		Code:        code,
		AgreementID: p.AgreementID,
		Amount:      p.Amount.Cents(),
		PaymentDate: p.PaymentDate,
		Method:      p.Method,
		RecordedBy:  p.RecordedBy,
		CreatedAt:   p.CreatedAt,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		row.IdempotencyKey = &key
	}
	if err := t.db.Create(&row).Error; err != nil {
		if isUniqueViolation(err, "idx_payments_idempotency") {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	p.Code = code
	return nil
}

func (t *ledgerTx) UpdateAgreementLedger(_ context.Context, a *workandpay.Agreement) error {
	res := t.db.Model(&agreementRow{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(map[string]interface{}{
			"amount_paid":            a.AmountPaid.Cents(),
			"balance_due":            a.BalanceDue.Cents(),
			"installments_paid":      a.InstallmentsPaid,
			"installments_remaining": a.InstallmentsRemaining,
			"status":                 string(a.Status),
			"completion_date":        a.CompletionDate,
			"defaulted_at":           a.DefaultedAt,
			"default_reason":         a.DefaultReason,
			"settlement_pending":     a.SettlementPending,
			"settled_at":             a.SettledAt,
			"version":                gorm.Expr("version + 1"),
			"updated_at":             a.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update agreement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("agreement %s at version %d: %w", a.ID, a.Version, generic.ErrConcurrentModification)
	}

	a.Version++
	return nil
}

// =============================================================================
// VEHICLES
// =============================================================================

func (s *Store) CreateVehicle(ctx context.Context, v *workandpay.Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = workandpay.VehicleStatusAvailable
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	var code string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		code, err = nextCode(tx, workandpay.VehicleCodePrefix)
		if err != nil {
			return err
		}
		row := vehicleRow{
			ID: v.ID, Code: code, OwnerID: v.OwnerID, Status: v.Status,
			LicensePlate: v.LicensePlate, Make: v.Make, Model: v.Model, Year: v.Year,
			CreatedAt: v.CreatedAt, UpdatedAt: v.UpdatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err, "") {
				return fmt.Errorf("vehicle %s: %w", v.ID, generic.ErrConflict)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return classify("create vehicle", err)
	}

	v.Code = code
	return nil
}

func (s *Store) GetVehicle(ctx context.Context, id string) (*workandpay.Vehicle, error) {
	var row vehicleRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &workandpay.Vehicle{
		ID: row.ID, Code: row.Code, OwnerID: row.OwnerID, Status: row.Status,
		LicensePlate: row.LicensePlate, Make: row.Make, Model: row.Model, Year: row.Year,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *Store) UpdateVehicle(ctx context.Context, vehicleID string, update workandpay.VehicleUpdate) error {
	res := s.db.WithContext(ctx).Model(&vehicleRow{}).Where("id = ?", vehicleID).Updates(map[string]interface{}{
		"owner_id":   update.OwnerID,
		"status":     update.Status,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return classify("update vehicle", res.Error)
	}
	if res.RowsAffected == 0 {
		return &workandpay.VehicleNotFoundError{VehicleID: vehicleID}
	}
	return nil
}

// =============================================================================
// PLANS
// =============================================================================

func (s *Store) SavePlan(ctx context.Context, p workandpay.PricingPlan) error {
	row := planRow{
		ID:            p.ID,
		Name:          p.Name,
		Multiplier:    p.Multiplier,
		DurationYears: p.DurationYears,
		Frequency:     string(p.Frequency),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "multiplier", "duration_years", "frequency", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) GetPlan(ctx context.Context, id string) (*workandpay.PricingPlan, error) {
	var row planRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := row.toPlan()
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]workandpay.PricingPlan, error) {
	var rows []planRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	plans := make([]workandpay.PricingPlan, 0, len(rows))
	for _, r := range rows {
		plans = append(plans, r.toPlan())
	}
	return plans, nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("TRUNCATE payment_records, agreements, vehicles, pricing_plans").Error; err != nil {
			return err
		}
		for _, prefix := range codePrefixes {
			if err := tx.Exec(fmt.Sprintf("ALTER SEQUENCE %s RESTART", sequenceName(prefix))).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// CONVERSIONS & ERRORS
// =============================================================================

func toAgreementRow(a *workandpay.Agreement) agreementRow {
	return agreementRow{
		ID:                    a.ID,
		Code:                  a.Code,
		OwnerID:               a.OwnerID,
		DriverID:              a.DriverID,
		VehicleID:             a.VehicleID,
		PlanID:                a.PlanID,
		OriginalPrice:         a.OriginalVehiclePrice.Cents(),
		TotalSalePrice:        a.TotalSalePrice.Cents(),
		InstallmentAmount:     a.InstallmentAmount.Cents(),
		PaymentFrequency:      string(a.PaymentFrequency),
		DurationYears:         a.DurationYears,
		AmountPaid:            a.AmountPaid.Cents(),
		BalanceDue:            a.BalanceDue.Cents(),
		InstallmentsPaid:      a.InstallmentsPaid,
		InstallmentsRemaining: a.InstallmentsRemaining,
		Status:                string(a.Status),
		StartDate:             a.StartDate,
		CompletionDate:        a.CompletionDate,
		DefaultedAt:           a.DefaultedAt,
		DefaultReason:         a.DefaultReason,
		SettlementPending:     a.SettlementPending,
		SettledAt:             a.SettledAt,
		Version:               a.Version,
		CreatedBy:             a.CreatedBy,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
}

func (r agreementRow) toAgreement() *workandpay.Agreement {
	return &workandpay.Agreement{
		ID:                    r.ID,
		Code:                  r.Code,
		OwnerID:               r.OwnerID,
		DriverID:              r.DriverID,
		VehicleID:             r.VehicleID,
		PlanID:                r.PlanID,
		OriginalVehiclePrice:  generic.Cents(r.OriginalPrice),
		TotalSalePrice:        generic.Cents(r.TotalSalePrice),
		InstallmentAmount:     generic.Cents(r.InstallmentAmount),
		PaymentFrequency:      workandpay.Frequency(r.PaymentFrequency),
		DurationYears:         r.DurationYears,
		AmountPaid:            generic.Cents(r.AmountPaid),
		BalanceDue:            generic.Cents(r.BalanceDue),
		InstallmentsPaid:      r.InstallmentsPaid,
		InstallmentsRemaining: r.InstallmentsRemaining,
		Status:                workandpay.Status(r.Status),
		StartDate:             r.StartDate.UTC(),
		CompletionDate:        utcPtr(r.CompletionDate),
		DefaultedAt:           utcPtr(r.DefaultedAt),
		DefaultReason:         r.DefaultReason,
		SettlementPending:     r.SettlementPending,
		SettledAt:             utcPtr(r.SettledAt),
		Version:               r.Version,
		CreatedBy:             r.CreatedBy,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
}

func toAgreements(rows []agreementRow) []workandpay.Agreement {
	out := make([]workandpay.Agreement, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toAgreement())
	}
	return out
}

func (r paymentRow) toPayment() workandpay.PaymentRecord {
	p := workandpay.PaymentRecord{
		ID:          r.ID,
		Code:        r.Code,
		AgreementID: r.AgreementID,
		Amount:      generic.Cents(r.Amount),
		PaymentDate: r.PaymentDate.UTC(),
		Method:      r.Method,
		RecordedBy:  r.RecordedBy,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.IdempotencyKey != nil {
		p.IdempotencyKey = *r.IdempotencyKey
	}
	return p
}

func (r planRow) toPlan() workandpay.PricingPlan {
	return workandpay.PricingPlan{
		ID:            r.ID,
		Name:          r.Name,
		Multiplier:    r.Multiplier,
		DurationYears: r.DurationYears,
		Frequency:     workandpay.Frequency(r.Frequency),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// isUniqueViolation reports a unique violation, optionally on one named
// constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// classify marks lock and serialization failures as retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return &generic.TransactionError{Op: op, Err: err}
		}
	}
	return err
}
