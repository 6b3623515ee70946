/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Default persistence for the engine. Implements every store interface the
  service and the HTTP layer need using database/sql and mattn/go-sqlite3.

INTERFACES IMPLEMENTED:
  workandpay.TxStore:      Agreements, payments and the ledger transaction
  workandpay.VehicleStore: Minimal vehicle registry (settlement target)
  workandpay.PlanStore:    Pricing plans

APPEND-ONLY ENFORCEMENT:
  payment_records has INSERT and SELECT only. There is no UPDATE or DELETE
  statement on it anywhere outside Reset.

KEY TABLES:
  agreements:      One row per agreement, running totals included
  payment_records: Immutable payment log
  vehicles:        Owner and status of each vehicle
  pricing_plans:   Named pricing presets
  code_sequences:  Counters behind WA-/PR-/VE- codes

CONSTRAINTS:
  - idx_agreements_active_vehicle: one Active agreement per vehicle
  - idx_payments_idempotency: (agreement_id, idempotency_key) unique
  - CHECK amount_paid + balance_due = total_sale_price, balance_due >= 0

CONCURRENCY:
  Every transaction starts with BEGIN IMMEDIATE (_txlock=immediate), which
  takes the database write lock up front. Two ledger transactions on the same
  database are therefore serialized by SQLite itself; the loser waits up to
  the busy timeout. An in-memory database is a single shared connection, so
  every statement inside WithTx must go through the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/workpay.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := workandpay.NewService(store, store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - workandpay/store.go: Interface definitions
  - store/postgres: Same contract on PostgreSQL
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/workpay-engine/generic"
	"github.com/warp/workpay-engine/workandpay"
)

// BusyTimeout is how long a writer waits for the database lock.
const BusyTimeout = 5 * time.Second

// timeLayout sorts lexicographically in the same order as time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ workandpay.TxStore      = (*Store)(nil)
	_ workandpay.VehicleStore = (*Store)(nil)
	_ workandpay.PlanStore    = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")

	params := fmt.Sprintf("_foreign_keys=on&_txlock=immediate&_busy_timeout=%d", BusyTimeout.Milliseconds())
	if !memory {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite3", dbPath+sep+params)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS code_sequences (
		prefix TEXT PRIMARY KEY,
		last INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agreements (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		driver_id TEXT NOT NULL,
		vehicle_id TEXT NOT NULL,
		plan_id TEXT,
		original_price INTEGER NOT NULL,
		total_sale_price INTEGER NOT NULL CHECK (total_sale_price > 0),
		installment_amount INTEGER NOT NULL CHECK (installment_amount > 0),
		payment_frequency TEXT NOT NULL,
		duration_years INTEGER NOT NULL,
		amount_paid INTEGER NOT NULL DEFAULT 0 CHECK (amount_paid >= 0),
		balance_due INTEGER NOT NULL CHECK (balance_due >= 0),
		installments_paid INTEGER NOT NULL DEFAULT 0,
		installments_remaining INTEGER NOT NULL CHECK (installments_remaining >= 0),
		status TEXT NOT NULL,
		start_date TEXT NOT NULL,
		completion_date TEXT,
		defaulted_at TEXT,
		default_reason TEXT,
		settlement_pending BOOLEAN NOT NULL DEFAULT FALSE,
		settlement_claimed_until TEXT,
		settled_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (amount_paid + balance_due = total_sale_price)
	);

	-- A vehicle can be sold through at most one running agreement
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agreements_active_vehicle
		ON agreements(vehicle_id) WHERE status = 'Active';

	CREATE INDEX IF NOT EXISTS idx_agreements_owner ON agreements(owner_id);
	CREATE INDEX IF NOT EXISTS idx_agreements_driver ON agreements(driver_id);
	CREATE INDEX IF NOT EXISTS idx_agreements_settlement
		ON agreements(completion_date) WHERE settlement_pending;

	-- Payments (append-only)
	CREATE TABLE IF NOT EXISTS payment_records (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		agreement_id TEXT NOT NULL REFERENCES agreements(id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		payment_date TEXT NOT NULL,
		method TEXT,
		recorded_by TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_agreement_date
		ON payment_records(agreement_id, payment_date DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idempotency
		ON payment_records(agreement_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		license_plate TEXT,
		make TEXT,
		model TEXT,
		year INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pricing_plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		multiplier TEXT NOT NULL,
		duration_years INTEGER NOT NULL,
		frequency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// inTx runs fn in one IMMEDIATE transaction.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return classify(op, err)
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func nextCode(ctx context.Context, q querier, prefix string) (string, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO code_sequences (prefix, last) VALUES (?, 1)
		ON CONFLICT(prefix) DO UPDATE SET last = last + 1
		RETURNING last
	`, prefix).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("failed to allocate %s code: %w", prefix, err)
	}
	return generic.FormatCode(prefix, seq), nil
}

// =============================================================================
// AGREEMENT STORE (workandpay.AgreementStore interface)
// =============================================================================

const agreementColumns = `
	id, code, owner_id, driver_id, vehicle_id, plan_id,
	original_price, total_sale_price, installment_amount, payment_frequency, duration_years,
	amount_paid, balance_due, installments_paid, installments_remaining,
	status, start_date, completion_date, defaulted_at, default_reason,
	settlement_pending, settled_at, version, created_by, created_at, updated_at`

// CreateAgreement inserts a new agreement and assigns its code.
func (s *Store) CreateAgreement(ctx context.Context, a *workandpay.Agreement) error {
	var code string
	err := s.inTx(ctx, "create agreement", func(tx *sql.Tx) error {
		var err error
		code, err = nextCode(ctx, tx, workandpay.AgreementCodePrefix)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO agreements (`+agreementColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, code, a.OwnerID, a.DriverID, a.VehicleID, nullString(a.PlanID),
			a.OriginalVehiclePrice, a.TotalSalePrice, a.InstallmentAmount, string(a.PaymentFrequency), a.DurationYears,
			a.AmountPaid, a.BalanceDue, a.InstallmentsPaid, a.InstallmentsRemaining,
			string(a.Status), formatTime(a.StartDate), nullTime(a.CompletionDate), nullTime(a.DefaultedAt), nullString(a.DefaultReason),
			a.SettlementPending, nullTime(a.SettledAt), a.Version, nullString(a.CreatedBy),
			formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) && strings.Contains(err.Error(), "agreements.vehicle_id") {
				return workandpay.ErrVehicleUnderAgreement
			}
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %v", generic.ErrConflict, err)
			}
			return fmt.Errorf("failed to insert agreement: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.Code = code
	return nil
}

// GetAgreement returns nil, nil when the agreement does not exist.
func (s *Store) GetAgreement(ctx context.Context, id string) (*workandpay.Agreement, error) {
	return getAgreement(ctx, s.db, id)
}

func getAgreement(ctx context.Context, q querier, id string) (*workandpay.Agreement, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = ?`, id)
	a, err := scanAgreement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgreements returns agreements matching the filter, newest first.
func (s *Store) ListAgreements(ctx context.Context, filter workandpay.AgreementFilter) ([]workandpay.Agreement, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.DriverID != "" {
		where = append(where, "driver_id = ?")
		args = append(args, filter.DriverID)
	}
	if filter.VehicleID != "" {
		where = append(where, "vehicle_id = ?")
		args = append(args, filter.VehicleID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + agreementColumns + ` FROM agreements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, code DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return queryAgreements(ctx, s.db, query, args...)
}

// ListPendingSettlements returns completed agreements still awaiting the
// vehicle transfer, oldest completion first.
func (s *Store) ListPendingSettlements(ctx context.Context, limit int) ([]workandpay.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM agreements
		WHERE status = ? AND settlement_pending
		ORDER BY completion_date ASC, code ASC`
	args := []any{string(workandpay.StatusCompleted)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return queryAgreements(ctx, s.db, query, args...)
}

// ClaimSettlement takes the settlement lease when the agreement is pending
// and no unexpired claim exists. Timestamps compare as text in timeLayout.
func (s *Store) ClaimSettlement(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agreements
		SET settlement_claimed_until = ?
		WHERE id = ? AND settlement_pending
			AND (settlement_claimed_until IS NULL OR settlement_claimed_until <= ?)
	`, formatTime(until), id, formatTime(now))
	if err != nil {
		return false, classify("claim settlement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM agreements WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &workandpay.AgreementNotFoundError{AgreementID: id}
	}
	return false, err
}

// ReleaseSettlement clears the claim without touching the pending flag.
func (s *Store) ReleaseSettlement(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agreements SET settlement_claimed_until = NULL WHERE id = ?`, id)
	return classify("release settlement", err)
}

// MarkSettled clears the pending flag and any claim. The first settlement
// time is kept.
func (s *Store) MarkSettled(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agreements
		SET settlement_pending = FALSE, settlement_claimed_until = NULL,
			settled_at = COALESCE(settled_at, ?)
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return classify("mark settled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &workandpay.AgreementNotFoundError{AgreementID: id}
	}
	return nil
}

func queryAgreements(ctx context.Context, q querier, query string, args ...any) ([]workandpay.Agreement, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agreements: %w", err)
	}
	defer rows.Close()

	var agreements []workandpay.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, *a)
	}
	return agreements, rows.Err()
}

func scanAgreement(row scanner) (*workandpay.Agreement, error) {
	var (
		a                                      workandpay.Agreement
		planID, defaultReason, createdBy       sql.NullString
		frequency, status                      string
		startDate, createdAt, updatedAt        string
		completionDate, defaultedAt, settledAt sql.NullString
	)

	err := row.Scan(
		&a.ID, &a.Code, &a.OwnerID, &a.DriverID, &a.VehicleID, &planID,
		&a.OriginalVehiclePrice, &a.TotalSalePrice, &a.InstallmentAmount, &frequency, &a.DurationYears,
		&a.AmountPaid, &a.BalanceDue, &a.InstallmentsPaid, &a.InstallmentsRemaining,
		&status, &startDate, &completionDate, &defaultedAt, &defaultReason,
		&a.SettlementPending, &settledAt, &a.Version, &createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan agreement: %w", err)
	}

	a.PlanID = planID.String
	a.PaymentFrequency = workandpay.Frequency(frequency)
	a.Status = workandpay.Status(status)
	a.StartDate = parseTime(startDate)
	a.CompletionDate = parseNullTime(completionDate)
	a.DefaultedAt = parseNullTime(defaultedAt)
	a.DefaultReason = defaultReason.String
	a.SettledAt = parseNullTime(settledAt)
	a.CreatedBy = createdBy.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// =============================================================================
// PAYMENT STORE (workandpay.PaymentStore interface)
// =============================================================================

const paymentColumns = `id, code, agreement_id, amount, payment_date, method, recorded_by, idempotency_key, created_at`

// ListPayments returns the payments of an agreement, newest first.
func (s *Store) ListPayments(ctx context.Context, agreementID string) ([]workandpay.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payment_records
		WHERE agreement_id = ?
		ORDER BY payment_date DESC, code DESC`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []workandpay.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanPayment(row scanner) (*workandpay.PaymentRecord, error) {
	var (
		p                               workandpay.PaymentRecord
		method, recordedBy, idempotency sql.NullString
		paymentDate, createdAt          string
	)
	err := row.Scan(&p.ID, &p.Code, &p.AgreementID, &p.Amount, &paymentDate,
		&method, &recordedBy, &idempotency, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.PaymentDate = parseTime(paymentDate)
	p.Method = method.String
	p.RecordedBy = recordedBy.String
	p.IdempotencyKey = idempotency.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// =============================================================================
// TRANSACTIONAL STORE (workandpay.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx workandpay.LedgerTx) error) error {
	return s.inTx(ctx, "ledger transaction", func(sqlTx *sql.Tx) error {
		return fn(&ledgerTx{tx: sqlTx})
	})
}

// ledgerTx reads and writes only through the open transaction.
type ledgerTx struct {
	tx *sql.Tx
}

// GetAgreementForUpdate reads the agreement. The IMMEDIATE transaction
// already holds the write lock, so the row cannot change until commit.
func (t *ledgerTx) GetAgreementForUpdate(ctx context.Context, id string) (*workandpay.Agreement, error) {
	return getAgreement(ctx, t.tx, id)
}

func (t *ledgerTx) FindPaymentByIdempotencyKey(ctx context.Context, agreementID, key string) (*workandpay.PaymentRecord, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_records
		WHERE agreement_id = ? AND idempotency_key = ?`, agreementID, key)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (t *ledgerTx) InsertPayment(ctx context.Context, p *workandpay.PaymentRecord) error {
	code, err := nextCode(ctx, t.tx, workandpay.PaymentCodePrefix)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `INSERT INTO payment_records (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, code, p.AgreementID, p.Amount, formatTime(p.PaymentDate),
		nullString(p.Method), nullString(p.RecordedBy), nullString(p.IdempotencyKey),
		formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	p.Code = code
	return nil
}

func (t *ledgerTx) UpdateAgreementLedger(ctx context.Context, a *workandpay.Agreement) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE agreements SET
			amount_paid = ?, balance_due = ?,
			installments_paid = ?, installments_remaining = ?,
			status = ?, completion_date = ?, defaulted_at = ?, default_reason = ?,
			settlement_pending = ?, settled_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		a.AmountPaid, a.BalanceDue,
		a.InstallmentsPaid, a.InstallmentsRemaining,
		string(a.Status), nullTime(a.CompletionDate), nullTime(a.DefaultedAt), nullString(a.DefaultReason),
		a.SettlementPending, nullTime(a.SettledAt),
		formatTime(a.UpdatedAt),
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update agreement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agreement %s at version %d: %w", a.ID, a.Version, generic.ErrConcurrentModification)
	}

	a.Version++
	return nil
}

// =============================================================================
// VEHICLE STORE (workandpay.VehicleStore interface)
// =============================================================================

const vehicleColumns = `id, code, owner_id, status, license_plate, make, model, year, created_at, updated_at`

// CreateVehicle registers a vehicle, assigning ID and code when missing.
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
	err := s.inTx(ctx, "create vehicle", func(tx *sql.Tx) error {
		var err error
		code, err = nextCode(ctx, tx, workandpay.VehicleCodePrefix)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO vehicles (`+vehicleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, code, v.OwnerID, v.Status,
			nullString(v.LicensePlate), nullString(v.Make), nullString(v.Model), v.Year,
			formatTime(v.CreatedAt), formatTime(v.UpdatedAt),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("vehicle %s: %w", v.ID, generic.ErrConflict)
		}
		return err
	})
	if err != nil {
		return err
	}

	v.Code = code
	return nil
}

// GetVehicle returns nil, nil when the vehicle does not exist.
func (s *Store) GetVehicle(ctx context.Context, id string) (*workandpay.Vehicle, error) {
	var (
		v                    workandpay.Vehicle
		plate, mk, model     sql.NullString
		year                 sql.NullInt64
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ?`, id).
		Scan(&v.ID, &v.Code, &v.OwnerID, &v.Status, &plate, &mk, &model, &year, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.LicensePlate = plate.String
	v.Make = mk.String
	v.Model = model.String
	v.Year = int(year.Int64)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// UpdateVehicle sets owner and status. Applying the same update twice is
// harmless.
func (s *Store) UpdateVehicle(ctx context.Context, vehicleID string, update workandpay.VehicleUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE vehicles SET owner_id = ?, status = ?, updated_at = ? WHERE id = ?
	`, update.OwnerID, update.Status, formatTime(time.Now().UTC()), vehicleID)
	if err != nil {
		return classify("update vehicle", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &workandpay.VehicleNotFoundError{VehicleID: vehicleID}
	}
	return nil
}

// =============================================================================
// PLAN STORE (workandpay.PlanStore interface)
// =============================================================================

// SavePlan inserts or replaces a pricing plan.
func (s *Store) SavePlan(ctx context.Context, p workandpay.PricingPlan) error {
	query := `
		INSERT INTO pricing_plans (id, name, multiplier, duration_years, frequency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			multiplier = excluded.multiplier,
			duration_years = excluded.duration_years,
			frequency = excluded.frequency,
			updated_at = excluded.updated_at
	`

	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Multiplier.String(), p.DurationYears, string(p.Frequency), now, now,
	)
	return classify("save plan", err)
}

// GetPlan returns nil, nil when the plan does not exist.
func (s *Store) GetPlan(ctx context.Context, id string) (*workandpay.PricingPlan, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, multiplier, duration_years, frequency, created_at, updated_at FROM pricing_plans WHERE id = ?",
		id,
	)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPlans returns all plans ordered by name.
func (s *Store) ListPlans(ctx context.Context) ([]workandpay.PricingPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, multiplier, duration_years, frequency, created_at, updated_at FROM pricing_plans ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []workandpay.PricingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func scanPlan(row scanner) (*workandpay.PricingPlan, error) {
	var (
		p                    workandpay.PricingPlan
		multiplier           string
		frequency            string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &multiplier, &p.DurationYears, &frequency, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m, err := decimal.NewFromString(multiplier)
	if err != nil {
		return nil, fmt.Errorf("plan %s has invalid multiplier %q: %w", p.ID, multiplier, err)
	}
	p.Multiplier = m
	p.Frequency = workandpay.Frequency(frequency)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	return s.inTx(ctx, "reset", func(tx *sql.Tx) error {
		tables := []string{"payment_records", "agreements", "vehicles", "pricing_plans", "code_sequences"}
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func isBusyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// classify marks lock contention as a retryable transaction failure.
// Other errors pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusyError(err) {
		return &generic.TransactionError{Op: op, Err: err}
	}
	return err
}
