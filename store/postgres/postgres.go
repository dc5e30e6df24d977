/*
Package postgres provides a PostgreSQL implementation of generic.TxStore.

PURPOSE:
  Production persistence for multiple server instances sharing one
  database. Same schema and semantics as store/sqlite, with the
  database doing the concurrency control.

TRANSACTIONS:
  WithTx runs at SERIALIZABLE isolation. A serialization failure
  (SQLSTATE 40001) or deadlock (40P01) surfaces as
  generic.ErrConcurrentModification, which the Allocator retries once.

ERROR MAPPING:
  23505 on obligations          -> generic.ErrDuplicateObligation
  23505 on idempotency_key      -> generic.ErrDuplicateIdempotencyKey
  23503 (foreign key)           -> generic.ErrObligationNotFound

MONEY:
  NUMERIC(20,4) columns. Values are written as decimal strings and read
  back with ::text so no float ever touches an amount.

SEE ALSO:
  - store/sqlite/sqlite.go: Default store with the same table layout
  - generic/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/truetype/debt-engine/generic"
)

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"

	idempotencyConstraint = "payment_events_idempotency_key_key"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		payee_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		due_value NUMERIC(20,4) NOT NULL,
		currency TEXT NOT NULL,
		order_key TIMESTAMPTZ NOT NULL,
		quantity NUMERIC(20,4) NOT NULL DEFAULT 0,
		rate NUMERIC(20,6) NOT NULL DEFAULT 0,
		reference TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_obligations_payee_order ON obligations(payee_key, order_key, id)`,
	`CREATE TABLE IF NOT EXISTS payment_events (
		id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL REFERENCES obligations(id),
		payee_key TEXT NOT NULL,
		type TEXT NOT NULL,
		amount NUMERIC(20,4) NOT NULL,
		currency TEXT NOT NULL,
		reverses_id TEXT,
		allocation_id TEXT,
		payment_date TIMESTAMPTZ NOT NULL,
		reference TEXT,
		recorded_by TEXT,
		source_account TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_obligation ON payment_events(obligation_id, payment_date, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_payee_date ON payment_events(payee_key, payment_date)`,
	`CREATE INDEX IF NOT EXISTS idx_events_account_date ON payment_events(source_account, payment_date)
		WHERE source_account IS NOT NULL`,
}

// Store implements generic.TxStore over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

// NewFromPool wraps an existing pool. The schema must already exist.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements generic.Store against either the pool or a tx.
type queries struct {
	db dbtx
}

func (s *Store) conn() queries { return queries{db: s.pool} }

// WithTx runs fn inside a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", mapError(err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", mapError(err))
	}
	return nil
}

// Reset truncates both tables (demo mode).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE payment_events, obligations`)
	return err
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

const obligationColumns = `id, payee_key, kind, due_value::text, currency, order_key,
	quantity::text, rate::text, reference, status, metadata_json, created_at`

func (s *Store) SaveObligation(ctx context.Context, o generic.Obligation) error {
	return s.conn().SaveObligation(ctx, o)
}

func (q queries) SaveObligation(ctx context.Context, o generic.Obligation) error {
	meta, _ := json.Marshal(o.Metadata)
	status := o.Status
	if status == "" {
		status = generic.StatusPending
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const insert = `
INSERT INTO obligations (id, payee_key, kind, due_value, currency, order_key, quantity, rate,
	reference, status, metadata_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := q.db.Exec(ctx, insert,
		string(o.ID), string(o.PayeeKey), generic.KindIDOf(o.Kind),
		o.DueAmount.Value.String(), string(o.DueAmount.Currency), o.OrderKey.UTC(),
		o.Quantity.String(), o.RatePerUnit.String(),
		text(o.Reference), string(status), meta, createdAt.UTC(),
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("%w: %s", generic.ErrDuplicateObligation, o.ID)
		}
		return fmt.Errorf("postgres: save obligation: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetObligation(ctx context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	return s.conn().GetObligation(ctx, id)
}

func (q queries) GetObligation(ctx context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	row := q.db.QueryRow(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE id = $1`, string(id))
	o, err := scanObligation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrObligationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get obligation: %w", mapError(err))
	}
	return &o, nil
}

func (s *Store) ObligationsByPayee(ctx context.Context, payee generic.PayeeKey) ([]generic.Obligation, error) {
	return s.conn().ObligationsByPayee(ctx, payee)
}

func (q queries) ObligationsByPayee(ctx context.Context, payee generic.PayeeKey) ([]generic.Obligation, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE payee_key = $1 ORDER BY order_key, id`,
		string(payee))
	if err != nil {
		return nil, fmt.Errorf("postgres: list obligations: %w", mapError(err))
	}
	defer rows.Close()

	var result []generic.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan obligation: %w", err)
		}
		result = append(result, o)
	}
	return result, mapError(rows.Err())
}

func (s *Store) Payees(ctx context.Context) ([]generic.PayeeKey, error) {
	return s.conn().Payees(ctx)
}

func (q queries) Payees(ctx context.Context) ([]generic.PayeeKey, error) {
	rows, err := q.db.Query(ctx, `SELECT DISTINCT payee_key FROM obligations ORDER BY payee_key`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payees: %w", mapError(err))
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list payees: %w", mapError(err))
	}
	result := make([]generic.PayeeKey, len(keys))
	for i, k := range keys {
		result[i] = generic.PayeeKey(k)
	}
	return result, nil
}

func (s *Store) SetStatus(ctx context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	return s.conn().SetStatus(ctx, id, status)
}

func (q queries) SetStatus(ctx context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE obligations SET status = $1 WHERE id = $2`, string(status), string(id))
	if err != nil {
		return fmt.Errorf("postgres: set status: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", generic.ErrObligationNotFound, id)
	}
	return nil
}

// =============================================================================
// EVENTS - Append-only
// =============================================================================

const eventColumns = `id, obligation_id, payee_key, type, amount::text, currency, reverses_id,
	allocation_id, payment_date, reference, recorded_by, source_account, idempotency_key,
	metadata_json, created_at`

func (s *Store) AppendEvent(ctx context.Context, e generic.PaymentEvent) error {
	return s.conn().AppendEvent(ctx, e)
}

func (q queries) AppendEvent(ctx context.Context, e generic.PaymentEvent) error {
	meta, _ := json.Marshal(e.Metadata)
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const insert = `
INSERT INTO payment_events (id, obligation_id, payee_key, type, amount, currency, reverses_id,
	allocation_id, payment_date, reference, recorded_by, source_account, idempotency_key,
	metadata_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := q.db.Exec(ctx, insert,
		string(e.ID), string(e.ObligationID), string(e.PayeeKey), string(e.Type),
		e.Amount.Value.String(), string(e.Amount.Currency), text(string(e.ReversesID)),
		text(e.AllocationID), e.PaymentDate.UTC(), text(e.Reference), text(e.RecordedBy),
		text(e.SourceAccount), text(e.IdempotencyKey), meta, createdAt.UTC(),
	)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == idempotencyConstraint:
			return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		case pgErr.Code == codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", generic.ErrObligationNotFound, e.ObligationID)
		}
	}
	return fmt.Errorf("postgres: append event: %w", mapError(err))
}

func (s *Store) GetEvent(ctx context.Context, id generic.EventID) (*generic.PaymentEvent, error) {
	return s.conn().GetEvent(ctx, id)
}

func (q queries) GetEvent(ctx context.Context, id generic.EventID) (*generic.PaymentEvent, error) {
	row := q.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE id = $1`, string(id))
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get event: %w", mapError(err))
	}
	return &e, nil
}

func (s *Store) EventsForObligation(ctx context.Context, id generic.ObligationID) ([]generic.PaymentEvent, error) {
	return s.conn().EventsForObligation(ctx, id)
}

func (q queries) EventsForObligation(ctx context.Context, id generic.ObligationID) ([]generic.PaymentEvent, error) {
	return q.queryEvents(ctx, `SELECT `+eventColumns+` FROM payment_events
		WHERE obligation_id = $1
		ORDER BY payment_date, created_at, id`, string(id))
}

func (s *Store) EventsForPayee(ctx context.Context, payee generic.PayeeKey, from, to time.Time) ([]generic.PaymentEvent, error) {
	return s.conn().EventsForPayee(ctx, payee, from, to)
}

func (q queries) EventsForPayee(ctx context.Context, payee generic.PayeeKey, from, to time.Time) ([]generic.PaymentEvent, error) {
	return q.queryEvents(ctx, `SELECT `+eventColumns+` FROM payment_events
		WHERE payee_key = $1
		  AND ($2::timestamptz IS NULL OR payment_date >= $2)
		  AND ($3::timestamptz IS NULL OR payment_date <= $3)
		ORDER BY payment_date, created_at, id`, string(payee), bound(from), bound(to))
}

func (s *Store) EventsForAccount(ctx context.Context, account string, from, to time.Time) ([]generic.PaymentEvent, error) {
	return s.conn().EventsForAccount(ctx, account, from, to)
}

func (q queries) EventsForAccount(ctx context.Context, account string, from, to time.Time) ([]generic.PaymentEvent, error) {
	return q.queryEvents(ctx, `SELECT `+eventColumns+` FROM payment_events
		WHERE source_account = $1
		  AND ($2::timestamptz IS NULL OR payment_date >= $2)
		  AND ($3::timestamptz IS NULL OR payment_date <= $3)
		ORDER BY payment_date, created_at, id`, account, bound(from), bound(to))
}

func (s *Store) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	return s.conn().IdempotencyKeyExists(ctx, key)
}

func (q queries) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_events WHERE idempotency_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: idempotency lookup: %w", mapError(err))
	}
	return exists, nil
}

func (q queries) queryEvents(ctx context.Context, sql string, args ...any) ([]generic.PaymentEvent, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", mapError(err))
	}
	defer rows.Close()

	var result []generic.PaymentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		result = append(result, e)
	}
	return result, mapError(rows.Err())
}

// =============================================================================
// SCANNING
// =============================================================================

func scanObligation(row pgx.Row) (generic.Obligation, error) {
	var (
		o                      generic.Obligation
		id, payee, kind        string
		due, currency          string
		quantity, rate, status string
		reference              pgtype.Text
		meta                   []byte
		orderKey, createdAt    time.Time
	)
	if err := row.Scan(&id, &payee, &kind, &due, &currency, &orderKey,
		&quantity, &rate, &reference, &status, &meta, &createdAt); err != nil {
		return o, err
	}
	o.ID = generic.ObligationID(id)
	o.PayeeKey = generic.PayeeKey(payee)
	if kind != "" {
		o.Kind = generic.GetOrCreateKind(kind)
	}
	o.DueAmount = generic.NewAmountFromDecimal(generic.MustParseDecimal(due), generic.Currency(currency))
	o.OrderKey = orderKey.UTC()
	o.Quantity = generic.MustParseDecimal(quantity)
	o.RatePerUnit = generic.MustParseDecimal(rate)
	o.Reference = reference.String
	o.Status = generic.ObligationStatus(status)
	o.Metadata = decodeMetadata(meta)
	o.CreatedAt = createdAt.UTC()
	return o, nil
}

func scanEvent(row pgx.Row) (generic.PaymentEvent, error) {
	var (
		e                        generic.PaymentEvent
		id, oblID, payee, typ    string
		amount, currency         string
		reversesID, allocationID pgtype.Text
		reference, recordedBy    pgtype.Text
		sourceAccount, idemKey   pgtype.Text
		meta                     []byte
		paymentDate, createdAt   time.Time
	)
	if err := row.Scan(&id, &oblID, &payee, &typ, &amount, &currency, &reversesID,
		&allocationID, &paymentDate, &reference, &recordedBy, &sourceAccount, &idemKey,
		&meta, &createdAt); err != nil {
		return e, err
	}
	e.ID = generic.EventID(id)
	e.ObligationID = generic.ObligationID(oblID)
	e.PayeeKey = generic.PayeeKey(payee)
	e.Type = generic.EventType(typ)
	e.Amount = generic.NewAmountFromDecimal(generic.MustParseDecimal(amount), generic.Currency(currency))
	e.ReversesID = generic.EventID(reversesID.String)
	e.AllocationID = allocationID.String
	e.PaymentDate = paymentDate.UTC()
	e.Reference = reference.String
	e.RecordedBy = recordedBy.String
	e.SourceAccount = sourceAccount.String
	e.IdempotencyKey = idemKey.String
	e.Metadata = decodeMetadata(meta)
	e.CreatedAt = createdAt.UTC()
	return e, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func bound(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func decodeMetadata(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapError turns serialization failures into generic.ErrConcurrentModification
// and leaves everything else untouched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", generic.ErrConcurrentModification, err)
	}
	return err
}
