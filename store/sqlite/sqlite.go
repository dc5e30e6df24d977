/*
Package sqlite provides a SQLite-backed implementation of generic.TxStore.

PURPOSE:
  Persists obligations and payment events in a single SQLite file. This
  is the default store for the server and for local development.

INTERFACES IMPLEMENTED:
  generic.Store:    Obligations and the append-only event log
  generic.TxStore:  Allocations run inside one SQL transaction
  generic.Resetter: Demo mode wipe

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch payment_events (except Reset)
  - The only UPDATE in this file writes obligations.status
  - Corrections are reversal rows with a negative amount

KEY TABLES:
  obligations:    One row per debt. due_value never changes.
  payment_events: Immutable ledger of money applied to obligations

INDEXES:
  - idx_obligations_payee_order: FIFO queue (hot path)
  - idx_events_obligation:       Balance derivation per obligation
  - idx_events_payee_date:       Statements and as-of aging
  - idx_events_account_date:     Funding account history

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so string comparison in
  SQL matches chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single open connection so
  ":memory:" databases are shared by every query. Transactions query
  through the *sql.Tx directly and never re-enter the mutex.

USAGE:
  store, err := sqlite.New("./data/debt.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  allocator := generic.NewAllocator(store, nil, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: Production store
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/truetype/debt-engine/generic"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements generic.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		payee_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		due_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		order_key TEXT NOT NULL,
		quantity TEXT NOT NULL DEFAULT '0',
		rate TEXT NOT NULL DEFAULT '0',
		reference TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_payee_order
		ON obligations(payee_key, order_key, id);

	-- Payment events (append-only ledger)
	CREATE TABLE IF NOT EXISTS payment_events (
		id TEXT PRIMARY KEY,
		obligation_id TEXT NOT NULL REFERENCES obligations(id),
		payee_key TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		reverses_id TEXT,
		allocation_id TEXT,
		payment_date TEXT NOT NULL,
		reference TEXT,
		recorded_by TEXT,
		source_account TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_obligation
		ON payment_events(obligation_id, payment_date, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_payee_date
		ON payment_events(payee_key, payment_date);
	CREATE INDEX IF NOT EXISTS idx_events_account_date
		ON payment_events(source_account, payment_date) WHERE source_account IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIES - Shared by Store and txStore
// =============================================================================

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements generic.Store without any locking.
type queries struct {
	q queryer
}

const obligationColumns = `id, payee_key, kind, due_value, currency, order_key, quantity, rate,
	reference, status, metadata_json, created_at`

const eventColumns = `id, obligation_id, payee_key, type, amount, currency, reverses_id, allocation_id,
	payment_date, reference, recorded_by, source_account, idempotency_key, metadata_json, created_at`

func (r queries) SaveObligation(ctx context.Context, o generic.Obligation) error {
	metadataJSON, _ := json.Marshal(o.Metadata)
	status := o.Status
	if status == "" {
		status = generic.StatusPending
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO obligations (`+obligationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.ID),
		string(o.PayeeKey),
		generic.KindIDOf(o.Kind),
		o.DueAmount.Value.String(),
		string(o.DueAmount.Currency),
		formatTime(o.OrderKey),
		o.Quantity.String(),
		o.RatePerUnit.String(),
		nullString(o.Reference),
		string(status),
		string(metadataJSON),
		formatTime(createdAt),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %s", generic.ErrDuplicateObligation, o.ID)
		}
		return fmt.Errorf("failed to save obligation: %w", err)
	}
	return nil
}

func (r queries) GetObligation(ctx context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query obligation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", generic.ErrObligationNotFound, id)
	}
	o, err := scanObligation(rows)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r queries) ObligationsByPayee(ctx context.Context, payee generic.PayeeKey) ([]generic.Obligation, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+obligationColumns+` FROM obligations
		WHERE payee_key = ?
		ORDER BY order_key ASC, id ASC`, string(payee))
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var result []generic.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (r queries) Payees(ctx context.Context) ([]generic.PayeeKey, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT DISTINCT payee_key FROM obligations ORDER BY payee_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query payees: %w", err)
	}
	defer rows.Close()

	var result []generic.PayeeKey
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		result = append(result, generic.PayeeKey(p))
	}
	return result, rows.Err()
}

func (r queries) SetStatus(ctx context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE obligations SET status = ? WHERE id = ?`, string(status), string(id))
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrObligationNotFound, id)
	}
	return nil
}

func (r queries) AppendEvent(ctx context.Context, e generic.PaymentEvent) error {
	metadataJSON, _ := json.Marshal(e.Metadata)
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO payment_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID),
		string(e.ObligationID),
		string(e.PayeeKey),
		string(e.Type),
		e.Amount.Value.String(),
		string(e.Amount.Currency),
		nullString(string(e.ReversesID)),
		nullString(e.AllocationID),
		formatTime(e.PaymentDate),
		nullString(e.Reference),
		nullString(e.RecordedBy),
		nullString(e.SourceAccount),
		nullString(e.IdempotencyKey),
		string(metadataJSON),
		formatTime(createdAt),
	)
	if err != nil {
		switch {
		case isConstraint(err, sqlite3.ErrConstraintForeignKey):
			return fmt.Errorf("%w: %s", generic.ErrObligationNotFound, e.ObligationID)
		case isConstraint(err, sqlite3.ErrConstraintUnique) && strings.Contains(err.Error(), "idempotency_key"):
			return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r queries) GetEvent(ctx context.Context, id generic.EventID) (*generic.PaymentEvent, error) {
	events, err := r.queryEvents(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", generic.ErrEventNotFound, id)
	}
	return &events[0], nil
}

func (r queries) EventsForObligation(ctx context.Context, id generic.ObligationID) ([]generic.PaymentEvent, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM payment_events
		WHERE obligation_id = ?
		ORDER BY payment_date ASC, created_at ASC, id ASC`, string(id))
}

func (r queries) EventsForPayee(ctx context.Context, payee generic.PayeeKey, from, to time.Time) ([]generic.PaymentEvent, error) {
	where, args := dateRange("payee_key = ?", []any{string(payee)}, from, to)
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM payment_events
		WHERE `+where+`
		ORDER BY payment_date ASC, created_at ASC, id ASC`, args...)
}

func (r queries) EventsForAccount(ctx context.Context, account string, from, to time.Time) ([]generic.PaymentEvent, error) {
	where, args := dateRange("source_account = ?", []any{account}, from, to)
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM payment_events
		WHERE `+where+`
		ORDER BY payment_date ASC, created_at ASC, id ASC`, args...)
}

func (r queries) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payment_events WHERE idempotency_key = ?",
		key,
	).Scan(&count)

	return count > 0, err
}

// dateRange appends payment_date bounds to a WHERE clause. Zero bounds
// are left open.
func dateRange(where string, args []any, from, to time.Time) (string, []any) {
	if !from.IsZero() {
		where += " AND payment_date >= ?"
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		where += " AND payment_date <= ?"
		args = append(args, formatTime(to))
	}
	return where, args
}

func (r queries) queryEvents(ctx context.Context, query string, args ...any) ([]generic.PaymentEvent, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []generic.PaymentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func scanObligation(rows *sql.Rows) (generic.Obligation, error) {
	var (
		o            generic.Obligation
		id, payee    string
		kindID       string
		dueValue     string
		currency     string
		orderKey     string
		quantity     string
		rate         string
		reference    sql.NullString
		status       string
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(&id, &payee, &kindID, &dueValue, &currency, &orderKey,
		&quantity, &rate, &reference, &status, &metadataJSON, &createdAt)
	if err != nil {
		return o, fmt.Errorf("failed to scan obligation: %w", err)
	}

	o.ID = generic.ObligationID(id)
	o.PayeeKey = generic.PayeeKey(payee)
	if kindID != "" {
		o.Kind = generic.GetOrCreateKind(kindID)
	}
	o.DueAmount = parseAmount(dueValue, currency)
	o.OrderKey = parseTime(orderKey)
	o.Quantity = generic.MustParseDecimal(quantity)
	o.RatePerUnit = generic.MustParseDecimal(rate)
	o.Reference = reference.String
	o.Status = generic.ObligationStatus(status)
	o.CreatedAt = parseTime(createdAt)
	o.Metadata = parseMetadata(metadataJSON)
	return o, nil
}

func scanEvent(rows *sql.Rows) (generic.PaymentEvent, error) {
	var (
		e             generic.PaymentEvent
		id, oblID     string
		payee         string
		eventType     string
		amount        string
		currency      string
		reversesID    sql.NullString
		allocationID  sql.NullString
		paymentDate   string
		reference     sql.NullString
		recordedBy    sql.NullString
		sourceAccount sql.NullString
		idemKey       sql.NullString
		metadataJSON  sql.NullString
		createdAt     string
	)

	err := rows.Scan(&id, &oblID, &payee, &eventType, &amount, &currency,
		&reversesID, &allocationID, &paymentDate, &reference, &recordedBy,
		&sourceAccount, &idemKey, &metadataJSON, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.ID = generic.EventID(id)
	e.ObligationID = generic.ObligationID(oblID)
	e.PayeeKey = generic.PayeeKey(payee)
	e.Type = generic.EventType(eventType)
	e.Amount = parseAmount(amount, currency)
	e.ReversesID = generic.EventID(reversesID.String)
	e.AllocationID = allocationID.String
	e.PaymentDate = parseTime(paymentDate)
	e.Reference = reference.String
	e.RecordedBy = recordedBy.String
	e.SourceAccount = sourceAccount.String
	e.IdempotencyKey = idemKey.String
	e.CreatedAt = parseTime(createdAt)
	e.Metadata = parseMetadata(metadataJSON)
	return e, nil
}

// =============================================================================
// STORE - Locked entry points
// =============================================================================

func (s *Store) conn() queries { return queries{q: s.db} }

func (s *Store) SaveObligation(ctx context.Context, o generic.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SaveObligation(ctx, o)
}

func (s *Store) GetObligation(ctx context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetObligation(ctx, id)
}

func (s *Store) ObligationsByPayee(ctx context.Context, payee generic.PayeeKey) ([]generic.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().ObligationsByPayee(ctx, payee)
}

func (s *Store) Payees(ctx context.Context) ([]generic.PayeeKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().Payees(ctx)
}

func (s *Store) SetStatus(ctx context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SetStatus(ctx, id, status)
}

// AppendEvent adds a payment event to the ledger.
func (s *Store) AppendEvent(ctx context.Context, e generic.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().AppendEvent(ctx, e)
}

func (s *Store) GetEvent(ctx context.Context, id generic.EventID) (*generic.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetEvent(ctx, id)
}

func (s *Store) EventsForObligation(ctx context.Context, id generic.ObligationID) ([]generic.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().EventsForObligation(ctx, id)
}

func (s *Store) EventsForPayee(ctx context.Context, payee generic.PayeeKey, from, to time.Time) ([]generic.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().EventsForPayee(ctx, payee, from, to)
}

func (s *Store) EventsForAccount(ctx context.Context, account string, from, to time.Time) ([]generic.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().EventsForAccount(ctx, account, from, to)
}

// IdempotencyKeyExists checks if an idempotency key exists.
func (s *Store) IdempotencyKeyExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().IdempotencyKeyExists(ctx, key)
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(txStore{queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore reads and writes through the open *sql.Tx.
type txStore struct {
	queries
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payment_events", "obligations"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseAmount(value, currency string) generic.Amount {
	return generic.Amount{
		Value:    generic.MustParseDecimal(value),
		Currency: generic.Currency(currency),
	}
}

func parseMetadata(raw sql.NullString) map[string]string {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil
	}
	return m
}

func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, code := range codes {
		if sqliteErr.ExtendedCode == code {
			return true
		}
	}
	return false
}
