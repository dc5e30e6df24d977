/*
store.go - Persistence interface for obligations and payment events

PURPOSE:
  Defines the interface between the engine and the database. Obligations
  are written once; payment events are append-only. The only mutable
  column anywhere is the cached obligation status.

KEY INTERFACES:
  ObligationStore: Obligation persistence and the cached status flag
  EventStore:      Append-only payment event log
  Store:           Both of the above
  TxStore:         Store plus atomic multi-write transactions

APPEND-ONLY CONTRACT:
  - AppendEvent(): The only event write
  - NO UpdateEvent() or DeleteEvent() methods exist
  - Corrections are reversal events with a negative amount

IDEMPOTENCY:
  An event carrying an idempotency key that already exists is rejected
  with ErrDuplicateIdempotencyKey. This stops a retried allocation
  from paying twice.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL over pgx

SEE ALSO:
  - ledger.go: Balance derivation on top of Store
  - allocation.go: The only writer of events and statuses
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// OBLIGATION STORE
// =============================================================================

type ObligationStore interface {
	// SaveObligation inserts an obligation. Returns ErrDuplicateObligation
	// if the ID exists. DueAmount is never updated afterwards.
	SaveObligation(ctx context.Context, o Obligation) error

	// GetObligation returns ErrObligationNotFound if the ID is unknown.
	GetObligation(ctx context.Context, id ObligationID) (*Obligation, error)

	// ObligationsByPayee returns all obligations of a payee in FIFO order
	// (OrderKey asc, ID asc). Empty slice for an unknown payee.
	ObligationsByPayee(ctx context.Context, payee PayeeKey) ([]Obligation, error)

	// Payees returns every payee that has at least one obligation, sorted.
	Payees(ctx context.Context) ([]PayeeKey, error)

	// SetStatus writes the cached status flag. Only the engine calls this.
	SetStatus(ctx context.Context, id ObligationID, status ObligationStatus) error
}

// =============================================================================
// EVENT STORE - Append-only
// =============================================================================

type EventStore interface {
	// AppendEvent persists an event. This is the ONLY event write.
	AppendEvent(ctx context.Context, e PaymentEvent) error

	// GetEvent returns ErrEventNotFound if the ID is unknown.
	GetEvent(ctx context.Context, id EventID) (*PaymentEvent, error)

	// EventsForObligation returns the events of one obligation ordered by
	// (PaymentDate, CreatedAt, ID).
	EventsForObligation(ctx context.Context, id ObligationID) ([]PaymentEvent, error)

	// EventsForPayee returns the payee's events with PaymentDate in
	// [from, to]. A zero bound is open.
	EventsForPayee(ctx context.Context, payee PayeeKey, from, to time.Time) ([]PaymentEvent, error)

	// EventsForAccount returns events drawn from a funding account with
	// PaymentDate in [from, to]. A zero bound is open.
	EventsForAccount(ctx context.Context, account string, from, to time.Time) ([]PaymentEvent, error)

	// IdempotencyKeyExists checks whether an event with this key exists.
	IdempotencyKeyExists(ctx context.Context, key string) (bool, error)
}

// Store is the full persistence surface the engine works against.
type Store interface {
	ObligationStore
	EventStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic allocation
// =============================================================================

// TxStore wraps Store with transaction support.
// Allocations run inside WithTx so a failure mid-loop leaves no trace.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Resetter is implemented by stores that can wipe all data (demo mode).
type Resetter interface {
	Reset(ctx context.Context) error
}
