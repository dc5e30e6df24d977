/*
Package generic provides the core debt allocation engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for settling
  obligations against incoming payments. Whether the obligation is an OMC
  P-Tax line, a BDC payable, or a customer invoice, the same engine handles
  balance derivation, FIFO allocation, aging, and statements.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A money value with a currency (e.g., GHS 1,250.00)
  - Obligation: A fixed amount owed by/to a counterparty
  - PaymentEvent: An immutable ledger entry applying money to one obligation
  - Identifiers: Type-safe IDs for obligations, payees and events

DESIGN PRINCIPLES:
  1. Immutability: Payment events are never modified, only reversed
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derivation: Remaining balance is recomputed from events, never stored
  4. Auditability: Every event carries reference, recorder and source account

USAGE:
  due := generic.NewAmount(200, generic.CurrencyGHS)
  o := generic.Obligation{
      ID:        "ord-001",
      PayeeKey:  "OMC-X",
      DueAmount: due,
      OrderKey:  generic.Date(2025, time.January, 1),
  }

SEE ALSO:
  - ledger.go: Remaining balance derivation
  - allocation.go: FIFO allocation of a tendered amount
  - aging.go: Aging buckets over outstanding balances
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money value with currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const (
	CurrencyGHS Currency = "GHS"
	CurrencyUSD Currency = "USD"
)

// Epsilon absorbs rounding noise in amount comparisons (half a pesewa).
var Epsilon = decimal.New(5, -3)

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromDecimal(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

// ParseAmount parses a decimal string such as "1250.50".
func ParseAmount(s string, currency Currency) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d, Currency: currency}, nil
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount              { return Amount{Value: decimal.Zero, Currency: a.Currency} }
func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) Round2() Amount            { return Amount{Value: a.Value.Round(2), Currency: a.Currency} }
func (a Amount) RoundDown2() Amount        { return Amount{Value: a.Value.RoundFloor(2), Currency: a.Currency} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) LessOrEqualEpsilon() bool  { return a.Value.LessThanOrEqual(Epsilon) }
func (a Amount) String() string            { return a.Value.StringFixed(2) }

func (a Amount) Float64() float64 {
	f, _ := a.Value.Float64()
	return f
}

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// WithinEpsilon reports whether |a-b| <= Epsilon.
func (a Amount) WithinEpsilon(b Amount) bool {
	return a.Value.Sub(b.Value).Abs().LessThanOrEqual(Epsilon)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ObligationID string
type PayeeKey string
type EventID string

// ObligationKind identifies which family an obligation belongs to.
// The generic package has NO knowledge of specific kinds.
//
// Domain packages implement this:
//
//   // In ptax/types.go
//   type Kind string
//   func (k Kind) KindID() string     { return string(k) }
//   func (k Kind) KindDomain() string { return "omc" }
//   const KindPTax Kind = "omc_ptax"
//
type ObligationKind interface {
	// KindID returns the unique identifier for this obligation kind.
	KindID() string

	// KindDomain returns which business domain the kind belongs to.
	KindDomain() string
}

// =============================================================================
// OBLIGATION - Something owed, discharged incrementally
// =============================================================================

// ObligationStatus is a cached view of the remaining balance. It exists for
// filtering and display only; RemainingBalance is the ground truth.
type ObligationStatus string

const (
	StatusPending ObligationStatus = "pending"
	StatusPartial ObligationStatus = "partial"
	StatusPaid    ObligationStatus = "paid"
)

type Obligation struct {
	ID       ObligationID
	PayeeKey PayeeKey
	Kind     ObligationKind

	// DueAmount is fixed at creation and never changes.
	DueAmount Amount

	// OrderKey orders obligations oldest-first. Ties are broken by ID.
	OrderKey time.Time

	// Optional derivation of DueAmount (e.g. P-Tax per litre x litres).
	Quantity    decimal.Decimal
	RatePerUnit decimal.Decimal

	Reference string // Human-facing code (order number, invoice number)
	Status    ObligationStatus
	Metadata  map[string]string
	CreatedAt time.Time
}

// FIFOLess orders a before b: older OrderKey first, then by ID.
func FIFOLess(a, b Obligation) bool {
	if !a.OrderKey.Equal(b.OrderKey) {
		return a.OrderKey.Before(b.OrderKey)
	}
	return a.ID < b.ID
}

// =============================================================================
// PAYMENT EVENT - Immutable record of money applied to one obligation
// =============================================================================

type EventType string

const (
	EventPayment  EventType = "payment"  // Money applied by an allocation
	EventReversal EventType = "reversal" // Undo of a previous payment (refund, cancellation)
)

type PaymentEvent struct {
	ID           EventID
	ObligationID ObligationID
	PayeeKey     PayeeKey
	Type         EventType

	// Positive for payments, negative for reversals.
	Amount Amount

	ReversesID   EventID // Set on reversals
	AllocationID string  // Groups the events emitted by one Allocate call

	// Audit fields. Carried verbatim, never interpreted by the engine.
	PaymentDate    time.Time
	Reference      string
	RecordedBy     string
	SourceAccount  string
	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// PaymentMetadata is the caller-supplied audit data attached to every event
// emitted by one allocation.
type PaymentMetadata struct {
	Reference      string
	RecordedBy     string
	SourceAccount  string
	PaymentDate    time.Time
	IdempotencyKey string
	Extra          map[string]string
}

// =============================================================================
// OUTSTANDING OBLIGATION - Obligation with its derived balance
// =============================================================================

type OutstandingObligation struct {
	Obligation Obligation
	Paid       Amount
	Remaining  Amount
}
