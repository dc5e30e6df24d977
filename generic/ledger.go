/*
ledger.go - Remaining balance derivation over the payment event log

PURPOSE:
  The DebtLedger answers "how much is still owed" for an obligation or a
  payee. It never stores a running balance: every answer is recomputed
  from DueAmount and the append-only event log.

CRITICAL INVARIANTS:
  1. remaining(o) = max(0, due(o) - sum(events(o))), rounded to 2 dp
  2. Reads have no side effects
  3. An obligation with due <= 0 has remaining 0

CORRECTIONS:
  A payment is never edited. A reversal event with the opposite sign
  is appended and the remaining balance comes back on the next read.

EXAMPLE FLOW:
  1. Order A due 200.00, no events:     remaining 200.00 (pending)
  2. Payment +150.00:                    remaining  50.00 (partial)
  3. Payment  +50.00:                    remaining   0.00 (paid)
  4. Reversal -50.00 of step 3:          remaining  50.00 (partial)

SEE ALSO:
  - store.go: Low-level persistence interface
  - allocation.go: Writes events against the balances derived here
*/
package generic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DEBT LEDGER
// =============================================================================

type DebtLedger struct {
	Store Store
}

func NewLedger(store Store) *DebtLedger {
	return &DebtLedger{Store: store}
}

// Register validates and saves a new obligation. Nothing has been paid
// yet, so the status is pending unless nothing is due.
func (l *DebtLedger) Register(ctx context.Context, o Obligation) error {
	if o.ID == "" {
		return fmt.Errorf("obligation id required")
	}
	if o.PayeeKey == "" {
		return ErrPayeeRequired
	}
	if o.DueAmount.IsNegative() {
		return &InvalidAmountError{PayeeKey: o.PayeeKey, Attempted: o.DueAmount}
	}
	o.DueAmount = o.DueAmount.Round2()
	o.Status = DeriveStatus(o, o.DueAmount.Zero())
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return l.Store.SaveObligation(ctx, o)
}

// PaidAmount is the net sum of all events recorded against o.
func (l *DebtLedger) PaidAmount(ctx context.Context, o Obligation) (Amount, error) {
	events, err := l.Store.EventsForObligation(ctx, o.ID)
	if err != nil {
		return Amount{}, fmt.Errorf("load events for %s: %w", o.ID, err)
	}
	return sumEvents(o.DueAmount.Zero(), events, time.Time{}), nil
}

// RemainingBalance recomputes what is still owed on o.
func (l *DebtLedger) RemainingBalance(ctx context.Context, o Obligation) (Amount, error) {
	paid, err := l.PaidAmount(ctx, o)
	if err != nil {
		return Amount{}, err
	}
	return Remaining(o, paid), nil
}

// Remaining applies the balance formula to an already summed paid amount.
func Remaining(o Obligation, paid Amount) Amount {
	if !o.DueAmount.IsPositive() {
		return o.DueAmount.Zero()
	}
	return o.DueAmount.Sub(paid).Max(o.DueAmount.Zero()).Round2()
}

// DeriveStatus maps a balance to the cached status flag.
func DeriveStatus(o Obligation, paid Amount) ObligationStatus {
	remaining := Remaining(o, paid)
	switch {
	case remaining.LessOrEqualEpsilon():
		return StatusPaid
	case paid.LessOrEqualEpsilon():
		return StatusPending
	default:
		return StatusPartial
	}
}

// Outstanding returns the payee's obligations with a positive remaining
// balance, in FIFO order.
func (l *DebtLedger) Outstanding(ctx context.Context, payee PayeeKey) ([]OutstandingObligation, error) {
	return l.outstanding(ctx, payee, time.Time{})
}

// OutstandingAsOf is Outstanding counting only events with a PaymentDate
// on or before the as-of day.
func (l *DebtLedger) OutstandingAsOf(ctx context.Context, payee PayeeKey, asOf time.Time) ([]OutstandingObligation, error) {
	return l.outstanding(ctx, payee, EndOfDay(asOf))
}

func (l *DebtLedger) outstanding(ctx context.Context, payee PayeeKey, cutoff time.Time) ([]OutstandingObligation, error) {
	all, err := l.balances(ctx, payee, cutoff)
	if err != nil {
		return nil, err
	}
	result := make([]OutstandingObligation, 0, len(all))
	for _, oo := range all {
		if oo.Remaining.IsPositive() {
			result = append(result, oo)
		}
	}
	return result, nil
}

// balances loads every obligation of the payee with its paid and
// remaining amounts, in FIFO order. Events after a non-zero cutoff are
// ignored.
func (l *DebtLedger) balances(ctx context.Context, payee PayeeKey, cutoff time.Time) ([]OutstandingObligation, error) {
	obligations, err := l.Store.ObligationsByPayee(ctx, payee)
	if err != nil {
		return nil, fmt.Errorf("load obligations for %s: %w", payee, err)
	}
	if len(obligations) == 0 {
		return nil, nil
	}
	events, err := l.Store.EventsForPayee(ctx, payee, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", payee, err)
	}
	byObligation := make(map[ObligationID][]PaymentEvent)
	for _, e := range events {
		byObligation[e.ObligationID] = append(byObligation[e.ObligationID], e)
	}

	sort.SliceStable(obligations, func(i, j int) bool { return FIFOLess(obligations[i], obligations[j]) })

	result := make([]OutstandingObligation, 0, len(obligations))
	for _, o := range obligations {
		paid := sumEvents(o.DueAmount.Zero(), byObligation[o.ID], cutoff)
		result = append(result, OutstandingObligation{
			Obligation: o,
			Paid:       paid,
			Remaining:  Remaining(o, paid),
		})
	}
	return result, nil
}

// TotalOutstanding sums the positive remaining balances of the payee.
// An unknown payee owes zero.
func (l *DebtLedger) TotalOutstanding(ctx context.Context, payee PayeeKey) (Amount, error) {
	queue, err := l.Outstanding(ctx, payee)
	if err != nil {
		return Amount{}, err
	}
	return SumRemaining(queue), nil
}

// SumRemaining totals the remaining balances of a queue.
func SumRemaining(queue []OutstandingObligation) Amount {
	total := Amount{Value: decimal.Zero, Currency: CurrencyGHS}
	for i, oo := range queue {
		if i == 0 {
			total = oo.Remaining.Zero()
		}
		total = total.Add(oo.Remaining)
	}
	return total.Round2()
}

func sumEvents(zero Amount, events []PaymentEvent, cutoff time.Time) Amount {
	total := zero
	for _, e := range events {
		if !cutoff.IsZero() && e.PaymentDate.After(cutoff) {
			continue
		}
		total = total.Add(e.Amount)
	}
	return total
}

// =============================================================================
// DEBT SUMMARIES - Per-payee totals for the debtor listing
// =============================================================================

type DebtSummary struct {
	PayeeKey      PayeeKey
	Outstanding   Amount
	UnpaidCount   int
	TotalQuantity decimal.Decimal
	OldestOrder   time.Time
}

// DebtSummaries lists every payee owing money, largest balance first.
// A non-empty kind restricts the summary to obligations of that kind.
func (l *DebtLedger) DebtSummaries(ctx context.Context, kind string) ([]DebtSummary, error) {
	payees, err := l.Store.Payees(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payees: %w", err)
	}

	var summaries []DebtSummary
	for _, payee := range payees {
		queue, err := l.Outstanding(ctx, payee)
		if err != nil {
			return nil, err
		}
		s := DebtSummary{PayeeKey: payee, TotalQuantity: decimal.Zero}
		for _, oo := range queue {
			if kind != "" && KindIDOf(oo.Obligation.Kind) != kind {
				continue
			}
			if s.UnpaidCount == 0 {
				s.Outstanding = oo.Remaining.Zero()
				s.OldestOrder = oo.Obligation.OrderKey
			}
			s.UnpaidCount++
			s.Outstanding = s.Outstanding.Add(oo.Remaining)
			s.TotalQuantity = s.TotalQuantity.Add(oo.Obligation.Quantity)
		}
		if s.UnpaidCount > 0 {
			summaries = append(summaries, s)
		}
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].Outstanding.Equal(summaries[j].Outstanding) {
			return summaries[i].Outstanding.GreaterThan(summaries[j].Outstanding)
		}
		return strings.Compare(string(summaries[i].PayeeKey), string(summaries[j].PayeeKey)) < 0
	})
	return summaries, nil
}
