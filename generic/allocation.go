/*
allocation.go - FIFO allocation of a tendered amount across a payee's debts

PURPOSE:
  Given a payee and an amount of money, retire the payee's outstanding
  obligations oldest-first and record one payment event per obligation
  touched. The split is greedy and never looks ahead: the oldest debt is
  paid in full before the next one receives anything.

KEY CONCEPTS:
  Plan:
    Pure split of a tendered amount over a FIFO queue. No I/O.
    Used by Allocate and by the preview endpoint.

  Allocator:
    Validates, takes the per-payee lock, re-reads balances, writes the
    events and the cached status flags. On a TxStore everything after
    the lock runs in one transaction.

FLOW:
  1. tendered must round to more than 0.00       -> InvalidAmountError
  2. Lock payee
  3. Idempotency key already used                -> ErrDuplicateIdempotencyKey
  4. Nothing outstanding                         -> NoOutstandingDebtError
  5. tendered > outstanding + Epsilon            -> AmountExceedsOutstandingError
  6. For each obligation in FIFO order:
       portion = min(left, remaining), rounded to 2 dp
       append event, recompute remaining, write status

EXAMPLE:
  Payee OMC-X owes A=200 (Jan 1) and B=150 (Feb 1). Allocating 300:
    A: applied 200.00, remaining 0.00   (paid)
    B: applied 100.00, remaining 50.00  (partial)

SEE ALSO:
  - ledger.go: Remaining balance derivation
  - locker.go: Per-payee serialization
  - errors.go: Error types returned here
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// PLAN - Pure greedy split
// =============================================================================

// Allocation is one step of a plan: how much of the tendered amount goes
// to one obligation.
type Allocation struct {
	Obligation     Obligation
	Remaining      Amount // Before this step
	Portion        Amount
	RemainingAfter Amount
}

// Plan splits tendered across queue (already in FIFO order) without
// exceeding any remaining balance or the tendered amount itself. Portions
// round down to the pesewa. The caller validates tendered.
func Plan(queue []OutstandingObligation, tendered Amount) []Allocation {
	var steps []Allocation
	left := tendered

	for _, oo := range queue {
		if left.LessOrEqualEpsilon() {
			break
		}
		if !oo.Remaining.IsPositive() {
			continue
		}

		portion := left.Min(oo.Remaining).RoundDown2()
		if !portion.IsPositive() {
			continue
		}

		steps = append(steps, Allocation{
			Obligation:     oo.Obligation,
			Remaining:      oo.Remaining,
			Portion:        portion,
			RemainingAfter: oo.Remaining.Sub(portion).Max(portion.Zero()).Round2(),
		})
		left = left.Sub(portion)
	}
	return steps
}

// =============================================================================
// ALLOCATION RESULT
// =============================================================================

type AllocationLine struct {
	ObligationID   ObligationID
	Reference      string
	Applied        Amount
	RemainingAfter Amount
	Status         ObligationStatus
}

type AllocationResult struct {
	AllocationID      string
	PayeeKey          PayeeKey
	Tendered          Amount
	TotalApplied      Amount
	Unapplied         Amount // Rounding residue, never more than Epsilon
	OutstandingBefore Amount
	OutstandingAfter  Amount
	Lines             []AllocationLine
	Events            []PaymentEvent
}

// =============================================================================
// ALLOCATOR
// =============================================================================

type Allocator struct {
	Store  Store
	Locker KeyLocker
	Logger logrus.FieldLogger

	// Now and NewID are overridable for deterministic tests.
	Now   func() time.Time
	NewID func() string
}

func NewAllocator(store Store, locker KeyLocker, logger logrus.FieldLogger) *Allocator {
	if locker == nil {
		locker = NewMutexLocker()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Allocator{
		Store:  store,
		Locker: locker,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  func() string { return uuid.NewString() },
	}
}

func (a *Allocator) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now()
}

func (a *Allocator) newID() string {
	if a.NewID == nil {
		return uuid.NewString()
	}
	return a.NewID()
}

func (a *Allocator) log() logrus.FieldLogger {
	if a.Logger == nil {
		return logrus.StandardLogger()
	}
	return a.Logger
}

func (a *Allocator) lock(ctx context.Context, payee PayeeKey) (func(), error) {
	if a.Locker == nil {
		a.Locker = NewMutexLocker()
	}
	unlock, err := a.Locker.Lock(ctx, string(payee))
	if err != nil {
		return nil, fmt.Errorf("lock payee %s: %w", payee, err)
	}
	return unlock, nil
}

// Allocate applies tendered to the payee's outstanding obligations,
// oldest first.
func (a *Allocator) Allocate(ctx context.Context, payee PayeeKey, tendered Amount, meta PaymentMetadata) (*AllocationResult, error) {
	if payee == "" {
		return nil, ErrPayeeRequired
	}
	if !tendered.RoundDown2().IsPositive() {
		return nil, &InvalidAmountError{PayeeKey: payee, Attempted: tendered}
	}

	unlock, err := a.lock(ctx, payee)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result, err := a.allocateOnce(ctx, payee, tendered, meta)
	var partial *PartialAllocationError
	if errors.Is(err, ErrConcurrentModification) && !errors.As(err, &partial) {
		a.log().WithFields(logrus.Fields{
			"payee":    payee,
			"tendered": tendered.Value.String(),
		}).Warn("allocation conflicted, retrying")
		result, err = a.allocateOnce(ctx, payee, tendered, meta)
		if errors.Is(err, ErrConcurrentModification) {
			return nil, &ConcurrentAllocationError{PayeeKey: payee, Err: err}
		}
	}
	if err != nil {
		return result, err
	}

	a.log().WithFields(logrus.Fields{
		"payee":         payee,
		"allocation_id": result.AllocationID,
		"tendered":      result.Tendered.Value.String(),
		"applied":       result.TotalApplied.String(),
		"events":        len(result.Events),
		"reference":     meta.Reference,
	}).Info("allocation recorded")
	return result, nil
}

func (a *Allocator) allocateOnce(ctx context.Context, payee PayeeKey, tendered Amount, meta PaymentMetadata) (*AllocationResult, error) {
	if txStore, ok := a.Store.(TxStore); ok {
		var result *AllocationResult
		err := txStore.WithTx(ctx, func(s Store) error {
			var err error
			result, err = a.apply(ctx, s, payee, tendered, meta)
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	result, err := a.apply(ctx, a.Store, payee, tendered, meta)
	if err != nil && result != nil && len(result.Events) > 0 {
		a.log().WithFields(logrus.Fields{
			"payee":         payee,
			"allocation_id": result.AllocationID,
			"applied":       result.TotalApplied.String(),
			"tendered":      tendered.Value.String(),
		}).WithError(err).Error("allocation partially applied")
		return nil, &PartialAllocationError{Result: result, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// apply runs the validated allocation against s. On failure mid-loop the
// returned result holds what was already written.
func (a *Allocator) apply(ctx context.Context, s Store, payee PayeeKey, tendered Amount, meta PaymentMetadata) (*AllocationResult, error) {
	if meta.IdempotencyKey != "" {
		exists, err := s.IdempotencyKeyExists(ctx, eventKey(meta.IdempotencyKey, 0))
		if err != nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, meta.IdempotencyKey)
		}
	}

	ledger := NewLedger(s)
	queue, err := ledger.Outstanding(ctx, payee)
	if err != nil {
		return nil, err
	}
	total := SumRemaining(queue)
	if !total.IsPositive() {
		return nil, &NoOutstandingDebtError{PayeeKey: payee}
	}
	if tendered.Value.GreaterThan(total.Value.Add(Epsilon)) {
		return nil, &AmountExceedsOutstandingError{PayeeKey: payee, Outstanding: total, Attempted: tendered}
	}

	now := a.now()
	paymentDate := meta.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}

	result := &AllocationResult{
		AllocationID:      a.newID(),
		PayeeKey:          payee,
		Tendered:          tendered,
		TotalApplied:      tendered.Zero(),
		OutstandingBefore: total,
	}

	for i, step := range Plan(queue, tendered) {
		o := step.Obligation
		event := PaymentEvent{
			ID:            EventID(a.newID()),
			ObligationID:  o.ID,
			PayeeKey:      payee,
			Type:          EventPayment,
			Amount:        step.Portion,
			AllocationID:  result.AllocationID,
			PaymentDate:   paymentDate,
			Reference:     meta.Reference,
			RecordedBy:    meta.RecordedBy,
			SourceAccount: meta.SourceAccount,
			Metadata:      meta.Extra,
			CreatedAt:     now,
		}
		if meta.IdempotencyKey != "" {
			event.IdempotencyKey = eventKey(meta.IdempotencyKey, i)
		}

		if err := s.AppendEvent(ctx, event); err != nil {
			return result, fmt.Errorf("append event for %s: %w", o.ID, err)
		}
		result.Events = append(result.Events, event)
		result.TotalApplied = result.TotalApplied.Add(step.Portion)

		paid, err := ledger.PaidAmount(ctx, o)
		if err != nil {
			return result, err
		}
		remaining := Remaining(o, paid)
		status := StatusPartial
		if remaining.LessOrEqualEpsilon() {
			status = StatusPaid
		}
		if err := s.SetStatus(ctx, o.ID, status); err != nil {
			return result, fmt.Errorf("set status for %s: %w", o.ID, err)
		}

		result.Lines = append(result.Lines, AllocationLine{
			ObligationID:   o.ID,
			Reference:      o.Reference,
			Applied:        step.Portion,
			RemainingAfter: remaining,
			Status:         status,
		})
	}

	result.TotalApplied = result.TotalApplied.Round2()
	result.Unapplied = tendered.Sub(result.TotalApplied).Max(tendered.Zero())
	result.OutstandingAfter = total.Sub(result.TotalApplied).Max(total.Zero()).Round2()
	return result, nil
}

// Preview returns the plan Allocate would execute right now, after the
// same validation. Nothing is written.
func (a *Allocator) Preview(ctx context.Context, payee PayeeKey, tendered Amount) ([]Allocation, Amount, error) {
	if payee == "" {
		return nil, Amount{}, ErrPayeeRequired
	}
	if !tendered.RoundDown2().IsPositive() {
		return nil, Amount{}, &InvalidAmountError{PayeeKey: payee, Attempted: tendered}
	}
	queue, err := NewLedger(a.Store).Outstanding(ctx, payee)
	if err != nil {
		return nil, Amount{}, err
	}
	total := SumRemaining(queue)
	if !total.IsPositive() {
		return nil, total, &NoOutstandingDebtError{PayeeKey: payee}
	}
	if tendered.Value.GreaterThan(total.Value.Add(Epsilon)) {
		return nil, total, &AmountExceedsOutstandingError{PayeeKey: payee, Outstanding: total, Attempted: tendered}
	}
	return Plan(queue, tendered), total, nil
}

func eventKey(key string, i int) string {
	return key + "#" + strconv.Itoa(i)
}

// =============================================================================
// REVERSAL - Corrections without deleting history
// =============================================================================

// Reverse appends an event cancelling a previous payment event and
// re-derives the obligation's status. The original event stays.
func (a *Allocator) Reverse(ctx context.Context, id EventID, meta PaymentMetadata) (*PaymentEvent, error) {
	original, err := a.Store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := a.lock(ctx, original.PayeeKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var reversal *PaymentEvent
	run := func(s Store) error {
		var err error
		reversal, err = a.reverse(ctx, s, id, meta)
		return err
	}
	if txStore, ok := a.Store.(TxStore); ok {
		err = txStore.WithTx(ctx, run)
	} else {
		err = run(a.Store)
	}
	if err != nil {
		return nil, err
	}

	a.log().WithFields(logrus.Fields{
		"payee":      reversal.PayeeKey,
		"obligation": reversal.ObligationID,
		"reverses":   id,
		"amount":     reversal.Amount.String(),
	}).Info("payment reversed")
	return reversal, nil
}

func (a *Allocator) reverse(ctx context.Context, s Store, id EventID, meta PaymentMetadata) (*PaymentEvent, error) {
	original, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.Type == EventReversal {
		return nil, fmt.Errorf("%w: %s", ErrCannotReverseReversal, id)
	}

	events, err := s.EventsForObligation(ctx, original.ObligationID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", original.ObligationID, err)
	}
	for _, e := range events {
		if e.ReversesID == id {
			return nil, fmt.Errorf("%w: %s by %s", ErrAlreadyReversed, id, e.ID)
		}
	}

	o, err := s.GetObligation(ctx, original.ObligationID)
	if err != nil {
		return nil, err
	}

	now := a.now()
	paymentDate := meta.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	key := meta.IdempotencyKey
	if key == "" {
		key = "reverse:" + string(id)
	}

	reversal := PaymentEvent{
		ID:             EventID(a.newID()),
		ObligationID:   original.ObligationID,
		PayeeKey:       original.PayeeKey,
		Type:           EventReversal,
		Amount:         original.Amount.Neg(),
		ReversesID:     id,
		AllocationID:   original.AllocationID,
		PaymentDate:    paymentDate,
		Reference:      meta.Reference,
		RecordedBy:     meta.RecordedBy,
		SourceAccount:  original.SourceAccount,
		IdempotencyKey: key,
		Metadata:       meta.Extra,
		CreatedAt:      now,
	}
	if err := s.AppendEvent(ctx, reversal); err != nil {
		return nil, fmt.Errorf("append reversal for %s: %w", id, err)
	}

	paid := sumEvents(o.DueAmount.Zero(), append(events, reversal), time.Time{})
	if err := s.SetStatus(ctx, o.ID, DeriveStatus(*o, paid)); err != nil {
		return nil, fmt.Errorf("set status for %s: %w", o.ID, err)
	}
	return &reversal, nil
}

// =============================================================================
// STATUS REFRESH
// =============================================================================

// RefreshStatus re-derives the cached status of one obligation from its
// events and persists it. Calling it repeatedly yields the same flag.
func (a *Allocator) RefreshStatus(ctx context.Context, id ObligationID) (ObligationStatus, error) {
	o, err := a.Store.GetObligation(ctx, id)
	if err != nil {
		return "", err
	}

	unlock, err := a.lock(ctx, o.PayeeKey)
	if err != nil {
		return "", err
	}
	defer unlock()

	paid, err := NewLedger(a.Store).PaidAmount(ctx, *o)
	if err != nil {
		return "", err
	}
	status := DeriveStatus(*o, paid)
	if status == o.Status {
		return status, nil
	}
	if err := a.Store.SetStatus(ctx, id, status); err != nil {
		return "", fmt.Errorf("set status for %s: %w", id, err)
	}
	a.log().WithFields(logrus.Fields{
		"obligation": id,
		"from":       o.Status,
		"to":         status,
	}).Info("obligation status refreshed")
	return status, nil
}
