package generic_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/generic/store"
)

// =============================================================================
// REMAINING BALANCE
// =============================================================================

func TestRemainingBalance_NoEvents_EqualsDue(t *testing.T) {
	// GIVEN: An obligation with no payments
	s := store.NewMemory()
	a := obligation("A", "OMC-X", 200, jan(1))
	seed(s, a)

	// WHEN: Computing the remaining balance
	remaining, err := generic.NewLedger(s).RemainingBalance(context.Background(), a)

	// THEN: Nothing has been paid
	require.NoError(t, err)
	assert.Equal(t, "200.00", remaining.String())
}

func TestRemainingBalance_SubtractsEvents(t *testing.T) {
	s := store.NewMemory()
	a := obligation("A", "OMC-X", 200, jan(1))
	seed(s, a)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, payment("e1", a, 50.25, jan(2))))
	require.NoError(t, s.AppendEvent(ctx, payment("e2", a, 49.75, jan(3))))

	ledger := generic.NewLedger(s)
	remaining, err := ledger.RemainingBalance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "100.00", remaining.String())

	paid, err := ledger.PaidAmount(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "100.00", paid.String())
}

func TestRemainingBalance_OverpaidClampsToZero(t *testing.T) {
	// GIVEN: Events written outside the engine that exceed the due amount
	s := store.NewMemory()
	a := obligation("A", "OMC-X", 100, jan(1))
	seed(s, a)
	require.NoError(t, s.AppendEvent(context.Background(), payment("e1", a, 120, jan(2))))

	// WHEN: Computing the remaining balance
	remaining, err := generic.NewLedger(s).RemainingBalance(context.Background(), a)

	// THEN: It never goes negative
	require.NoError(t, err)
	assert.True(t, remaining.IsZero())
}

func TestRemainingBalance_ZeroDue(t *testing.T) {
	s := store.NewMemory()
	a := obligation("A", "OMC-X", 0, jan(1))
	seed(s, a)

	remaining, err := generic.NewLedger(s).RemainingBalance(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, remaining.IsZero())
}

func TestRemainingBalance_ReversalRestoresBalance(t *testing.T) {
	s := store.NewMemory()
	a := obligation("A", "OMC-X", 100, jan(1))
	seed(s, a)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, payment("e1", a, 100, jan(2))))

	reversal := payment("r1", a, -100, jan(3))
	reversal.Type = generic.EventReversal
	reversal.ReversesID = "e1"
	require.NoError(t, s.AppendEvent(ctx, reversal))

	remaining, err := generic.NewLedger(s).RemainingBalance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "100.00", remaining.String())
}

// =============================================================================
// OUTSTANDING / TOTALS
// =============================================================================

func TestOutstanding_FIFOOrderWithIDTieBreak(t *testing.T) {
	// GIVEN: Two obligations sharing an order key and one older obligation
	s := store.NewMemory()
	seed(s,
		obligation("b", "OMC-X", 10, feb(1)),
		obligation("a", "OMC-X", 10, feb(1)),
		obligation("c", "OMC-X", 10, jan(1)),
	)

	// WHEN: Listing outstanding obligations
	queue, err := generic.NewLedger(s).Outstanding(context.Background(), "OMC-X")
	require.NoError(t, err)

	// THEN: Oldest first, ties by ID
	require.Len(t, queue, 3)
	assert.Equal(t, generic.ObligationID("c"), queue[0].Obligation.ID)
	assert.Equal(t, generic.ObligationID("a"), queue[1].Obligation.ID)
	assert.Equal(t, generic.ObligationID("b"), queue[2].Obligation.ID)
}

func TestOutstanding_ExcludesSettledAndOtherPayees(t *testing.T) {
	s := store.NewMemory()
	a := obligation("A", "OMC-X", 100, jan(1))
	seed(s, a,
		obligation("B", "OMC-X", 50, jan(2)),
		obligation("C", "OMC-Y", 70, jan(1)),
	)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, payment("e1", a, 100, jan(5))))

	ledger := generic.NewLedger(s)
	queue, err := ledger.Outstanding(ctx, "OMC-X")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, generic.ObligationID("B"), queue[0].Obligation.ID)

	total, err := ledger.TotalOutstanding(ctx, "OMC-X")
	require.NoError(t, err)
	assert.Equal(t, "50.00", total.String())
}

func TestTotalOutstanding_UnknownPayeeIsZero(t *testing.T) {
	total, err := generic.NewLedger(store.NewMemory()).TotalOutstanding(context.Background(), "NOBODY")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestOutstandingAsOf_IgnoresLaterPayments(t *testing.T) {
	// GIVEN: A payment made on Feb 10
	s := store.NewMemory()
	a := obligation("A", "CUST-1", 100, jan(1))
	seed(s, a)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, payment("e1", a, 40, feb(10))))

	ledger := generic.NewLedger(s)

	// WHEN: Asking what was owed on Feb 9 and on Feb 10
	before, err := ledger.OutstandingAsOf(ctx, "CUST-1", feb(9))
	require.NoError(t, err)
	sameDay, err := ledger.OutstandingAsOf(ctx, "CUST-1", feb(10))
	require.NoError(t, err)

	// THEN: The payment counts from its own day onwards
	require.Len(t, before, 1)
	assert.Equal(t, "100.00", before[0].Remaining.String())
	require.Len(t, sameDay, 1)
	assert.Equal(t, "60.00", sameDay[0].Remaining.String())
}

// =============================================================================
// STATUS DERIVATION
// =============================================================================

func TestDeriveStatus(t *testing.T) {
	o := obligation("A", "OMC-X", 100, jan(1))

	tests := []struct {
		name string
		paid generic.Amount
		want generic.ObligationStatus
	}{
		{"nothing paid", ghs(0), generic.StatusPending},
		{"partly paid", ghs(40), generic.StatusPartial},
		{"fully paid", ghs(100), generic.StatusPaid},
		{"within epsilon of due", dec("99.996"), generic.StatusPaid},
		{"overpaid", ghs(150), generic.StatusPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generic.DeriveStatus(o, tt.paid))
		})
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegister_SetsPendingAndRejectsDuplicates(t *testing.T) {
	s := store.NewMemory()
	ledger := generic.NewLedger(s)
	ctx := context.Background()

	o := obligation("A", "OMC-X", 100.456, jan(1))
	o.Status = generic.StatusPaid
	require.NoError(t, ledger.Register(ctx, o))

	stored, err := s.GetObligation(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, stored.Status)
	assert.Equal(t, "100.46", stored.DueAmount.String())
	assert.False(t, stored.CreatedAt.IsZero())

	err = ledger.Register(ctx, o)
	assert.ErrorIs(t, err, generic.ErrDuplicateObligation)
}

func TestRegister_ZeroDueIsPaid(t *testing.T) {
	s := store.NewMemory()
	ledger := generic.NewLedger(s)
	ctx := context.Background()

	// GIVEN: An obligation with nothing due
	require.NoError(t, ledger.Register(ctx, obligation("Z", "OMC-X", 0, jan(1))))

	// THEN: The stored flag already matches the derived status
	stored, err := s.GetObligation(ctx, "Z")
	require.NoError(t, err)
	paid, err := ledger.PaidAmount(ctx, *stored)
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPaid, stored.Status)
	assert.Equal(t, generic.DeriveStatus(*stored, paid), stored.Status)
}

func TestRegister_RejectsNegativeDueAndMissingPayee(t *testing.T) {
	ledger := generic.NewLedger(store.NewMemory())
	ctx := context.Background()

	err := ledger.Register(ctx, obligation("A", "OMC-X", -1, jan(1)))
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	err = ledger.Register(ctx, obligation("B", "", 10, jan(1)))
	assert.ErrorIs(t, err, generic.ErrPayeeRequired)
}

// =============================================================================
// DEBT SUMMARIES
// =============================================================================

func TestDebtSummaries_LargestDebtorFirst(t *testing.T) {
	// GIVEN: Two payees with different exposure, one fully settled payee
	s := store.NewMemory()
	x1 := obligation("X1", "OMC-X", 100, jan(1))
	x1.Quantity = generic.MustParseDecimal("1000")
	x2 := obligation("X2", "OMC-X", 50, jan(5))
	x2.Quantity = generic.MustParseDecimal("500")
	y1 := obligation("Y1", "OMC-Y", 300, jan(3))
	z1 := obligation("Z1", "OMC-Z", 20, jan(3))
	seed(s, x1, x2, y1, z1)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, payment("z", z1, 20, jan(4))))

	// WHEN: Summarizing debts
	summaries, err := generic.NewLedger(s).DebtSummaries(ctx, "")
	require.NoError(t, err)

	// THEN: Y owes most, X second, Z is omitted
	require.Len(t, summaries, 2)
	assert.Equal(t, generic.PayeeKey("OMC-Y"), summaries[0].PayeeKey)
	assert.Equal(t, "300.00", summaries[0].Outstanding.String())
	assert.Equal(t, generic.PayeeKey("OMC-X"), summaries[1].PayeeKey)
	assert.Equal(t, "150.00", summaries[1].Outstanding.String())
	assert.Equal(t, 2, summaries[1].UnpaidCount)
	assert.Equal(t, "1500", summaries[1].TotalQuantity.String())
	assert.True(t, summaries[1].OldestOrder.Equal(jan(1)))
}

func TestDebtSummaries_FilterByKind(t *testing.T) {
	s := store.NewMemory()
	other := obligation("Y1", "BDC-1", 300, jan(3))
	other.Kind = generic.StringKind{ID: "other", Domain: "test"}
	seed(s, obligation("X1", "OMC-X", 100, jan(1)), other)

	summaries, err := generic.NewLedger(s).DebtSummaries(context.Background(), "other")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, generic.PayeeKey("BDC-1"), summaries[0].PayeeKey)
}
