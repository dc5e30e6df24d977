package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ghs(v string) generic.Amount {
	return generic.Amount{Value: decimal.RequireFromString(v), Currency: generic.CurrencyGHS}
}

func day(m time.Month, d int) time.Time {
	return generic.Date(2025, m, d)
}

func obligation(id, payee, due string, orderKey time.Time) generic.Obligation {
	return generic.Obligation{
		ID:        generic.ObligationID(id),
		PayeeKey:  generic.PayeeKey(payee),
		Kind:      generic.NewStringKind("test_debt"),
		DueAmount: ghs(due),
		OrderKey:  orderKey,
		Quantity:  decimal.NewFromInt(1000),
		Reference: "REF-" + id,
		Status:    generic.StatusPending,
		Metadata:  map[string]string{"product": "PMS"},
		CreatedAt: orderKey,
	}
}

func TestStore_SaveAndGetObligation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: A saved obligation
	o := obligation("A", "OMC-X", "200.50", day(time.January, 1))
	require.NoError(t, s.SaveObligation(ctx, o))

	// WHEN: Reading it back
	got, err := s.GetObligation(ctx, "A")
	require.NoError(t, err)

	// THEN: Every field round-trips
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.PayeeKey, got.PayeeKey)
	assert.Equal(t, "test_debt", got.Kind.KindID())
	assert.Equal(t, "200.50", got.DueAmount.String())
	assert.Equal(t, generic.CurrencyGHS, got.DueAmount.Currency)
	assert.True(t, o.OrderKey.Equal(got.OrderKey))
	assert.True(t, o.Quantity.Equal(got.Quantity))
	assert.Equal(t, "REF-A", got.Reference)
	assert.Equal(t, generic.StatusPending, got.Status)
	assert.Equal(t, "PMS", got.Metadata["product"])
}

func TestStore_DuplicateObligation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	o := obligation("A", "OMC-X", "200", day(time.January, 1))
	require.NoError(t, s.SaveObligation(ctx, o))

	err := s.SaveObligation(ctx, o)
	assert.ErrorIs(t, err, generic.ErrDuplicateObligation)
}

func TestStore_NotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetObligation(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrEventNotFound)

	err = s.SetStatus(ctx, "missing", generic.StatusPaid)
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)
}

func TestStore_ObligationsByPayeeFIFO(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: Obligations saved out of order, two sharing an order date
	require.NoError(t, s.SaveObligation(ctx, obligation("C", "OMC-X", "80", day(time.March, 1))))
	require.NoError(t, s.SaveObligation(ctx, obligation("B2", "OMC-X", "10", day(time.February, 1))))
	require.NoError(t, s.SaveObligation(ctx, obligation("B1", "OMC-X", "10", day(time.February, 1))))
	require.NoError(t, s.SaveObligation(ctx, obligation("A", "OMC-X", "200", day(time.January, 1))))
	require.NoError(t, s.SaveObligation(ctx, obligation("Z", "OMC-Y", "5", day(time.January, 1))))

	// WHEN: Listing the payee's obligations
	list, err := s.ObligationsByPayee(ctx, "OMC-X")
	require.NoError(t, err)

	// THEN: Oldest first, ties by ID
	var ids []generic.ObligationID
	for _, o := range list {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []generic.ObligationID{"A", "B1", "B2", "C"}, ids)

	payees, err := s.Payees(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.PayeeKey{"OMC-X", "OMC-Y"}, payees)
}

func TestStore_AppendEventRules(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveObligation(ctx, obligation("A", "OMC-X", "200", day(time.January, 1))))

	e := generic.PaymentEvent{
		ID:             "e1",
		ObligationID:   "A",
		PayeeKey:       "OMC-X",
		Type:           generic.EventPayment,
		Amount:         ghs("50"),
		PaymentDate:    day(time.January, 10),
		IdempotencyKey: "k#0",
		SourceAccount:  "GCB-001",
		CreatedAt:      day(time.January, 10),
	}
	require.NoError(t, s.AppendEvent(ctx, e))

	// Same idempotency key under a new ID
	dup := e
	dup.ID = "e2"
	assert.ErrorIs(t, s.AppendEvent(ctx, dup), generic.ErrDuplicateIdempotencyKey)

	// Unknown obligation
	orphan := e
	orphan.ID = "e3"
	orphan.ObligationID = "missing"
	orphan.IdempotencyKey = ""
	assert.ErrorIs(t, s.AppendEvent(ctx, orphan), generic.ErrObligationNotFound)

	exists, err := s.IdempotencyKeyExists(ctx, "k#0")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "50.00", got.Amount.String())
	assert.Equal(t, "GCB-001", got.SourceAccount)
	assert.True(t, got.PaymentDate.Equal(day(time.January, 10)))
}

func TestStore_EventRanges(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveObligation(ctx, obligation("A", "OMC-X", "500", day(time.January, 1))))

	for i, d := range []time.Time{day(time.January, 5), day(time.February, 5), day(time.March, 5)} {
		require.NoError(t, s.AppendEvent(ctx, generic.PaymentEvent{
			ID:            generic.EventID([]string{"e1", "e2", "e3"}[i]),
			ObligationID:  "A",
			PayeeKey:      "OMC-X",
			Type:          generic.EventPayment,
			Amount:        ghs("10"),
			PaymentDate:   d,
			SourceAccount: "GCB-001",
			CreatedAt:     d,
		}))
	}

	// Closed range
	events, err := s.EventsForPayee(ctx, "OMC-X", day(time.February, 1), generic.EndOfDay(day(time.February, 28)))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, generic.EventID("e2"), events[0].ID)

	// Open lower bound
	events, err = s.EventsForPayee(ctx, "OMC-X", time.Time{}, day(time.February, 5))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// Both bounds open
	events, err = s.EventsForAccount(ctx, "GCB-001", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.EventsForObligation(ctx, "A")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, generic.EventID("e1"), events[0].ID)
	assert.Equal(t, generic.EventID("e3"), events[2].ID)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	// WHEN: A transaction writes then fails
	err := s.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.SaveObligation(ctx, obligation("A", "OMC-X", "200", day(time.January, 1))); err != nil {
			return err
		}
		// Reads inside the transaction see the write
		if _, err := tx.GetObligation(ctx, "A"); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing was persisted
	assert.ErrorIs(t, err, boom)
	_, err = s.GetObligation(ctx, "A")
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)
}

func TestStore_AllocateAndReverse(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	// GIVEN: OMC-X owes A=200 (Jan 1) and B=150 (Feb 1)
	ledger := generic.NewLedger(s)
	require.NoError(t, ledger.Register(ctx, obligation("A", "OMC-X", "200", day(time.January, 1))))
	require.NoError(t, ledger.Register(ctx, obligation("B", "OMC-X", "150", day(time.February, 1))))
	allocator := generic.NewAllocator(s, nil, logger)

	// WHEN: Allocating 300
	result, err := allocator.Allocate(ctx, "OMC-X", ghs("300"), generic.PaymentMetadata{
		Reference:      "R1",
		PaymentDate:    day(time.March, 1),
		IdempotencyKey: "pay-1",
	})
	require.NoError(t, err)

	// THEN: A paid, B partial, cached flags persisted
	require.Len(t, result.Events, 2)
	a, err := s.GetObligation(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPaid, a.Status)
	b, err := s.GetObligation(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPartial, b.Status)

	total, err := ledger.TotalOutstanding(ctx, "OMC-X")
	require.NoError(t, err)
	assert.Equal(t, "50.00", total.String())

	// AND: Replaying the same key is rejected
	_, err = allocator.Allocate(ctx, "OMC-X", ghs("10"), generic.PaymentMetadata{IdempotencyKey: "pay-1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	// WHEN: Reversing the payment applied to A
	_, err = allocator.Reverse(ctx, result.Events[0].ID, generic.PaymentMetadata{Reference: "bounced"})
	require.NoError(t, err)

	// THEN: A is owed in full again
	a, err = s.GetObligation(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusPending, a.Status)
	total, err = ledger.TotalOutstanding(ctx, "OMC-X")
	require.NoError(t, err)
	assert.Equal(t, "250.00", total.String())
}

func TestStore_Reset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveObligation(ctx, obligation("A", "OMC-X", "200", day(time.January, 1))))

	require.NoError(t, s.Reset(ctx))

	payees, err := s.Payees(ctx)
	require.NoError(t, err)
	assert.Empty(t, payees)
}
