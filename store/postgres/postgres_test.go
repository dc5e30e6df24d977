package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/store/postgres"
)

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(store.Close)
	return store
}

func ghs(v string) generic.Amount {
	return generic.Amount{Value: decimal.RequireFromString(v), Currency: generic.CurrencyGHS}
}

func obligation(id, payee, due string, orderKey time.Time) generic.Obligation {
	return generic.Obligation{
		ID:        generic.ObligationID(id),
		PayeeKey:  generic.PayeeKey(payee),
		Kind:      generic.NewStringKind("test_debt"),
		DueAmount: ghs(due),
		OrderKey:  orderKey,
		Quantity:  decimal.Zero,
		Status:    generic.StatusPending,
		CreatedAt: orderKey,
	}
}

func TestPostgres_ObligationRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	o := obligation("A", "OMC-X", "200.25", generic.Date(2025, time.January, 1))
	o.Metadata = map[string]string{"product": "AGO"}
	require.NoError(t, s.SaveObligation(ctx, o))

	got, err := s.GetObligation(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "200.25", got.DueAmount.String())
	assert.True(t, got.OrderKey.Equal(o.OrderKey))
	assert.Equal(t, "AGO", got.Metadata["product"])

	assert.ErrorIs(t, s.SaveObligation(ctx, o), generic.ErrDuplicateObligation)

	_, err = s.GetObligation(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrObligationNotFound)
}

func TestPostgres_AllocateFIFO(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	// GIVEN: OMC-X owes A=200 (Jan 1) and B=150 (Feb 1)
	require.NoError(t, s.SaveObligation(ctx, obligation("A", "OMC-X", "200", generic.Date(2025, time.January, 1))))
	require.NoError(t, s.SaveObligation(ctx, obligation("B", "OMC-X", "150", generic.Date(2025, time.February, 1))))
	allocator := generic.NewAllocator(s, nil, logger)

	// WHEN: Allocating 300 with an idempotency key
	result, err := allocator.Allocate(ctx, "OMC-X", ghs("300"), generic.PaymentMetadata{IdempotencyKey: "pg-1"})
	require.NoError(t, err)

	// THEN: A paid in full, B partial
	require.Len(t, result.Lines, 2)
	assert.Equal(t, generic.StatusPaid, result.Lines[0].Status)
	assert.Equal(t, "50.00", result.Lines[1].RemainingAfter.String())

	// AND: The key cannot be replayed
	_, err = allocator.Allocate(ctx, "OMC-X", ghs("10"), generic.PaymentMetadata{IdempotencyKey: "pg-1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
}
