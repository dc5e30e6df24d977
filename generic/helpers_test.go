package generic_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testKind = generic.StringKind{ID: "test_debt", Domain: "test"}

func ghs(v float64) generic.Amount {
	return generic.NewAmount(v, generic.CurrencyGHS)
}

func dec(s string) generic.Amount {
	a, err := generic.ParseAmount(s, generic.CurrencyGHS)
	if err != nil {
		panic(err)
	}
	return a
}

func jan(day int) time.Time { return generic.Date(2025, time.January, day) }
func feb(day int) time.Time { return generic.Date(2025, time.February, day) }
func mar(day int) time.Time { return generic.Date(2025, time.March, day) }

func obligation(id, payee string, due float64, orderKey time.Time) generic.Obligation {
	return generic.Obligation{
		ID:        generic.ObligationID(id),
		PayeeKey:  generic.PayeeKey(payee),
		Kind:      testKind,
		DueAmount: ghs(due),
		OrderKey:  orderKey,
		Reference: "REF-" + id,
		Status:    generic.StatusPending,
	}
}

func payment(id string, o generic.Obligation, amount float64, date time.Time) generic.PaymentEvent {
	return generic.PaymentEvent{
		ID:             generic.EventID(id),
		ObligationID:   o.ID,
		PayeeKey:       o.PayeeKey,
		Type:           generic.EventPayment,
		Amount:         ghs(amount),
		PaymentDate:    date,
		CreatedAt:      date,
		IdempotencyKey: id,
	}
}

func seed(s generic.Store, obligations ...generic.Obligation) {
	ctx := context.Background()
	for _, o := range obligations {
		if err := s.SaveObligation(ctx, o); err != nil {
			panic(err)
		}
	}
}

func newTestAllocator(s generic.Store) (*generic.Allocator, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	a := generic.NewAllocator(s, generic.NewMutexLocker(), logger)
	a.Now = func() time.Time { return mar(15) }
	a.NewID = sequentialIDs()
	return a, hook
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%04d", n)
	}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// failingAppends lets `after` events through, then fails every append.
type failingAppends struct {
	generic.Store
	after int
	err   error
	count int
}

func (f *failingAppends) AppendEvent(ctx context.Context, e generic.PaymentEvent) error {
	if f.count >= f.after {
		return f.err
	}
	f.count++
	return f.Store.AppendEvent(ctx, e)
}

// flakyTxStore fails the first `conflicts` transactions with
// ErrConcurrentModification and can fail appends inside a transaction.
type flakyTxStore struct {
	*store.TxMemory
	conflicts       int
	failAppendAfter int // negative = never
	calls           int
}

func newFlakyTxStore() *flakyTxStore {
	return &flakyTxStore{TxMemory: store.NewTxMemory(), failAppendAfter: -1}
}

func (f *flakyTxStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	f.calls++
	if f.conflicts > 0 {
		f.conflicts--
		return fmt.Errorf("commit: %w", generic.ErrConcurrentModification)
	}
	return f.TxMemory.WithTx(ctx, func(s generic.Store) error {
		if f.failAppendAfter >= 0 {
			s = &failingAppends{Store: s, after: f.failAppendAfter, err: fmt.Errorf("disk full")}
		}
		return fn(s)
	})
}
