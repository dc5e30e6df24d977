/*
aging.go - Aging buckets over outstanding balances

PURPOSE:
  Classifies every outstanding obligation by how long it has been owed,
  as of a reference date, and totals the buckets per payee and overall.
  Collections work the largest exposure first, so payees are sorted by
  total outstanding, largest first.

BUCKETS (inclusive upper bounds):
  0-30   age_days <= 30 (includes not-yet-due, clamped to 0)
  31-60  age_days <= 60
  61-90  age_days <= 90
  90+    everything older

AS-OF SEMANTICS:
  Only events with a PaymentDate on or before the as-of day reduce the
  balance. A report for a past date shows what was owed on that date.

SEE ALSO:
  - ledger.go: OutstandingAsOf
  - api/handlers.go: GET /api/reports/aging
*/
package generic

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BUCKETS
// =============================================================================

type AgingBucket string

const (
	Bucket0To30  AgingBucket = "0-30"
	Bucket31To60 AgingBucket = "31-60"
	Bucket61To90 AgingBucket = "61-90"
	BucketOver90 AgingBucket = "90+"
)

// AgingBuckets lists the buckets in display order.
var AgingBuckets = []AgingBucket{Bucket0To30, Bucket31To60, Bucket61To90, BucketOver90}

// AgeInDays is the whole days from orderKey to asOf, never negative.
func AgeInDays(orderKey, asOf time.Time) int {
	days := DaysBetween(orderKey, asOf)
	if days < 0 {
		return 0
	}
	return days
}

func BucketFor(ageDays int) AgingBucket {
	switch {
	case ageDays <= 30:
		return Bucket0To30
	case ageDays <= 60:
		return Bucket31To60
	case ageDays <= 90:
		return Bucket61To90
	default:
		return BucketOver90
	}
}

// BucketTotals maps each bucket to the balance it holds.
type BucketTotals map[AgingBucket]Amount

func NewBucketTotals(currency Currency) BucketTotals {
	bt := make(BucketTotals, len(AgingBuckets))
	for _, b := range AgingBuckets {
		bt[b] = Amount{Value: decimal.Zero, Currency: currency}
	}
	return bt
}

func (bt BucketTotals) Add(b AgingBucket, amount Amount) {
	bt[b] = bt[b].Add(amount)
}

// =============================================================================
// REPORT
// =============================================================================

type AgedObligation struct {
	ObligationID ObligationID
	Reference    string
	OrderKey     time.Time
	AgeDays      int
	Bucket       AgingBucket
	Remaining    Amount
}

type PayeeAging struct {
	PayeeKey    PayeeKey
	Buckets     BucketTotals
	Total       Amount
	Obligations []AgedObligation
}

type AgingReport struct {
	AsOf        time.Time
	Payees      []PayeeAging
	Buckets     BucketTotals
	Total       Amount
	Percentages map[AgingBucket]decimal.Decimal
}

// =============================================================================
// AGING REPORTER
// =============================================================================

type AgingReporter struct {
	Store    Store
	Currency Currency

	// Concurrency bounds the per-payee fan-out. Zero means 8.
	Concurrency int
}

func NewAgingReporter(store Store, currency Currency) *AgingReporter {
	return &AgingReporter{Store: store, Currency: currency}
}

// AgeReport buckets the outstanding balances of payees as of asOf.
// An empty payee list means every payee in the store. Payees owing
// nothing are left out.
func (r *AgingReporter) AgeReport(ctx context.Context, payees []PayeeKey, asOf time.Time) (*AgingReport, error) {
	asOf = StartOfDay(asOf)
	if len(payees) == 0 {
		all, err := r.Store.Payees(ctx)
		if err != nil {
			return nil, err
		}
		payees = all
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = 8
	}

	ledger := NewLedger(r.Store)
	rows := make([]*PayeeAging, len(payees))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, payee := range payees {
		g.Go(func() error {
			queue, err := ledger.OutstandingAsOf(gctx, payee, asOf)
			if err != nil {
				return err
			}
			rows[i] = r.agePayee(payee, queue, asOf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &AgingReport{
		AsOf:        asOf,
		Buckets:     NewBucketTotals(r.Currency),
		Total:       Amount{Value: decimal.Zero, Currency: r.Currency},
		Percentages: make(map[AgingBucket]decimal.Decimal, len(AgingBuckets)),
	}
	for _, row := range rows {
		if row == nil || !row.Total.IsPositive() {
			continue
		}
		report.Payees = append(report.Payees, *row)
		for _, b := range AgingBuckets {
			report.Buckets.Add(b, row.Buckets[b])
		}
		report.Total = report.Total.Add(row.Total)
	}

	sort.SliceStable(report.Payees, func(i, j int) bool {
		a, b := report.Payees[i], report.Payees[j]
		if !a.Total.Equal(b.Total) {
			return a.Total.GreaterThan(b.Total)
		}
		return a.PayeeKey < b.PayeeKey
	})

	hundred := decimal.NewFromInt(100)
	for _, b := range AgingBuckets {
		if report.Total.IsZero() {
			report.Percentages[b] = decimal.Zero
			continue
		}
		report.Percentages[b] = report.Buckets[b].Value.Div(report.Total.Value).Mul(hundred).Round(2)
	}
	return report, nil
}

func (r *AgingReporter) agePayee(payee PayeeKey, queue []OutstandingObligation, asOf time.Time) *PayeeAging {
	row := &PayeeAging{
		PayeeKey: payee,
		Buckets:  NewBucketTotals(r.Currency),
		Total:    Amount{Value: decimal.Zero, Currency: r.Currency},
	}
	for _, oo := range queue {
		age := AgeInDays(oo.Obligation.OrderKey, asOf)
		bucket := BucketFor(age)
		row.Buckets.Add(bucket, oo.Remaining)
		row.Total = row.Total.Add(oo.Remaining)
		row.Obligations = append(row.Obligations, AgedObligation{
			ObligationID: oo.Obligation.ID,
			Reference:    oo.Obligation.Reference,
			OrderKey:     oo.Obligation.OrderKey,
			AgeDays:      age,
			Bucket:       bucket,
			Remaining:    oo.Remaining,
		})
	}
	return row
}
