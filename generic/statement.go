/*
statement.go - Chronological account statement for one payee

PURPOSE:
  Merges a payee's obligations (debits) and payment events (credits)
  for a period into one dated list with a running balance, opened by a
  "Balance b/f" row carrying everything owed before the period.

ORDERING:
  Rows are sorted by calendar day. On the same day credits come before
  debits, then rows are ordered by ID so output is deterministic.

SEE ALSO:
  - period.go: ParseMonth for "YYYY-MM" statement periods
  - api/handlers.go: GET /api/payees/{payee}/statement
*/
package generic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type StatementRowType string

const (
	RowOpening StatementRowType = "opening"
	RowDebit   StatementRowType = "debit"
	RowCredit  StatementRowType = "credit"
)

type StatementRow struct {
	Date         time.Time
	Type         StatementRowType
	Description  string
	ObligationID ObligationID
	EventID      EventID
	Quantity     decimal.Decimal
	Debit        Amount
	Credit       Amount
	Balance      Amount
}

type ProductTotal struct {
	Quantity decimal.Decimal
	Amount   Amount
}

type StatementTotals struct {
	Opening Amount
	Debits  Amount
	Credits Amount
	Closing Amount
}

type Statement struct {
	PayeeKey  PayeeKey
	Period    Period
	Rows      []StatementRow
	Totals    StatementTotals
	ByProduct map[string]ProductTotal
}

// ProductMetadataKey is the obligation metadata entry statements group by.
const ProductMetadataKey = "product"

type StatementBuilder struct {
	Store    Store
	Currency Currency
}

func NewStatementBuilder(store Store, currency Currency) *StatementBuilder {
	return &StatementBuilder{Store: store, Currency: currency}
}

// Statement builds the payee's statement for period. An unknown payee
// yields ErrPayeeNotFound.
func (b *StatementBuilder) Statement(ctx context.Context, payee PayeeKey, period Period) (*Statement, error) {
	if period.End.Before(period.Start) {
		return nil, ErrInvalidPeriod
	}
	obligations, err := b.Store.ObligationsByPayee(ctx, payee)
	if err != nil {
		return nil, fmt.Errorf("load obligations for %s: %w", payee, err)
	}
	if len(obligations) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPayeeNotFound, payee)
	}
	events, err := b.Store.EventsForPayee(ctx, payee, time.Time{}, EndOfDay(period.End))
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", payee, err)
	}

	zero := Amount{Value: decimal.Zero, Currency: b.Currency}
	opening := zero
	var rows []StatementRow
	byProduct := make(map[string]ProductTotal)

	for _, o := range obligations {
		switch {
		case o.OrderKey.Before(period.Start):
			opening = opening.Add(o.DueAmount)
		case period.Contains(o.OrderKey):
			rows = append(rows, StatementRow{
				Date:         o.OrderKey,
				Type:         RowDebit,
				Description:  describeObligation(o),
				ObligationID: o.ID,
				Quantity:     o.Quantity,
				Debit:        o.DueAmount,
				Credit:       zero,
			})
			if product := o.Metadata[ProductMetadataKey]; product != "" {
				pt := byProduct[product]
				if pt.Amount.Currency == "" {
					pt = ProductTotal{Quantity: decimal.Zero, Amount: zero}
				}
				pt.Quantity = pt.Quantity.Add(o.Quantity)
				pt.Amount = pt.Amount.Add(o.DueAmount)
				byProduct[product] = pt
			}
		}
	}

	for _, e := range events {
		if e.PaymentDate.Before(period.Start) {
			opening = opening.Sub(e.Amount)
			continue
		}
		rows = append(rows, StatementRow{
			Date:         e.PaymentDate,
			Type:         RowCredit,
			Description:  describeEvent(e),
			ObligationID: e.ObligationID,
			EventID:      e.ID,
			Debit:        zero,
			Credit:       e.Amount,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool { return statementLess(rows[i], rows[j]) })

	opening = opening.Round2()
	stmt := &Statement{
		PayeeKey:  payee,
		Period:    period,
		ByProduct: byProduct,
		Totals:    StatementTotals{Opening: opening, Debits: zero, Credits: zero},
	}
	stmt.Rows = append(stmt.Rows, StatementRow{
		Date:        period.Start,
		Type:        RowOpening,
		Description: "Balance b/f",
		Debit:       zero,
		Credit:      zero,
		Balance:     opening,
	})

	running := opening
	for _, row := range rows {
		running = running.Add(row.Debit).Sub(row.Credit).Round2()
		row.Balance = running
		stmt.Totals.Debits = stmt.Totals.Debits.Add(row.Debit)
		stmt.Totals.Credits = stmt.Totals.Credits.Add(row.Credit)
		stmt.Rows = append(stmt.Rows, row)
	}
	stmt.Totals.Debits = stmt.Totals.Debits.Round2()
	stmt.Totals.Credits = stmt.Totals.Credits.Round2()
	stmt.Totals.Closing = running
	return stmt, nil
}

func statementLess(a, b StatementRow) bool {
	da, db := StartOfDay(a.Date), StartOfDay(b.Date)
	if !da.Equal(db) {
		return da.Before(db)
	}
	if a.Type != b.Type {
		return a.Type == RowCredit
	}
	if a.Type == RowCredit {
		return a.EventID < b.EventID
	}
	return a.ObligationID < b.ObligationID
}

func describeObligation(o Obligation) string {
	desc := o.Reference
	if desc == "" {
		desc = string(o.ID)
	}
	if product := o.Metadata[ProductMetadataKey]; product != "" {
		desc = product + " - " + desc
	}
	return desc
}

func describeEvent(e PaymentEvent) string {
	label := "Payment"
	if e.Type == EventReversal {
		label = "Reversal"
	}
	if e.Reference != "" {
		label += " - " + e.Reference
	}
	return label
}
