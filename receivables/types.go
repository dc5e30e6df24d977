/*
Package receivables provides the customer invoice obligation kind.

PURPOSE:
  Accounts receivable: customers owe the business for invoices, and
  their receipts are applied to the oldest invoice first. Invoices are
  aged by due date in the aging report.

DERIVATION:
  due = invoice amount
  payee = customer code ("UNKNOWN" when blank)
  order key = due date, falling back to the issue date

SEE ALSO:
  - generic/aging.go: Aging buckets for receivables
  - factory/obligation.go: JSON decoding of invoices
*/
package receivables

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/truetype/debt-engine/generic"
)

type Kind string

func (k Kind) KindID() string     { return string(k) }
func (k Kind) KindDomain() string { return "receivables" }

var _ generic.ObligationKind = Kind("")

const KindInvoice Kind = "ar_invoice"

func init() {
	generic.RegisterKind(KindInvoice)
}

// UnknownCustomer is the payee for invoices without a customer code.
const UnknownCustomer generic.PayeeKey = "UNKNOWN"

const (
	MetaCustomerName = "customer_name"
	MetaIssueDate    = "issue_date"
)

var (
	ErrNothingBilled = errors.New("invoice amount must be positive")
	ErrDateRequired  = errors.New("invoice needs a due date or an issue date")
)

type Invoice struct {
	ID           string
	Number       string
	Customer     string
	CustomerName string
	Amount       decimal.Decimal
	IssueDate    time.Time
	DueDate      time.Time
	Currency     generic.Currency
}

// AgingDate is the date the invoice is aged from.
func (inv Invoice) AgingDate() time.Time {
	if !inv.DueDate.IsZero() {
		return inv.DueDate
	}
	return inv.IssueDate
}

func NewObligation(inv Invoice) (generic.Obligation, error) {
	if !inv.Amount.IsPositive() {
		return generic.Obligation{}, fmt.Errorf("%w: invoice %s", ErrNothingBilled, inv.ID)
	}
	agingDate := inv.AgingDate()
	if agingDate.IsZero() {
		return generic.Obligation{}, fmt.Errorf("%w: invoice %s", ErrDateRequired, inv.ID)
	}

	payee := generic.PayeeKey(strings.TrimSpace(inv.Customer))
	if payee == "" {
		payee = UnknownCustomer
	}
	currency := inv.Currency
	if currency == "" {
		currency = generic.CurrencyGHS
	}
	reference := inv.Number
	if reference == "" {
		reference = inv.ID
	}

	meta := map[string]string{}
	if name := strings.TrimSpace(inv.CustomerName); name != "" {
		meta[MetaCustomerName] = name
	}
	if !inv.IssueDate.IsZero() {
		meta[MetaIssueDate] = inv.IssueDate.Format(generic.DateLayout)
	}

	return generic.Obligation{
		ID:        generic.ObligationID(inv.ID),
		PayeeKey:  payee,
		Kind:      KindInvoice,
		DueAmount: generic.NewAmountFromDecimal(inv.Amount.Round(2), currency),
		OrderKey:  agingDate.UTC(),
		Reference: reference,
		Status:    generic.StatusPending,
		Metadata:  meta,
	}, nil
}

// IsOverdue reports whether an invoice with the given remaining balance
// is past its due date on asOf.
func IsOverdue(o generic.Obligation, remaining generic.Amount, asOf time.Time) bool {
	return remaining.IsPositive() && generic.DaysBetween(o.OrderKey, asOf) > 0
}
