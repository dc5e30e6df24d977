/*
Package bdc provides the BDC payable obligation kind.

PURPOSE:
  Fuel bought from a Bulk Distribution Company is paid for in cash,
  drawn from a bank account, or taken on credit. Each purchase is a
  payable owed to the BDC; bank payments to the BDC are allocated
  across its payables oldest-first.

DERIVATION:
  due = Amount when given, otherwise round(RatePerLitre x Quantity, 2)
  payee = BDC id
  order key = purchase date

SEE ALSO:
  - generic/allocation.go: Allocation of BDC payments
  - factory/obligation.go: JSON decoding of payables
*/
package bdc

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
func (k Kind) KindDomain() string { return "bdc" }

var _ generic.ObligationKind = Kind("")

const KindPayable Kind = "bdc_payable"

func init() {
	generic.RegisterKind(KindPayable)
}

// =============================================================================
// PAYMENT TYPE
// =============================================================================

type PaymentType string

const (
	PaymentCash        PaymentType = "cash"
	PaymentFromAccount PaymentType = "from_account"
	PaymentCredit      PaymentType = "credit"
)

// ParsePaymentType accepts "cash", "credit", "from account" and
// "from_account" in any case.
func ParsePaymentType(s string) (PaymentType, error) {
	norm := strings.Join(strings.Fields(strings.ToLower(s)), "_")
	switch PaymentType(norm) {
	case PaymentCash, PaymentFromAccount, PaymentCredit:
		return PaymentType(norm), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentType, s)
}

const (
	MetaPaymentType = "payment_type"
	MetaOMC         = "omc"
	MetaProduct     = generic.ProductMetadataKey
)

var (
	ErrBDCRequired        = errors.New("bdc id is required")
	ErrInvalidPaymentType = errors.New("payment type must be cash, from account or credit")
	ErrNothingPayable     = errors.New("payable amount must be positive")
)

// =============================================================================
// PAYABLE
// =============================================================================

type Payable struct {
	ID           string
	BDC          string
	OMC          string // Customer the fuel was bought for
	Product      string
	Quantity     decimal.Decimal
	RatePerLitre decimal.Decimal
	Amount       decimal.Decimal // Overrides rate x quantity when positive
	PaymentType  PaymentType
	Date         time.Time
	Reference    string
	Currency     generic.Currency
}

func (p Payable) Due() decimal.Decimal {
	if p.Amount.IsPositive() {
		return p.Amount.Round(2)
	}
	return p.RatePerLitre.Mul(p.Quantity).Round(2)
}

func NewObligation(p Payable) (generic.Obligation, error) {
	bdcID := strings.TrimSpace(p.BDC)
	if bdcID == "" {
		return generic.Obligation{}, ErrBDCRequired
	}
	pt, err := ParsePaymentType(string(p.PaymentType))
	if err != nil {
		return generic.Obligation{}, err
	}
	due := p.Due()
	if !due.IsPositive() {
		return generic.Obligation{}, fmt.Errorf("%w: payable %s", ErrNothingPayable, p.ID)
	}
	currency := p.Currency
	if currency == "" {
		currency = generic.CurrencyGHS
	}
	reference := p.Reference
	if reference == "" {
		reference = p.ID
	}

	meta := map[string]string{MetaPaymentType: string(pt)}
	if p.OMC != "" {
		meta[MetaOMC] = p.OMC
	}
	if p.Product != "" {
		meta[MetaProduct] = strings.ToUpper(strings.TrimSpace(p.Product))
	}

	return generic.Obligation{
		ID:          generic.ObligationID(p.ID),
		PayeeKey:    generic.PayeeKey(bdcID),
		Kind:        KindPayable,
		DueAmount:   generic.NewAmountFromDecimal(due, currency),
		OrderKey:    p.Date.UTC(),
		Quantity:    p.Quantity,
		RatePerUnit: p.RatePerLitre,
		Reference:   reference,
		Status:      generic.StatusPending,
		Metadata:    meta,
	}, nil
}
