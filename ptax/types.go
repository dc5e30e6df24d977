/*
Package ptax provides the OMC P-Tax obligation kind.

PURPOSE:
  Every approved fuel order carries a P-Tax charged per litre. The OMC
  that placed the order owes rate x litres, and settles it in lump sums
  that the engine spreads over its orders oldest-first.

DERIVATION:
  due = round(PTaxPerLitre x Quantity, 2)
  payee = OMC name
  order key = order date

EXAMPLE:
  o, _ := ptax.NewObligation(ptax.Order{
      ID: "ord-001", OMC: "STAR OIL", Quantity: d("36000"),
      PTaxPerLitre: d("0.16"), Date: generic.Date(2025, 1, 3),
  })
  // o.DueAmount == 5760.00

SEE ALSO:
  - generic/allocation.go: Allocation of P-Tax payments
  - factory/obligation.go: JSON decoding of P-Tax orders
*/
package ptax

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/truetype/debt-engine/generic"
)

// =============================================================================
// P-TAX OBLIGATION KIND
// =============================================================================

// Kind implements generic.ObligationKind for the OMC domain.
type Kind string

func (k Kind) KindID() string     { return string(k) }
func (k Kind) KindDomain() string { return "omc" }

var _ generic.ObligationKind = Kind("")

const KindPTax Kind = "omc_ptax"

func init() {
	generic.RegisterKind(KindPTax)
}

// Metadata keys written on P-Tax obligations.
const (
	MetaOrderNumber = "order_number"
	MetaProduct     = generic.ProductMetadataKey
	MetaSTaxPerL    = "s_tax_per_litre"
)

var (
	ErrNoTaxDue      = errors.New("order carries no P-Tax")
	ErrOMCRequired   = errors.New("omc is required")
	ErrInvalidVolume = errors.New("quantity must be positive")
)

// Order is an approved fuel order as far as P-Tax is concerned.
type Order struct {
	ID           string
	OrderNumber  string
	OMC          string
	Product      string
	Quantity     decimal.Decimal // Litres
	PTaxPerLitre decimal.Decimal
	STaxPerLitre decimal.Decimal // Reported alongside, not owed here
	Date         time.Time
	Currency     generic.Currency
}

// Due is the P-Tax owed on the order, rounded to 2 dp.
func (o Order) Due() decimal.Decimal {
	return o.PTaxPerLitre.Mul(o.Quantity).Round(2)
}

// NewObligation turns an order into a P-Tax obligation owed by its OMC.
func NewObligation(o Order) (generic.Obligation, error) {
	omc := strings.TrimSpace(o.OMC)
	if omc == "" {
		return generic.Obligation{}, ErrOMCRequired
	}
	if !o.PTaxPerLitre.IsPositive() {
		return generic.Obligation{}, fmt.Errorf("%w: order %s", ErrNoTaxDue, o.ID)
	}
	if !o.Quantity.IsPositive() {
		return generic.Obligation{}, fmt.Errorf("%w: order %s", ErrInvalidVolume, o.ID)
	}
	currency := o.Currency
	if currency == "" {
		currency = generic.CurrencyGHS
	}

	reference := o.OrderNumber
	if reference == "" {
		reference = o.ID
	}
	meta := map[string]string{MetaOrderNumber: o.OrderNumber}
	if o.Product != "" {
		meta[MetaProduct] = strings.ToUpper(strings.TrimSpace(o.Product))
	}
	if o.STaxPerLitre.IsPositive() {
		meta[MetaSTaxPerL] = o.STaxPerLitre.String()
	}

	return generic.Obligation{
		ID:          generic.ObligationID(o.ID),
		PayeeKey:    generic.PayeeKey(omc),
		Kind:        KindPTax,
		DueAmount:   generic.NewAmountFromDecimal(o.Due(), currency),
		OrderKey:    o.Date.UTC(),
		Quantity:    o.Quantity,
		RatePerUnit: o.PTaxPerLitre,
		Reference:   reference,
		Status:      generic.StatusPending,
		Metadata:    meta,
	}, nil
}
