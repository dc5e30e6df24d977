/*
Package factory provides JSON to Go obligation conversion.

PURPOSE:
  Converts flat JSON obligation records into generic.Obligation values
  by dispatching on "kind" to the owning domain package. Orders, BDC
  payables and invoices all arrive through the same door, so the API
  and the demo scenarios never need to know each kind's derivation.

JSON SCHEMA:
  {
    "kind": "omc_ptax",            // omc_ptax | bdc_payable | ar_invoice
    "id": "ord-001",               // optional, a UUID is generated
    "payee": "STAR OIL",           // OMC name, BDC id or customer code
    "reference": "TT-0001",
    "date": "2025-01-03",          // order / purchase / issue date
    "due_date": "2025-02-01",      // ar_invoice only
    "quantity": "36000",
    "rate": "0.16",                // P-Tax or BDC rate per litre
    "amount": "1250.00",           // bdc_payable override, ar_invoice amount
    "product": "PMS",
    "payment_type": "credit",      // bdc_payable only
    "customer_name": "...",        // ar_invoice only
    "currency": "GHS"
  }

USAGE:
  f := factory.NewObligationFactory()
  o, err := f.ParseObligation(jsonString)

SEE ALSO:
  - ptax/, bdc/, receivables/: Kind-specific derivation
  - api/handlers.go: POST /api/obligations
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/truetype/debt-engine/bdc"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/ptax"
	"github.com/truetype/debt-engine/receivables"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ObligationJSON is the flat JSON representation of any obligation kind.
type ObligationJSON struct {
	Kind         string          `json:"kind"`
	ID           string          `json:"id,omitempty"`
	Payee        string          `json:"payee"`
	Reference    string          `json:"reference,omitempty"`
	Date         string          `json:"date"`
	DueDate      string          `json:"due_date,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Rate         decimal.Decimal `json:"rate"`
	STaxRate     decimal.Decimal `json:"s_tax_rate"`
	Amount       decimal.Decimal `json:"amount"`
	Product      string          `json:"product,omitempty"`
	PaymentType  string          `json:"payment_type,omitempty"`
	OMC          string          `json:"omc,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	Currency     string          `json:"currency,omitempty"`
}

var ErrUnknownKind = errors.New("unknown obligation kind")

// =============================================================================
// OBLIGATION FACTORY
// =============================================================================

type ObligationFactory struct {
	// NewID generates IDs for records that carry none.
	NewID func() string
}

func NewObligationFactory() *ObligationFactory {
	return &ObligationFactory{NewID: uuid.NewString}
}

// ParseObligation parses a JSON string into an Obligation.
func (f *ObligationFactory) ParseObligation(jsonStr string) (generic.Obligation, error) {
	var oj ObligationJSON
	if err := json.Unmarshal([]byte(jsonStr), &oj); err != nil {
		return generic.Obligation{}, fmt.Errorf("failed to parse obligation JSON: %w", err)
	}
	return f.FromJSON(oj)
}

// FromJSON converts ObligationJSON to a generic.Obligation.
func (f *ObligationFactory) FromJSON(oj ObligationJSON) (generic.Obligation, error) {
	id := strings.TrimSpace(oj.ID)
	if id == "" {
		id = f.NewID()
	}
	date, err := parseOptionalDate(oj.Date)
	if err != nil {
		return generic.Obligation{}, fmt.Errorf("date: %w", err)
	}
	currency := generic.Currency(strings.ToUpper(oj.Currency))

	switch oj.Kind {
	case ptax.KindPTax.KindID():
		return ptax.NewObligation(ptax.Order{
			ID:           id,
			OrderNumber:  oj.Reference,
			OMC:          oj.Payee,
			Product:      oj.Product,
			Quantity:     oj.Quantity,
			PTaxPerLitre: oj.Rate,
			STaxPerLitre: oj.STaxRate,
			Date:         date,
			Currency:     currency,
		})

	case bdc.KindPayable.KindID():
		return bdc.NewObligation(bdc.Payable{
			ID:           id,
			BDC:          oj.Payee,
			OMC:          oj.OMC,
			Product:      oj.Product,
			Quantity:     oj.Quantity,
			RatePerLitre: oj.Rate,
			Amount:       oj.Amount,
			PaymentType:  bdc.PaymentType(oj.PaymentType),
			Date:         date,
			Reference:    oj.Reference,
			Currency:     currency,
		})

	case receivables.KindInvoice.KindID():
		due, err := parseOptionalDate(oj.DueDate)
		if err != nil {
			return generic.Obligation{}, fmt.Errorf("due_date: %w", err)
		}
		return receivables.NewObligation(receivables.Invoice{
			ID:           id,
			Number:       oj.Reference,
			Customer:     oj.Payee,
			CustomerName: oj.CustomerName,
			Amount:       oj.Amount,
			IssueDate:    date,
			DueDate:      due,
			Currency:     currency,
		})

	default:
		return generic.Obligation{}, fmt.Errorf("%w: %q", ErrUnknownKind, oj.Kind)
	}
}

// ToJSON converts an Obligation back to its flat JSON form.
func (f *ObligationFactory) ToJSON(o generic.Obligation) ObligationJSON {
	oj := ObligationJSON{
		Kind:      generic.KindIDOf(o.Kind),
		ID:        string(o.ID),
		Payee:     string(o.PayeeKey),
		Reference: o.Reference,
		Date:      o.OrderKey.Format(generic.DateLayout),
		Quantity:  o.Quantity,
		Rate:      o.RatePerUnit,
		Amount:    o.DueAmount.Value,
		Product:   o.Metadata[generic.ProductMetadataKey],
		Currency:  string(o.DueAmount.Currency),
	}
	switch o.Kind {
	case bdc.KindPayable:
		oj.PaymentType = o.Metadata[bdc.MetaPaymentType]
		oj.OMC = o.Metadata[bdc.MetaOMC]
	case receivables.KindInvoice:
		oj.DueDate = oj.Date
		oj.Date = o.Metadata[receivables.MetaIssueDate]
		oj.CustomerName = o.Metadata[receivables.MetaCustomerName]
	}
	return oj
}

func parseOptionalDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := generic.ParseDate(s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
}
