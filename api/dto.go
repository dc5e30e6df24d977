/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts travel as fixed 2-dp strings ("1250.00"), never floats.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.validate.Struct before touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/obligation.go: ObligationJSON
*/
package api

import (
	"time"

	"github.com/truetype/debt-engine/factory"
	"github.com/truetype/debt-engine/generic"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateObligationRequest is the body of POST /api/obligations.
type CreateObligationRequest struct {
	Kind         string `json:"kind" validate:"required"`
	ID           string `json:"id" validate:"omitempty,max=64"`
	Payee        string `json:"payee" validate:"max=128"`
	Reference    string `json:"reference" validate:"max=128"`
	Date         string `json:"date"`
	DueDate      string `json:"due_date"`
	Quantity     string `json:"quantity" validate:"omitempty,numeric"`
	Rate         string `json:"rate" validate:"omitempty,numeric"`
	STaxRate     string `json:"s_tax_rate" validate:"omitempty,numeric"`
	Amount       string `json:"amount" validate:"omitempty,numeric"`
	Product      string `json:"product"`
	PaymentType  string `json:"payment_type"`
	OMC          string `json:"omc"`
	CustomerName string `json:"customer_name"`
	Currency     string `json:"currency" validate:"omitempty,len=3"`
}

func (req CreateObligationRequest) toJSON() factory.ObligationJSON {
	return factory.ObligationJSON{
		Kind:         req.Kind,
		ID:           req.ID,
		Payee:        req.Payee,
		Reference:    req.Reference,
		Date:         req.Date,
		DueDate:      req.DueDate,
		Quantity:     generic.MustParseDecimal(orZero(req.Quantity)),
		Rate:         generic.MustParseDecimal(orZero(req.Rate)),
		STaxRate:     generic.MustParseDecimal(orZero(req.STaxRate)),
		Amount:       generic.MustParseDecimal(orZero(req.Amount)),
		Product:      req.Product,
		PaymentType:  req.PaymentType,
		OMC:          req.OMC,
		CustomerName: req.CustomerName,
		Currency:     req.Currency,
	}
}

// AllocateRequest is the body of POST /api/payees/{payee}/allocations.
type AllocateRequest struct {
	Amount         string            `json:"amount" validate:"required,numeric"`
	Reference      string            `json:"reference" validate:"max=128"`
	RecordedBy     string            `json:"recorded_by" validate:"max=128"`
	SourceAccount  string            `json:"source_account" validate:"max=128"`
	PaymentDate    string            `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	IdempotencyKey string            `json:"idempotency_key" validate:"max=128"`
	Metadata       map[string]string `json:"metadata"`
}

// PreviewRequest is the body of POST /api/payees/{payee}/allocations/preview.
type PreviewRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
}

// ReverseRequest is the body of POST /api/events/{id}/reverse.
type ReverseRequest struct {
	Reference      string `json:"reference" validate:"max=128"`
	RecordedBy     string `json:"recorded_by" validate:"max=128"`
	PaymentDate    string `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ObligationDTO is an obligation with its derived balance.
type ObligationDTO struct {
	ID           string            `json:"id"`
	Payee        string            `json:"payee"`
	Kind         string            `json:"kind"`
	Reference    string            `json:"reference,omitempty"`
	OrderDate    string            `json:"order_date"`
	Currency     string            `json:"currency"`
	DueAmount    string            `json:"due_amount"`
	Paid         string            `json:"paid"`
	Remaining    string            `json:"remaining"`
	Status       string            `json:"status"`
	CachedStatus string            `json:"cached_status,omitempty"`
	Quantity     string            `json:"quantity,omitempty"`
	Rate         string            `json:"rate,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// EventDTO is one payment or reversal event.
type EventDTO struct {
	ID             string `json:"id"`
	ObligationID   string `json:"obligation_id"`
	Payee          string `json:"payee"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	ReversesID     string `json:"reverses_id,omitempty"`
	AllocationID   string `json:"allocation_id,omitempty"`
	PaymentDate    string `json:"payment_date"`
	Reference      string `json:"reference,omitempty"`
	RecordedBy     string `json:"recorded_by,omitempty"`
	SourceAccount  string `json:"source_account,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// OutstandingDTO is a payee's FIFO queue of unpaid obligations.
type OutstandingDTO struct {
	Payee       string          `json:"payee"`
	Total       string          `json:"total"`
	Currency    string          `json:"currency"`
	Obligations []ObligationDTO `json:"obligations"`
}

// AllocationLineDTO is one obligation touched by an allocation.
type AllocationLineDTO struct {
	ObligationID   string `json:"obligation_id"`
	Reference      string `json:"reference,omitempty"`
	Applied        string `json:"applied"`
	RemainingAfter string `json:"remaining_after"`
	Status         string `json:"status"`
}

// AllocationResultDTO is the response of a successful (or partial) allocation.
type AllocationResultDTO struct {
	AllocationID      string              `json:"allocation_id"`
	Payee             string              `json:"payee"`
	Currency          string              `json:"currency"`
	Tendered          string              `json:"tendered"`
	Applied           string              `json:"applied"`
	Unapplied         string              `json:"unapplied"`
	OutstandingBefore string              `json:"outstanding_before"`
	OutstandingAfter  string              `json:"outstanding_after"`
	Lines             []AllocationLineDTO `json:"lines"`
	Events            []EventDTO          `json:"events"`
}

// PlanStepDTO is one step of a dry-run allocation.
type PlanStepDTO struct {
	ObligationID   string `json:"obligation_id"`
	Reference      string `json:"reference,omitempty"`
	OrderDate      string `json:"order_date"`
	Remaining      string `json:"remaining"`
	Portion        string `json:"portion"`
	RemainingAfter string `json:"remaining_after"`
}

// PreviewDTO is the response of the preview endpoint.
type PreviewDTO struct {
	Payee       string        `json:"payee"`
	Tendered    string        `json:"tendered"`
	Outstanding string        `json:"outstanding"`
	Steps       []PlanStepDTO `json:"steps"`
}

// DebtSummaryDTO is one row of the debtor listing.
type DebtSummaryDTO struct {
	Payee         string `json:"payee"`
	Outstanding   string `json:"outstanding"`
	Currency      string `json:"currency"`
	UnpaidCount   int    `json:"unpaid_count"`
	TotalQuantity string `json:"total_quantity"`
	OldestOrder   string `json:"oldest_order"`
}

// AgedObligationDTO is one obligation inside an aging report.
type AgedObligationDTO struct {
	ObligationID string `json:"obligation_id"`
	Reference    string `json:"reference,omitempty"`
	OrderDate    string `json:"order_date"`
	AgeDays      int    `json:"age_days"`
	Bucket       string `json:"bucket"`
	Remaining    string `json:"remaining"`
}

// PayeeAgingDTO is one payee row of an aging report.
type PayeeAgingDTO struct {
	Payee       string              `json:"payee"`
	Total       string              `json:"total"`
	Buckets     map[string]string   `json:"buckets"`
	Obligations []AgedObligationDTO `json:"obligations"`
}

// AgingReportDTO is the response of GET /api/reports/aging.
type AgingReportDTO struct {
	AsOf        string            `json:"as_of"`
	Currency    string            `json:"currency"`
	Total       string            `json:"total"`
	Buckets     map[string]string `json:"buckets"`
	Percentages map[string]string `json:"percentages"`
	Payees      []PayeeAgingDTO   `json:"payees"`
}

// StatementRowDTO is one line of a statement.
type StatementRowDTO struct {
	Date         string `json:"date"`
	Type         string `json:"type"`
	Description  string `json:"description"`
	ObligationID string `json:"obligation_id,omitempty"`
	EventID      string `json:"event_id,omitempty"`
	Quantity     string `json:"quantity,omitempty"`
	Debit        string `json:"debit"`
	Credit       string `json:"credit"`
	Balance      string `json:"balance"`
}

// ProductTotalDTO is the per-product debit total of a statement.
type ProductTotalDTO struct {
	Quantity string `json:"quantity"`
	Amount   string `json:"amount"`
}

// StatementDTO is the response of GET /api/payees/{payee}/statement.
type StatementDTO struct {
	Payee       string                     `json:"payee"`
	PeriodStart string                     `json:"period_start"`
	PeriodEnd   string                     `json:"period_end"`
	Rows        []StatementRowDTO          `json:"rows"`
	Opening     string                     `json:"opening"`
	Debits      string                     `json:"debits"`
	Credits     string                     `json:"credits"`
	Closing     string                     `json:"closing"`
	ByProduct   map[string]ProductTotalDTO `json:"by_product"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ErrorResponse is the body of every non-2xx response. The optional
// fields are filled for allocation errors so a client can show
// "amount exceeds outstanding balance of X for Y".
type ErrorResponse struct {
	Error       string               `json:"error"`
	Details     any                  `json:"details,omitempty"`
	Payee       string               `json:"payee,omitempty"`
	Outstanding string               `json:"outstanding,omitempty"`
	Attempted   string               `json:"attempted,omitempty"`
	Partial     *AllocationResultDTO `json:"partial,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(generic.DateLayout)
}

func toObligationDTO(o generic.Obligation, paid generic.Amount) ObligationDTO {
	dto := ObligationDTO{
		ID:           string(o.ID),
		Payee:        string(o.PayeeKey),
		Kind:         generic.KindIDOf(o.Kind),
		Reference:    o.Reference,
		OrderDate:    formatDate(o.OrderKey),
		Currency:     string(o.DueAmount.Currency),
		DueAmount:    o.DueAmount.String(),
		Paid:         paid.Round2().String(),
		Remaining:    generic.Remaining(o, paid).String(),
		Status:       string(generic.DeriveStatus(o, paid)),
		CachedStatus: string(o.Status),
		Metadata:     o.Metadata,
	}
	if !o.Quantity.IsZero() {
		dto.Quantity = o.Quantity.String()
	}
	if !o.RatePerUnit.IsZero() {
		dto.Rate = o.RatePerUnit.String()
	}
	return dto
}

func toEventDTO(e generic.PaymentEvent) EventDTO {
	return EventDTO{
		ID:             string(e.ID),
		ObligationID:   string(e.ObligationID),
		Payee:          string(e.PayeeKey),
		Type:           string(e.Type),
		Amount:         e.Amount.String(),
		Currency:       string(e.Amount.Currency),
		ReversesID:     string(e.ReversesID),
		AllocationID:   e.AllocationID,
		PaymentDate:    formatDate(e.PaymentDate),
		Reference:      e.Reference,
		RecordedBy:     e.RecordedBy,
		SourceAccount:  e.SourceAccount,
		IdempotencyKey: e.IdempotencyKey,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toEventDTOs(events []generic.PaymentEvent) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	return dtos
}

func toAllocationResultDTO(r *generic.AllocationResult) *AllocationResultDTO {
	dto := &AllocationResultDTO{
		AllocationID:      r.AllocationID,
		Payee:             string(r.PayeeKey),
		Currency:          string(r.Tendered.Currency),
		Tendered:          r.Tendered.String(),
		Applied:           r.TotalApplied.String(),
		Unapplied:         r.Unapplied.String(),
		OutstandingBefore: r.OutstandingBefore.String(),
		OutstandingAfter:  r.OutstandingAfter.String(),
		Lines:             make([]AllocationLineDTO, len(r.Lines)),
		Events:            toEventDTOs(r.Events),
	}
	for i, l := range r.Lines {
		dto.Lines[i] = AllocationLineDTO{
			ObligationID:   string(l.ObligationID),
			Reference:      l.Reference,
			Applied:        l.Applied.String(),
			RemainingAfter: l.RemainingAfter.String(),
			Status:         string(l.Status),
		}
	}
	return dto
}

func toBucketMap(bt generic.BucketTotals) map[string]string {
	m := make(map[string]string, len(generic.AgingBuckets))
	for _, b := range generic.AgingBuckets {
		m[string(b)] = bt[b].String()
	}
	return m
}

func toAgingReportDTO(r *generic.AgingReport, currency generic.Currency) AgingReportDTO {
	dto := AgingReportDTO{
		AsOf:        formatDate(r.AsOf),
		Currency:    string(currency),
		Total:       r.Total.String(),
		Buckets:     toBucketMap(r.Buckets),
		Percentages: make(map[string]string, len(generic.AgingBuckets)),
		Payees:      make([]PayeeAgingDTO, len(r.Payees)),
	}
	for _, b := range generic.AgingBuckets {
		dto.Percentages[string(b)] = r.Percentages[b].StringFixed(2)
	}
	for i, p := range r.Payees {
		row := PayeeAgingDTO{
			Payee:       string(p.PayeeKey),
			Total:       p.Total.String(),
			Buckets:     toBucketMap(p.Buckets),
			Obligations: make([]AgedObligationDTO, len(p.Obligations)),
		}
		for j, ao := range p.Obligations {
			row.Obligations[j] = AgedObligationDTO{
				ObligationID: string(ao.ObligationID),
				Reference:    ao.Reference,
				OrderDate:    formatDate(ao.OrderKey),
				AgeDays:      ao.AgeDays,
				Bucket:       string(ao.Bucket),
				Remaining:    ao.Remaining.String(),
			}
		}
		dto.Payees[i] = row
	}
	return dto
}

func toStatementDTO(s *generic.Statement) StatementDTO {
	dto := StatementDTO{
		Payee:       string(s.PayeeKey),
		PeriodStart: formatDate(s.Period.Start),
		PeriodEnd:   formatDate(s.Period.End),
		Rows:        make([]StatementRowDTO, len(s.Rows)),
		Opening:     s.Totals.Opening.String(),
		Debits:      s.Totals.Debits.String(),
		Credits:     s.Totals.Credits.String(),
		Closing:     s.Totals.Closing.String(),
		ByProduct:   make(map[string]ProductTotalDTO, len(s.ByProduct)),
	}
	for i, row := range s.Rows {
		r := StatementRowDTO{
			Date:         formatDate(row.Date),
			Type:         string(row.Type),
			Description:  row.Description,
			ObligationID: string(row.ObligationID),
			EventID:      string(row.EventID),
			Debit:        row.Debit.String(),
			Credit:       row.Credit.String(),
			Balance:      row.Balance.String(),
		}
		if !row.Quantity.IsZero() {
			r.Quantity = row.Quantity.String()
		}
		dto.Rows[i] = r
	}
	for product, pt := range s.ByProduct {
		dto.ByProduct[product] = ProductTotalDTO{
			Quantity: pt.Quantity.String(),
			Amount:   pt.Amount.String(),
		}
	}
	return dto
}
