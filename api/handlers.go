/*
handlers.go - HTTP API handlers for the debt allocation engine

PURPOSE:
  Exposes the ledger, allocator, aging reporter and statement builder
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the generic package.

ENDPOINTS:
  Obligations:
    POST   /api/obligations                      Create from kind-tagged JSON
    GET    /api/obligations/{id}                 Obligation with derived balance
    GET    /api/obligations/{id}/events          Event log
    POST   /api/obligations/{id}/refresh-status  Re-derive cached status

  Payees:
    GET    /api/payees                           Debtor listing (?kind=)
    GET    /api/payees/{payee}/outstanding       FIFO queue and total
    POST   /api/payees/{payee}/allocations       Allocate a payment
    POST   /api/payees/{payee}/allocations/preview  Dry run
    GET    /api/payees/{payee}/events            Events (?from=&to=)
    GET    /api/payees/{payee}/statement         Statement (?month=YYYY-MM)

  Events and accounts:
    POST   /api/events/{id}/reverse              Reverse a payment
    GET    /api/accounts/{account}/events        Payments from a funding account

  Reports:
    GET    /api/reports/aging                    Aging (?as_of=&payee=)

ERROR HANDLING:
  Errors are returned as ErrorResponse JSON:
  - 400: Malformed body, validation errors, bad dates
  - 404: Unknown obligation, payee or event
  - 409: Idempotency replay, duplicate, already reversed, lock conflict
  - 422: Engine rejected the amount (invalid, exceeds, nothing owed)
  - 500: Internal errors; a partial allocation carries what was applied

SECURITY NOTE:
  No authentication or authorization. Deploy behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/truetype/debt-engine/bdc"
	"github.com/truetype/debt-engine/factory"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/ptax"
	"github.com/truetype/debt-engine/receivables"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      generic.Store
	Ledger     *generic.DebtLedger
	Allocator  *generic.Allocator
	Aging      *generic.AgingReporter
	Statements *generic.StatementBuilder
	Factory    *factory.ObligationFactory
	Currency   generic.Currency
	Logger     logrus.FieldLogger

	validate   *validator.Validate
	printer    *message.Printer
	agingGroup singleflight.Group

	// Now is overridable for deterministic tests.
	Now func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine components around store.
func NewHandler(store generic.Store, locker generic.KeyLocker, logger logrus.FieldLogger, currency generic.Currency) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if currency == "" {
		currency = generic.CurrencyGHS
	}
	return &Handler{
		Store:      store,
		Ledger:     generic.NewLedger(store),
		Allocator:  generic.NewAllocator(store, locker, logger),
		Aging:      generic.NewAgingReporter(store, currency),
		Statements: generic.NewStatementBuilder(store, currency),
		Factory:    factory.NewObligationFactory(),
		Currency:   currency,
		Logger:     logger,
		validate:   validator.New(),
		printer:    message.NewPrinter(language.English),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// CreateObligation registers a new obligation from kind-tagged JSON.
func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var req CreateObligationRequest
	if !h.decode(w, r, &req) {
		return
	}

	oj := req.toJSON()
	if oj.Currency == "" {
		oj.Currency = string(h.Currency)
	}
	o, err := h.Factory.FromJSON(oj)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid obligation", err)
		return
	}
	o.CreatedAt = h.Now()

	if err := h.Ledger.Register(r.Context(), o); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	saved, err := h.Store.GetObligation(r.Context(), o.ID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toObligationDTO(*saved, saved.DueAmount.Zero()))
}

// GetObligation returns an obligation with its derived balance.
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	o, err := h.Store.GetObligation(r.Context(), generic.ObligationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	paid, err := h.Ledger.PaidAmount(r.Context(), *o)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*o, paid))
}

// GetObligationEvents returns the event log of one obligation.
func (h *Handler) GetObligationEvents(w http.ResponseWriter, r *http.Request) {
	id := generic.ObligationID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetObligation(r.Context(), id); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	events, err := h.Store.EventsForObligation(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// RefreshStatus re-derives the cached status flag of one obligation.
func (h *Handler) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	id := generic.ObligationID(chi.URLParam(r, "id"))
	status, err := h.Allocator.RefreshStatus(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id), "status": string(status)})
}

// =============================================================================
// PAYEE HANDLERS
// =============================================================================

// ListPayees returns every payee owing money, largest balance first.
func (h *Handler) ListPayees(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Ledger.DebtSummaries(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]DebtSummaryDTO, len(summaries))
	for i, s := range summaries {
		dtos[i] = DebtSummaryDTO{
			Payee:         string(s.PayeeKey),
			Outstanding:   s.Outstanding.String(),
			Currency:      string(s.Outstanding.Currency),
			UnpaidCount:   s.UnpaidCount,
			TotalQuantity: s.TotalQuantity.String(),
			OldestOrder:   formatDate(s.OldestOrder),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOutstanding returns the payee's unpaid obligations in FIFO order.
func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	payee := generic.PayeeKey(chi.URLParam(r, "payee"))
	queue, err := h.Ledger.Outstanding(r.Context(), payee)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	total := generic.SumRemaining(queue)
	if total.Currency == "" {
		total.Currency = h.Currency
	}

	dto := OutstandingDTO{
		Payee:       string(payee),
		Total:       total.String(),
		Currency:    string(total.Currency),
		Obligations: make([]ObligationDTO, len(queue)),
	}
	for i, oo := range queue {
		dto.Obligations[i] = toObligationDTO(oo.Obligation, oo.Paid)
	}
	writeJSON(w, http.StatusOK, dto)
}

// Allocate applies a payment to the payee's debts, oldest first.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	payee := generic.PayeeKey(chi.URLParam(r, "payee"))

	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := generic.ParseAmount(req.Amount, h.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	paymentDate, err := parseOptionalDate(req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment_date", err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	result, err := h.Allocator.Allocate(r.Context(), payee, amount, generic.PaymentMetadata{
		Reference:      req.Reference,
		RecordedBy:     req.RecordedBy,
		SourceAccount:  req.SourceAccount,
		PaymentDate:    paymentDate,
		IdempotencyKey: key,
		Extra:          req.Metadata,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationResultDTO(result))
}

// PreviewAllocation returns the split Allocate would make, without writing.
func (h *Handler) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	payee := generic.PayeeKey(chi.URLParam(r, "payee"))

	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := generic.ParseAmount(req.Amount, h.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	steps, total, err := h.Allocator.Preview(r.Context(), payee, amount)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dto := PreviewDTO{
		Payee:       string(payee),
		Tendered:    amount.String(),
		Outstanding: total.String(),
		Steps:       make([]PlanStepDTO, len(steps)),
	}
	for i, s := range steps {
		dto.Steps[i] = PlanStepDTO{
			ObligationID:   string(s.Obligation.ID),
			Reference:      s.Obligation.Reference,
			OrderDate:      formatDate(s.Obligation.OrderKey),
			Remaining:      s.Remaining.String(),
			Portion:        s.Portion.String(),
			RemainingAfter: s.RemainingAfter.String(),
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetPayeeEvents returns the payee's events in [from, to].
func (h *Handler) GetPayeeEvents(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	events, err := h.Store.EventsForPayee(r.Context(), generic.PayeeKey(chi.URLParam(r, "payee")), from, to)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// GetStatement returns the payee's statement for ?month=YYYY-MM, or for
// ?from=&to=. Defaults to the current month.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	payee := generic.PayeeKey(chi.URLParam(r, "payee"))
	q := r.URL.Query()

	var (
		period generic.Period
		err    error
	)
	switch {
	case q.Get("month") != "":
		period, err = generic.ParseMonth(q.Get("month"))
	case q.Get("from") != "" || q.Get("to") != "":
		var from, to time.Time
		if from, err = generic.ParseDate(q.Get("from")); err == nil {
			if to, err = generic.ParseDate(q.Get("to")); err == nil {
				period, err = generic.NewPeriod(from, to)
			}
		}
	default:
		period = generic.PeriodFor(generic.PeriodMonth, h.Now())
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid statement period", err)
		return
	}

	stmt, err := h.Statements.Statement(r.Context(), payee, period)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(stmt))
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ReverseEvent appends a reversal for a payment event.
func (h *Handler) ReverseEvent(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	paymentDate, err := parseOptionalDate(req.PaymentDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment_date", err)
		return
	}

	reversal, err := h.Allocator.Reverse(r.Context(), generic.EventID(chi.URLParam(r, "id")), generic.PaymentMetadata{
		Reference:      req.Reference,
		RecordedBy:     req.RecordedBy,
		PaymentDate:    paymentDate,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(*reversal))
}

// GetAccountEvents returns payments drawn from one funding account.
func (h *Handler) GetAccountEvents(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	events, err := h.Store.EventsForAccount(r.Context(), chi.URLParam(r, "account"), from, to)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// GetAgingReport buckets outstanding balances as of ?as_of (default today).
// ?payee may repeat or hold a comma-separated list. Identical concurrent
// requests share one computation.
func (h *Handler) GetAgingReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf := generic.StartOfDay(h.Now())
	if s := q.Get("as_of"); s != "" {
		t, err := generic.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = t
	}

	var payees []generic.PayeeKey
	for _, v := range q["payee"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				payees = append(payees, generic.PayeeKey(p))
			}
		}
	}
	sort.Slice(payees, func(i, j int) bool { return payees[i] < payees[j] })

	keyParts := make([]string, len(payees))
	for i, p := range payees {
		keyParts[i] = string(p)
	}
	key := formatDate(asOf) + "|" + strings.Join(keyParts, ",")

	ctx := r.Context()
	ch := h.agingGroup.DoChan(key, func() (any, error) {
		// Detached so one cancelled caller does not fail the others.
		return h.Aging.AgeReport(context.WithoutCancel(ctx), payees, asOf)
	})
	select {
	case <-ctx.Done():
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			h.writeEngineError(w, r, res.Err)
			return
		}
		writeJSON(w, http.StatusOK, toAgingReportDTO(res.Val.(*generic.AgingReport), h.Currency))
	}
}

// =============================================================================
// ADMIN
// =============================================================================

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Store.(generic.Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := resetter.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decode reads and validates a JSON body. On failure it has already
// written the response.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// money renders an amount for humans, e.g. "GHS 1,250.00".
func (h *Handler) money(a generic.Amount) string {
	currency := a.Currency
	if currency == "" {
		currency = h.Currency
	}
	return h.printer.Sprintf("%s %.2f", currency, a.Float64())
}

// writeEngineError maps engine errors to HTTP responses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		exceeds  *generic.AmountExceedsOutstandingError
		invalid  *generic.InvalidAmountError
		noDebt   *generic.NoOutstandingDebtError
		partial  *generic.PartialAllocationError
		conflict *generic.ConcurrentAllocationError
	)

	switch {
	case errors.As(err, &partial):
		h.Logger.WithFields(logrus.Fields{
			"path":    r.URL.Path,
			"payee":   partial.Result.PayeeKey,
			"applied": partial.Result.TotalApplied.String(),
		}).WithError(err).Error("partial allocation returned to client")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Allocation partially applied",
			Details: partial.Err.Error(),
			Payee:   string(partial.Result.PayeeKey),
			Partial: toAllocationResultDTO(partial.Result),
		})

	case errors.As(err, &exceeds):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: fmt.Sprintf("Amount %s exceeds outstanding balance of %s for %s",
				h.money(exceeds.Attempted), h.money(exceeds.Outstanding), exceeds.PayeeKey),
			Details:     err.Error(),
			Payee:       string(exceeds.PayeeKey),
			Outstanding: exceeds.Outstanding.String(),
			Attempted:   exceeds.Attempted.String(),
		})

	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     "Amount must be greater than zero",
			Details:   err.Error(),
			Payee:     string(invalid.PayeeKey),
			Attempted: invalid.Attempted.String(),
		})

	case errors.As(err, &noDebt):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:       fmt.Sprintf("%s has no outstanding debt", noDebt.PayeeKey),
			Details:     err.Error(),
			Payee:       string(noDebt.PayeeKey),
			Outstanding: generic.Amount{Currency: h.Currency}.Zero().String(),
		})

	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Concurrent allocation conflict, retry the request",
			Details: err.Error(),
			Payee:   string(conflict.PayeeKey),
		})

	case generic.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)

	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "Already recorded", err)

	case errors.Is(err, generic.ErrDuplicateObligation),
		errors.Is(err, generic.ErrAlreadyReversed),
		errors.Is(err, generic.ErrCannotReverseReversal),
		generic.IsRetryable(err):
		writeError(w, http.StatusConflict, "Conflict", err)

	case generic.IsClientError(err), isKindError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)

	default:
		h.Logger.WithFields(logrus.Fields{
			"path":   r.URL.Path,
			"method": r.Method,
		}).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func isKindError(err error) bool {
	for _, target := range []error{
		factory.ErrUnknownKind,
		ptax.ErrNoTaxDue, ptax.ErrOMCRequired, ptax.ErrInvalidVolume,
		bdc.ErrBDCRequired, bdc.ErrInvalidPaymentType, bdc.ErrNothingPayable,
		receivables.ErrNothingBilled, receivables.ErrDateRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func parseOptionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return generic.ParseDate(s)
}

// parseRange reads ?from= and ?to= (YYYY-MM-DD). "to" covers the whole day.
func parseRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, err := parseOptionalDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return time.Time{}, time.Time{}, false
	}
	to, err := parseOptionalDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return time.Time{}, time.Time{}, false
	}
	if !to.IsZero() {
		to = generic.EndOfDay(to)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "Invalid date range", generic.ErrInvalidPeriod)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}
