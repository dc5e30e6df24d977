/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Obligation registration and lookup
- Allocation (FIFO split, rejection bodies, idempotency replay)
- Preview, reversal, statement and aging endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truetype/debt-engine/generic"
	"github.com/truetype/debt-engine/store/sqlite"
)

var testNow = time.Date(2025, time.April, 30, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) (*chi.Mux, *Handler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	h := NewHandler(store, generic.NewMutexLocker(), logger, generic.CurrencyGHS)
	h.Now = func() time.Time { return testNow }
	return NewRouter(h, RouterOptions{Logger: logger}), h
}

func do(t *testing.T, router http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedOMCX registers A (200.00, Jan 1) and B (150.00, Feb 1) for OMC-X.
func seedOMCX(t *testing.T, router http.Handler) {
	t.Helper()
	for _, o := range []map[string]string{
		{"kind": "omc_ptax", "id": "A", "payee": "OMC-X", "reference": "ORD-A", "date": "2025-01-01", "product": "PMS", "quantity": "1000", "rate": "0.20"},
		{"kind": "omc_ptax", "id": "B", "payee": "OMC-X", "reference": "ORD-B", "date": "2025-02-01", "product": "AGO", "quantity": "1000", "rate": "0.15"},
	} {
		rec := do(t, router, http.MethodPost, "/api/obligations", o)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func TestCreateObligation_AndGet(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	// WHEN: Fetching A
	rec := do(t, router, http.MethodGet, "/api/obligations/A", nil)

	// THEN: Derived balance equals the P-Tax due
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decodeBody[ObligationDTO](t, rec)
	assert.Equal(t, "OMC-X", dto.Payee)
	assert.Equal(t, "omc_ptax", dto.Kind)
	assert.Equal(t, "200.00", dto.DueAmount)
	assert.Equal(t, "0.00", dto.Paid)
	assert.Equal(t, "200.00", dto.Remaining)
	assert.Equal(t, "pending", dto.Status)
	assert.Equal(t, "2025-01-01", dto.OrderDate)
	assert.Equal(t, "GHS", dto.Currency)
}

func TestCreateObligation_Rejects(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown kind", map[string]string{"kind": "mortgage", "payee": "X"}, http.StatusBadRequest},
		{"missing kind", map[string]string{"payee": "X"}, http.StatusBadRequest},
		{"non-numeric quantity", map[string]string{"kind": "omc_ptax", "payee": "X", "quantity": "lots", "rate": "0.2"}, http.StatusBadRequest},
		{"no tax due", map[string]string{"kind": "omc_ptax", "payee": "X", "quantity": "100", "rate": "0"}, http.StatusBadRequest},
		{"duplicate id", map[string]string{"kind": "omc_ptax", "id": "A", "payee": "OMC-X", "quantity": "10", "rate": "1"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/obligations", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestGetObligation_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/obligations/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestAllocate_SplitsOldestFirst(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	// WHEN: OMC-X pays 300.00
	rec := do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations", AllocateRequest{
		Amount:        "300",
		Reference:     "GCB-TRF-1",
		SourceAccount: "GCB-001",
		PaymentDate:   "2025-02-10",
	})

	// THEN: A is settled and B carries the rest
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[AllocationResultDTO](t, rec)
	assert.Equal(t, "300.00", res.Applied)
	assert.Equal(t, "0.00", res.Unapplied)
	assert.Equal(t, "350.00", res.OutstandingBefore)
	assert.Equal(t, "50.00", res.OutstandingAfter)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, "A", res.Lines[0].ObligationID)
	assert.Equal(t, "200.00", res.Lines[0].Applied)
	assert.Equal(t, "paid", res.Lines[0].Status)
	assert.Equal(t, "B", res.Lines[1].ObligationID)
	assert.Equal(t, "100.00", res.Lines[1].Applied)
	assert.Equal(t, "50.00", res.Lines[1].RemainingAfter)
	assert.Equal(t, "partial", res.Lines[1].Status)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "2025-02-10", res.Events[0].PaymentDate)

	// AND: Only B remains outstanding
	rec = do(t, router, http.MethodGet, "/api/payees/OMC-X/outstanding", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody[OutstandingDTO](t, rec)
	assert.Equal(t, "50.00", out.Total)
	require.Len(t, out.Obligations, 1)
	assert.Equal(t, "B", out.Obligations[0].ID)

	// AND: The funding account lookup finds both events
	rec = do(t, router, http.MethodGet, "/api/accounts/GCB-001/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]EventDTO](t, rec), 2)
}

func TestAllocate_ExceedsOutstanding(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	rec := do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations", AllocateRequest{Amount: "1400"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "OMC-X", body.Payee)
	assert.Equal(t, "350.00", body.Outstanding)
	assert.Equal(t, "1400.00", body.Attempted)
	assert.Contains(t, body.Error, "GHS 1,400.00")
	assert.Contains(t, body.Error, "GHS 350.00")

	// Nothing was written
	rec = do(t, router, http.MethodGet, "/api/payees/OMC-X/events", nil)
	assert.Empty(t, decodeBody[[]EventDTO](t, rec))
}

func TestAllocate_EngineRejections(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"zero amount", "/api/payees/OMC-X/allocations", AllocateRequest{Amount: "0"}, http.StatusUnprocessableEntity},
		{"negative amount", "/api/payees/OMC-X/allocations", AllocateRequest{Amount: "-5"}, http.StatusUnprocessableEntity},
		{"unknown payee", "/api/payees/OMC-Z/allocations", AllocateRequest{Amount: "10"}, http.StatusUnprocessableEntity},
		{"missing amount", "/api/payees/OMC-X/allocations", map[string]string{}, http.StatusBadRequest},
		{"bad payment date", "/api/payees/OMC-X/allocations", AllocateRequest{Amount: "10", PaymentDate: "10/02/2025"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAllocate_ValidationDetailsNameTheField(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	rec := do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations", AllocateRequest{Amount: "ten"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Validation failed", body.Error)
	assert.Equal(t, "numeric", body.Details["Amount"])
}

func TestAllocate_IdempotencyKeyHeaderReplay(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	// GIVEN: A payment recorded under a key
	rec := do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations",
		AllocateRequest{Amount: "100"}, "Idempotency-Key", "bank-ref-77")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: The client retries with the same key
	rec = do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations",
		AllocateRequest{Amount: "100"}, "Idempotency-Key", "bank-ref-77")

	// THEN: Conflict, and the balance moved only once
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/payees/OMC-X/outstanding", nil)
	assert.Equal(t, "250.00", decodeBody[OutstandingDTO](t, rec).Total)
}

func TestPreviewAllocation_WritesNothing(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	rec := do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations/preview", PreviewRequest{Amount: "250"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decodeBody[PreviewDTO](t, rec)
	assert.Equal(t, "350.00", preview.Outstanding)
	require.Len(t, preview.Steps, 2)
	assert.Equal(t, "200.00", preview.Steps[0].Portion)
	assert.Equal(t, "0.00", preview.Steps[0].RemainingAfter)
	assert.Equal(t, "50.00", preview.Steps[1].Portion)
	assert.Equal(t, "100.00", preview.Steps[1].RemainingAfter)

	rec = do(t, router, http.MethodGet, "/api/payees/OMC-X/outstanding", nil)
	assert.Equal(t, "350.00", decodeBody[OutstandingDTO](t, rec).Total)
}

// =============================================================================
// REVERSAL AND STATUS
// =============================================================================

func TestReverseEvent_RestoresBalance(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	rec := do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations", AllocateRequest{Amount: "200"})
	require.Equal(t, http.StatusCreated, rec.Code)
	eventID := decodeBody[AllocationResultDTO](t, rec).Events[0].ID

	// WHEN: The payment bounces
	rec = do(t, router, http.MethodPost, "/api/events/"+eventID+"/reverse", ReverseRequest{Reference: "bounced"})

	// THEN: A reversal is appended and A owes 200.00 again
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reversal := decodeBody[EventDTO](t, rec)
	assert.Equal(t, "reversal", reversal.Type)
	assert.Equal(t, "-200.00", reversal.Amount)
	assert.Equal(t, eventID, reversal.ReversesID)

	rec = do(t, router, http.MethodGet, "/api/obligations/A", nil)
	dto := decodeBody[ObligationDTO](t, rec)
	assert.Equal(t, "200.00", dto.Remaining)
	assert.Equal(t, "pending", dto.Status)

	rec = do(t, router, http.MethodGet, "/api/obligations/A/events", nil)
	assert.Len(t, decodeBody[[]EventDTO](t, rec), 2)

	// AND: Reversing twice conflicts
	rec = do(t, router, http.MethodPost, "/api/events/"+eventID+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: An unknown event is 404
	rec = do(t, router, http.MethodPost, "/api/events/nope/reverse", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)
	do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations", AllocateRequest{Amount: "50"})

	rec := do(t, router, http.MethodPost, "/api/obligations/A/refresh-status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", decodeBody[map[string]string](t, rec)["status"])
}

// =============================================================================
// REPORTS
// =============================================================================

func TestListPayees_LargestDebtorFirst(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)
	rec := do(t, router, http.MethodPost, "/api/obligations", map[string]string{
		"kind": "ar_invoice", "id": "INV-1", "payee": "CUST-1", "due_date": "2025-03-01", "amount": "900",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/payees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]DebtSummaryDTO](t, rec)
	require.Len(t, rows, 2)
	assert.Equal(t, "CUST-1", rows[0].Payee)
	assert.Equal(t, "900.00", rows[0].Outstanding)
	assert.Equal(t, "OMC-X", rows[1].Payee)
	assert.Equal(t, 2, rows[1].UnpaidCount)

	// Filtered by kind
	rec = do(t, router, http.MethodGet, "/api/payees?kind=omc_ptax", nil)
	rows = decodeBody[[]DebtSummaryDTO](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "OMC-X", rows[0].Payee)
}

func TestGetStatement_Month(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)
	rec := do(t, router, http.MethodPost, "/api/payees/OMC-X/allocations", AllocateRequest{
		Amount: "50", Reference: "RCPT-1", PaymentDate: "2025-02-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: February's statement is requested
	rec = do(t, router, http.MethodGet, "/api/payees/OMC-X/statement?month=2025-02", nil)

	// THEN: A is brought forward, and the same-day credit precedes B
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stmt := decodeBody[StatementDTO](t, rec)
	assert.Equal(t, "2025-02-01", stmt.PeriodStart)
	assert.Equal(t, "2025-02-28", stmt.PeriodEnd)
	assert.Equal(t, "200.00", stmt.Opening)
	require.Len(t, stmt.Rows, 3)
	assert.Equal(t, "Balance b/f", stmt.Rows[0].Description)
	assert.Equal(t, "credit", stmt.Rows[1].Type)
	assert.Equal(t, "150.00", stmt.Rows[1].Balance)
	assert.Equal(t, "debit", stmt.Rows[2].Type)
	assert.Equal(t, "300.00", stmt.Rows[2].Balance)
	assert.Equal(t, "300.00", stmt.Closing)
	assert.Equal(t, ProductTotalDTO{Quantity: "1000", Amount: "150.00"}, stmt.ByProduct["AGO"])

	// AND: Bad input is rejected
	rec = do(t, router, http.MethodGet, "/api/payees/OMC-X/statement?month=Feb", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodGet, "/api/payees/OMC-Q/statement?month=2025-02", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAgingReport(t *testing.T) {
	router, _ := newTestRouter(t)
	seedOMCX(t, router)

	rec := do(t, router, http.MethodGet, "/api/reports/aging?as_of=2025-04-30", nil)

	// THEN: A (119 days) is over 90, B (88 days) is 61-90
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[AgingReportDTO](t, rec)
	assert.Equal(t, "2025-04-30", report.AsOf)
	assert.Equal(t, "350.00", report.Total)
	assert.Equal(t, "200.00", report.Buckets["90+"])
	assert.Equal(t, "150.00", report.Buckets["61-90"])
	assert.Equal(t, "0.00", report.Buckets["0-30"])
	assert.Equal(t, "57.14", report.Percentages["90+"])
	require.Len(t, report.Payees, 1)
	assert.Equal(t, "OMC-X", report.Payees[0].Payee)

	// AND: A payee filter naming nobody owing gives an empty report
	rec = do(t, router, http.MethodGet, "/api/reports/aging?as_of=2025-04-30&payee=OMC-Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[AgingReportDTO](t, rec).Payees)

	rec = do(t, router, http.MethodGet, "/api/reports/aging?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_SecurityHeaders(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/scenarios", nil)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
