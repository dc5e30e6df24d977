/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario registers obligations and
	records payments that demonstrate specific features.

AVAILABLE SCENARIOS:

	omc-ptax:      P-Tax owed by two OMCs, one partly settled
	bdc-payables:  BDC payables across cash, from-account and credit
	ar-aging:      Customer invoices spread across every aging bucket

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register obligations via factory JSON
 3. Record payments through the allocator (so FIFO applies)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "omc-ptax"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add to 'scenarioLoaders'

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/obligation.go: Obligation JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/truetype/debt-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "omc-ptax",
		Name:        "OMC P-Tax",
		Description: "Two OMCs owing P-Tax; one payment already spread oldest-first",
		Category:    "omc",
	},
	{
		ID:          "bdc-payables",
		Name:        "BDC Payables",
		Description: "Payables to two BDCs with cash, from-account and credit purchases",
		Category:    "bdc",
	},
	{
		ID:          "ar-aging",
		Name:        "Receivables Aging",
		Description: "Customer invoices in every aging bucket with a partial receipt",
		Category:    "receivables",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"omc-ptax":     h.loadOMCPTaxScenario,
		"bdc-payables": h.loadBDCPayablesScenario,
		"ar-aging":     h.loadReceivablesAgingScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOMCPTaxScenario(ctx context.Context) error {
	// OMC-X: two unpaid orders, 200.00 then 150.00
	// OMC-Y: 800.00 and 400.00, then a 1000.00 transfer settles the first
	// and leaves 200.00 on the second
	orders := []string{
		`{"kind":"omc_ptax","id":"PTX-0001","payee":"OMC-X","reference":"ORD-1001","date":"2025-01-01","product":"PMS","quantity":"1000","rate":"0.20","s_tax_rate":"0.05"}`,
		`{"kind":"omc_ptax","id":"PTX-0002","payee":"OMC-X","reference":"ORD-1002","date":"2025-02-01","product":"AGO","quantity":"1000","rate":"0.15"}`,
		`{"kind":"omc_ptax","id":"PTX-0003","payee":"OMC-Y","reference":"ORD-1003","date":"2025-01-15","product":"PMS","quantity":"5000","rate":"0.16"}`,
		`{"kind":"omc_ptax","id":"PTX-0004","payee":"OMC-Y","reference":"ORD-1004","date":"2025-03-10","product":"AGO","quantity":"2500","rate":"0.16"}`,
	}
	if err := h.registerAll(ctx, orders); err != nil {
		return err
	}
	return h.pay(ctx, "OMC-Y", "1000", generic.Date(2025, time.March, 20), generic.PaymentMetadata{
		Reference:      "GCB-TRF-0001",
		RecordedBy:     "scenario",
		SourceAccount:  "GCB-001",
		IdempotencyKey: "scenario-omc-ptax-1",
	})
}

func (h *Handler) loadBDCPayablesScenario(ctx context.Context) error {
	payables := []string{
		`{"kind":"bdc_payable","id":"BDC-0001","payee":"BDC-GOIL","omc":"OMC-X","reference":"INV-G-01","date":"2025-01-05","product":"PMS","quantity":"20000","rate":"1.10","payment_type":"cash"}`,
		`{"kind":"bdc_payable","id":"BDC-0002","payee":"BDC-GOIL","omc":"OMC-Y","reference":"INV-G-02","date":"2025-01-20","product":"AGO","quantity":"15000","rate":"1.25","payment_type":"credit"}`,
		`{"kind":"bdc_payable","id":"BDC-0003","payee":"BDC-GOIL","omc":"OMC-X","reference":"INV-G-03","date":"2025-02-11","product":"PMS","amount":"8500.00","payment_type":"from account"}`,
		`{"kind":"bdc_payable","id":"BDC-0004","payee":"BDC-PUMA","omc":"OMC-Y","reference":"INV-P-01","date":"2025-02-02","product":"LPG","quantity":"4000","rate":"0.95","payment_type":"credit"}`,
	}
	if err := h.registerAll(ctx, payables); err != nil {
		return err
	}
	// 22000 + 18750 + 8500 owed to GOIL; 30000 settles the first and part
	// of the second
	if err := h.pay(ctx, "BDC-GOIL", "30000", generic.Date(2025, time.February, 15), generic.PaymentMetadata{
		Reference:      "CHQ-55012",
		RecordedBy:     "scenario",
		SourceAccount:  "ECO-002",
		IdempotencyKey: "scenario-bdc-1",
	}); err != nil {
		return err
	}
	return h.pay(ctx, "BDC-PUMA", "1000", generic.Date(2025, time.February, 20), generic.PaymentMetadata{
		Reference:      "MOMO-7781",
		RecordedBy:     "scenario",
		SourceAccount:  "GCB-001",
		IdempotencyKey: "scenario-bdc-2",
	})
}

func (h *Handler) loadReceivablesAgingScenario(ctx context.Context) error {
	// Due dates relative to today so every bucket has something in it
	today := generic.StartOfDay(h.Now())
	daysAgo := func(n int) string { return today.AddDate(0, 0, -n).Format(generic.DateLayout) }

	invoices := []string{
		fmt.Sprintf(`{"kind":"ar_invoice","id":"AR-0001","payee":"CUST-ACME","customer_name":"Acme Ltd","reference":"INV-9001","due_date":"%s","amount":"1200.00"}`, daysAgo(120)),
		fmt.Sprintf(`{"kind":"ar_invoice","id":"AR-0002","payee":"CUST-ACME","customer_name":"Acme Ltd","reference":"INV-9002","due_date":"%s","amount":"800.00"}`, daysAgo(75)),
		fmt.Sprintf(`{"kind":"ar_invoice","id":"AR-0003","payee":"CUST-ACME","customer_name":"Acme Ltd","reference":"INV-9003","due_date":"%s","amount":"450.00"}`, daysAgo(10)),
		fmt.Sprintf(`{"kind":"ar_invoice","id":"AR-0004","payee":"CUST-BETA","customer_name":"Beta Stores","reference":"INV-9004","due_date":"%s","amount":"3000.00"}`, daysAgo(45)),
		fmt.Sprintf(`{"kind":"ar_invoice","id":"AR-0005","payee":"CUST-BETA","customer_name":"Beta Stores","reference":"INV-9005","due_date":"%s","amount":"600.00"}`, daysAgo(5)),
	}
	if err := h.registerAll(ctx, invoices); err != nil {
		return err
	}
	// Acme pays 1500: the 120-day invoice clears, 300 lands on the 75-day one
	return h.pay(ctx, "CUST-ACME", "1500", today.AddDate(0, 0, -3), generic.PaymentMetadata{
		Reference:      "RCPT-301",
		RecordedBy:     "scenario",
		SourceAccount:  "GCB-001",
		IdempotencyKey: "scenario-ar-1",
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) registerAll(ctx context.Context, jsonDocs []string) error {
	for _, doc := range jsonDocs {
		o, err := h.Factory.ParseObligation(doc)
		if err != nil {
			return err
		}
		o.CreatedAt = h.Now()
		if err := h.Ledger.Register(ctx, o); err != nil {
			return fmt.Errorf("register %s: %w", o.ID, err)
		}
	}
	return nil
}

func (h *Handler) pay(ctx context.Context, payee generic.PayeeKey, amount string, date time.Time, meta generic.PaymentMetadata) error {
	tendered, err := generic.ParseAmount(amount, h.Currency)
	if err != nil {
		return err
	}
	meta.PaymentDate = date
	if _, err := h.Allocator.Allocate(ctx, payee, tendered, meta); err != nil {
		return fmt.Errorf("pay %s: %w", payee, err)
	}
	return nil
}
