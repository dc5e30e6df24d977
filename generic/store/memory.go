// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/truetype/debt-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	obligations map[generic.ObligationID]generic.Obligation
	events      []generic.PaymentEvent
	eventIndex  map[generic.EventID]int
	idempotency map[string]bool
}

func NewMemory() *Memory {
	m := &Memory{}
	m.resetLocked()
	return m
}

func (m *Memory) resetLocked() {
	m.obligations = make(map[generic.ObligationID]generic.Obligation)
	m.events = nil
	m.eventIndex = make(map[generic.EventID]int)
	m.idempotency = make(map[string]bool)
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	return nil
}

func (m *Memory) SaveObligation(_ context.Context, o generic.Obligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveObligationLocked(o)
}

func (m *Memory) saveObligationLocked(o generic.Obligation) error {
	if _, ok := m.obligations[o.ID]; ok {
		return fmt.Errorf("%w: %s", generic.ErrDuplicateObligation, o.ID)
	}
	m.obligations[o.ID] = o
	return nil
}

func (m *Memory) GetObligation(_ context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getObligationLocked(id)
}

func (m *Memory) getObligationLocked(id generic.ObligationID) (*generic.Obligation, error) {
	o, ok := m.obligations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrObligationNotFound, id)
	}
	return &o, nil
}

func (m *Memory) ObligationsByPayee(_ context.Context, payee generic.PayeeKey) ([]generic.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.obligationsByPayeeLocked(payee), nil
}

func (m *Memory) obligationsByPayeeLocked(payee generic.PayeeKey) []generic.Obligation {
	var result []generic.Obligation
	for _, o := range m.obligations {
		if o.PayeeKey == payee {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return generic.FIFOLess(result[i], result[j]) })
	return result
}

func (m *Memory) Payees(_ context.Context) ([]generic.PayeeKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payeesLocked(), nil
}

func (m *Memory) payeesLocked() []generic.PayeeKey {
	seen := make(map[generic.PayeeKey]bool)
	var result []generic.PayeeKey
	for _, o := range m.obligations {
		if !seen[o.PayeeKey] {
			seen[o.PayeeKey] = true
			result = append(result, o.PayeeKey)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (m *Memory) SetStatus(_ context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status)
}

func (m *Memory) setStatusLocked(id generic.ObligationID, status generic.ObligationStatus) error {
	o, ok := m.obligations[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrObligationNotFound, id)
	}
	o.Status = status
	m.obligations[id] = o
	return nil
}

// AppendEvent adds a single event. Append-only.
func (m *Memory) AppendEvent(_ context.Context, e generic.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) appendLocked(e generic.PaymentEvent) error {
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return fmt.Errorf("%w: %s", generic.ErrDuplicateIdempotencyKey, e.IdempotencyKey)
	}
	if _, ok := m.obligations[e.ObligationID]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrObligationNotFound, e.ObligationID)
	}
	m.eventIndex[e.ID] = len(m.events)
	m.events = append(m.events, e)
	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id generic.EventID) (*generic.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEventLocked(id)
}

func (m *Memory) getEventLocked(id generic.EventID) (*generic.PaymentEvent, error) {
	i, ok := m.eventIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrEventNotFound, id)
	}
	e := m.events[i]
	return &e, nil
}

func (m *Memory) EventsForObligation(_ context.Context, id generic.ObligationID) ([]generic.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(e generic.PaymentEvent) bool { return e.ObligationID == id }), nil
}

func (m *Memory) EventsForPayee(_ context.Context, payee generic.PayeeKey, from, to time.Time) ([]generic.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(e generic.PaymentEvent) bool {
		return e.PayeeKey == payee && inRange(e.PaymentDate, from, to)
	}), nil
}

func (m *Memory) EventsForAccount(_ context.Context, account string, from, to time.Time) ([]generic.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterLocked(func(e generic.PaymentEvent) bool {
		return e.SourceAccount == account && inRange(e.PaymentDate, from, to)
	}), nil
}

func (m *Memory) IdempotencyKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[key], nil
}

func (m *Memory) filterLocked(keep func(generic.PaymentEvent) bool) []generic.PaymentEvent {
	var result []generic.PaymentEvent
	for _, e := range m.events {
		if keep(e) {
			result = append(result, e)
		}
	}
	sortEvents(result)
	return result
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func sortEvents(events []generic.PaymentEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.PaymentDate.Equal(b.PaymentDate) {
			return a.PaymentDate.Before(b.PaymentDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	obligations := make(map[generic.ObligationID]generic.Obligation, len(tm.obligations))
	for k, v := range tm.obligations {
		obligations[k] = v
	}
	eventIndex := make(map[generic.EventID]int, len(tm.eventIndex))
	for k, v := range tm.eventIndex {
		eventIndex[k] = v
	}
	idempotency := make(map[string]bool, len(tm.idempotency))
	for k, v := range tm.idempotency {
		idempotency[k] = v
	}
	return memorySnapshot{
		obligations: obligations,
		events:      append([]generic.PaymentEvent{}, tm.events...),
		eventIndex:  eventIndex,
		idempotency: idempotency,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.obligations = s.obligations
	tm.events = s.events
	tm.eventIndex = s.eventIndex
	tm.idempotency = s.idempotency
}

type memorySnapshot struct {
	obligations map[generic.ObligationID]generic.Obligation
	events      []generic.PaymentEvent
	eventIndex  map[generic.EventID]int
	idempotency map[string]bool
}

// txMemoryView runs with the parent's write lock already held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) SaveObligation(_ context.Context, o generic.Obligation) error {
	return tv.parent.saveObligationLocked(o)
}

func (tv *txMemoryView) GetObligation(_ context.Context, id generic.ObligationID) (*generic.Obligation, error) {
	return tv.parent.getObligationLocked(id)
}

func (tv *txMemoryView) ObligationsByPayee(_ context.Context, payee generic.PayeeKey) ([]generic.Obligation, error) {
	return tv.parent.obligationsByPayeeLocked(payee), nil
}

func (tv *txMemoryView) Payees(_ context.Context) ([]generic.PayeeKey, error) {
	return tv.parent.payeesLocked(), nil
}

func (tv *txMemoryView) SetStatus(_ context.Context, id generic.ObligationID, status generic.ObligationStatus) error {
	return tv.parent.setStatusLocked(id, status)
}

func (tv *txMemoryView) AppendEvent(_ context.Context, e generic.PaymentEvent) error {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) GetEvent(_ context.Context, id generic.EventID) (*generic.PaymentEvent, error) {
	return tv.parent.getEventLocked(id)
}

func (tv *txMemoryView) EventsForObligation(_ context.Context, id generic.ObligationID) ([]generic.PaymentEvent, error) {
	return tv.parent.filterLocked(func(e generic.PaymentEvent) bool { return e.ObligationID == id }), nil
}

func (tv *txMemoryView) EventsForPayee(_ context.Context, payee generic.PayeeKey, from, to time.Time) ([]generic.PaymentEvent, error) {
	return tv.parent.filterLocked(func(e generic.PaymentEvent) bool {
		return e.PayeeKey == payee && inRange(e.PaymentDate, from, to)
	}), nil
}

func (tv *txMemoryView) EventsForAccount(_ context.Context, account string, from, to time.Time) ([]generic.PaymentEvent, error) {
	return tv.parent.filterLocked(func(e generic.PaymentEvent) bool {
		return e.SourceAccount == account && inRange(e.PaymentDate, from, to)
	}), nil
}

func (tv *txMemoryView) IdempotencyKeyExists(_ context.Context, key string) (bool, error) {
	return tv.parent.idempotency[key], nil
}
