package domain

import (
	"sync"
)

// LedgerHandle is a keyed, independently lockable ledger. The ledger itself is
// only reachable through LedgerStore.WithLedger.
type LedgerHandle struct {
	transactionID string

	mu     sync.Mutex
	ledger *TransactionLedger
}

// TransactionID returns the id the handle guards
func (h *LedgerHandle) TransactionID() string { return h.transactionID }

// Snapshot reads the current totals under the handle's lock
func (h *LedgerHandle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.Snapshot()
}

// LedgerStore holds one ledger per transaction id. Calls for the same id are
// serialized; calls for different ids never contend beyond the map lookup.
type LedgerStore struct {
	mu      sync.Mutex
	handles map[string]*LedgerHandle
}

// NewLedgerStore creates an empty store
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{handles: make(map[string]*LedgerHandle)}
}

// GetOrCreate returns the handle for a transaction, creating an empty ledger on first use
func (s *LedgerStore) GetOrCreate(transactionID string) *LedgerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[transactionID]; ok {
		return h
	}
	h := &LedgerHandle{
		transactionID: transactionID,
		ledger:        NewTransactionLedger(transactionID),
	}
	s.handles[transactionID] = h
	return h
}

// Len returns the number of ledgers held
func (s *LedgerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// WithLedger runs fn with exclusive access to the transaction's ledger. The
// ledger must not be retained after fn returns.
func (s *LedgerStore) WithLedger(transactionID string, fn func(*TransactionLedger) error) error {
	h := s.GetOrCreate(transactionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.ledger)
}

// WithLedgerResult is WithLedger for callbacks that produce a value
func WithLedgerResult[T any](s *LedgerStore, transactionID string, fn func(*TransactionLedger) (T, error)) (T, error) {
	var out T
	err := s.WithLedger(transactionID, func(l *TransactionLedger) error {
		var err error
		out, err = fn(l)
		return err
	})
	return out, err
}

// Apply is the common case: apply one event under the ledger's lock
func (s *LedgerStore) Apply(e TransactionEvent) (ApplyResult, error) {
	if err := e.Validate(); err != nil {
		return ApplyResult{}, err
	}
	return WithLedgerResult(s, e.TransactionID, func(l *TransactionLedger) (ApplyResult, error) {
		return l.ApplyEvent(e)
	})
}
