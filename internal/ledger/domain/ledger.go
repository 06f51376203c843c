package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paymentledger/internal/common/money"
)

// ErrCurrencyMismatch is returned when an event's currency differs from the ledger's
var ErrCurrencyMismatch = money.ErrCurrencyMismatch

// Outcome describes what ApplyEvent did with an event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRecorded  Outcome = "recorded" // audit only, no mutation
)

// AnomalyType classifies bookkeeping disagreements absorbed by the ledger
type AnomalyType string

const (
	// AnomalyUnderflow means more was removed from a bucket than it held.
	AnomalyUnderflow AnomalyType = "underflow"
	// AnomalyExcessSettlement means a success settled more than was pending.
	AnomalyExcessSettlement AnomalyType = "excess_settlement"
)

// Anomaly is a recoverable disagreement between a processor and the ledger
type Anomaly struct {
	Type   AnomalyType `json:"type"`
	Bucket string      `json:"bucket"`
	Amount money.Money `json:"amount"`
}

// AuditEntry is one event in the ledger's append-only log
type AuditEntry struct {
	Sequence       int64            `json:"sequence"`
	Event          TransactionEvent `json:"event"`
	IdempotencyKey string           `json:"idempotency_key"`
	Applied        bool             `json:"applied"`
	Version        int64            `json:"version"`
	RecordedAt     time.Time        `json:"recorded_at"`
}

// ApplyResult is returned by ApplyEvent
type ApplyResult struct {
	Outcome        Outcome     `json:"outcome"`
	IdempotencyKey string      `json:"idempotency_key"`
	Snapshot       Snapshot    `json:"snapshot"`
	Anomalies      []Anomaly   `json:"anomalies,omitempty"`
	Entry          *AuditEntry `json:"entry,omitempty"`
}

// TransactionLedger tracks pending and settled money for one transaction.
// It is not safe for concurrent use; LedgerStore provides the locking.
type TransactionLedger struct {
	transactionID string
	currency      money.Currency
	balances      [bucketCount]decimal.Decimal
	version       int64

	appliedKeys map[string]struct{}
	keyOrder    []string
	log         []AuditEntry

	synced bool
	now    func() time.Time
}

// NewTransactionLedger creates an empty ledger
func NewTransactionLedger(transactionID string) *TransactionLedger {
	return &TransactionLedger{
		transactionID: transactionID,
		appliedKeys:   make(map[string]struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// TransactionID returns the owning transaction id
func (l *TransactionLedger) TransactionID() string { return l.transactionID }

// Version returns the number of mutations applied so far
func (l *TransactionLedger) Version() int64 { return l.version }

// Currency returns the ledger currency, empty until the first mutation
func (l *TransactionLedger) Currency() money.Currency { return l.currency }

// HasApplied reports whether an idempotency key was already applied
func (l *TransactionLedger) HasApplied(key string) bool {
	_, ok := l.appliedKeys[key]
	return ok
}

// Entries returns a copy of the audit log
func (l *TransactionLedger) Entries() []AuditEntry {
	out := make([]AuditEntry, len(l.log))
	copy(out, l.log)
	return out
}

// Synced reports whether the ledger reflects its persisted state
func (l *TransactionLedger) Synced() bool { return l.synced }

// MarkSynced records that the ledger matches storage
func (l *TransactionLedger) MarkSynced() { l.synced = true }

// Invalidate forces the next caller to reload from storage
func (l *TransactionLedger) Invalidate() { l.synced = false }

// Snapshot returns the current read model
func (l *TransactionLedger) Snapshot() Snapshot {
	s := Snapshot{
		TransactionID: l.transactionID,
		Currency:      l.currency,
		Version:       l.version,
	}
	for b := Bucket(0); b < bucketCount; b++ {
		s.set(b, money.New(l.balances[b], l.currency))
	}
	return s
}

// ApplyEvent validates, deduplicates, classifies and applies one event.
// Only malformed events and currency mismatches are returned as errors, and
// neither leaves any trace on the ledger.
func (l *TransactionLedger) ApplyEvent(e TransactionEvent) (ApplyResult, error) {
	if err := e.Validate(); err != nil {
		return ApplyResult{}, err
	}
	if e.TransactionID != l.transactionID {
		return ApplyResult{}, malformed("transaction_id",
			fmt.Sprintf("event for %q applied to ledger %q", e.TransactionID, l.transactionID))
	}

	key := e.IdempotencyKey()

	if !e.IncludeInCalculations {
		entry := l.record(e, key, false)
		return ApplyResult{Outcome: OutcomeRecorded, IdempotencyKey: key, Snapshot: l.Snapshot(), Entry: &entry}, nil
	}

	if l.HasApplied(key) {
		return ApplyResult{Outcome: OutcomeDuplicate, IdempotencyKey: key, Snapshot: l.Snapshot()}, nil
	}

	currency := l.currency
	if currency == "" {
		currency = e.Amount.Currency
	} else if e.Amount.Currency != currency {
		return ApplyResult{}, fmt.Errorf("%w: ledger is %s, event is %s", ErrCurrencyMismatch, currency, e.Amount.Currency)
	}

	mutation, err := Classify(e.Kind)
	if err != nil {
		return ApplyResult{}, err
	}

	// Work on a copy so a failure leaves the ledger untouched.
	next := l.balances
	anomalies, err := mutate(&next, currency, mutation, e.Amount)
	if err != nil {
		return ApplyResult{}, err
	}

	l.balances = next
	l.currency = currency
	l.version++
	l.appliedKeys[key] = struct{}{}
	l.keyOrder = append(l.keyOrder, key)
	entry := l.record(e, key, true)

	return ApplyResult{
		Outcome:        OutcomeApplied,
		IdempotencyKey: key,
		Snapshot:       l.Snapshot(),
		Anomalies:      anomalies,
		Entry:          &entry,
	}, nil
}

func (l *TransactionLedger) record(e TransactionEvent, key string, applied bool) AuditEntry {
	entry := AuditEntry{
		Sequence:       int64(len(l.log)) + 1,
		Event:          e,
		IdempotencyKey: key,
		Applied:        applied,
		Version:        l.version,
		RecordedAt:     l.now(),
	}
	l.log = append(l.log, entry)
	return entry
}

func mutate(bal *[bucketCount]decimal.Decimal, currency money.Currency, m Mutation, amount money.Money) ([]Anomaly, error) {
	get := func(b Bucket) money.Money { return money.New(bal[b], currency) }
	set := func(b Bucket, v money.Money) { bal[b] = v.Amount }

	var anomalies []Anomaly

	switch m.Type {
	case IncreasePending:
		v, err := get(m.Pending).Add(amount)
		if err != nil {
			return nil, err
		}
		set(m.Pending, v)

	case SettleFromPending:
		pending, excess, err := get(m.Pending).SubSaturating(amount)
		if err != nil {
			return nil, err
		}
		settled, err := get(m.Settled).Add(amount)
		if err != nil {
			return nil, err
		}
		set(m.Pending, pending)
		set(m.Settled, settled)
		if excess.IsPositive() {
			anomalies = append(anomalies, Anomaly{Type: AnomalyExcessSettlement, Bucket: m.Pending.String(), Amount: excess})
		}

	case DrainPending:
		pending, short, err := get(m.Pending).SubSaturating(amount)
		if err != nil {
			return nil, err
		}
		set(m.Pending, pending)
		if short.IsPositive() {
			anomalies = append(anomalies, Anomaly{Type: AnomalyUnderflow, Bucket: m.Pending.String(), Amount: short})
		}

	case DirectAdjustSettled:
		if m.Sign > 0 {
			v, err := get(m.Settled).Add(amount)
			if err != nil {
				return nil, err
			}
			set(m.Settled, v)
			break
		}
		settled, remaining, err := get(m.Settled).SubSaturating(amount)
		if err != nil {
			return nil, err
		}
		set(m.Settled, settled)
		last := m.Settled
		if remaining.IsPositive() && m.HasPending() {
			var pending money.Money
			pending, remaining, err = get(m.Pending).SubSaturating(remaining)
			if err != nil {
				return nil, err
			}
			set(m.Pending, pending)
			last = m.Pending
		}
		if remaining.IsPositive() {
			anomalies = append(anomalies, Anomaly{Type: AnomalyUnderflow, Bucket: last.String(), Amount: remaining})
		}

	default:
		return nil, fmt.Errorf("unsupported mutation %s", m.Type)
	}

	return anomalies, nil
}

// Checkpoint captures the ledger state so a failed persist can be undone
type Checkpoint struct {
	balances [bucketCount]decimal.Decimal
	currency money.Currency
	version  int64
	logLen   int
	keyLen   int
}

// Checkpoint returns the current state marker
func (l *TransactionLedger) Checkpoint() Checkpoint {
	return Checkpoint{
		balances: l.balances,
		currency: l.currency,
		version:  l.version,
		logLen:   len(l.log),
		keyLen:   len(l.keyOrder),
	}
}

// Rollback restores the ledger to a checkpoint taken earlier in the same critical section
func (l *TransactionLedger) Rollback(cp Checkpoint) {
	for _, k := range l.keyOrder[cp.keyLen:] {
		delete(l.appliedKeys, k)
	}
	l.keyOrder = l.keyOrder[:cp.keyLen]
	l.log = l.log[:cp.logLen]
	l.balances = cp.balances
	l.currency = cp.currency
	l.version = cp.version
}

// ChangeSince returns everything recorded after a checkpoint
func (l *TransactionLedger) ChangeSince(cp Checkpoint) Change {
	entries := make([]AuditEntry, len(l.log)-cp.logLen)
	copy(entries, l.log[cp.logLen:])
	return Change{
		TransactionID:   l.transactionID,
		PreviousVersion: cp.version,
		Snapshot:        l.Snapshot(),
		Entries:         entries,
	}
}

// LedgerState is the persisted form of a ledger
type LedgerState struct {
	Snapshot Snapshot
	Entries  []AuditEntry
}

// Change is what has to be persisted after one or more ApplyEvent calls
type Change struct {
	TransactionID   string
	PreviousVersion int64
	Snapshot        Snapshot
	Entries         []AuditEntry
}

// Empty reports whether the change carries nothing to persist
func (c Change) Empty() bool {
	return len(c.Entries) == 0 && c.Snapshot.Version == c.PreviousVersion
}

// Restore replaces the ledger contents with persisted state and marks it synced
func (l *TransactionLedger) Restore(state LedgerState) error {
	if state.Snapshot.TransactionID != "" && state.Snapshot.TransactionID != l.transactionID {
		return fmt.Errorf("restoring %q into ledger %q", state.Snapshot.TransactionID, l.transactionID)
	}
	var balances [bucketCount]decimal.Decimal
	for b := Bucket(0); b < bucketCount; b++ {
		v := state.Snapshot.Bucket(b)
		if v.IsNegative() {
			return fmt.Errorf("restoring %q: negative %s", l.transactionID, b)
		}
		balances[b] = v.Amount
	}

	keys := make(map[string]struct{})
	var order []string
	log := make([]AuditEntry, len(state.Entries))
	copy(log, state.Entries)
	for _, e := range log {
		if e.Applied {
			keys[e.IdempotencyKey] = struct{}{}
			order = append(order, e.IdempotencyKey)
		}
	}

	l.balances = balances
	l.currency = state.Snapshot.Currency
	l.version = state.Snapshot.Version
	l.appliedKeys = keys
	l.keyOrder = order
	l.log = log
	l.synced = true
	return nil
}

// Rehydrate builds a ledger from persisted state
func Rehydrate(state LedgerState) (*TransactionLedger, error) {
	l := NewTransactionLedger(state.Snapshot.TransactionID)
	if err := l.Restore(state); err != nil {
		return nil, err
	}
	return l, nil
}
