package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"paymentledger/internal/common/events"
	"paymentledger/internal/common/metrics"
	"paymentledger/internal/common/middleware"
	"paymentledger/internal/common/money"
	"paymentledger/internal/ledger/domain"
	"paymentledger/internal/ledger/store"
)

var (
	// ErrNotFound is returned for transactions the ledger has never seen.
	ErrNotFound = errors.New("transaction not found")
	// ErrCurrencyNotAccepted is returned for well-formed currencies this host does not settle.
	ErrCurrencyNotAccepted = errors.New("currency not accepted")
)

// Rejection reasons, used in logs, metrics and published rejections
const (
	ReasonMalformed           = "malformed"
	ReasonCurrencyMismatch    = "currency_mismatch"
	ReasonCurrencyNotAccepted = "currency_not_accepted"
)

// RejectionReason classifies hard rejections. It returns "" for errors that
// are worth retrying.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedEvent):
		return ReasonMalformed
	case errors.Is(err, domain.ErrCurrencyMismatch):
		return ReasonCurrencyMismatch
	case errors.Is(err, ErrCurrencyNotAccepted):
		return ReasonCurrencyNotAccepted
	default:
		return ""
	}
}

// Config holds ledger settings supplied by the host
type Config struct {
	Currencies []string `envconfig:"LEDGER_CURRENCIES" default:"USD,EUR,GBP,PLN,CHF,JPY,BHD,KWD"`
	// Precision sets decimal places per currency, e.g. "TND:3,CLF:4".
	// Unlisted currencies keep the built-in table, or 2 places.
	Precision      map[string]int32 `envconfig:"LEDGER_CURRENCY_PRECISION"`
	PersistRetries int              `envconfig:"LEDGER_PERSIST_RETRIES" default:"3"`
	// StorageTimeout bounds the storage calls made while a transaction is locked
	StorageTimeout time.Duration `envconfig:"LEDGER_STORAGE_TIMEOUT" default:"5s"`
}

// Service applies transaction events and keeps storage in step with the
// in-memory ledgers. Writes for one transaction are serialized by the
// ledger's lock, and persistence happens inside it.
type Service struct {
	ledgers   *domain.LedgerStore
	repo      store.Repository
	publisher events.EventPublisher
	metrics   *metrics.Metrics
	accepted  map[money.Currency]struct{}
	retries   int
	timeout   time.Duration
	logger    *slog.Logger
}

// NewService creates a ledger service. publisher may be nil.
func NewService(repo store.Repository, publisher events.EventPublisher, m *metrics.Metrics, cfg Config, logger *slog.Logger) (*Service, error) {
	for code, places := range cfg.Precision {
		c, err := money.ParseCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("configuring precision: %w", err)
		}
		if err := money.Register(money.CurrencyInfo{Code: c, MinorUnits: places}); err != nil {
			return nil, fmt.Errorf("configuring precision: %w", err)
		}
	}

	accepted := make(map[money.Currency]struct{}, len(cfg.Currencies))
	for _, code := range cfg.Currencies {
		if strings.TrimSpace(code) == "" {
			continue
		}
		c, err := money.ParseCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("configuring currencies: %w", err)
		}
		accepted[c] = struct{}{}
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = 0
	}
	if m == nil {
		m = metrics.New()
	}

	return &Service{
		ledgers:   domain.NewLedgerStore(),
		repo:      repo,
		publisher: publisher,
		metrics:   m,
		accepted:  accepted,
		retries:   cfg.PersistRetries,
		timeout:   cfg.StorageTimeout,
		logger:    logger,
	}, nil
}

// ApplyEvent applies one event to a transaction's ledger and persists the
// result. Malformed events, currency mismatches and unaccepted currencies are
// returned as errors; duplicates and anomalies are not.
func (s *Service) ApplyEvent(ctx context.Context, transactionID string, e domain.TransactionEvent) (domain.ApplyResult, error) {
	start := time.Now()
	if e.TransactionID == "" {
		e.TransactionID = transactionID
	}

	result, err := s.apply(ctx, transactionID, e)
	s.observe(ctx, e, result, err, time.Since(start))
	if err != nil {
		return domain.ApplyResult{}, err
	}

	if result.Outcome != domain.OutcomeDuplicate {
		s.publishUpdated(ctx, e, result)
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, transactionID string, e domain.TransactionEvent) (domain.ApplyResult, error) {
	if err := e.Validate(); err != nil {
		return domain.ApplyResult{}, err
	}
	if e.TransactionID != transactionID {
		return domain.ApplyResult{}, &domain.EventError{
			Field:  "transaction_id",
			Reason: fmt.Sprintf("event for %q posted to %q", e.TransactionID, transactionID),
		}
	}
	if _, ok := s.accepted[e.Amount.Currency]; !ok && len(s.accepted) > 0 {
		return domain.ApplyResult{}, fmt.Errorf("%w: %s", ErrCurrencyNotAccepted, e.Amount.Currency)
	}

	return domain.WithLedgerResult(s.ledgers, transactionID, func(l *domain.TransactionLedger) (domain.ApplyResult, error) {
		return s.applyLocked(ctx, l, e)
	})
}

// applyLocked runs with the ledger's lock held
func (s *Service) applyLocked(ctx context.Context, l *domain.TransactionLedger, e domain.TransactionEvent) (domain.ApplyResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		if !l.Synced() {
			if err := s.hydrate(ctx, l); err != nil {
				return domain.ApplyResult{}, err
			}
		}

		cp := l.Checkpoint()
		result, err := l.ApplyEvent(e)
		if err != nil || result.Outcome == domain.OutcomeDuplicate {
			return result, err
		}

		err = s.repo.Save(ctx, l.ChangeSince(cp))
		if err == nil {
			return result, nil
		}

		l.Rollback(cp)
		l.Invalidate()

		if !errors.Is(err, store.ErrVersionConflict) || attempt >= s.retries {
			return domain.ApplyResult{}, fmt.Errorf("persisting ledger %s: %w", l.TransactionID(), err)
		}

		s.metrics.ObservePersistRetry()
		s.logger.Warn("ledger changed underneath us, reloading",
			"transaction_id", l.TransactionID(),
			"attempt", attempt+1,
			"error", err,
		)
	}
}

func (s *Service) hydrate(ctx context.Context, l *domain.TransactionLedger) error {
	state, err := s.repo.Load(ctx, l.TransactionID())
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = &domain.LedgerState{Snapshot: domain.EmptySnapshot(l.TransactionID())}
	case err != nil:
		return fmt.Errorf("loading ledger %s: %w", l.TransactionID(), err)
	}

	if err := l.Restore(*state); err != nil {
		return fmt.Errorf("restoring ledger %s: %w", l.TransactionID(), err)
	}
	s.logger.Debug("ledger hydrated",
		"transaction_id", l.TransactionID(),
		"version", state.Snapshot.Version,
		"entries", len(state.Entries),
	)
	return nil
}

// GetSnapshot returns the persisted totals for a transaction
func (s *Service) GetSnapshot(ctx context.Context, transactionID string) (domain.Snapshot, error) {
	state, err := s.repo.Load(ctx, transactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, transactionID)
		}
		return domain.Snapshot{}, fmt.Errorf("loading ledger %s: %w", transactionID, err)
	}
	return state.Snapshot, nil
}

// ListEvents pages through a transaction's audit log
func (s *Service) ListEvents(ctx context.Context, transactionID string, limit, offset int) ([]domain.AuditEntry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	entries, total, err := s.repo.ListEntries(ctx, transactionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing events for %s: %w", transactionID, err)
	}
	if total == 0 {
		if _, err := s.GetSnapshot(ctx, transactionID); err != nil {
			return nil, 0, err
		}
	}
	return entries, total, nil
}

// Ping checks the repository
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) observe(ctx context.Context, e domain.TransactionEvent, result domain.ApplyResult, err error, took time.Duration) {
	log := s.logger.With(
		"transaction_id", e.TransactionID,
		"event_id", e.ID,
		"kind", e.Kind,
		"operation", e.Kind.Operation(),
		"status", e.Kind.Status(),
		"correlation_id", middleware.GetCorrelationID(ctx),
	)

	if err != nil {
		if reason := RejectionReason(err); reason != "" {
			s.metrics.ObserveRejection(reason)
			s.metrics.ObserveEvent(string(e.Kind), "rejected", took)
			log.Warn("event rejected", "reason", reason, "error", err)
			return
		}
		s.metrics.ObserveEvent(string(e.Kind), "error", took)
		log.Error("event not applied", "error", err)
		return
	}

	s.metrics.ObserveEvent(string(e.Kind), string(result.Outcome), took)
	switch result.Outcome {
	case domain.OutcomeDuplicate:
		log.Info("duplicate event ignored", "idempotency_key", result.IdempotencyKey)
	case domain.OutcomeRecorded:
		log.Info("event recorded for audit only")
	default:
		log.Info("event applied", "version", result.Snapshot.Version)
	}
	for _, a := range result.Anomalies {
		s.metrics.ObserveAnomaly(string(a.Type), a.Bucket)
		log.Warn("ledger anomaly absorbed",
			"type", a.Type,
			"bucket", a.Bucket,
			"amount", a.Amount.String(),
		)
	}
}

func (s *Service) publishUpdated(ctx context.Context, e domain.TransactionEvent, result domain.ApplyResult) {
	if s.publisher == nil {
		return
	}

	evt, err := events.NewEvent(events.EventLedgerTransactionUpdated, events.AggregateTransaction, e.TransactionID, UpdatedData(e, result))
	if err != nil {
		s.logger.Error("building ledger update", "error", err, "transaction_id", e.TransactionID)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), e.ID).WithSource("ledger")

	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish ledger update",
			"error", err,
			"transaction_id", e.TransactionID,
			"version", result.Snapshot.Version,
		)
	}
}

// UpdatedData renders an apply result as a ledger.transaction.updated payload
func UpdatedData(e domain.TransactionEvent, result domain.ApplyResult) events.LedgerTransactionUpdatedData {
	snap := result.Snapshot
	balances := make(map[string]string, len(domain.Buckets()))
	for _, b := range domain.Buckets() {
		balances[b.String()] = snap.Bucket(b).Canonical()
	}

	data := events.LedgerTransactionUpdatedData{
		TransactionID: snap.TransactionID,
		EventID:       e.ID,
		Kind:          string(e.Kind),
		Outcome:       string(result.Outcome),
		Version:       snap.Version,
		Currency:      string(snap.Currency),
		Balances:      balances,
		Settled:       snap.IsSettled(),
	}
	for _, a := range result.Anomalies {
		data.Anomalies = append(data.Anomalies, events.AnomalyData{
			Type:   string(a.Type),
			Bucket: a.Bucket,
			Amount: a.Amount.Canonical(),
		})
	}
	return data
}
