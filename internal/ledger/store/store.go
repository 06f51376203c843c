package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"paymentledger/internal/common/database"
	"paymentledger/internal/common/money"
	"paymentledger/internal/ledger/domain"
)

// saveAttempts bounds retries of a serializable Save
const saveAttempts = 3

var serializable = pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}

// Postgres stores ledgers in the ledger_transactions and
// ledger_transaction_events tables
type Postgres struct {
	db *database.DB
}

var _ Repository = (*Postgres)(nil)

// NewPostgres creates a Postgres repository
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// Ping checks the database
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

const snapshotColumns = `
	transaction_id, currency,
	authorized::text, charged::text, canceled::text, refunded::text,
	authorize_pending::text, charge_pending::text, cancel_pending::text, refund_pending::text,
	version`

const entryColumns = `
	sequence, event_id, kind, amount::text, currency, psp_reference,
	include_in_calculations, observed_at, message, idempotency_key,
	applied, version, recorded_at`

// Load retrieves a ledger's snapshot and audit log
func (s *Postgres) Load(ctx context.Context, transactionID string) (*domain.LedgerState, error) {
	var state *domain.LedgerState
	err := s.db.WithTxOptions(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		snap, err := scanSnapshot(tx.QueryRow(ctx,
			`SELECT `+snapshotColumns+` FROM ledger_transactions WHERE transaction_id = $1`,
			transactionID))
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT `+entryColumns+` FROM ledger_transaction_events WHERE transaction_id = $1 ORDER BY sequence`,
			transactionID)
		if err != nil {
			return fmt.Errorf("loading events: %w", err)
		}
		defer rows.Close()

		entries, err := scanEntries(rows, transactionID)
		if err != nil {
			return err
		}

		state = &domain.LedgerState{Snapshot: snap, Entries: entries}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Save persists a change under optimistic concurrency. The write runs
// serializable and is retried on serialization failures.
func (s *Postgres) Save(ctx context.Context, change domain.Change) error {
	if change.Empty() {
		return nil
	}

	return database.Retry(ctx, saveAttempts, func() error {
		return s.db.WithTxOptions(ctx, serializable, func(tx pgx.Tx) error {
			return saveTx(ctx, tx, change)
		})
	})
}

func saveTx(ctx context.Context, tx database.Querier, change domain.Change) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_transactions (transaction_id) VALUES ($1) ON CONFLICT (transaction_id) DO NOTHING`,
		change.TransactionID)
	if err != nil {
		return fmt.Errorf("creating ledger row: %w", err)
	}

	var stored int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM ledger_transactions WHERE transaction_id = $1 FOR UPDATE`,
		change.TransactionID).Scan(&stored)
	if err != nil {
		return fmt.Errorf("locking ledger row: %w", err)
	}
	if stored != change.PreviousVersion {
		return fmt.Errorf("%w: %s stored at %d, expected %d",
			ErrVersionConflict, change.TransactionID, stored, change.PreviousVersion)
	}

	snap := change.Snapshot
	_, err = tx.Exec(ctx, `
		UPDATE ledger_transactions SET
			currency = $2,
			authorized = $3::numeric, charged = $4::numeric,
			canceled = $5::numeric, refunded = $6::numeric,
			authorize_pending = $7::numeric, charge_pending = $8::numeric,
			cancel_pending = $9::numeric, refund_pending = $10::numeric,
			version = $11, updated_at = $12
		WHERE transaction_id = $1
	`,
		change.TransactionID,
		string(snap.Currency),
		snap.Authorized.Amount.String(), snap.Charged.Amount.String(),
		snap.Canceled.Amount.String(), snap.Refunded.Amount.String(),
		snap.AuthorizePending.Amount.String(), snap.ChargePending.Amount.String(),
		snap.CancelPending.Amount.String(), snap.RefundPending.Amount.String(),
		snap.Version, time.Now().UTC(),
	)
	if err != nil {
		return writeError(err, fmt.Sprintf("updating ledger %s", change.TransactionID))
	}

	for _, entry := range change.Entries {
		if err := insertEntry(ctx, tx, change.TransactionID, entry); err != nil {
			return err
		}
	}
	return nil
}

func insertEntry(ctx context.Context, tx database.Querier, transactionID string, entry domain.AuditEntry) error {
	e := entry.Event
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_transaction_events (
			transaction_id, sequence, event_id, kind, amount, currency, psp_reference,
			include_in_calculations, observed_at, message, idempotency_key,
			applied, version, recorded_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`,
		transactionID,
		entry.Sequence,
		e.ID,
		string(e.Kind),
		e.Amount.Amount.String(),
		string(e.Amount.Currency),
		e.PSPReference,
		e.IncludeInCalculations,
		e.ObservedAt,
		e.Message,
		entry.IdempotencyKey,
		entry.Applied,
		entry.Version,
		entry.RecordedAt,
	)
	if err != nil {
		return writeError(err, fmt.Sprintf("inserting event %s at %s sequence %d", e.ID, transactionID, entry.Sequence))
	}
	return nil
}

// writeError maps constraint violations onto repository errors
func writeError(err error, op string) error {
	switch {
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrVersionConflict, op, err)
	case database.IsCheckViolation(err):
		return fmt.Errorf("%w: %s: %v", ErrIntegrity, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// ListEntries pages through a ledger's audit log
func (s *Postgres) ListEntries(ctx context.Context, transactionID string, limit, offset int) ([]domain.AuditEntry, int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_transaction_events WHERE transaction_id = $1`,
		transactionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting events: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_transaction_events
		 WHERE transaction_id = $1 ORDER BY sequence LIMIT $2 OFFSET $3`,
		transactionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows, transactionID)
	return entries, total, err
}

func scanSnapshot(row pgx.Row) (domain.Snapshot, error) {
	var (
		snap     domain.Snapshot
		currency string
		buckets  [8]string
	)
	err := row.Scan(
		&snap.TransactionID, &currency,
		&buckets[0], &buckets[1], &buckets[2], &buckets[3],
		&buckets[4], &buckets[5], &buckets[6], &buckets[7],
		&snap.Version,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return domain.Snapshot{}, ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("scanning ledger: %w", err)
	}

	snap.Currency = money.Currency(currency)
	targets := []*money.Money{
		&snap.Authorized, &snap.Charged, &snap.Canceled, &snap.Refunded,
		&snap.AuthorizePending, &snap.ChargePending, &snap.CancelPending, &snap.RefundPending,
	}
	for i, raw := range buckets {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("parsing balance %q: %w", raw, err)
		}
		*targets[i] = money.New(d, snap.Currency)
	}
	return snap, nil
}

func scanEntries(rows pgx.Rows, transactionID string) ([]domain.AuditEntry, error) {
	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			entry    domain.AuditEntry
			kind     string
			amount   string
			currency string
		)
		err := rows.Scan(
			&entry.Sequence, &entry.Event.ID, &kind, &amount, &currency, &entry.Event.PSPReference,
			&entry.Event.IncludeInCalculations, &entry.Event.ObservedAt, &entry.Event.Message, &entry.IdempotencyKey,
			&entry.Applied, &entry.Version, &entry.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
		}
		entry.Event.TransactionID = transactionID
		entry.Event.Kind = domain.Kind(kind)
		entry.Event.Amount = money.New(d, money.Currency(currency))
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return entries, nil
}
