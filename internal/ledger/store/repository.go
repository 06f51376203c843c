// Package store persists ledger snapshots and their audit log.
package store

import (
	"context"
	"embed"
	"errors"

	"paymentledger/internal/ledger/domain"
)

var (
	// ErrNotFound is returned by Load for a transaction that was never saved.
	ErrNotFound = errors.New("ledger not found")
	// ErrVersionConflict is returned by Save when another writer got there first.
	ErrVersionConflict = errors.New("ledger version conflict")
	// ErrIntegrity is returned by Save when storage refuses the snapshot,
	// such as a negative balance hitting a CHECK constraint. Retrying does not help.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// Migrations holds the Postgres schema, applied by database.Migrate
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations
const MigrationsDir = "migrations"

// Repository is the persistence boundary for ledgers
type Repository interface {
	// Load returns the persisted snapshot and full audit log.
	Load(ctx context.Context, transactionID string) (*domain.LedgerState, error)
	// Save writes the snapshot and appended entries atomically. The stored
	// version must equal change.PreviousVersion.
	Save(ctx context.Context, change domain.Change) error
	// ListEntries pages through the audit log in sequence order.
	ListEntries(ctx context.Context, transactionID string, limit, offset int) ([]domain.AuditEntry, int64, error)
	Ping(ctx context.Context) error
}
