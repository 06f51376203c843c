package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"paymentledger/internal/ledger/domain"
)

var (
	snapshotBucket = []byte("ledger_transactions")
	eventsBucket   = []byte("ledger_transaction_events")
)

// Bolt keeps ledgers in a single embedded database file. Snapshots live in one
// bucket keyed by transaction id; each transaction's audit log is a nested
// bucket keyed by big-endian sequence so cursor order is sequence order.
type Bolt struct {
	db *bolt.DB
}

var _ Repository = (*Bolt)(nil)

// OpenBolt opens (or creates) the database at path
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{snapshotBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close releases the file lock
func (s *Bolt) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is still open
func (s *Bolt) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Load retrieves a ledger's snapshot and audit log
func (s *Bolt) Load(ctx context.Context, transactionID string) (*domain.LedgerState, error) {
	var state domain.LedgerState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(snapshotBucket).Get([]byte(transactionID))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &state.Snapshot); err != nil {
			return fmt.Errorf("decoding snapshot: %w", err)
		}

		state.Entries = []domain.AuditEntry{}
		events := tx.Bucket(eventsBucket).Bucket([]byte(transactionID))
		if events == nil {
			return nil
		}
		return events.ForEach(func(_, v []byte) error {
			var entry domain.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding event: %w", err)
			}
			state.Entries = append(state.Entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Save writes the snapshot and new entries in one bolt transaction
func (s *Bolt) Save(ctx context.Context, change domain.Change) error {
	if change.Empty() {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		id := []byte(change.TransactionID)
		snapshots := tx.Bucket(snapshotBucket)

		var stored int64
		if raw := snapshots.Get(id); raw != nil {
			var current domain.Snapshot
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("decoding snapshot: %w", err)
			}
			stored = current.Version
		}
		if stored != change.PreviousVersion {
			return fmt.Errorf("%w: %s stored at %d, expected %d",
				ErrVersionConflict, change.TransactionID, stored, change.PreviousVersion)
		}

		events, err := tx.Bucket(eventsBucket).CreateBucketIfNotExists(id)
		if err != nil {
			return fmt.Errorf("creating event bucket: %w", err)
		}
		for _, entry := range change.Entries {
			key := sequenceKey(entry.Sequence)
			if events.Get(key) != nil {
				return fmt.Errorf("%w: %s sequence %d already written",
					ErrVersionConflict, change.TransactionID, entry.Sequence)
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encoding event: %w", err)
			}
			if err := events.Put(key, data); err != nil {
				return err
			}
		}

		data, err := json.Marshal(change.Snapshot)
		if err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		return snapshots.Put(id, data)
	})
}

// ListEntries pages through a ledger's audit log
func (s *Bolt) ListEntries(ctx context.Context, transactionID string, limit, offset int) ([]domain.AuditEntry, int64, error) {
	entries := []domain.AuditEntry{}
	var total int64

	err := s.db.View(func(tx *bolt.Tx) error {
		events := tx.Bucket(eventsBucket).Bucket([]byte(transactionID))
		if events == nil {
			return nil
		}
		total = int64(events.Stats().KeyN)

		c := events.Cursor()
		k, v := c.Seek(sequenceKey(int64(offset) + 1))
		for ; k != nil && (limit <= 0 || len(entries) < limit); k, v = c.Next() {
			var entry domain.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding event: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func sequenceKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}
