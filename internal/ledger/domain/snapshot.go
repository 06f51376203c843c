package domain

import (
	"paymentledger/internal/common/money"
)

// Snapshot is the read model of a ledger at one version
type Snapshot struct {
	TransactionID    string         `json:"transaction_id"`
	Currency         money.Currency `json:"currency,omitempty"`
	Authorized       money.Money    `json:"authorized"`
	Charged          money.Money    `json:"charged"`
	Canceled         money.Money    `json:"canceled"`
	Refunded         money.Money    `json:"refunded"`
	AuthorizePending money.Money    `json:"authorize_pending"`
	ChargePending    money.Money    `json:"charge_pending"`
	CancelPending    money.Money    `json:"cancel_pending"`
	RefundPending    money.Money    `json:"refund_pending"`
	Version          int64          `json:"version"`
}

// EmptySnapshot is the state of a ledger that has seen no events
func EmptySnapshot(transactionID string) Snapshot {
	return NewTransactionLedger(transactionID).Snapshot()
}

// Bucket returns the value held in b
func (s Snapshot) Bucket(b Bucket) money.Money {
	if p := s.field(b); p != nil {
		return *p
	}
	return money.Zero(s.Currency)
}

func (s *Snapshot) set(b Bucket, v money.Money) {
	if p := s.field(b); p != nil {
		*p = v
	}
}

func (s *Snapshot) field(b Bucket) *money.Money {
	switch b {
	case BucketAuthorized:
		return &s.Authorized
	case BucketCharged:
		return &s.Charged
	case BucketCanceled:
		return &s.Canceled
	case BucketRefunded:
		return &s.Refunded
	case BucketAuthorizePending:
		return &s.AuthorizePending
	case BucketChargePending:
		return &s.ChargePending
	case BucketCancelPending:
		return &s.CancelPending
	case BucketRefundPending:
		return &s.RefundPending
	}
	return nil
}

// IsSettled reports whether nothing is pending
func (s Snapshot) IsSettled() bool {
	for b := Bucket(0); b < bucketCount; b++ {
		if b.IsPending() && !s.Bucket(b).IsZero() {
			return false
		}
	}
	return true
}

// Equal compares two snapshots by value, treating 10 and 10.00 as equal
func (s Snapshot) Equal(o Snapshot) bool {
	if s.TransactionID != o.TransactionID || s.Currency != o.Currency || s.Version != o.Version {
		return false
	}
	for b := Bucket(0); b < bucketCount; b++ {
		if !s.Bucket(b).Equal(o.Bucket(b)) {
			return false
		}
	}
	return true
}

// Buckets returns every bucket in declaration order
func Buckets() []Bucket {
	out := make([]Bucket, 0, bucketCount)
	for b := Bucket(0); b < bucketCount; b++ {
		out = append(out, b)
	}
	return out
}
