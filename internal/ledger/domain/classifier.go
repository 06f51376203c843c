package domain

import "fmt"

// Bucket names one of the ledger's running totals
type Bucket int

const (
	BucketAuthorized Bucket = iota
	BucketCharged
	BucketCanceled
	BucketRefunded
	BucketAuthorizePending
	BucketChargePending
	BucketCancelPending
	BucketRefundPending

	bucketCount
)

var bucketNames = [bucketCount]string{
	BucketAuthorized:       "authorized",
	BucketCharged:          "charged",
	BucketCanceled:         "canceled",
	BucketRefunded:         "refunded",
	BucketAuthorizePending: "authorize_pending",
	BucketChargePending:    "charge_pending",
	BucketCancelPending:    "cancel_pending",
	BucketRefundPending:    "refund_pending",
}

func (b Bucket) String() string {
	if b < 0 || b >= bucketCount {
		return fmt.Sprintf("bucket(%d)", int(b))
	}
	return bucketNames[b]
}

// IsPending reports whether the bucket holds money awaiting an outcome
func (b Bucket) IsPending() bool {
	return b >= BucketAuthorizePending && b < bucketCount
}

// MutationType is the shape of change an event implies
type MutationType int

const (
	// IncreasePending adds the amount to a pending bucket.
	IncreasePending MutationType = iota + 1
	// SettleFromPending moves up to the amount from pending to settled; any
	// excess lands in settled directly.
	SettleFromPending
	// DrainPending removes up to the amount from pending.
	DrainPending
	// DirectAdjustSettled adds (Sign +1) or removes (Sign -1) the amount from a
	// settled bucket. Whatever a removal cannot take from Settled is drained
	// from Pending when Pending is set.
	DirectAdjustSettled
)

func (t MutationType) String() string {
	switch t {
	case IncreasePending:
		return "increase_pending"
	case SettleFromPending:
		return "settle_from_pending"
	case DrainPending:
		return "drain_pending"
	case DirectAdjustSettled:
		return "direct_adjust_settled"
	default:
		return fmt.Sprintf("mutation(%d)", int(t))
	}
}

// noBucket marks an unused bucket slot in a Mutation
const noBucket Bucket = -1

// Mutation is the ledger change implied by an event kind
type Mutation struct {
	Type    MutationType
	Pending Bucket
	Settled Bucket
	Sign    int
}

// HasPending reports whether the mutation touches a pending bucket
func (m Mutation) HasPending() bool { return m.Pending != noBucket }

// HasSettled reports whether the mutation touches a settled bucket
func (m Mutation) HasSettled() bool { return m.Settled != noBucket }

// Classify maps an event kind to its mutation. It is pure and total over
// every valid kind.
func Classify(kind Kind) (Mutation, error) {
	switch kind {
	case KindAuthorizationRequest:
		return increase(BucketAuthorizePending), nil
	case KindChargeRequest:
		return increase(BucketChargePending), nil
	case KindCancelRequest:
		return increase(BucketCancelPending), nil
	case KindRefundRequest:
		return increase(BucketRefundPending), nil

	case KindAuthorizationSuccess:
		return settle(BucketAuthorizePending, BucketAuthorized), nil
	case KindChargeSuccess:
		return settle(BucketChargePending, BucketCharged), nil
	case KindCancelSuccess:
		return settle(BucketCancelPending, BucketCanceled), nil
	case KindRefundSuccess:
		return settle(BucketRefundPending, BucketRefunded), nil

	case KindAuthorizationFailure:
		return drain(BucketAuthorizePending), nil
	case KindChargeFailure:
		return drain(BucketChargePending), nil
	case KindCancelFailure:
		return drain(BucketCancelPending), nil
	case KindRefundFailure:
		return drain(BucketRefundPending), nil

	case KindAuthorizationAdjustment:
		return Mutation{Type: DirectAdjustSettled, Pending: noBucket, Settled: BucketAuthorized, Sign: +1}, nil
	case KindChargeBack:
		return Mutation{Type: DirectAdjustSettled, Pending: noBucket, Settled: BucketCharged, Sign: -1}, nil
	case KindRefundReverse:
		return Mutation{Type: DirectAdjustSettled, Pending: BucketRefundPending, Settled: BucketRefunded, Sign: -1}, nil
	}
	return Mutation{}, malformed("kind", fmt.Sprintf("unknown kind %q", kind))
}

func increase(pending Bucket) Mutation {
	return Mutation{Type: IncreasePending, Pending: pending, Settled: noBucket, Sign: +1}
}

func settle(pending, settled Bucket) Mutation {
	return Mutation{Type: SettleFromPending, Pending: pending, Settled: settled, Sign: +1}
}

func drain(pending Bucket) Mutation {
	return Mutation{Type: DrainPending, Pending: pending, Settled: noBucket, Sign: -1}
}
