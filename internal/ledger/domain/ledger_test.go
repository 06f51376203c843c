package domain

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paymentledger/internal/common/money"
)

var eventSeq atomic.Int64

func newEvent(txID string, kind Kind, amount string, currency money.Currency, psp string) TransactionEvent {
	return TransactionEvent{
		ID:                    fmt.Sprintf("evt_%d", eventSeq.Add(1)),
		TransactionID:         txID,
		Kind:                  kind,
		Amount:                money.MustParse(amount, currency),
		PSPReference:          psp,
		IncludeInCalculations: true,
		ObservedAt:            time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func mustApply(t *testing.T, l *TransactionLedger, e TransactionEvent) ApplyResult {
	t.Helper()
	res, err := l.ApplyEvent(e)
	require.NoError(t, err)
	return res
}

func snapshotJSON(t *testing.T, s Snapshot) string {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return string(data)
}

func usd(s string) money.Money { return money.MustParse(s, money.USD) }
func eur(s string) money.Money { return money.MustParse(s, money.EUR) }

func TestAuthorizationRequestThenSuccess(t *testing.T) {
	l := NewTransactionLedger("T1")

	res := mustApply(t, l, newEvent("T1", KindAuthorizationRequest, "100", money.USD, ""))
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, res.Snapshot.AuthorizePending.Equal(usd("100")))
	assert.True(t, res.Snapshot.Authorized.IsZero())
	assert.Equal(t, int64(1), res.Snapshot.Version)

	success := newEvent("T1", KindAuthorizationSuccess, "100", money.USD, "ps_1")
	res = mustApply(t, l, success)
	assert.True(t, res.Snapshot.AuthorizePending.IsZero())
	assert.True(t, res.Snapshot.Authorized.Equal(usd("100")))
	assert.Equal(t, int64(2), res.Snapshot.Version)
	assert.Empty(t, res.Anomalies)

	before := snapshotJSON(t, l.Snapshot())
	res = mustApply(t, l, success)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Nil(t, res.Entry)
	assert.Equal(t, before, snapshotJSON(t, res.Snapshot))
	assert.Equal(t, int64(2), l.Version())
	assert.Len(t, l.Entries(), 2)
}

func TestChargeThenRefund(t *testing.T) {
	l := NewTransactionLedger("T2")

	mustApply(t, l, newEvent("T2", KindChargeSuccess, "50", money.EUR, "c_1"))
	mustApply(t, l, newEvent("T2", KindRefundRequest, "20", money.EUR, ""))
	res := mustApply(t, l, newEvent("T2", KindRefundSuccess, "20", money.EUR, "r_1"))

	s := res.Snapshot
	assert.Equal(t, money.EUR, s.Currency)
	assert.True(t, s.Charged.Equal(eur("50")))
	assert.True(t, s.RefundPending.IsZero())
	assert.True(t, s.Refunded.Equal(eur("20")))
	assert.True(t, s.IsSettled())
}

func TestChargeRequestThenFailure(t *testing.T) {
	l := NewTransactionLedger("T3")

	mustApply(t, l, newEvent("T3", KindChargeRequest, "42.10", money.USD, ""))
	res := mustApply(t, l, newEvent("T3", KindChargeFailure, "42.10", money.USD, "ch_9"))

	assert.True(t, res.Snapshot.ChargePending.IsZero())
	assert.True(t, res.Snapshot.Charged.IsZero())
	assert.Empty(t, res.Anomalies)
}

func TestExcessSettlement(t *testing.T) {
	t.Run("no prior request", func(t *testing.T) {
		l := NewTransactionLedger("T4")
		res := mustApply(t, l, newEvent("T4", KindChargeSuccess, "30", money.USD, "c_1"))

		assert.True(t, res.Snapshot.Charged.Equal(usd("30")))
		assert.True(t, res.Snapshot.ChargePending.IsZero())
		require.Len(t, res.Anomalies, 1)
		assert.Equal(t, AnomalyExcessSettlement, res.Anomalies[0].Type)
		assert.Equal(t, "charge_pending", res.Anomalies[0].Bucket)
		assert.True(t, res.Anomalies[0].Amount.Equal(usd("30")))
	})

	t.Run("partial request", func(t *testing.T) {
		l := NewTransactionLedger("T5")
		mustApply(t, l, newEvent("T5", KindChargeRequest, "10", money.USD, ""))
		res := mustApply(t, l, newEvent("T5", KindChargeSuccess, "12.50", money.USD, "c_1"))

		assert.True(t, res.Snapshot.Charged.Equal(usd("12.50")))
		assert.True(t, res.Snapshot.ChargePending.IsZero())
		require.Len(t, res.Anomalies, 1)
		assert.True(t, res.Anomalies[0].Amount.Equal(usd("2.50")))
	})

	t.Run("settles less than pending", func(t *testing.T) {
		l := NewTransactionLedger("T6")
		mustApply(t, l, newEvent("T6", KindAuthorizationRequest, "100", money.USD, ""))
		res := mustApply(t, l, newEvent("T6", KindAuthorizationSuccess, "60", money.USD, "a_1"))

		assert.True(t, res.Snapshot.Authorized.Equal(usd("60")))
		assert.True(t, res.Snapshot.AuthorizePending.Equal(usd("40")))
		assert.False(t, res.Snapshot.IsSettled())
	})
}

func TestFailureDrainsToZero(t *testing.T) {
	l := NewTransactionLedger("T7")
	mustApply(t, l, newEvent("T7", KindCancelRequest, "5", money.USD, ""))
	res := mustApply(t, l, newEvent("T7", KindCancelFailure, "8", money.USD, "x_1"))

	assert.True(t, res.Snapshot.CancelPending.IsZero())
	assert.True(t, res.Snapshot.Canceled.IsZero())
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, AnomalyUnderflow, res.Anomalies[0].Type)
	assert.True(t, res.Anomalies[0].Amount.Equal(usd("3")))
}

func TestDirectAdjustments(t *testing.T) {
	t.Run("authorization adjustment", func(t *testing.T) {
		l := NewTransactionLedger("A1")
		mustApply(t, l, newEvent("A1", KindAuthorizationSuccess, "100", money.USD, "a_1"))
		res := mustApply(t, l, newEvent("A1", KindAuthorizationAdjustment, "15", money.USD, ""))
		assert.True(t, res.Snapshot.Authorized.Equal(usd("115")))
	})

	t.Run("chargeback saturates", func(t *testing.T) {
		l := NewTransactionLedger("A2")
		mustApply(t, l, newEvent("A2", KindChargeSuccess, "40", money.USD, "c_1"))
		res := mustApply(t, l, newEvent("A2", KindChargeBack, "25", money.USD, "cb_1"))
		assert.True(t, res.Snapshot.Charged.Equal(usd("15")))
		assert.Empty(t, res.Anomalies)

		res = mustApply(t, l, newEvent("A2", KindChargeBack, "20", money.USD, "cb_2"))
		assert.True(t, res.Snapshot.Charged.IsZero())
		require.Len(t, res.Anomalies, 1)
		assert.Equal(t, "charged", res.Anomalies[0].Bucket)
		assert.True(t, res.Anomalies[0].Amount.Equal(usd("5")))
	})

	t.Run("refund reverse after settlement", func(t *testing.T) {
		l := NewTransactionLedger("A3")
		mustApply(t, l, newEvent("A3", KindRefundSuccess, "20", money.USD, "r_1"))
		mustApply(t, l, newEvent("A3", KindRefundRequest, "10", money.USD, ""))
		res := mustApply(t, l, newEvent("A3", KindRefundReverse, "20", money.USD, "r_1"))
		assert.True(t, res.Snapshot.Refunded.IsZero())
		assert.True(t, res.Snapshot.RefundPending.Equal(usd("10")))
	})

	t.Run("refund reverse before settlement", func(t *testing.T) {
		l := NewTransactionLedger("A4")
		mustApply(t, l, newEvent("A4", KindRefundRequest, "20", money.USD, ""))
		res := mustApply(t, l, newEvent("A4", KindRefundReverse, "20", money.USD, "r_1"))
		assert.True(t, res.Snapshot.Refunded.IsZero())
		assert.True(t, res.Snapshot.RefundPending.IsZero())
		assert.Empty(t, res.Anomalies)
	})

	t.Run("refund reverse with nothing to reverse", func(t *testing.T) {
		l := NewTransactionLedger("A5")
		res := mustApply(t, l, newEvent("A5", KindRefundReverse, "3", money.USD, "r_1"))
		assert.True(t, res.Snapshot.Refunded.IsZero())
		require.Len(t, res.Anomalies, 1)
		assert.Equal(t, "refund_pending", res.Anomalies[0].Bucket)
	})
}

func TestCurrencyIsFixedByFirstMutation(t *testing.T) {
	l := NewTransactionLedger("C1")
	assert.Empty(t, l.Currency())

	mustApply(t, l, newEvent("C1", KindChargeRequest, "10", money.USD, ""))
	assert.Equal(t, money.USD, l.Currency())

	before := snapshotJSON(t, l.Snapshot())
	entries := len(l.Entries())

	_, err := l.ApplyEvent(newEvent("C1", KindChargeSuccess, "10", money.EUR, "c_1"))
	require.ErrorIs(t, err, ErrCurrencyMismatch)
	assert.Equal(t, before, snapshotJSON(t, l.Snapshot()))
	assert.Len(t, l.Entries(), entries)
}

func TestAuditOnlyEvents(t *testing.T) {
	l := NewTransactionLedger("U1")
	e := newEvent("U1", KindChargeRequest, "10", money.USD, "")
	e.IncludeInCalculations = false

	res := mustApply(t, l, e)
	assert.Equal(t, OutcomeRecorded, res.Outcome)
	assert.Equal(t, int64(0), res.Snapshot.Version)
	assert.True(t, res.Snapshot.ChargePending.IsZero())
	require.NotNil(t, res.Entry)
	assert.False(t, res.Entry.Applied)

	// recorded twice, never deduplicated
	mustApply(t, l, e)
	assert.Len(t, l.Entries(), 2)
	assert.False(t, l.HasApplied(e.IdempotencyKey()))

	// does not fix the currency
	mustApply(t, l, newEvent("U1", KindChargeRequest, "1", money.EUR, ""))
	assert.Equal(t, money.EUR, l.Currency())
}

func TestMalformedEventsLeaveNoTrace(t *testing.T) {
	l := NewTransactionLedger("M1")
	mustApply(t, l, newEvent("M1", KindChargeRequest, "10", money.USD, ""))
	before := snapshotJSON(t, l.Snapshot())

	bad := []TransactionEvent{
		newEvent("M1", KindChargeSuccess, "10", money.USD, ""),
		newEvent("M1", KindChargeRequest, "-1", money.USD, ""),
		newEvent("M1", KindChargeRequest, "1.001", money.USD, ""),
		newEvent("M1", Kind("CHARGE_MAYBE"), "1", money.USD, ""),
		newEvent("OTHER", KindChargeRequest, "1", money.USD, ""),
	}
	for _, e := range bad {
		_, err := l.ApplyEvent(e)
		require.ErrorIs(t, err, ErrMalformedEvent, "%+v", e)
	}
	assert.Equal(t, before, snapshotJSON(t, l.Snapshot()))
	assert.Len(t, l.Entries(), 1)
}

func TestIdempotencyAcrossCallerIDs(t *testing.T) {
	l := NewTransactionLedger("I1")
	first := newEvent("I1", KindChargeSuccess, "10", money.USD, "c_1")
	redelivered := first
	redelivered.ID = "evt_other"
	// 10 and 10.00 fingerprint identically
	redelivered.Amount = usd("10.00")

	mustApply(t, l, first)
	res := mustApply(t, l, redelivered)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.True(t, res.Snapshot.Charged.Equal(usd("10")))

	// pure requests are keyed by the caller's id
	req := newEvent("I1", KindRefundRequest, "1", money.USD, "")
	mustApply(t, l, req)
	assert.Equal(t, OutcomeDuplicate, mustApply(t, l, req).Outcome)
	req.ID = "evt_new"
	assert.Equal(t, OutcomeApplied, mustApply(t, l, req).Outcome)
}

func TestEveryKindIsIdempotent(t *testing.T) {
	for _, k := range AllKinds() {
		t.Run(string(k), func(t *testing.T) {
			l := NewTransactionLedger("D1")
			for i, req := range []Kind{KindAuthorizationRequest, KindChargeRequest, KindCancelRequest, KindRefundRequest} {
				mustApply(t, l, newEvent("D1", req, fmt.Sprintf("%d", 20+i), money.USD, ""))
			}
			mustApply(t, l, newEvent("D1", KindChargeSuccess, "15", money.USD, "seed_c"))
			mustApply(t, l, newEvent("D1", KindRefundSuccess, "5", money.USD, "seed_r"))

			psp := ""
			if k.RequiresPSPReference() {
				psp = "psp_dup"
			}
			e := newEvent("D1", k, "4", money.USD, psp)

			first := mustApply(t, l, e)
			require.Equal(t, OutcomeApplied, first.Outcome)
			once := snapshotJSON(t, l.Snapshot())
			entries := len(l.Entries())

			again := mustApply(t, l, e)
			assert.Equal(t, OutcomeDuplicate, again.Outcome)
			assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey)
			assert.Equal(t, once, snapshotJSON(t, l.Snapshot()))
			assert.Equal(t, first.Snapshot.Version, l.Version())
			assert.Len(t, l.Entries(), entries)
		})
	}
}

func TestNonNegativityOverAllKinds(t *testing.T) {
	l := NewTransactionLedger("N1")
	amounts := []string{"7", "3.5", "12", "0.01", "100"}
	i := 0
	for round := 0; round < 3; round++ {
		for _, k := range AllKinds() {
			psp := ""
			if k.RequiresPSPReference() {
				psp = fmt.Sprintf("psp_%d", i)
			}
			res := mustApply(t, l, newEvent("N1", k, amounts[i%len(amounts)], money.USD, psp))
			for _, b := range Buckets() {
				assert.False(t, res.Snapshot.Bucket(b).IsNegative(), "%s after %s", b, k)
			}
			i++
		}
	}
	assert.Equal(t, int64(3*len(AllKinds())), l.Version())
}

func TestCheckpointRollback(t *testing.T) {
	l := NewTransactionLedger("R1")
	mustApply(t, l, newEvent("R1", KindChargeRequest, "10", money.USD, ""))
	cp := l.Checkpoint()
	before := snapshotJSON(t, l.Snapshot())

	success := newEvent("R1", KindChargeSuccess, "10", money.USD, "c_1")
	mustApply(t, l, success)
	audit := newEvent("R1", KindChargeRequest, "1", money.USD, "")
	audit.IncludeInCalculations = false
	mustApply(t, l, audit)

	change := l.ChangeSince(cp)
	assert.Equal(t, int64(1), change.PreviousVersion)
	assert.Equal(t, int64(2), change.Snapshot.Version)
	assert.Len(t, change.Entries, 2)
	assert.False(t, change.Empty())

	l.Rollback(cp)
	assert.Equal(t, before, snapshotJSON(t, l.Snapshot()))
	assert.Len(t, l.Entries(), 1)
	assert.False(t, l.HasApplied(success.IdempotencyKey()))
	assert.True(t, l.ChangeSince(l.Checkpoint()).Empty())

	// the rolled back event applies again
	assert.Equal(t, OutcomeApplied, mustApply(t, l, success).Outcome)
}

func TestRehydrate(t *testing.T) {
	src := NewTransactionLedger("H1")
	success := newEvent("H1", KindChargeSuccess, "10", money.GBP, "c_1")
	mustApply(t, src, newEvent("H1", KindChargeRequest, "10", money.GBP, ""))
	mustApply(t, src, success)

	l, err := Rehydrate(LedgerState{Snapshot: src.Snapshot(), Entries: src.Entries()})
	require.NoError(t, err)
	assert.True(t, l.Synced())
	assert.True(t, l.Snapshot().Equal(src.Snapshot()))
	assert.Equal(t, OutcomeDuplicate, mustApply(t, l, success).Outcome)

	_, err = l.ApplyEvent(newEvent("H1", KindRefundRequest, "1", money.USD, ""))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	l.Invalidate()
	assert.False(t, l.Synced())
	assert.Error(t, l.Restore(LedgerState{Snapshot: EmptySnapshot("OTHER")}))
}
