package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paymentledger/internal/common/money"
)

func TestValidate(t *testing.T) {
	valid := newEvent("T1", KindChargeSuccess, "10", money.USD, "c_1")
	require.NoError(t, valid.Validate())

	cases := map[string]struct {
		mutate func(*TransactionEvent)
		field  string
	}{
		"empty transaction":  {func(e *TransactionEvent) { e.TransactionID = " " }, "transaction_id"},
		"empty id":           {func(e *TransactionEvent) { e.ID = "" }, "id"},
		"unknown kind":       {func(e *TransactionEvent) { e.Kind = "CHARGE" }, "kind"},
		"missing psp":        {func(e *TransactionEvent) { e.PSPReference = "" }, "psp_reference"},
		"bad currency":       {func(e *TransactionEvent) { e.Amount.Currency = "usd" }, "amount.currency"},
		"negative amount":    {func(e *TransactionEvent) { e.Amount = usd("-0.01") }, "amount"},
		"too many decimals":  {func(e *TransactionEvent) { e.Amount = money.MustParse("1.5", money.JPY) }, "amount"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			err := e.Validate()
			require.ErrorIs(t, err, ErrMalformedEvent)

			var evErr *EventError
			require.True(t, errors.As(err, &evErr))
			assert.Equal(t, tc.field, evErr.Field)
		})
	}
}

func TestPSPReferenceRequirement(t *testing.T) {
	for _, k := range AllKinds() {
		want := k.Status() == StatusSuccess || k.Status() == StatusFailure || k.Status() == StatusReversal
		assert.Equal(t, want, k.RequiresPSPReference(), k)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("charge-back")
	require.NoError(t, err)
	assert.Equal(t, KindChargeBack, k)

	k, err = ParseKind(" refund_success ")
	require.NoError(t, err)
	assert.Equal(t, KindRefundSuccess, k)

	for _, name := range []string{"ChargeBack", "chargeBack", "CHARGE_BACK", "Charge-Back"} {
		k, err = ParseKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, KindChargeBack, k, name)
	}

	k, err = ParseKind("AuthorizationSuccess")
	require.NoError(t, err)
	assert.Equal(t, KindAuthorizationSuccess, k)

	_, err = ParseKind("payout")
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = ParseKind("Charge")
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestParseKindRoundTripsCamelCase(t *testing.T) {
	for _, k := range AllKinds() {
		camel := ""
		for _, word := range strings.Split(strings.ToLower(string(k)), "_") {
			camel += strings.ToUpper(word[:1]) + word[1:]
		}
		got, err := ParseKind(camel)
		require.NoError(t, err, camel)
		assert.Equal(t, k, got, camel)
	}
}

func TestKindOperationAndStatus(t *testing.T) {
	assert.Equal(t, OperationCancel, KindCancelFailure.Operation())
	assert.Equal(t, StatusFailure, KindCancelFailure.Status())
	assert.Equal(t, OperationCharge, KindChargeBack.Operation())
	assert.Equal(t, StatusReversal, KindChargeBack.Status())

	seen := make(map[string]Kind)
	for _, k := range AllKinds() {
		pair := string(k.Operation()) + "/" + string(k.Status())
		prev, dup := seen[pair]
		assert.False(t, dup, "%s and %s share %s", prev, k, pair)
		seen[pair] = k
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := newEvent("T1", KindChargeSuccess, "10", money.USD, "c_1")
	b := a
	b.ID = "another"
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())

	c := a
	c.Amount = usd("10.01")
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())

	d := a
	d.Kind = KindChargeFailure
	assert.NotEqual(t, a.IdempotencyKey(), d.IdempotencyKey())

	e := a
	e.TransactionID = "T2"
	assert.NotEqual(t, a.IdempotencyKey(), e.IdempotencyKey())

	req := newEvent("T1", KindChargeRequest, "10", money.USD, "")
	other := req
	other.ID = "another"
	assert.NotEqual(t, req.IdempotencyKey(), other.IdempotencyKey())
	assert.Len(t, req.IdempotencyKey(), 64)
}

func TestEventJSON(t *testing.T) {
	var e TransactionEvent
	err := json.Unmarshal([]byte(`{
		"id": "evt_1",
		"transaction_id": "T1",
		"kind": "REFUND_REQUEST",
		"amount": {"amount": "20.00", "currency": "EUR"},
		"include_in_calculations": true,
		"observed_at": "2024-03-01T12:00:00Z"
	}`), &e)
	require.NoError(t, err)
	assert.Equal(t, KindRefundRequest, e.Kind)
	assert.True(t, e.Amount.Equal(eur("20")))
	require.NoError(t, e.Validate())
}
