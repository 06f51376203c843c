package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	data := LedgerTransactionRejectedData{TransactionID: "T1", EventID: "evt_1", Reason: "malformed"}
	e, err := NewEvent(EventLedgerTransactionRejected, AggregateTransaction, "T1", data)
	require.NoError(t, err)

	assert.Len(t, e.ID, 26)
	assert.Equal(t, 1, e.Version)
	assert.False(t, e.OccurredAt.IsZero())

	e.WithCorrelation("corr", "cause").WithSource("ledger")
	assert.Equal(t, "corr", e.CorrelationID)
	assert.Equal(t, "ledger", e.Source)

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var got LedgerTransactionRejectedData
	require.NoError(t, decoded.DecodeData(&got))
	assert.Equal(t, data, got)
}
