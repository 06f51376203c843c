package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRequiresSameCurrency(t *testing.T) {
	sum, err := MustParse("10.25", USD).Add(MustParse("0.75", USD))
	require.NoError(t, err)
	assert.True(t, sum.Equal(MustParse("11", USD)))

	_, err = MustParse("1", USD).Add(MustParse("1", EUR))
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestAddIsExact(t *testing.T) {
	total := Zero(USD)
	for i := 0; i < 10; i++ {
		var err error
		total, err = total.Add(MustParse("0.1", USD))
		require.NoError(t, err)
	}
	assert.True(t, total.Equal(MustParse("1", USD)), "got %s", total)
}

func TestSubSaturating(t *testing.T) {
	t.Run("within balance", func(t *testing.T) {
		res, short, err := MustParse("100", USD).SubSaturating(MustParse("40", USD))
		require.NoError(t, err)
		assert.True(t, res.Equal(MustParse("60", USD)))
		assert.True(t, short.IsZero())
	})

	t.Run("clamps at zero", func(t *testing.T) {
		res, short, err := MustParse("30", USD).SubSaturating(MustParse("45.50", USD))
		require.NoError(t, err)
		assert.True(t, res.IsZero())
		assert.Equal(t, USD, res.Currency)
		assert.True(t, short.Equal(MustParse("15.5", USD)))
	})

	t.Run("currency mismatch", func(t *testing.T) {
		_, _, err := MustParse("30", USD).SubSaturating(MustParse("1", GBP))
		require.ErrorIs(t, err, ErrCurrencyMismatch)
	})
}

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency Currency
		want     int64
		wantErr  bool
	}{
		{"12.34", USD, 1234, false},
		{"12", USD, 1200, false},
		{"1.005", USD, 0, true},
		{"1500", JPY, 1500, false},
		{"1.5", JPY, 0, true},
		{"1.234", BHD, 1234, false},
	}
	for _, tc := range cases {
		got, err := MustParse(tc.amount, tc.currency).ToMinorUnits()
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrPrecision, tc.amount)
			continue
		}
		require.NoError(t, err, tc.amount)
		assert.Equal(t, tc.want, got, tc.amount)
	}
}

func TestNewFromMinor(t *testing.T) {
	assert.Equal(t, "12.34", NewFromMinor(1234, USD).Canonical())
	assert.Equal(t, "1234", NewFromMinor(1234, JPY).Canonical())
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(MustParse("7.5", USD))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"7.50","currency":"USD"}`, string(data))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":19.99,"currency":"EUR"}`), &m))
	assert.True(t, m.Equal(New(decimal.RequireFromString("19.99"), EUR)))
}

func TestRegisterAndParseCurrency(t *testing.T) {
	require.NoError(t, Register(CurrencyInfo{Code: "TND", MinorUnits: 3}))
	assert.Equal(t, int32(3), Lookup("TND").MinorUnits)
	assert.Equal(t, DefaultMinorUnits, Lookup("XXY").MinorUnits)

	c, err := ParseCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, USD, c)

	_, err = ParseCurrency("US")
	assert.Error(t, err)
	assert.Error(t, Register(CurrencyInfo{Code: "usd"}))
}
