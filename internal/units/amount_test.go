package units

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBaseUnitsFixedBudget(t *testing.T) {
	got, err := ToBaseUnits("500.00")
	require.NoError(t, err)

	want, ok := new(big.Int).SetString("500000000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, 0, want.Cmp(got), "got %s", got)
}

func TestToBaseUnitsRoundTrip(t *testing.T) {
	cases := []string{
		"500.00",
		"0.000000000000000001",
		"1",
		"0.1",
		"0.3",
		"12345678901234567890.123456789012345678",
		"50.5",
		"0.999999999999999999",
	}

	for _, tc := range cases {
		t.Run(tc, func(t *testing.T) {
			base, err := ToBaseUnits(tc)
			require.NoError(t, err)

			back := FromBaseUnits(base)
			assert.True(t, back.Equal(decimal.RequireFromString(tc)), "round trip of %s gave %s", tc, back)
		})
	}
}

func TestToBaseUnitsSmallestUnit(t *testing.T) {
	got, err := ToBaseUnits("0.000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Int64())
}

func TestToBaseUnitsRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "  ", ErrEmptyAmount},
		{"letters", "abc", ErrInvalidAmount},
		{"trailing garbage", "12abc", ErrInvalidAmount},
		{"negative", "-5", ErrInvalidAmount},
		{"exponent", "1e3", ErrInvalidAmount},
		{"thousands separator", "1,000", ErrInvalidAmount},
		{"zero", "0.00", ErrNonPositive},
		{"too precise", "0.0000000000000000001", ErrTooPrecise},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToBaseUnits(tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFormatDisplayTruncates(t *testing.T) {
	base, err := ToBaseUnits("12.345678")
	require.NoError(t, err)

	assert.Equal(t, "12.3456", FormatDisplay(base, 4))
	assert.Equal(t, "0.0000", FormatDisplay(nil, 4))
}
