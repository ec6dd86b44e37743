package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeBankersRounding(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.00005", "10"},
		{"10.00015", "10.0002"},
		{"10.00025", "10.0002"},
		{"10.00035", "10.0004"},
		{"-10.00005", "-10"},
		{"40", "40"},
		{"0.12345", "0.1234"},
	}
	for _, tc := range cases {
		d, err := decimal.NewFromString(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, Quantize(d).String(), "input %s", tc.in)
	}
}

func TestParse(t *testing.T) {
	d, err := Parse("100.123456")
	require.NoError(t, err)
	assert.Equal(t, "100.1235", d.String())

	_, err = Parse("not-a-number")
	assert.Error(t, err)
}

func TestIsPositive(t *testing.T) {
	assert.True(t, IsPositive(decimal.NewFromInt(1)))
	assert.False(t, IsPositive(decimal.Zero))
	assert.False(t, IsPositive(decimal.NewFromInt(-1)))
}
