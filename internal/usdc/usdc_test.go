package usdc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 1_000_000, true},
		{"1.5", 1_500_000, true},
		{"1.50", 1_500_000, true},
		{"0.000001", 1, true},
		{"0.0000019", 1, true}, // truncated past 6 decimals
		{"1000", 1_000_000_000, true},
		{"-1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		assert.Equal(t, tt.ok, ok, "Parse(%q) ok", tt.in)
		if tt.ok {
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Int64(), "Parse(%q)", tt.in)
		}
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.000000", Format(nil))
	assert.Equal(t, "0.000000", Format(big.NewInt(0)))
	assert.Equal(t, "1.500000", Format(big.NewInt(1_500_000)))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "-2.250000", Format(big.NewInt(-2_250_000)))
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"0.000000", "1.000000", "123.456789", "0.000001"} {
		parsed, ok := Parse(s)
		require.True(t, ok)
		assert.Equal(t, s, Format(parsed))
	}
}

func TestUnits(t *testing.T) {
	assert.Equal(t, int64(50_000_000), Units(50).Int64())
}
