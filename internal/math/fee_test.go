package math_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fpmath "DepositEngine/internal/math"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeFee(t *testing.T) {
	tests := []struct {
		name    string
		gross   string
		percent string
		prec    int32
		mode    fpmath.RoundingMode
		want    string
	}{
		{"two percent of 102", "102", "2", 2, fpmath.RoundHalfUp, "2.04"},
		{"half up at midpoint", "10.25", "10", 2, fpmath.RoundHalfUp, "1.03"},
		{"half even at midpoint", "10.25", "10", 2, fpmath.RoundHalfEven, "1.02"},
		{"round down", "0.99", "1.5", 2, fpmath.RoundDown, "0.01"},
		{"round up", "0.99", "1.5", 2, fpmath.RoundUp, "0.02"},
		{"zero percent", "55.55", "0", 2, fpmath.RoundHalfUp, "0"},
		{"satoshi precision", "0.12345678", "0.5", 8, fpmath.RoundHalfUp, "0.00061728"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fpmath.ComputeFee(d(tt.gross), d(tt.percent), tt.prec, tt.mode)
			assert.True(t, got.Equal(d(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestComputeNet_NeverNegative(t *testing.T) {
	assert.True(t, fpmath.ComputeNet(d("1"), d("2")).IsZero())
	assert.True(t, fpmath.ComputeNet(d("10"), d("0.2")).Equal(d("9.8")))
}

func TestNetEqualsGrossMinusFee(t *testing.T) {
	percents := []string{"0", "0.1", "1", "2", "2.5", "7.77", "33.3", "99.9"}
	grosses := []string{"0", "0.01", "0.05", "1", "99.99", "102", "12345.67"}

	for _, p := range percents {
		for _, g := range grosses {
			fee := fpmath.ComputeFee(d(g), d(p), 2, fpmath.RoundHalfUp)
			net := fpmath.ComputeNet(d(g), fee)
			assert.False(t, net.IsNegative(), "gross=%s pct=%s", g, p)
			assert.True(t, net.Equal(d(g).Sub(fee)), "gross=%s pct=%s net=%s fee=%s", g, p, net, fee)
		}
	}
}

func TestRequiredGrossCoversTarget(t *testing.T) {
	percents := []string{"0", "0.3", "1", "2", "5", "12.5", "49.99", "90", "99.5"}
	targets := []string{"0.01", "0.04", "1", "1.005", "99.99", "100", "333.33", "1000000"}
	modes := []fpmath.RoundingMode{fpmath.RoundHalfUp, fpmath.RoundHalfEven, fpmath.RoundUp, fpmath.RoundDown}

	for _, buffer := range []int64{0, 1, 5} {
		for _, p := range percents {
			for _, tgt := range targets {
				gross, err := fpmath.ComputeRequiredGross(d(tgt), d(p), 2, buffer)
				require.NoError(t, err)
				for _, mode := range modes {
					fee := fpmath.ComputeFee(gross, d(p), 2, mode)
					net := fpmath.ComputeNet(gross, fee)
					assert.True(t, net.GreaterThanOrEqual(d(tgt)),
						"target=%s pct=%s buffer=%d mode=%s gross=%s net=%s", tgt, p, buffer, mode, gross, net)
				}
			}
		}
	}
}

func TestComputeRequiredGross_ActivationExample(t *testing.T) {
	// 100 / 0.98 = 102.0408..., ceiled to 102.05
	gross, err := fpmath.ComputeRequiredGross(d("100"), d("2"), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "102.05", gross.StringFixed(2))

	gross, err = fpmath.ComputeRequiredGross(d("100"), d("2"), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, "102.06", gross.StringFixed(2))
}

func TestComputeRequiredGross_Errors(t *testing.T) {
	_, err := fpmath.ComputeRequiredGross(d("10"), d("100"), 2, 1)
	assert.ErrorIs(t, err, fpmath.ErrInvalidFeePercent)

	_, err = fpmath.ComputeRequiredGross(d("10"), d("-1"), 2, 1)
	assert.ErrorIs(t, err, fpmath.ErrInvalidFeePercent)

	_, err = fpmath.ComputeRequiredGross(d("-10"), d("2"), 2, 1)
	assert.ErrorIs(t, err, fpmath.ErrNegativeAmount)

	gross, err := fpmath.ComputeRequiredGross(decimal.Zero, d("2"), 2, 1)
	require.NoError(t, err)
	assert.True(t, gross.IsZero())
}

func TestParseRoundingMode(t *testing.T) {
	for _, m := range []fpmath.RoundingMode{fpmath.RoundHalfEven, fpmath.RoundHalfUp, fpmath.RoundDown, fpmath.RoundUp} {
		got, err := fpmath.ParseRoundingMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := fpmath.ParseRoundingMode("sideways")
	assert.Error(t, err)
}

func TestFeeCalculator(t *testing.T) {
	calc := fpmath.NewFeeCalculator(fpmath.DefaultFeeConfig())

	fee, net := calc.Split(d("102"), d("2"), 2)
	assert.Equal(t, "2.04", fee.StringFixed(2))
	assert.Equal(t, "99.96", net.StringFixed(2))
	assert.Equal(t, "0.01", calc.Tolerance(2).StringFixed(2))
	assert.Equal(t, "0.00000001", calc.Tolerance(8).StringFixed(8))
}
