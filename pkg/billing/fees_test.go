package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeFee(t *testing.T) {
	tests := []struct {
		amount, pct, fixed string
		want               string
	}{
		{"29.99", "2.9", "0.30", "1.17"},
		{"20.00", "2.9", "0.30", "0.88"},
		{"0", "2.9", "0.30", "0.30"},
		{"100", "0", "0", "0.00"},
		// 0.125 rounds half away from zero
		{"12.50", "1", "0", "0.13"},
	}
	for _, tt := range tests {
		got := ComputeFee(dec(tt.amount), dec(tt.pct), dec(tt.fixed))
		assert.Equal(t, tt.want, got.StringFixed(2), "fee of %s", tt.amount)
	}
}

func TestQuoteFees(t *testing.T) {
	settings := FeeSettings{Percentage: dec("2.9"), Fixed: dec("0.30"), PassToCustomer: true}

	quote, err := QuoteFees(dec("29.99"), settings, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.17", quote.Fee.StringFixed(2))
	assert.Equal(t, "31.16", quote.Total.StringFixed(2))

	off := false
	quote, err = QuoteFees(dec("29.99"), settings, &off)
	require.NoError(t, err)
	assert.True(t, quote.Fee.IsZero())
	assert.Equal(t, "29.99", quote.Total.StringFixed(2))

	on := true
	settings.PassToCustomer = false
	quote, err = QuoteFees(dec("29.99"), settings, &on)
	require.NoError(t, err)
	assert.Equal(t, "31.16", quote.Total.StringFixed(2))

	_, err = QuoteFees(dec("-1"), settings, nil)
	assert.True(t, IsKind(err, KindValidation))
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())

	s := DefaultSettings()
	s.Fees.Percentage = dec("101")
	assert.True(t, IsKind(s.Validate(), KindConfiguration))

	s = DefaultSettings()
	s.Retry.Delay = 0
	assert.Error(t, s.Validate())

	s.Retry.MaxAttempts = 0
	assert.NoError(t, s.Validate())

	s = DefaultSettings()
	s.Concurrency = 0
	assert.Error(t, s.Validate())
}
