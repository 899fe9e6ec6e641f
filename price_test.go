package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		price string
		want  string
	}{
		{"$0.01", "10000"},
		{"0.01", "10000"},
		{"$1", "1000000"},
		{"$1.50", "1500000"},
		{"$0.5", "500000"},
		{"$0.000001", "1"},
		{"$0", "0"},
		{"$12.345678", "12345678"},
		{" $2.00 ", "2000000"},
	}

	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			got, err := ParsePrice(tt.price, TokenDecimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePriceRejectsInvalid(t *testing.T) {
	tests := []string{
		"",
		"$",
		"-1",
		"$-0.01",
		"$0.0000001", // more fractional digits than the token carries
		"abc",
		"$1.2.3",
		"$1,50",
	}

	for _, price := range tests {
		t.Run(price, func(t *testing.T) {
			_, err := ParsePrice(price, TokenDecimals)
			assert.Error(t, err)
		})
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		amount string
		want   string
	}{
		{"10000", "$0.01"},
		{"1000000", "$1.00"},
		{"1500000", "$1.50"},
		{"1", "$0.00"},       // below a cent truncates
		{"1239999", "$1.23"}, // truncation, not rounding
		{"0", "$0.00"},
		{"123456789000000", "$123456789.00"},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := FormatUSD(tt.amount, TokenDecimals)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatUSDRejectsInvalid(t *testing.T) {
	_, err := FormatUSD("-1", TokenDecimals)
	assert.Error(t, err)
	_, err = FormatUSD("abc", TokenDecimals)
	assert.Error(t, err)
}
