package x402

import (
	"fmt"
	"math/big"
	"strings"
)

var pow10 = func() []*big.Int {
	p := make([]*big.Int, 19)
	p[0] = big.NewInt(1)
	for i := 1; i < len(p); i++ {
		p[i] = new(big.Int).Mul(p[i-1], big.NewInt(10))
	}
	return p
}()

// ParsePrice converts a human-entered USD price such as "$0.01" or "1.50"
// into a smallest-unit decimal string for a token with the given number of
// decimals. All arithmetic is integer; fractional digits beyond the token's
// precision are rejected rather than rounded.
func ParsePrice(price string, decimals int) (string, error) {
	if decimals < 0 || decimals >= len(pow10) {
		return "", fmt.Errorf("unsupported decimals: %d", decimals)
	}

	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(price), "$"))
	if s == "" {
		return "", NewPaymentError(ErrCodeMalformedPayload, "price is empty", nil)
	}
	if strings.HasPrefix(s, "-") {
		return "", NewPaymentError(ErrCodeMalformedPayload, "price must not be negative", nil)
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole = s[:i]
		frac = s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return "", NewPaymentError(ErrCodeMalformedPayload,
			fmt.Sprintf("price has more than %d fractional digits", decimals), nil)
	}

	wholeInt, ok := new(big.Int).SetString(whole, 10)
	if !ok || wholeInt.Sign() < 0 {
		return "", NewPaymentError(ErrCodeMalformedPayload, "price is not a valid decimal number", nil)
	}

	fracInt := big.NewInt(0)
	if frac != "" {
		fracInt, ok = new(big.Int).SetString(frac, 10)
		if !ok || fracInt.Sign() < 0 {
			return "", NewPaymentError(ErrCodeMalformedPayload, "price is not a valid decimal number", nil)
		}
		// Scale the fraction up to the full precision, e.g. "5" in "$0.5"
		// with 6 decimals becomes 500000.
		fracInt.Mul(fracInt, pow10[decimals-len(frac)])
	}

	amount := new(big.Int).Mul(wholeInt, pow10[decimals])
	amount.Add(amount, fracInt)
	return amount.String(), nil
}

// FormatUSD renders a smallest-unit token amount as a dollar string with
// two fractional digits, truncating toward zero. Integer math only.
func FormatUSD(amount string, decimals int) (string, error) {
	if decimals < 0 || decimals >= len(pow10) {
		return "", fmt.Errorf("unsupported decimals: %d", decimals)
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("invalid amount: %s", amount)
	}

	whole, rem := new(big.Int).QuoRem(v, pow10[decimals], new(big.Int))

	cents := big.NewInt(0)
	if decimals >= 2 {
		cents.Quo(rem, pow10[decimals-2])
	} else {
		cents.Mul(rem, pow10[2-decimals])
	}
	return fmt.Sprintf("$%s.%02d", whole.String(), cents.Int64()), nil
}
