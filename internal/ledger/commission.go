package ledger

import (
	"fmt"
	"math/bits"
	"strings"
)

// PremiumMode selects how the premium discount is applied to the base commission.
type PremiumMode string

const (
	// PremiumLegacy computes (base/100)*75. The extra truncating division zeroes
	// the premium commission for amounts below 10000 base units.
	PremiumLegacy PremiumMode = "legacy"
	// PremiumProportional computes base*75/100, a 25% discount off the base rate.
	PremiumProportional PremiumMode = "proportional"
)

// ParsePremiumMode accepts "legacy" and "proportional"; empty means legacy.
func ParsePremiumMode(s string) (PremiumMode, error) {
	switch PremiumMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", PremiumLegacy:
		return PremiumLegacy, nil
	case PremiumProportional:
		return PremiumProportional, nil
	default:
		return "", fmt.Errorf("unknown premium commission mode %q", s)
	}
}

// Calculator computes platform commission with integer-exact semantics.
type Calculator struct {
	Rate uint64 // percent of the settled amount
	Mode PremiumMode
}

// Compute returns the commission charged on amount. The result never exceeds
// amount as long as Rate <= 100.
func (c Calculator) Compute(amount uint64, premium bool) uint64 {
	base := mulDiv(amount, c.Rate, 100)
	if !premium {
		return base
	}
	if c.Mode == PremiumProportional {
		return mulDiv(base, 75, 100)
	}
	return (base / 100) * 75
}

// mulDiv returns floor(a*b/d) using a 128-bit intermediate product.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		// quotient does not fit in 64 bits; unreachable while b <= d
		panic("ledger: commission overflow")
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}
