package x402

import (
	"fmt"
	"math/big"
)

// Price conversion is exact: cents are scaled to the token's base units
// through big.Rat, and any remainder is an error rather than a rounding.

// CentsToBaseUnits converts integer minor-currency units (cents) to token
// base units for a token with the given decimal precision.
// 75 cents at 6 decimals yields 750000.
func CentsToBaseUnits(cents int64, decimals int) (*big.Int, error) {
	if cents < 0 {
		return nil, fmt.Errorf("%w: negative price %d", ErrInvalidAmount, cents)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("%w: negative decimals %d", ErrInvalidAmount, decimals)
	}

	// cents / 100 * 10^decimals
	value := new(big.Rat).SetFrac64(cents, 100)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, fmt.Errorf("%w: %d cents is not representable at %d decimals", ErrInvalidAmount, cents, decimals)
	}
	return new(big.Int).Set(value.Num()), nil
}

// BaseUnitsToDisplay converts token base units back to a major-unit decimal
// string, trimmed to two fractional places when exact ("0.75").
func BaseUnitsToDisplay(units *big.Int, decimals int) string {
	if units == nil {
		return "0"
	}
	rat := new(big.Rat).SetInt(units)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	// Prefer the shortest exact representation with at least two places.
	for places := 2; places <= decimals; places++ {
		s := rat.FloatString(places)
		if exact, _ := new(big.Rat).SetString(s); exact != nil && exact.Cmp(rat) == 0 {
			return s
		}
	}
	return rat.FloatString(decimals)
}

// CentsToDisplay renders cents as a dollar string: 75 -> "$0.75".
func CentsToDisplay(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// ParseBaseUnits parses an atomic-unit decimal string, rejecting anything
// that is not a positive integer.
func ParseBaseUnits(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return v, nil
}
