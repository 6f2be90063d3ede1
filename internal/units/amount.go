// Package units converts display budgets to ledger base units and back.
//
// All scaling goes through shopspring/decimal shifts so the value attached to
// the lock transaction is exactly the value the user typed.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of the ledger's native unit.
const Decimals = 18

// Symbol is the display ticker for the native unit.
const Symbol = "SHM"

var (
	ErrEmptyAmount   = errors.New("amount is required")
	ErrInvalidAmount = errors.New("amount is not a decimal number")
	ErrNonPositive   = errors.New("amount must be greater than zero")
	ErrTooPrecise    = fmt.Errorf("amount has more than %d fractional digits", Decimals)
)

var plainDecimal = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ToBaseUnits parses a display amount such as "500.00" and returns it scaled
// by 10^Decimals. Exponent notation, signs and separators are rejected.
func ToBaseUnits(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, ErrEmptyAmount
	}
	if !plainDecimal.MatchString(amount) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if i := strings.IndexByte(amount, '.'); i >= 0 && len(amount)-i-1 > Decimals {
		return nil, fmt.Errorf("%w: %q", ErrTooPrecise, amount)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !d.IsPositive() {
		return nil, ErrNonPositive
	}

	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q", ErrTooPrecise, amount)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(base *big.Int) decimal.Decimal {
	if base == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(base, -Decimals)
}

// FormatDisplay renders base units with a fixed number of places, truncating
// rather than rounding so a balance is never shown higher than it is.
func FormatDisplay(base *big.Int, places int32) string {
	return FromBaseUnits(base).Truncate(places).StringFixed(places)
}
