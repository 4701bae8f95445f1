// Package money holds amounts as integer minor units (cents) so totals never
// drift through float rounding. Decimal conversion happens only at the edges:
// JSON, catalog input and the payment provider.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Cents is an amount in minor currency units.
type Cents int64

var ErrOverflow = errors.New("amount out of range")

const scale = 2

// FromDecimal converts a decimal amount, rejecting anything with more than
// two fractional digits.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	if !d.Equal(d.Truncate(scale)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d.String(), scale)
	}
	shifted := d.Shift(scale)
	if shifted.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("amount %s: %w", d.String(), ErrOverflow)
	}
	return Cents(shifted.IntPart()), nil
}

// Parse reads a decimal string such as "20.00" or "7.5".
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -scale)
}

// String renders the amount with exactly two decimals, the format payment
// providers expect.
func (c Cents) String() string {
	return c.Decimal().StringFixed(scale)
}

// Mul returns c × qty for non-negative operands, failing instead of wrapping.
func (c Cents) Mul(qty int) (Cents, error) {
	if c < 0 || qty < 0 {
		return 0, fmt.Errorf("%s × %d: negative operand", c, qty)
	}
	if qty != 0 && int64(c) > math.MaxInt64/int64(qty) {
		return 0, fmt.Errorf("%s × %d: %w", c, qty, ErrOverflow)
	}
	return c * Cents(qty), nil
}

// Add returns c + o for non-negative operands, failing instead of wrapping.
func (c Cents) Add(o Cents) (Cents, error) {
	if c < 0 || o < 0 {
		return 0, fmt.Errorf("%s + %s: negative operand", c, o)
	}
	if int64(c) > math.MaxInt64-int64(o) {
		return 0, fmt.Errorf("%s + %s: %w", c, o, ErrOverflow)
	}
	return c + o, nil
}

func (c Cents) IsPositive() bool {
	return c > 0
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON accepts both the string form and a bare JSON number.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid amount %s", string(data))
		}
		s = n.String()
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
