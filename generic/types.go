/*
Package generic provides the domain-agnostic building blocks of the engine.

PURPOSE:
  Money arithmetic, human-readable sequential codes, and the error taxonomy
  shared by every package. Nothing here knows about agreements, vehicles or
  payments.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: an exact amount in minor units (cents)
  - Code:  a prefixed, zero-padded sequential identifier (WA-0000001)

DESIGN PRINCIPLES:
  1. Exactness: money is an int64 count of cents. No floats, no epsilon.
  2. Boundary formatting: decimal.Decimal is used only to parse and print.
  3. Type safety: Money cannot be mixed with plain numbers by accident.

USAGE:
  price, err := generic.ParseMoney("50000")
  total, err := generic.MoneyFromDecimal(price.Decimal().Mul(decimal.NewFromInt(2)))
  per := total.CeilDiv(156) // 641.03

SEE ALSO:
  - errors.go: Sentinel and structured errors
  - workandpay/calculator.go: Installment pricing built on Money
*/
package generic

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact amount in minor units
// =============================================================================

// Money is an amount of currency in minor units (cents).
type Money int64

// Zero is the zero amount.
const Zero Money = 0

var errSubCent = errors.New("amount has more than two decimal places")

// ErrAmountOutOfRange is returned for amounts whose cent count does not fit
// in an int64.
var ErrAmountOutOfRange = fmt.Errorf("%w: amount out of range", ErrInvalidInput)

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// MoneyFromDecimal converts a decimal amount to Money, rounding half away
// from zero to the nearest cent.
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	return fromCents(d.Round(2).Shift(2))
}

// ParseMoney parses a decimal string such as "641.03".
// Sub-cent precision is rejected rather than silently rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return moneyFromExactDecimal(d)
}

// MustParseMoney is ParseMoney for constants and tests.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Cents builds Money from a count of minor units.
func Cents(n int64) Money { return Money(n) }

func moneyFromExactDecimal(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Truncate(2)) {
		return 0, errSubCent
	}
	return fromCents(d.Shift(2))
}

func fromCents(c decimal.Decimal) (Money, error) {
	if c.GreaterThan(maxCents) || c.LessThan(minCents) {
		return 0, ErrAmountOutOfRange
	}
	return Money(c.IntPart()), nil
}

func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -2) }
func (m Money) String() string           { return m.Decimal().StringFixed(2) }
func (m Money) Cents() int64             { return int64(m) }
func (m Money) IsZero() bool             { return m == 0 }
func (m Money) IsPositive() bool         { return m > 0 }
func (m Money) IsNegative() bool         { return m < 0 }

// Max returns the larger of m and o.
func (m Money) Max(o Money) Money {
	if m > o {
		return m
	}
	return o
}

// CeilDiv divides m into n equal parts, rounding each part up to the next
// cent so that n parts always cover m.
func (m Money) CeilDiv(n int64) Money {
	if n <= 0 {
		panic("generic: CeilDiv by non-positive count")
	}
	q, r := int64(m)/n, int64(m)%n
	if r > 0 {
		q++
	}
	return Money(q)
}

// MarshalJSON renders Money as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	v, err := moneyFromExactDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Value stores Money as integer cents.
func (m Money) Value() (driver.Value, error) {
	return int64(m), nil
}

// Scan reads integer cents. Decimal text is accepted for columns written by
// other tools.
func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Zero
	case int64:
		*m = Money(v)
	case []byte:
		return m.scanText(string(v))
	case string:
		return m.scanText(v)
	default:
		return fmt.Errorf("cannot scan %T into Money", src)
	}
	return nil
}

func (m *Money) scanText(s string) error {
	v, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// =============================================================================
// CODES - Human-readable sequential identifiers
// =============================================================================

// CodeWidth is the number of digits in a sequential code.
const CodeWidth = 7

// FormatCode renders a sequence number with its prefix: FormatCode("WA", 1)
// is "WA-0000001".
func FormatCode(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%0*d", prefix, CodeWidth, seq)
}
