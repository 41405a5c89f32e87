// Package money provides the fixed-scale monetary type used throughout the
// patronage ledger.
//
// An Amount is a USD value with exactly two decimal places. It never passes
// through a binary float: products and ratios are computed with
// arbitrary-precision decimals and rounded back to the cent. Every operation that
// can produce a fractional cent rounds half away from zero to the cent, so
// 0.005 becomes 0.01 and -0.005 becomes -0.01.
//
// Amounts serialize to and from the canonical string form "1234.56" in JSON,
// YAML, text and SQL.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by every Amount.
const Scale = 2

// ShareDigits is the precision used for dimensionless ratios such as
// member shares.
const ShareDigits = 18

// MaxMagnitude is the largest absolute value an Amount may hold.
const MaxMagnitude = "999999999999999.99"

var (
	// ErrOverflow is returned when a result exceeds MaxMagnitude.
	ErrOverflow = errors.New("money: overflow")

	// ErrDivisionByZero is returned when a denominator is zero.
	ErrDivisionByZero = errors.New("money: division by zero")

	// ErrInvalidAmount is returned for malformed amount strings.
	ErrInvalidAmount = errors.New("money: invalid amount")
)

var ceiling = decimal.RequireFromString(MaxMagnitude)

const maxCents = 99999999999999999

// Amount is a monetary value fixed at two decimal places, held as an integer
// number of cents. Intermediate products and ratios are computed in arbitrary
// precision and rounded back to the cent. The zero value is 0.00 and Amounts
// are comparable with ==.
type Amount struct {
	cents int64
}

// Zero is 0.00.
var Zero = Amount{}

// FromCents builds an Amount from an integer number of cents.
func FromCents(cents int64) Amount {
	return Amount{cents: cents}
}

// FromDecimal rounds d to the cent and checks it against MaxMagnitude.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	r := d.Round(Scale)
	if r.Abs().GreaterThan(ceiling) {
		return Amount{}, fmt.Errorf("%w: %s exceeds %s", ErrOverflow, r.String(), MaxMagnitude)
	}
	return Amount{cents: r.Shift(Scale).IntPart()}, nil
}

// Parse reads the canonical string form. At most two fractional digits are
// accepted; exponents, thousands separators and surrounding spaces are not.
func Parse(s string) (Amount, error) {
	if !wellFormed(s) {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return FromDecimal(d)
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// wellFormed accepts -?digits(.digits{1,2})?
func wellFormed(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	intPart, frac, hasDot := strings.Cut(s, ".")
	if intPart == "" || !allDigits(intPart) {
		return false
	}
	if !hasDot {
		return true
	}
	return len(frac) >= 1 && len(frac) <= Scale && allDigits(frac)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func checkedCents(c int64) (Amount, error) {
	if c > maxCents || c < -maxCents {
		return Amount{}, fmt.Errorf("%w: %s exceeds %s", ErrOverflow, Amount{cents: c}.String(), MaxMagnitude)
	}
	return Amount{cents: c}, nil
}

// Add returns a+b. Both operands are within MaxMagnitude, so the int64 sum
// cannot wrap before the ceiling check.
func (a Amount) Add(b Amount) (Amount, error) {
	return checkedCents(a.cents + b.cents)
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) (Amount, error) {
	return checkedCents(a.cents - b.cents)
}

// Mul multiplies by a dimensionless weight and rounds to the cent.
func (a Amount) Mul(w decimal.Decimal) (Amount, error) {
	return FromDecimal(a.Decimal().Mul(w))
}

// MulCeil multiplies by a dimensionless weight and rounds up to the next cent.
// Used where a result must not fall below a floor after rounding.
func (a Amount) MulCeil(w decimal.Decimal) (Amount, error) {
	return FromDecimal(a.Decimal().Mul(w).RoundCeil(Scale))
}

// Div divides by a dimensionless divisor and rounds to the cent.
func (a Amount) Div(n decimal.Decimal) (Amount, error) {
	if n.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	return FromDecimal(a.Decimal().DivRound(n, ShareDigits))
}

// Ratio returns a/b as a dimensionless decimal with ShareDigits precision.
func (a Amount) Ratio(b Amount) (decimal.Decimal, error) {
	if b.cents == 0 {
		return decimal.Zero, ErrDivisionByZero
	}
	return decimal.NewFromInt(a.cents).DivRound(decimal.NewFromInt(b.cents), ShareDigits), nil
}

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{cents: -a.cents} }

// Abs returns |a|.
func (a Amount) Abs() Amount {
	if a.cents < 0 {
		return Amount{cents: -a.cents}
	}
	return a
}

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.cents < b.cents:
		return -1
	case a.cents > b.cents:
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b hold the same value.
func (a Amount) Equal(b Amount) bool { return a.cents == b.cents }

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.cents < b.cents }

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.cents > b.cents }

// IsZero reports a == 0.
func (a Amount) IsZero() bool { return a.cents == 0 }

// IsPositive reports a > 0.
func (a Amount) IsPositive() bool { return a.cents > 0 }

// IsNegative reports a < 0.
func (a Amount) IsNegative() bool { return a.cents < 0 }

// Sign returns -1, 0 or +1.
func (a Amount) Sign() int { return a.Cmp(Zero) }

// Cents returns the value as an integer number of cents.
func (a Amount) Cents() int64 { return a.cents }

// Decimal returns the value as an exact decimal for ratio arithmetic.
func (a Amount) Decimal() decimal.Decimal { return decimal.New(a.cents, -Scale) }

// String returns the canonical form, e.g. "1234.56", "-0.50", "0.00".
func (a Amount) String() string { return a.Decimal().StringFixed(Scale) }

// Sum adds all values, failing on the first overflow.
func Sum(values ...Amount) (Amount, error) {
	total := Zero
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalJSON encodes the amount as a JSON string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts only JSON strings. Bare JSON numbers are rejected so
// that no value ever passes through a binary float.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("%w: amounts must be JSON strings, got %s", ErrInvalidAmount, s)
	}
	return a.UnmarshalText([]byte(s[1 : len(s)-1]))
}

// Value implements driver.Valuer. Amounts are stored as TEXT/NUMERIC.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return a.scanString(v)
	case []byte:
		return a.scanString(string(v))
	case int64:
		return a.scanString(fmt.Sprintf("%d", v))
	case nil:
		*a = Zero
		return nil
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidAmount, src)
	}
}

// scanString tolerates database NUMERIC renderings with extra trailing zeros.
func (a *Amount) scanString(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
