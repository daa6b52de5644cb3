// Package money implements fixed-point decimal arithmetic for wallet and
// pricing math. Amounts never pass through binary floats.
package money

import (
	"fmt"
	"strings"
)

// Scale is the number of fractional units per whole unit (6 decimal digits).
const Scale = 1_000_000

// Amount is a fixed-point decimal with 6 fractional digits, stored in
// micro-units. The zero value is 0.
type Amount int64

// FromInt converts whole currency units.
func FromInt(v int64) Amount { return Amount(v * Scale) }

// FromCents converts an amount expressed in hundredths of a unit.
func FromCents(c int64) Amount { return Amount(c * (Scale / 100)) }

// FromMicros wraps a raw micro-unit value.
func FromMicros(v int64) Amount { return Amount(v) }

// Parse converts a decimal string such as "12.3456" into an Amount.
// Fractional digits beyond the sixth are discarded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" || s == "." {
		return 0, fmt.Errorf("money: malformed amount")
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 6 {
		fracPart = fracPart[:6]
	}

	var units int64
	for _, r := range intPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("money: invalid character %q in amount", r)
		}
		d := int64(r - '0')
		if units > (1<<62)/10 {
			return 0, fmt.Errorf("money: amount overflows")
		}
		units = units*10 + d
	}

	var frac int64
	for _, r := range fracPart {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("money: invalid character %q in amount", r)
		}
		frac = frac*10 + int64(r-'0')
	}
	for i := len(fracPart); i < 6; i++ {
		frac *= 10
	}

	v := units*Scale + frac
	if neg {
		v = -v
	}
	return Amount(v), nil
}

// MustParse is Parse for compile-time constants in wiring code; it panics
// on malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }

// Mul multiplies two fixed-point amounts, rounding half away from zero.
func (a Amount) Mul(b Amount) Amount {
	return Amount(roundDiv(int64(a)*int64(b), Scale))
}

// Div divides a by b, rounding half away from zero. b must not be zero.
func (a Amount) Div(b Amount) Amount {
	return Amount(roundDiv(int64(a)*Scale, int64(b)))
}

// Ratio returns num/den as an Amount, for currency-rate computation.
func Ratio(num, den Amount) Amount { return num.Div(den) }

// Cents rounds half away from zero to hundredths of a unit.
func (a Amount) Cents() int64 { return roundDiv(int64(a), Scale/100) }

// CentsUp rounds away from zero to hundredths; used when points pricing
// must never lose sub-unit value.
func (a Amount) CentsUp() int64 {
	const step = Scale / 100
	v := int64(a)
	if v >= 0 {
		return (v + step - 1) / step
	}
	return -((-v + step - 1) / step)
}

// CentsDown truncates toward zero to hundredths.
func (a Amount) CentsDown() int64 { return int64(a) / (Scale / 100) }

// Micros exposes the raw fixed-point value for persistence.
func (a Amount) Micros() int64 { return int64(a) }

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsNegative() bool { return a < 0 }
func (a Amount) IsPositive() bool { return a > 0 }

// String renders the amount as a decimal with trailing zeros trimmed.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	units := v / Scale
	frac := v % Scale
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, units)
	}
	s := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, units, s)
}

// roundDiv divides n by d rounding half away from zero.
func roundDiv(n, d int64) int64 {
	if d == 0 {
		return 0
	}
	half := d / 2
	if (n >= 0) == (d >= 0) {
		return (n + half) / d
	}
	return (n - half) / d
}
