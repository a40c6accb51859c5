// Package decimal implements a fixed-scale decimal type for prices,
// quantities and notionals, backed by an int64 of minor units.
//
// Design Notes (spec §9, "Decimals"): floating point is permitted only for
// ratios and EWMA smoothers; every price/qty/notional in this module flows
// through Decimal instead.
package decimal

import (
	"fmt"
	"math"
	"strconv"
)

// Decimal is a fixed-point number: value = units / 10^scale.
type Decimal struct {
	units int64
	scale uint8
}

// Zero returns a zero Decimal at the given scale.
func Zero(scale uint8) Decimal {
	return Decimal{units: 0, scale: scale}
}

// New constructs a Decimal from raw minor units at the given scale.
func New(units int64, scale uint8) Decimal {
	return Decimal{units: units, scale: scale}
}

// FromFloat builds a Decimal at the given scale, rounding half away from zero.
func FromFloat(f float64, scale uint8) Decimal {
	mul := math.Pow10(int(scale))
	scaled := f * mul
	if scaled >= 0 {
		return Decimal{units: int64(scaled + 0.5), scale: scale}
	}
	return Decimal{units: int64(scaled - 0.5), scale: scale}
}

// ParseString parses a decimal string ("0.24001") at the given scale.
func ParseString(s string, scale uint8) (Decimal, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Decimal{}, fmt.Errorf("decimal: parse %q: %w", s, err)
	}
	return FromFloat(f, scale), nil
}

// Scale returns the decimal's scale (number of fractional digits).
func (d Decimal) Scale() uint8 { return d.scale }

// Units returns the raw minor-unit integer.
func (d Decimal) Units() int64 { return d.units }

// Float64 converts to a float64 — for ratios/EWMA/logging only, never for
// balance or order-size arithmetic.
func (d Decimal) Float64() float64 {
	return float64(d.units) / math.Pow10(int(d.scale))
}

func (d Decimal) rescale(scale uint8) Decimal {
	if d.scale == scale {
		return d
	}
	if scale > d.scale {
		mul := int64(math.Pow10(int(scale - d.scale)))
		return Decimal{units: d.units * mul, scale: scale}
	}
	div := int64(math.Pow10(int(d.scale - scale)))
	return Decimal{units: d.units / div, scale: scale}
}

func commonScale(a, b Decimal) uint8 {
	if a.scale > b.scale {
		return a.scale
	}
	return b.scale
}

// Add returns a+b at the larger of the two scales.
func (d Decimal) Add(o Decimal) Decimal {
	s := commonScale(d, o)
	a, b := d.rescale(s), o.rescale(s)
	return Decimal{units: a.units + b.units, scale: s}
}

// Sub returns a-b at the larger of the two scales.
func (d Decimal) Sub(o Decimal) Decimal {
	s := commonScale(d, o)
	a, b := d.rescale(s), o.rescale(s)
	return Decimal{units: a.units - b.units, scale: s}
}

// Mul multiplies two decimals, result scale is the sum of input scales.
func (d Decimal) Mul(o Decimal) Decimal {
	return Decimal{units: d.units * o.units, scale: d.scale + o.scale}
}

// MulFloat multiplies by a plain ratio (EWMA/skew factors), keeping scale.
func (d Decimal) MulFloat(f float64) Decimal {
	return FromFloat(d.Float64()*f, d.scale)
}

// Neg returns -d.
func (d Decimal) Neg() Decimal { return Decimal{units: -d.units, scale: d.scale} }

// Abs returns |d|.
func (d Decimal) Abs() Decimal {
	if d.units < 0 {
		return d.Neg()
	}
	return d
}

// Cmp returns -1, 0, or 1 comparing d to o after rescaling to the larger scale.
func (d Decimal) Cmp(o Decimal) int {
	s := commonScale(d, o)
	a, b := d.rescale(s), o.rescale(s)
	switch {
	case a.units < b.units:
		return -1
	case a.units > b.units:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether d is exactly zero.
func (d Decimal) IsZero() bool { return d.units == 0 }

// IsNeg reports whether d is strictly negative.
func (d Decimal) IsNeg() bool { return d.units < 0 }

// GT, LT, GTE, LTE are Cmp convenience wrappers.
func (d Decimal) GT(o Decimal) bool  { return d.Cmp(o) > 0 }
func (d Decimal) LT(o Decimal) bool  { return d.Cmp(o) < 0 }
func (d Decimal) GTE(o Decimal) bool { return d.Cmp(o) >= 0 }
func (d Decimal) LTE(o Decimal) bool { return d.Cmp(o) <= 0 }

// Max returns the greater of d and o.
func Max(d, o Decimal) Decimal {
	if d.GTE(o) {
		return d
	}
	return o
}

// Min returns the lesser of d and o.
func Min(d, o Decimal) Decimal {
	if d.LTE(o) {
		return d
	}
	return o
}

// RoundDownToStep rounds d down to the nearest multiple of step (floor).
func (d Decimal) RoundDownToStep(step Decimal) Decimal {
	s := commonScale(d, step)
	a, b := d.rescale(s), step.rescale(s)
	if b.units == 0 {
		return a
	}
	q := a.units / b.units
	if a.units < 0 && a.units%b.units != 0 {
		q--
	}
	return Decimal{units: q * b.units, scale: s}
}

// RoundUpToStep rounds d up to the nearest multiple of step (ceil).
func (d Decimal) RoundUpToStep(step Decimal) Decimal {
	s := commonScale(d, step)
	a, b := d.rescale(s), step.rescale(s)
	if b.units == 0 {
		return a
	}
	q := a.units / b.units
	if a.units%b.units != 0 && a.units > 0 {
		q++
	}
	return Decimal{units: q * b.units, scale: s}
}

// String renders the decimal with its fixed number of fractional digits.
func (d Decimal) String() string {
	return strconv.FormatFloat(d.Float64(), 'f', int(d.scale), 64)
}

// MarshalJSON encodes as a JSON string to avoid float round-trip loss.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

// UnmarshalJSON decodes from a JSON string or number.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decimal: unmarshal %q: %w", s, err)
	}
	scale := d.scale
	if scale == 0 {
		scale = 8
	}
	*d = FromFloat(f, scale)
	return nil
}
