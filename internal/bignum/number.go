// Package bignum provides Number, a non-negative scientific-notation value for
// currencies that grow far past float64 range (1e100 and beyond is routine).
package bignum

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// precisionGap is the exponent distance beyond which the smaller operand of an
// addition or subtraction no longer affects the float64 mantissa.
const precisionGap = 15

// maxExponent bounds the exponent so Mul and Pow cannot overflow int.
const maxExponent = math.MaxInt32

// ErrNegative is returned when parsing a value below zero.
var ErrNegative = errors.New("negative value")

// ErrExponentRange is returned when parsed text has a decimal exponent beyond
// ±math.MaxInt32.
var ErrExponentRange = errors.New("exponent out of range")

// Number is mantissa × 10^exponent with mantissa in [1, 10), or (0, 0) for zero.
// Values are immutable and never negative.
type Number struct {
	m float64
	e int
}

var (
	Zero = Number{}
	One  = Number{m: 1}
	// Max is the saturation value for overflowing arithmetic.
	Max = Number{m: 9.999999999999998, e: maxExponent}
)

// New builds a normalized Number from an arbitrary mantissa and exponent.
// Negative and NaN mantissas yield Zero.
func New(mantissa float64, exponent int) Number {
	return normalize(mantissa, exponent)
}

// FromFloat converts a float64. Non-positive and NaN inputs yield Zero.
func FromFloat(v float64) Number {
	return normalize(v, 0)
}

// FromInt converts an int64.
func FromInt(v int64) Number {
	return normalize(float64(v), 0)
}

// FromLog10 returns 10^l.
func FromLog10(l float64) Number {
	if math.IsNaN(l) || math.IsInf(l, -1) {
		return Zero
	}
	if math.IsInf(l, 1) || l >= maxExponent {
		return Max
	}
	e := math.Floor(l)
	return normalize(math.Pow(10, l-e), int(e))
}

// FromDecimal converts a decimal amount without passing through float64, so
// coin balances above 1e308 survive the conversion.
func FromDecimal(d decimal.Decimal) Number {
	if d.Sign() <= 0 {
		return Zero
	}
	n, err := Parse(d.String())
	if err != nil {
		return Zero
	}
	return n
}

func normalize(m float64, e int) Number {
	if math.IsNaN(m) || m <= 0 {
		return Zero
	}
	if math.IsInf(m, 1) {
		return Max
	}
	shift := int(math.Floor(math.Log10(m)))
	if shift < -300 {
		m *= 1e300
		e -= 300
		shift += 300
	}
	if shift != 0 {
		m /= math.Pow(10, float64(shift))
		e += shift
	}
	// Log10 can land one step off near powers of ten.
	for m >= 10 {
		m /= 10
		e++
	}
	for m < 1 {
		m *= 10
		e--
	}
	if e > maxExponent {
		return Max
	}
	if e < -maxExponent {
		return Zero
	}
	return Number{m: m, e: e}
}

// Mantissa returns the normalized mantissa (0 for zero).
func (n Number) Mantissa() float64 { return n.m }

// Exponent returns the power of ten (0 for zero).
func (n Number) Exponent() int { return n.e }

// IsZero reports whether n is zero.
func (n Number) IsZero() bool { return n.m == 0 }

// Add returns n + o.
func (n Number) Add(o Number) Number {
	if n.IsZero() {
		return o
	}
	if o.IsZero() {
		return n
	}
	hi, lo := n, o
	if lo.e > hi.e {
		hi, lo = lo, hi
	}
	diff := hi.e - lo.e
	if diff > precisionGap {
		return hi
	}
	return normalize(hi.m+lo.m/math.Pow(10, float64(diff)), hi.e)
}

// Sub returns n - o, saturating at Zero.
func (n Number) Sub(o Number) Number {
	if o.IsZero() {
		return n
	}
	if n.Cmp(o) <= 0 {
		return Zero
	}
	diff := n.e - o.e
	if diff > precisionGap {
		return n
	}
	return normalize(n.m-o.m/math.Pow(10, float64(diff)), n.e)
}

// Mul returns n × o.
func (n Number) Mul(o Number) Number {
	if n.IsZero() || o.IsZero() {
		return Zero
	}
	if n.e+o.e > maxExponent {
		return Max
	}
	return normalize(n.m*o.m, n.e+o.e)
}

// Scale returns n × f for a plain float factor. Non-positive factors yield Zero.
func (n Number) Scale(f float64) Number {
	return n.Mul(FromFloat(f))
}

// Pow returns n^k for k >= 0 using logarithms, so large powers do not overflow.
func (n Number) Pow(k int) Number {
	switch {
	case k <= 0:
		return One
	case n.IsZero():
		return Zero
	case k == 1:
		return n
	}
	return FromLog10(float64(k) * n.Log10())
}

// Log10 returns log10(n); -Inf for zero.
func (n Number) Log10() float64 {
	if n.IsZero() {
		return math.Inf(-1)
	}
	return math.Log10(n.m) + float64(n.e)
}

// Cmp returns -1, 0 or +1 comparing n with o.
func (n Number) Cmp(o Number) int {
	switch {
	case n.IsZero() && o.IsZero():
		return 0
	case n.IsZero():
		return -1
	case o.IsZero():
		return 1
	case n.e != o.e:
		if n.e < o.e {
			return -1
		}
		return 1
	case n.m < o.m:
		return -1
	case n.m > o.m:
		return 1
	}
	return 0
}

func (n Number) Equal(o Number) bool { return n.Cmp(o) == 0 }
func (n Number) Less(o Number) bool  { return n.Cmp(o) < 0 }
func (n Number) GTE(o Number) bool   { return n.Cmp(o) >= 0 }

// ApproxEqual reports whether n and o differ by at most rel relative to the
// larger of the two.
func (n Number) ApproxEqual(o Number, rel float64) bool {
	if n.Equal(o) {
		return true
	}
	hi, lo := n, o
	if hi.Less(lo) {
		hi, lo = lo, hi
	}
	diff := hi.Sub(lo)
	if diff.IsZero() {
		return true
	}
	return diff.Log10()-hi.Log10() <= math.Log10(rel)
}

// Max returns the larger of n and o.
func (n Number) Max(o Number) Number {
	if n.Cmp(o) >= 0 {
		return n
	}
	return o
}

// Float64 converts to float64, clamping to math.MaxFloat64 above range.
func (n Number) Float64() float64 {
	if n.IsZero() || n.e < -308 {
		return 0
	}
	if n.e > 308 {
		return math.MaxFloat64
	}
	v := n.m * math.Pow(10, float64(n.e))
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}

// String returns the exact text form "<mantissa>e<exponent>" ("0" for zero).
func (n Number) String() string {
	if n.IsZero() {
		return "0"
	}
	return strconv.FormatFloat(n.m, 'g', -1, 64) + "e" + strconv.Itoa(n.e)
}

// Format returns a display string: grouped digits below a quadrillion,
// scientific notation above.
func (n Number) Format() string {
	if n.IsZero() {
		return "0"
	}
	if n.e < 15 {
		return humanize.CommafWithDigits(n.Float64(), 2)
	}
	return fmt.Sprintf("%.2fe%d", n.m, n.e)
}

// Parse reads scientific ("1.5e100") or plain decimal ("123456.78") text of
// any length. Only the first 17 significant digits are kept.
func Parse(s string) (Number, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, errors.New("parse number: empty input")
	}
	if s[0] == '-' {
		return Zero, fmt.Errorf("parse number %q: %w", s, ErrNegative)
	}
	s = strings.TrimPrefix(s, "+")

	digits, exp := s, 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		x, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return Zero, fmt.Errorf("parse number %q: bad exponent: %w", s, err)
		}
		if x > maxExponent || x < -maxExponent {
			return Zero, fmt.Errorf("parse number %q: %w", s, ErrExponentRange)
		}
		digits, exp = s[:i], x
	}
	intPart, frac, _ := strings.Cut(digits, ".")
	if intPart == "" && frac == "" {
		return Zero, fmt.Errorf("parse number %q: no digits", s)
	}
	if !allDigits(intPart) || !allDigits(frac) {
		return Zero, fmt.Errorf("parse number %q: invalid digit", s)
	}

	all := intPart + frac
	first := strings.IndexFunc(all, func(r rune) bool { return r != '0' })
	if first < 0 {
		return Zero, nil
	}
	e := int64(len(intPart)) - 1 - int64(first) + int64(exp)
	if e > maxExponent || e < -maxExponent {
		return Zero, fmt.Errorf("parse number %q: %w", s, ErrExponentRange)
	}
	sig := all[first:]
	if len(sig) > 17 {
		sig = sig[:17]
	}
	if len(sig) > 1 {
		sig = sig[:1] + "." + sig[1:]
	}
	m, err := strconv.ParseFloat(sig, 64)
	if err != nil {
		return Zero, fmt.Errorf("parse number %q: %w", s, err)
	}
	return normalize(m, int(e)), nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Number {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (n Number) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Number) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// UnmarshalJSON accepts both the quoted text form and bare JSON numbers.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = Zero
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	return n.UnmarshalText([]byte(s))
}

// Value implements driver.Valuer; numbers are stored as their text form.
func (n Number) Value() (driver.Value, error) {
	return n.String(), nil
}

// Scan implements sql.Scanner.
func (n *Number) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*n = Zero
		return nil
	case string:
		return n.UnmarshalText([]byte(v))
	case []byte:
		return n.UnmarshalText(v)
	case int64:
		*n = FromInt(v)
		return nil
	case float64:
		*n = FromFloat(v)
		return nil
	default:
		return fmt.Errorf("scan number: unsupported type %T", src)
	}
}

// Decimal converts n to an exact decimal of its text form.
func (n Number) Decimal() decimal.Decimal {
	if n.IsZero() {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}
