package bignum

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-12

func TestRoundTrip(t *testing.T) {
	cases := []Number{
		Zero,
		FromFloat(0.25),
		FromInt(42),
		FromFloat(123456.789),
		New(1, 100),
		New(3.14159, 250),
		FromFloat(math.MaxFloat64),
		New(7.5, 5000),
	}
	for _, n := range cases {
		t.Run(n.String(), func(t *testing.T) {
			back, err := Parse(n.String())
			require.NoError(t, err)
			assert.True(t, n.ApproxEqual(back, tolerance), "got %s", back)

			raw, err := json.Marshal(n)
			require.NoError(t, err)
			var decoded Number
			require.NoError(t, json.Unmarshal(raw, &decoded))
			assert.True(t, n.ApproxEqual(decoded, tolerance), "json got %s", decoded)
		})
	}
}

func TestNormalizationIsCanonical(t *testing.T) {
	assert.Equal(t, New(1, 1), New(10, 0))
	assert.Equal(t, New(1, 0), New(0.1, 1))
	assert.Equal(t, New(2.5, 3), FromInt(2500))
	assert.Equal(t, Zero, New(0, 7))
	assert.Equal(t, Zero, New(-4, 2), "negative mantissa clamps to zero")
	assert.Equal(t, Zero, FromFloat(math.NaN()))

	n := New(123.4, 10)
	assert.GreaterOrEqual(t, n.Mantissa(), 1.0)
	assert.Less(t, n.Mantissa(), 10.0)
	assert.Equal(t, 12, n.Exponent())
}

func TestOrdering(t *testing.T) {
	values := []Number{Zero, FromFloat(0.5), One, FromInt(999), New(1, 3), New(9.99, 99), New(1, 100), New(2, 100), New(1, 308), New(1, 400)}
	for i := range values {
		for j := range values {
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			assert.Equal(t, want, values[i].Cmp(values[j]), "%s vs %s", values[i], values[j])
		}
	}
}

func TestAddCommutativeAndAssociative(t *testing.T) {
	triples := [][3]Number{
		{FromInt(1), FromInt(2), FromInt(3)},
		{New(1.5, 20), New(7.25, 18), New(3, 21)},
		{New(1, 100), New(5, 99), New(9.9, 100)},
		{FromFloat(0.001), FromInt(1e9), New(4.2, 12)},
	}
	for _, tr := range triples {
		a, b, c := tr[0], tr[1], tr[2]
		assert.True(t, a.Add(b).ApproxEqual(b.Add(a), tolerance))
		assert.True(t, a.Add(b).Add(c).ApproxEqual(a.Add(b.Add(c)), tolerance))
	}
}

func TestAddDropsNegligibleTerm(t *testing.T) {
	big := New(1, 100)
	assert.Equal(t, big, big.Add(One))
	assert.Equal(t, big, One.Add(big))
}

func TestSubSaturatesAtZero(t *testing.T) {
	assert.Equal(t, Zero, FromInt(5).Sub(FromInt(9)))
	assert.Equal(t, Zero, FromInt(5).Sub(FromInt(5)))
	assert.True(t, FromInt(9).Sub(FromInt(5)).ApproxEqual(FromInt(4), tolerance))
}

func TestMulAndPow(t *testing.T) {
	assert.True(t, New(2, 50).Mul(New(3, 60)).ApproxEqual(New(6, 110), tolerance))
	assert.True(t, FromInt(10).Pow(100).ApproxEqual(New(1, 100), 1e-9))
	assert.Equal(t, One, FromInt(7).Pow(0))
	assert.Equal(t, Max, Max.Mul(Max))
	assert.True(t, FromInt(4).Scale(2.5).ApproxEqual(FromInt(10), tolerance))
}

func TestParse(t *testing.T) {
	cases := map[string]Number{
		"0":             Zero,
		"000.000":       Zero,
		"1e100":         New(1, 100),
		"1.5E+3":        FromInt(1500),
		"123456789":     New(1.23456789, 8),
		"0.00042":       New(4.2, -4),
		".5":            FromFloat(0.5),
		"2500000000e-3": New(2.5, 6),
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.True(t, want.ApproxEqual(got, tolerance), "%s: got %s want %s", in, got, want)
	}

	for _, bad := range []string{"", "abc", "1.2.3", "1e", "e5"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
	_, err := Parse("-1")
	assert.ErrorIs(t, err, ErrNegative)

	for _, huge := range []string{
		"10e9223372036854775807",
		"1e-9223372036854775808",
		"1e2147483648",
		"10e2147483647",
		"0.01e-2147483647",
	} {
		_, err := Parse(huge)
		assert.ErrorIs(t, err, ErrExponentRange, huge)
	}
	got, err := Parse("1e2147483647")
	require.NoError(t, err)
	assert.Equal(t, maxExponent, got.Exponent())
}

func TestFromDecimalBeyondFloatRange(t *testing.T) {
	d := decimal.New(15, 399) // 1.5e400
	n := FromDecimal(d)
	assert.True(t, n.ApproxEqual(New(1.5, 400), tolerance), "got %s", n)
	assert.Equal(t, Zero, FromDecimal(decimal.NewFromInt(-3)))
}

func TestFloat64Clamps(t *testing.T) {
	assert.Equal(t, math.MaxFloat64, New(1, 400).Float64())
	assert.Equal(t, 0.0, New(1, -400).Float64())
	assert.InDelta(t, 1234.5, FromFloat(1234.5).Float64(), 1e-9)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0", Zero.Format())
	assert.Equal(t, "1,234,567.5", FromFloat(1234567.5).Format())
	assert.Equal(t, "1.50e100", New(1.5, 100).Format())
}

func TestDecimalConversion(t *testing.T) {
	assert.True(t, decimal.NewFromInt(1500).Equal(FromInt(1500).Decimal()))
	assert.True(t, decimal.Zero.Equal(Zero.Decimal()))
	back := FromDecimal(New(4.25, 120).Decimal())
	assert.True(t, back.ApproxEqual(New(4.25, 120), tolerance))
}

func TestSQLValueAndScan(t *testing.T) {
	for _, x := range []Number{Zero, FromInt(7), New(4.25, 310)} {
		v, err := x.Value()
		require.NoError(t, err)

		var got Number
		require.NoError(t, got.Scan(v))
		assert.True(t, got.Equal(x), "%s", x)
	}

	var n Number
	require.NoError(t, n.Scan([]byte("1.5e3")))
	assert.True(t, n.Equal(FromInt(1500)))
	require.NoError(t, n.Scan(nil))
	assert.True(t, n.IsZero())
	assert.Error(t, n.Scan(true))
}
