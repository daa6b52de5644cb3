package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"0", 0, false},
		{"1", 1_000_000, false},
		{"12.34", 12_340_000, false},
		{"0.1", 100_000, false},
		{".5", 500_000, false},
		{"-3.25", -3_250_000, false},
		{"+7", 7_000_000, false},
		{"0.1234567", 123_456, false}, // seventh digit discarded
		{"19.99", 19_990_000, false},
		{"", 0, true},
		{".", 0, true},
		{"-", 0, true},
		{"1,5", 0, true},
		{"abc", 0, true},
		{"1.2.3", 0, true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.err {
			require.Error(t, err, "%q", tc.in)
			continue
		}
		require.NoError(t, err, "%q", tc.in)
		require.Equal(t, tc.want, got.Micros(), "%q", tc.in)
	}
}

func TestNoFloatDrift(t *testing.T) {
	// The classic 0.1 + 0.2 case must be exact in fixed point.
	a := MustParse("0.1")
	b := MustParse("0.2")
	require.Equal(t, MustParse("0.3"), a.Add(b))

	sum := Amount(0)
	for i := 0; i < 10; i++ {
		sum = sum.Add(MustParse("0.1"))
	}
	require.Equal(t, FromInt(1), sum, "ten dimes")
}

func TestMulDivRounding(t *testing.T) {
	// 19.99 * 1.15 = 22.9885 exactly.
	require.Equal(t, MustParse("22.9885"), MustParse("19.99").Mul(MustParse("1.15")))
	// 1 / 3 rounds half away from zero at the sixth digit.
	require.Equal(t, int64(333_333), FromInt(1).Div(FromInt(3)).Micros())
	require.Equal(t, int64(666_667), FromInt(2).Div(FromInt(3)).Micros())
	require.Equal(t, int64(-333_333), MustParse("-1").Div(FromInt(3)).Micros())
}

func TestCentsRoundingModes(t *testing.T) {
	cases := []struct {
		in            string
		cents, up, dn int64
	}{
		{"1.234", 123, 124, 123},
		{"1.235", 124, 124, 123},
		{"1.2301", 123, 124, 123},
		{"1.23", 123, 123, 123},
		{"-1.235", -124, -124, -123},
		{"0", 0, 0, 0},
	}
	for _, tc := range cases {
		a := MustParse(tc.in)
		require.Equal(t, tc.cents, a.Cents(), "%s Cents", tc.in)
		require.Equal(t, tc.up, a.CentsUp(), "%s CentsUp", tc.in)
		require.Equal(t, tc.dn, a.CentsDown(), "%s CentsDown", tc.in)
	}
}

func TestString(t *testing.T) {
	cases := map[string]string{
		"0":         "0",
		"1":         "1",
		"12.34":     "12.34",
		"0.5":       "0.5",
		"-3.25":     "-3.25",
		"19.990000": "19.99",
		"0.000001":  "0.000001",
	}
	for in, want := range cases {
		require.Equal(t, want, MustParse(in).String(), "%q", in)
	}
}

func TestStringRoundTrips(t *testing.T) {
	for _, s := range []string{"0", "42", "0.123456", "-7.5", "1000000.000001"} {
		a := MustParse(s)
		back, err := Parse(a.String())
		require.NoError(t, err, s)
		require.Equal(t, a, back, "%s round trip", s)
	}
}

func TestRatio(t *testing.T) {
	// 95 RUB per USD: 1/95 quantizes to 0.010526 at the sixth digit, so
	// converting 190 RUB carries that quantization.
	rate := Ratio(FromInt(1), FromInt(95))
	require.Equal(t, MustParse("0.010526"), rate)
	require.Equal(t, MustParse("1.99994"), FromInt(190).Mul(rate))

	// Round rates stay exact.
	require.Equal(t, FromInt(2), FromInt(200).Mul(Ratio(FromInt(1), FromInt(100))))
}
