package domain

import (
	"math"
	"strconv"
	"strings"
)

const (
	scorePrecision = 5
	// A float64 has at most 767 significant decimal digits.
	exactDigits = 767
)

// FormatScore renders v with five significant digits. Fixed notation is used
// for decimal exponents in [-6, 5); anything else is written as d.dddde±N.
// Trailing zeros are kept, so 1 renders as "1.0000". Exact ties round away
// from zero, so 0.515625 renders as "0.51563".
func FormatScore(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}

	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	if v == 0 {
		return sign + "0." + strings.Repeat("0", scorePrecision-1)
	}

	digits, e := significantDigits(v, scorePrecision)
	if e < -6 || e >= scorePrecision {
		expSign := "+"
		if e < 0 {
			expSign = "-"
			e = -e
		}
		return sign + digits[:1] + "." + digits[1:] + "e" + expSign + strconv.Itoa(e)
	}
	if e < 0 {
		return sign + "0." + strings.Repeat("0", -e-1) + digits
	}
	if e+1 == len(digits) {
		return sign + digits
	}
	return sign + digits[:e+1] + "." + digits[e+1:]
}

// significantDigits rounds v > 0 to n significant digits, ties away from
// zero, and returns them with the decimal exponent of the first digit. The
// exponent is taken after rounding so 9.99999 becomes 10.000.
func significantDigits(v float64, n int) (string, int) {
	exact := strconv.FormatFloat(v, 'e', exactDigits, 64)
	mantissa, expPart, _ := strings.Cut(exact, "e")
	e, _ := strconv.Atoi(expPart)
	all := strings.Replace(mantissa, ".", "", 1)

	kept := []byte(all[:n])
	if all[n] >= '5' {
		i := n - 1
		for ; i >= 0 && kept[i] == '9'; i-- {
			kept[i] = '0'
		}
		if i < 0 {
			kept[0] = '1'
			e++
		} else {
			kept[i]++
		}
	}
	return string(kept), e
}
