package rcslib

import (
	"strconv"
	"strings"
)

// CompareRevNum orders RCS revision numbers by numeric-component order
// (§4.8: "numeric-component order on revision numbers (split on '.',
// compare as integers)"). Components accept up to 19 decimal digits
// (§4.8 parse tolerances).
func CompareRevNum(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, aerr := parseComponent(as[i])
		bv, berr := parseComponent(bs[i])
		if aerr != nil || berr != nil {
			// Fall back to a byte comparison for malformed components
			// rather than silently treating them as equal.
			if as[i] != bs[i] {
				if as[i] < bs[i] {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

func parseComponent(s string) (int64, error) {
	if len(s) > 19 {
		s = s[len(s)-19:]
	}
	return strconv.ParseInt(s, 10, 64)
}

// CompareID orders access/symbol/lock identifiers byte-lexically (§4.8).
func CompareID(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
