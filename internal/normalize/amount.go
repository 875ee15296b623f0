package normalize

import (
	"strconv"
	"strings"
)

// ParseAmount turns a raw amount cell into signed GBP. It strips currency
// symbols, ISO codes and thousands separators; parentheses and a
// word-boundary "CR" prefix each negate (composing with an explicit minus,
// so a double negative is positive); "DR" is stripped without negating.
// Unparsable or empty input yields (0, false) rather than an error.
func ParseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	neg := false

	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = !neg
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	if rest, ok := stripPrefixToken(s, "CR"); ok {
		neg = !neg
		s = rest
	} else if rest, ok := stripPrefixToken(s, "DR"); ok {
		s = rest
	}

	for _, code := range []string{"GBP", "EUR", "USD"} {
		if rest, ok := stripPrefixToken(s, code); ok {
			s = rest
			break
		}
	}

	var b strings.Builder
	for _, r := range s {
		switch r {
		case '£', '$', '€', ',', ' ':
			// currency symbols and thousands separators
		default:
			b.WriteRune(r)
		}
	}
	s = b.String()

	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

// stripPrefixToken removes a word-boundary-delimited leading token,
// case-insensitively. "CR 500" matches; "CREDIT" does not.
func stripPrefixToken(s, token string) (string, bool) {
	if len(s) < len(token) || !strings.EqualFold(s[:len(token)], token) {
		return s, false
	}
	rest := s[len(token):]
	if rest == "" {
		return s, false
	}
	r := rest[0]
	if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
		return s, false
	}
	return strings.TrimSpace(rest), true
}
