// Package phone normalizes messaging identifiers into comparable phone
// numbers.
package phone

import (
	"strings"
)

// Canonical strips a messaging address down to its digits: the domain
// suffix ("@s.whatsapp.net", "@g.us"), the device suffix (":12") and any
// punctuation are dropped.
func Canonical(address string) string {
	if at := strings.Index(address, "@"); at != -1 {
		address = address[:at]
	}
	if colon := strings.Index(address, ":"); colon != -1 {
		address = address[:colon]
	}

	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TrailingMatch reports whether two canonical numbers refer to the same
// line. Country and area prefixes differ between systems, so the shorter
// number must be a suffix of the longer one and long enough to be
// meaningful.
func TrailingMatch(a, b string) bool {
	const minLength = 8

	if len(a) < minLength || len(b) < minLength {
		return false
	}

	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasSuffix(b, a)
}

// LastDigits returns up to n trailing digits of a canonical number, used as
// a search key.
func LastDigits(number string, n int) string {
	if len(number) <= n {
		return number
	}
	return number[len(number)-n:]
}
