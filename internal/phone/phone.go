// Package phone normalizes dialable numbers to the national E.164 form
// used on the outbound trunk.
package phone

import (
	"errors"
	"strings"
)

// CountryCode is prepended to bare subscriber numbers.
const CountryCode = "998"

var ErrInvalid = errors.New("invalid phone number")

// Normalize strips formatting characters and returns the number in
// 998XXXXXXXXX form. A nine-digit subscriber number gets the country
// code prepended.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 9:
		return CountryCode + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, CountryCode):
		return digits, nil
	default:
		return "", ErrInvalid
	}
}
