package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidOrgNumber is returned when a registration number cannot be
// repaired into a checksum-valid ten-digit organization number.
var ErrInvalidOrgNumber = eris.New("model: invalid organization number")

// NormalizeOrgNumber repairs a registration number into canonical
// NNNNNN-NNNN form: stray separators, whitespace and a leading century prefix
// (16NNNNNNNNNN) are stripped. Returns ErrInvalidOrgNumber when the digits do
// not form a checksum-valid organization number; it never fabricates one.
func NormalizeOrgNumber(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	// Registry exports sometimes carry the 16 century prefix.
	if len(d) == 12 && strings.HasPrefix(d, "16") {
		d = d[2:]
	}
	if len(d) != 10 {
		return "", eris.Wrapf(ErrInvalidOrgNumber, "got %d digits", len(d))
	}
	if !luhnValid(d) {
		return "", eris.Wrap(ErrInvalidOrgNumber, "checksum mismatch")
	}
	return d[:6] + "-" + d[6:], nil
}

// ValidOrgNumber reports whether raw normalizes to a checksum-valid
// organization number.
func ValidOrgNumber(raw string) bool {
	_, err := NormalizeOrgNumber(raw)
	return err == nil
}

// luhnValid checks the Luhn mod-10 checksum over a string of digits,
// doubling every other digit starting with the first.
func luhnValid(digits string) bool {
	sum := 0
	for i, r := range digits {
		n := int(r - '0')
		if i%2 == 0 {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
	}
	return sum%10 == 0
}
