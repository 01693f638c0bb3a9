// Package model defines the core data types shared across the enrichment
// pipeline: entity identities, profiles, source links, and run statuses.
package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Identity identifies a business entity to enrich. At least one of the two
// fields must be set; the registration number is preferred wherever both are
// known because it is specific and collision-free.
type Identity struct {
	DisplayName        string `json:"display_name"`
	RegistrationNumber string `json:"registration_number,omitempty"`
}

// IsZero reports whether the identity carries no usable information.
func (id Identity) IsZero() bool {
	return strings.TrimSpace(id.DisplayName) == "" && strings.TrimSpace(id.RegistrationNumber) == ""
}

// CacheKey returns the normalized cache key for this identity. The
// registration-number key takes precedence over the name key.
func (id Identity) CacheKey() string {
	if k := OrgNumberKey(id.RegistrationNumber); k != "" {
		return k
	}
	return NameKey(id.DisplayName)
}

// OrgNumberKey normalizes a registration number into a cache key.
// Returns "" when the input holds no alphanumerics.
func OrgNumberKey(orgnr string) string {
	return normalizeKey(orgnr)
}

// NameKey normalizes a display name into a cache key. Diacritics are folded
// (Å→a, ö→o) so spelling variants of the same Nordic name collide.
func NameKey(name string) string {
	return normalizeKey(name)
}

var stripMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

func normalizeKey(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
