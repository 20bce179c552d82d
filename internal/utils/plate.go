package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate upper-cases plate text and keeps only letters and digits, so
// "51g-123.45" and "51G 12345" compare equal.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.ToUpper(strings.TrimSpace(plate)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
