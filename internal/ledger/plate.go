package ledger

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// plateRE accepts the legacy ABC1234 format and the ABC1D23 variant.
var plateRE = regexp.MustCompile(`^[A-Z]{3}[0-9][A-Z0-9][0-9]{2}$`)

// NormalizePlate folds operator or camera input into the canonical form:
// compatibility-normalised, narrow, upper case, separators removed.
func NormalizePlate(s string) string {
	s = width.Narrow.String(norm.NFKC.String(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '.' || unicode.IsSpace(r):
			return -1
		case r > unicode.MaxASCII:
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

// ValidPlate reports whether s is a well-formed plate after normalisation.
func ValidPlate(s string) bool {
	return plateRE.MatchString(NormalizePlate(s))
}
