package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName trims, case-folds and collapses internal whitespace. Accents
// are kept, so "Pérez" and "Perez" differ here.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// FoldName is NormalizeName plus accent removal (NFD, drop combining marks,
// NFC). Used for the fuzzy comparisons.
func FoldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return NormalizeName(folded)
}
