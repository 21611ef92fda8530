package dedup

import "strings"

const (
	// DefaultSimilarity is the full-name ratio threshold when none is given.
	DefaultSimilarity = 80
	// LastNameMinRatio and FirstNameMinRatio gate the fuzzy path so that a
	// high full-name ratio alone cannot pair "Juan Perez" with "Juana Paz".
	LastNameMinRatio  = 85
	FirstNameMinRatio = 70
)

// ValidateThreshold rejects thresholds outside 0-100.
func ValidateThreshold(threshold int) error {
	if threshold < 0 || threshold > 100 {
		return validationErrorf("similarity must be between 0 and 100, got %d", threshold)
	}
	return nil
}

// matchKey holds the per-patient values the matcher compares, computed once
// per scan rather than once per pair.
type matchKey struct {
	dni, phone, email string
	fullName          string
	foldedFull        string
	foldedFirst       string
	foldedLast        string
}

func newMatchKey(p Patient) matchKey {
	k := matchKey{
		fullName:    NormalizeName(p.FirstName + " " + p.LastName),
		foldedFull:  FoldName(p.FirstName + " " + p.LastName),
		foldedFirst: FoldName(p.FirstName),
		foldedLast:  FoldName(p.LastName),
	}
	if !isBlank(p.DNI) {
		k.dni = *p.DNI
	}
	if !isBlank(p.Phone) {
		k.phone = *p.Phone
	}
	if !isBlank(p.Email) {
		k.email = *p.Email
	}
	return k
}

// IsDuplicate reports whether a and b are the same person. Rules are
// evaluated in order and the first hit wins:
//
//  1. equal non-empty DNI
//  2. equal non-empty phone
//  3. equal non-empty email, ignoring case
//  4. equal normalized full name
//  5. accent-folded full-name ratio >= threshold, last-name ratio >=
//     LastNameMinRatio and first-name ratio >= FirstNameMinRatio
func IsDuplicate(a, b Patient, threshold int) bool {
	ka, kb := newMatchKey(a), newMatchKey(b)
	return ka.matches(&kb, threshold)
}

func (a *matchKey) matches(b *matchKey, threshold int) bool {
	if a.dni != "" && a.dni == b.dni {
		return true
	}
	if a.phone != "" && a.phone == b.phone {
		return true
	}
	if a.email != "" && b.email != "" && strings.EqualFold(a.email, b.email) {
		return true
	}
	if a.fullName != "" && a.fullName == b.fullName {
		return true
	}
	if a.foldedFull == "" || b.foldedFull == "" {
		return false
	}
	return Ratio(a.foldedFull, b.foldedFull) >= threshold &&
		Ratio(a.foldedLast, b.foldedLast) >= LastNameMinRatio &&
		Ratio(a.foldedFirst, b.foldedFirst) >= FirstNameMinRatio
}
