package dedup

import "sort"

// BuildGroups clusters patients in a single pass over ascending ids. Each
// unprocessed patient p opens a group and absorbs every later unprocessed
// patient that matches p itself. Matching is not transitive: a record that
// only matches a member other than p stays out of the group and may open
// its own. Only groups with two or more members are returned, ordered by
// their first member's id. CanonicalID is left zero; see AssignCanonical.
func BuildGroups(patients []Patient, threshold int) []DuplicateGroupCandidate {
	sorted := sortedByID(patients)
	keys := make([]matchKey, len(sorted))
	for i := range sorted {
		keys[i] = newMatchKey(sorted[i])
	}

	processed := make([]bool, len(sorted))
	var groups []DuplicateGroupCandidate
	for i := range sorted {
		if processed[i] {
			continue
		}
		processed[i] = true

		members := []Patient{sorted[i]}
		// Every index below i is already processed.
		for j := i + 1; j < len(sorted); j++ {
			if processed[j] {
				continue
			}
			if keys[i].matches(&keys[j], threshold) {
				members = append(members, sorted[j])
				processed[j] = true
			}
		}

		if len(members) >= 2 {
			groups = append(groups, DuplicateGroupCandidate{Members: members})
		}
	}
	return groups
}

// AssignCanonical fills CanonicalID on each group with SelectCanonical.
func AssignCanonical(groups []DuplicateGroupCandidate) {
	for i := range groups {
		groups[i].CanonicalID = SelectCanonical(groups[i].Members).ID
	}
}

func sortedByID(patients []Patient) []Patient {
	sorted := make([]Patient, len(patients))
	copy(sorted, patients)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}
