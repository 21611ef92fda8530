package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MergeExecutor folds duplicate patients into a canonical one, one
// transaction per group.
type MergeExecutor struct {
	repo PatientRepository
	tx   Transactor
	now  func() time.Time
}

func NewMergeExecutor(repo PatientRepository, tx Transactor) *MergeExecutor {
	return &MergeExecutor{repo: repo, tx: tx, now: time.Now}
}

// Merge absorbs duplicateIDs into canonicalID. For each duplicate, in
// ascending id order, empty canonical fields are backfilled, notes are
// appended with a provenance line, dependents are re-pointed and the
// duplicate row is deleted. Any failure rolls the whole group back.
//
// If any id in the group no longer exists, nothing is written and the result
// carries a NotFoundError. Merging an already merged group is therefore safe.
func (e *MergeExecutor) Merge(ctx context.Context, canonicalID PatientID, duplicateIDs []PatientID) MergeResult {
	dups := normalizeIDs(duplicateIDs)
	res := MergeResult{
		GroupID:      uuid.New(),
		CanonicalID:  canonicalID,
		DuplicateIDs: dups,
		State:        MergePending,
	}
	if err := validateGroup(canonicalID, dups); err != nil {
		res.Err = err
		return res
	}

	res.State = MergeInTransaction
	var repointed DependentCounts
	var backfilled []string
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		repointed, backfilled = DependentCounts{}, nil

		locked, err := e.repo.LockForMerge(ctx, normalizeIDs(append([]PatientID{canonicalID}, dups...)))
		if err != nil {
			return asMergeError("lock group", err, canonicalID)
		}
		byID := make(map[PatientID]Patient, len(locked))
		for _, p := range locked {
			byID[p.ID] = p
		}
		if missing := missingIDs(byID, canonicalID, dups); len(missing) > 0 {
			return &NotFoundError{IDs: missing}
		}

		canonical := byID[canonicalID]
		mergedAt := e.now()
		for _, id := range dups {
			dup := byID[id]
			backfilled = appendUnique(backfilled, absorbFields(&canonical, dup, mergedAt)...)

			counts, err := e.repo.RepointDependents(ctx, dup.ID, canonical.ID)
			if err != nil {
				return asMergeError("repoint dependents", err, dup.ID)
			}
			repointed.Add(counts)

			if err := e.repo.Delete(ctx, dup.ID); err != nil {
				return asMergeError("delete duplicate", err, dup.ID)
			}
		}

		// Written after the deletes so a backfilled dni never collides with
		// the row it came from.
		if len(backfilled) > 0 {
			if err := e.repo.UpdateMergeFields(ctx, &canonical); err != nil {
				return asMergeError("update canonical", err, canonical.ID)
			}
		}
		return nil
	})
	if err != nil {
		res.State = MergeRolledBack
		res.Err = asMergeError("merge group", err, canonicalID)
		return res
	}

	res.State = MergeCommitted
	res.Repointed = repointed
	res.BackfilledFields = backfilled
	return res
}

// MergePlan is the dry-run view of a merge: the canonical record as it would
// look afterwards. Nothing is written.
type MergePlan struct {
	Canonical        Patient
	DuplicateIDs     []PatientID
	BackfilledFields []string
	// Dependents is the scanned count of rows that would be re-pointed.
	Dependents DependentCounts
}

// PlanMerge applies the backfill rules to an in-memory copy of the group.
func PlanMerge(group DuplicateGroupCandidate, at time.Time) (MergePlan, error) {
	canonical, ok := group.Canonical()
	if !ok {
		return MergePlan{}, validationErrorf("canonical id %d is not a member of the group", group.CanonicalID)
	}
	plan := MergePlan{Canonical: canonical, DuplicateIDs: group.DuplicateIDs()}
	for _, m := range sortedByID(group.Members) {
		if m.ID == canonical.ID {
			continue
		}
		plan.BackfilledFields = appendUnique(plan.BackfilledFields, absorbFields(&plan.Canonical, m, at)...)
		plan.Dependents.Add(DependentCounts{
			Appointments:   int64(m.AppointmentCount),
			MedicalRecords: int64(m.MedicalRecordCount),
			Leads:          int64(m.LeadCount),
		})
	}
	return plan, nil
}

// absorbFields copies dup's values into canonical's empty fields and appends
// dup's notes. It returns the column names it changed.
func absorbFields(canonical *Patient, dup Patient, at time.Time) []string {
	var changed []string
	if strings.TrimSpace(canonical.FirstName) == "" && strings.TrimSpace(dup.FirstName) != "" {
		canonical.FirstName = dup.FirstName
		changed = append(changed, "first_name")
	}
	if strings.TrimSpace(canonical.LastName) == "" && strings.TrimSpace(dup.LastName) != "" {
		canonical.LastName = dup.LastName
		changed = append(changed, "last_name")
	}
	for _, f := range []struct {
		name     string
		dst, src **string
	}{
		{"dni", &canonical.DNI, &dup.DNI},
		{"phone", &canonical.Phone, &dup.Phone},
		{"email", &canonical.Email, &dup.Email},
		{"address", &canonical.Address, &dup.Address},
		{"origin", &canonical.Origin, &dup.Origin},
	} {
		if isBlank(*f.dst) && !isBlank(*f.src) {
			*f.dst = strPtr(**f.src)
			changed = append(changed, f.name)
		}
	}
	if canonical.BirthDate == nil && dup.BirthDate != nil {
		bd := *dup.BirthDate
		canonical.BirthDate = &bd
		changed = append(changed, "birth_date")
	}
	if appendNotes(canonical, dup, at) {
		changed = append(changed, "notes")
	}
	return changed
}

// appendNotes appends dup's notes under a provenance line unless they are
// empty or identical to what the canonical already holds.
func appendNotes(canonical *Patient, dup Patient, at time.Time) bool {
	if isBlank(dup.Notes) {
		return false
	}
	incoming := strings.TrimSpace(*dup.Notes)
	current := ""
	if canonical.Notes != nil {
		current = strings.TrimSpace(*canonical.Notes)
	}
	if incoming == current {
		return false
	}

	header := fmt.Sprintf("--- merged from patient #%d (%s) on %s ---", dup.ID, dup.FullName(), at.Format("2006-01-02"))
	if current == "" {
		canonical.Notes = strPtr(header + "\n" + incoming)
	} else {
		canonical.Notes = strPtr(current + "\n" + header + "\n" + incoming)
	}
	return true
}

func validateGroup(canonicalID PatientID, dups []PatientID) error {
	if canonicalID <= 0 {
		return validationErrorf("main patient id is required")
	}
	if len(dups) == 0 {
		return validationErrorf("a group needs at least 2 distinct patients")
	}
	for _, id := range dups {
		if id <= 0 {
			return validationErrorf("invalid patient id %d", id)
		}
		if id == canonicalID {
			return validationErrorf("patient %d cannot be merged into itself", id)
		}
	}
	return nil
}

func missingIDs(found map[PatientID]Patient, canonicalID PatientID, dups []PatientID) []PatientID {
	var missing []PatientID
	if _, ok := found[canonicalID]; !ok {
		missing = append(missing, canonicalID)
	}
	for _, id := range dups {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// normalizeIDs returns a sorted copy of ids without repeats.
func normalizeIDs(ids []PatientID) []PatientID {
	out := make([]PatientID, 0, len(ids))
	seen := make(map[PatientID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
