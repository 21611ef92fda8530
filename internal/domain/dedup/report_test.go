package dedup

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReport(t *testing.T) {
	p1 := patient(1, "Juan", "Perez").withDNI("30111222")
	p2 := patient(2, "Juan", "Pérez").withPhone("1155554444")
	p2.AppointmentCount, p2.MedicalRecordCount = 3, 1

	reports := BuildReport([]DuplicateGroupCandidate{{Members: []Patient{p1, p2}, CanonicalID: 1}})

	require.Len(t, reports, 1)
	assert.Equal(t, PatientID(1), reports[0].SuggestedCanonicalID)
	assert.Equal(t, PatientSummary{
		ID:                  2,
		FullName:            "Juan Pérez",
		Phone:               p2.Phone,
		AppointmentsCount:   3,
		MedicalRecordsCount: 1,
		CreatedAt:           p2.CreatedAt,
	}, reports[0].Members[1])
}

func TestBuildReport_EmptyIsNotNil(t *testing.T) {
	assert.NotNil(t, BuildReport(nil))
}

func TestSummarize(t *testing.T) {
	batch := BatchResult{
		UnifiedGroups: 1,
		FailedGroups:  1,
		Results: []MergeResult{
			{GroupID: uuid.New(), CanonicalID: 1, DuplicateIDs: []PatientID{2}, State: MergeCommitted},
			{GroupID: uuid.New(), CanonicalID: 3, DuplicateIDs: []PatientID{4}, State: MergeRolledBack,
				Err: &NotFoundError{IDs: []PatientID{4}}},
		},
	}

	s := Summarize(batch)

	assert.Equal(t, 1, s.UnifiedGroups)
	assert.Equal(t, 1, s.FailedGroups)
	require.Len(t, s.Groups, 2)
	assert.Empty(t, s.Groups[0].Reason)
	assert.Equal(t, "patients not found (already merged?): 4", s.Groups[1].Reason)
}

func TestWriteGroupsTable(t *testing.T) {
	reports := BuildReport([]DuplicateGroupCandidate{{
		Members:     []Patient{patient(1, "Juan", "Perez").withDNI("30111222"), patient(2, "Juan", "Pérez")},
		CanonicalID: 1,
	}})

	var buf bytes.Buffer
	require.NoError(t, WriteGroupsTable(&buf, reports))

	out := buf.String()
	assert.Contains(t, out, "GROUP 1")
	assert.Contains(t, out, "30111222")
	assert.Regexp(t, `(?m)^\*\s+1\s+Juan Perez`, out)
	assert.Regexp(t, `(?m)^\s+2\s+Juan Pérez\s+-`, out)
}

func TestWriteSummaryTable(t *testing.T) {
	s := MergeSummary{
		UnifiedGroups: 1,
		FailedGroups:  1,
		Interrupted:   true,
		Groups: []GroupOutcome{
			{MainPatientID: 1, MergedIDs: []PatientID{2, 3}, State: MergeCommitted},
			{MainPatientID: 4, MergedIDs: []PatientID{5}, State: MergeRolledBack, Reason: "lock timeout"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSummaryTable(&buf, s))

	out := buf.String()
	assert.Contains(t, out, "2,3")
	assert.Contains(t, out, "lock timeout")
	assert.Contains(t, out, "unified groups: 1")
	assert.Contains(t, out, "failed groups:  1")
	assert.Contains(t, out, "interrupted")
}

func TestWritePlanTable(t *testing.T) {
	plans := []MergePlan{{
		Canonical:        patient(1, "Juan", "Perez"),
		DuplicateIDs:     []PatientID{2},
		BackfilledFields: []string{"phone", "notes"},
		Dependents:       DependentCounts{Appointments: 2},
	}}

	var buf bytes.Buffer
	require.NoError(t, WritePlanTable(&buf, plans))
	assert.Contains(t, buf.String(), "phone,notes")
}
