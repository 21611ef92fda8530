package dedup

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PatientID is the patient table's BIGSERIAL key. Every ordering guarantee
// in this package ("ascending id") is numeric order on this value.
type PatientID int64

// Patient maps to the patient table. Nullable columns are pointers; the
// dependent counts are filled in by the scanner and never written back.
type Patient struct {
	ID        PatientID  `db:"id" json:"id"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	DNI       *string    `db:"dni" json:"dni,omitempty"`
	Phone     *string    `db:"phone" json:"phone,omitempty"`
	Email     *string    `db:"email" json:"email,omitempty"`
	Address   *string    `db:"address" json:"address,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Origin    *string    `db:"origin" json:"origin,omitempty"`
	Notes     *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`

	AppointmentCount   int `db:"-" json:"appointment_count"`
	MedicalRecordCount int `db:"-" json:"medical_record_count"`
	LeadCount          int `db:"-" json:"lead_count"`
}

// FullName joins first and last name as entered.
func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// DuplicateGroupCandidate is one cluster found by a scan. It is never
// persisted; callers hand it back to Merge after confirmation.
type DuplicateGroupCandidate struct {
	Members     []Patient `json:"members"`
	CanonicalID PatientID `json:"canonical_id"`
}

// MemberIDs returns the member ids in group order (ascending).
func (g DuplicateGroupCandidate) MemberIDs() []PatientID {
	ids := make([]PatientID, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.ID
	}
	return ids
}

// DuplicateIDs returns every member id except the canonical one.
func (g DuplicateGroupCandidate) DuplicateIDs() []PatientID {
	ids := make([]PatientID, 0, len(g.Members)-1)
	for _, m := range g.Members {
		if m.ID != g.CanonicalID {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Canonical returns the member chosen as canonical.
func (g DuplicateGroupCandidate) Canonical() (Patient, bool) {
	for _, m := range g.Members {
		if m.ID == g.CanonicalID {
			return m, true
		}
	}
	return Patient{}, false
}

// MergeState tracks one group's merge: pending -> in_transaction ->
// committed | rolled_back.
type MergeState string

const (
	MergePending       MergeState = "pending"
	MergeInTransaction MergeState = "in_transaction"
	MergeCommitted     MergeState = "committed"
	MergeRolledBack    MergeState = "rolled_back"
)

// DependentCounts is how many rows of each dependent table were re-pointed.
type DependentCounts struct {
	Appointments   int64 `json:"appointments"`
	MedicalRecords int64 `json:"medical_records"`
	Leads          int64 `json:"leads"`
}

func (d *DependentCounts) Add(o DependentCounts) {
	d.Appointments += o.Appointments
	d.MedicalRecords += o.MedicalRecords
	d.Leads += o.Leads
}

// MergeResult is the outcome of merging one group.
type MergeResult struct {
	GroupID          uuid.UUID
	CanonicalID      PatientID
	DuplicateIDs     []PatientID
	State            MergeState
	Repointed        DependentCounts
	BackfilledFields []string
	Err              error
}

func (r MergeResult) Committed() bool {
	return r.State == MergeCommitted
}

// BatchResult aggregates MergeAll over several groups.
type BatchResult struct {
	UnifiedGroups int
	FailedGroups  int
	// Interrupted is set when the context was cancelled between groups;
	// groups after the interruption are not attempted.
	Interrupted bool
	Results     []MergeResult
}

func strPtr(s string) *string {
	return &s
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
