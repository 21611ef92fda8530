package dedup

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
)

// PatientSummary is the per-record view shown to whoever confirms a group.
type PatientSummary struct {
	ID                  PatientID `json:"id"`
	FullName            string    `json:"fullName"`
	DNI                 *string   `json:"dni"`
	Phone               *string   `json:"phone"`
	Email               *string   `json:"email"`
	AppointmentsCount   int       `json:"appointmentsCount"`
	MedicalRecordsCount int       `json:"medicalRecordsCount"`
	CreatedAt           time.Time `json:"createdAt"`
}

type GroupReport struct {
	Members              []PatientSummary `json:"members"`
	SuggestedCanonicalID PatientID        `json:"suggestedCanonicalId"`
}

func Summary(p Patient) PatientSummary {
	return PatientSummary{
		ID:                  p.ID,
		FullName:            p.FullName(),
		DNI:                 p.DNI,
		Phone:               p.Phone,
		Email:               p.Email,
		AppointmentsCount:   p.AppointmentCount,
		MedicalRecordsCount: p.MedicalRecordCount,
		CreatedAt:           p.CreatedAt,
	}
}

func BuildReport(groups []DuplicateGroupCandidate) []GroupReport {
	reports := make([]GroupReport, 0, len(groups))
	for _, g := range groups {
		r := GroupReport{
			Members:              make([]PatientSummary, len(g.Members)),
			SuggestedCanonicalID: g.CanonicalID,
		}
		for i, m := range g.Members {
			r.Members[i] = Summary(m)
		}
		reports = append(reports, r)
	}
	return reports
}

// GroupOutcome is one merge attempt as reported to callers.
type GroupOutcome struct {
	GroupID          uuid.UUID       `json:"groupId"`
	MainPatientID    PatientID       `json:"mainPatientId"`
	MergedIDs        []PatientID     `json:"mergedIds"`
	State            MergeState      `json:"state"`
	Repointed        DependentCounts `json:"repointed"`
	BackfilledFields []string        `json:"backfilledFields,omitempty"`
	Reason           string          `json:"reason,omitempty"`
}

func Outcome(res MergeResult) GroupOutcome {
	o := GroupOutcome{
		GroupID:          res.GroupID,
		MainPatientID:    res.CanonicalID,
		MergedIDs:        res.DuplicateIDs,
		State:            res.State,
		Repointed:        res.Repointed,
		BackfilledFields: res.BackfilledFields,
	}
	if res.Err != nil {
		o.Reason = res.Err.Error()
	}
	return o
}

// MergeSummary is the final tally of a batch.
type MergeSummary struct {
	UnifiedGroups int            `json:"unifiedGroups"`
	FailedGroups  int            `json:"failedGroups"`
	Interrupted   bool           `json:"interrupted,omitempty"`
	Groups        []GroupOutcome `json:"groups"`
}

func Summarize(batch BatchResult) MergeSummary {
	s := MergeSummary{
		UnifiedGroups: batch.UnifiedGroups,
		FailedGroups:  batch.FailedGroups,
		Interrupted:   batch.Interrupted,
		Groups:        make([]GroupOutcome, len(batch.Results)),
	}
	for i, r := range batch.Results {
		s.Groups[i] = Outcome(r)
	}
	return s
}

// WriteGroupsTable prints one block per group, the suggested canonical
// marked with "*".
func WriteGroupsTable(w io.Writer, groups []GroupReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, g := range groups {
		fmt.Fprintf(tw, "GROUP %d\t\t\t\t\t\t\t\n", i+1)
		fmt.Fprintln(tw, "\tID\tNAME\tDNI\tPHONE\tEMAIL\tAPPTS\tRECORDS")
		for _, m := range g.Members {
			mark := ""
			if m.ID == g.SuggestedCanonicalID {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%d\t%d\n",
				mark, m.ID, m.FullName, orDash(m.DNI), orDash(m.Phone), orDash(m.Email),
				m.AppointmentsCount, m.MedicalRecordsCount)
		}
	}
	return tw.Flush()
}

// WritePlanTable prints what a dry run would change.
func WritePlanTable(w io.Writer, plans []MergePlan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEEP\tABSORB\tBACKFILL\tAPPTS\tRECORDS\tLEADS")
	for _, p := range plans {
		fields := strings.Join(p.BackfilledFields, ",")
		if fields == "" {
			fields = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\n",
			p.Canonical.ID, joinIDs(p.DuplicateIDs, ","), fields,
			p.Dependents.Appointments, p.Dependents.MedicalRecords, p.Dependents.Leads)
	}
	return tw.Flush()
}

// WriteSummaryTable prints per-group outcomes followed by the totals.
func WriteSummaryTable(w io.Writer, s MergeSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEEP\tABSORBED\tSTATE\tREASON")
	for _, g := range s.Groups {
		reason := g.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", g.MainPatientID, joinIDs(g.MergedIDs, ","), g.State, reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nunified groups: %d\nfailed groups:  %d\n", s.UnifiedGroups, s.FailedGroups)
	if err == nil && s.Interrupted {
		_, err = fmt.Fprintln(w, "interrupted before all groups were attempted")
	}
	return err
}

func orDash(s *string) string {
	if isBlank(s) {
		return "-"
	}
	return *s
}
