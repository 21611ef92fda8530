package dedup

import (
	"context"
	"errors"
	"time"
)

// memStore is an in-memory PatientRepository and Transactor. InTx snapshots
// the whole store and restores it when the callback fails, so rollback is
// observable in tests.
type memStore struct {
	patients     map[PatientID]Patient
	appointments map[int64]PatientID
	records      map[int64]PatientID
	leads        map[int64]PatientID
	nextDepID    int64

	// failOn makes the named method fail; failAfter skips that many calls
	// first.
	failOn    string
	failAfter int
	calls     map[string]int

	inTx    bool
	commits int
}

var errInjected = errors.New("injected store failure")

func newMemStore(patients ...Patient) *memStore {
	s := &memStore{
		patients:     make(map[PatientID]Patient),
		appointments: make(map[int64]PatientID),
		records:      make(map[int64]PatientID),
		leads:        make(map[int64]PatientID),
		calls:        make(map[string]int),
	}
	for _, p := range patients {
		s.patients[p.ID] = p
	}
	return s
}

func (s *memStore) addAppointments(id PatientID, n int) {
	for i := 0; i < n; i++ {
		s.nextDepID++
		s.appointments[s.nextDepID] = id
	}
}

func (s *memStore) addRecords(id PatientID, n int) {
	for i := 0; i < n; i++ {
		s.nextDepID++
		s.records[s.nextDepID] = id
	}
}

func (s *memStore) addLeads(id PatientID, n int) {
	for i := 0; i < n; i++ {
		s.nextDepID++
		s.leads[s.nextDepID] = id
	}
}

func (s *memStore) fail(method string) error {
	s.calls[method]++
	if s.failOn == method && s.calls[method] > s.failAfter {
		return errInjected
	}
	return nil
}

func countFor(m map[int64]PatientID, id PatientID) int {
	n := 0
	for _, pid := range m {
		if pid == id {
			n++
		}
	}
	return n
}

// danglingRefs counts dependents pointing at patients that do not exist.
func (s *memStore) danglingRefs() int {
	n := 0
	for _, m := range []map[int64]PatientID{s.appointments, s.records, s.leads} {
		for _, pid := range m {
			if _, ok := s.patients[pid]; !ok {
				n++
			}
		}
	}
	return n
}

func (s *memStore) ListWithCounts(ctx context.Context) ([]Patient, error) {
	if err := s.fail("ListWithCounts"); err != nil {
		return nil, err
	}
	// Map iteration order is random; the scanner sorts.
	out := make([]Patient, 0, len(s.patients))
	for _, p := range s.patients {
		p.AppointmentCount = countFor(s.appointments, p.ID)
		p.MedicalRecordCount = countFor(s.records, p.ID)
		p.LeadCount = countFor(s.leads, p.ID)
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) LockForMerge(ctx context.Context, ids []PatientID) ([]Patient, error) {
	if !s.inTx {
		return nil, errors.New("LockForMerge outside transaction")
	}
	if err := s.fail("LockForMerge"); err != nil {
		return nil, err
	}
	var out []Patient
	for _, id := range ids {
		if p, ok := s.patients[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) UpdateMergeFields(ctx context.Context, p *Patient) error {
	if err := s.fail("UpdateMergeFields"); err != nil {
		return err
	}
	if _, ok := s.patients[p.ID]; !ok {
		return &NotFoundError{IDs: []PatientID{p.ID}}
	}
	s.patients[p.ID] = *p
	return nil
}

func (s *memStore) RepointDependents(ctx context.Context, from, to PatientID) (DependentCounts, error) {
	if err := s.fail("RepointDependents"); err != nil {
		return DependentCounts{}, err
	}
	repoint := func(m map[int64]PatientID) int64 {
		var n int64
		for k, pid := range m {
			if pid == from {
				m[k] = to
				n++
			}
		}
		return n
	}
	return DependentCounts{
		Appointments:   repoint(s.appointments),
		MedicalRecords: repoint(s.records),
		Leads:          repoint(s.leads),
	}, nil
}

func (s *memStore) Delete(ctx context.Context, id PatientID) error {
	if err := s.fail("Delete"); err != nil {
		return err
	}
	if _, ok := s.patients[id]; !ok {
		return &NotFoundError{IDs: []PatientID{id}}
	}
	if countFor(s.appointments, id)+countFor(s.records, id)+countFor(s.leads, id) > 0 {
		return errors.New("foreign key violation")
	}
	delete(s.patients, id)
	return nil
}

type memSnapshot struct {
	patients                     map[PatientID]Patient
	appointments, records, leads map[int64]PatientID
}

func copyDeps(m map[int64]PatientID) map[int64]PatientID {
	out := make(map[int64]PatientID, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := memSnapshot{
		patients:     make(map[PatientID]Patient, len(s.patients)),
		appointments: copyDeps(s.appointments),
		records:      copyDeps(s.records),
		leads:        copyDeps(s.leads),
	}
	for k, v := range s.patients {
		snap.patients[k] = v
	}

	s.inTx = true
	err := fn(ctx)
	s.inTx = false
	if err != nil {
		s.patients = snap.patients
		s.appointments = snap.appointments
		s.records = snap.records
		s.leads = snap.leads
		return err
	}
	s.commits++
	return nil
}

// recordingSink keeps every result it receives.
type recordingSink struct {
	results []MergeResult
	err     error
}

func (r *recordingSink) Record(_ context.Context, res MergeResult) error {
	r.results = append(r.results, res)
	return r.err
}

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func patient(id PatientID, first, last string) Patient {
	return Patient{ID: id, FirstName: first, LastName: last, CreatedAt: baseTime.Add(time.Duration(id) * time.Hour)}
}

func (p Patient) withDNI(v string) Patient     { p.DNI = strPtr(v); return p }
func (p Patient) withPhone(v string) Patient   { p.Phone = strPtr(v); return p }
func (p Patient) withEmail(v string) Patient   { p.Email = strPtr(v); return p }
func (p Patient) withAddress(v string) Patient { p.Address = strPtr(v); return p }
func (p Patient) withNotes(v string) Patient   { p.Notes = strPtr(v); return p }
