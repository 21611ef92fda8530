package dedup

// Score weights how complete and how used a record is.
//
//	10·dni + 5·phone + 5·email + 3·address + 2·birthDate
//	+ 2·appointments + 1·medicalRecords
func Score(p Patient) int {
	score := 0
	if !isBlank(p.DNI) {
		score += 10
	}
	if !isBlank(p.Phone) {
		score += 5
	}
	if !isBlank(p.Email) {
		score += 5
	}
	if !isBlank(p.Address) {
		score += 3
	}
	if p.BirthDate != nil {
		score += 2
	}
	score += 2*p.AppointmentCount + p.MedicalRecordCount
	return score
}

// ranksBefore orders candidates by (score desc, createdAt desc, id asc).
// The id comparison makes the order total.
func ranksBefore(a, b Patient) bool {
	if sa, sb := Score(a), Score(b); sa != sb {
		return sa > sb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SelectCanonical returns the record to keep. An empty group yields the zero
// Patient.
func SelectCanonical(group []Patient) Patient {
	if len(group) == 0 {
		return Patient{}
	}
	best := group[0]
	for _, p := range group[1:] {
		if ranksBefore(p, best) {
			best = p
		}
	}
	return best
}
