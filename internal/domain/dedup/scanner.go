package dedup

import (
	"context"
	"fmt"
)

// Scanner loads the roster for one scan pass. It never writes.
type Scanner struct {
	reader PatientReader
}

func NewScanner(reader PatientReader) *Scanner {
	return &Scanner{reader: reader}
}

// Scan returns every patient sorted by ascending id, whatever order the
// reader produced them in.
func (s *Scanner) Scan(ctx context.Context) ([]Patient, error) {
	patients, err := s.reader.ListWithCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan patients: %w", err)
	}
	return sortedByID(patients), nil
}
