package dedup

import "context"

// PatientReader loads the whole roster for a scan.
type PatientReader interface {
	// ListWithCounts returns every patient with its appointment, medical
	// record and lead counts filled in.
	ListWithCounts(ctx context.Context) ([]Patient, error)
}

// PatientRepository is the store MergeExecutor writes through. All methods
// except ListWithCounts are expected to run inside a Transactor callback.
type PatientRepository interface {
	PatientReader

	// LockForMerge row-locks the given patients in ascending id order and
	// returns the ones that still exist. Missing ids are simply absent.
	LockForMerge(ctx context.Context, ids []PatientID) ([]Patient, error)
	// UpdateMergeFields writes the backfillable columns and notes of p.
	UpdateMergeFields(ctx context.Context, p *Patient) error
	// RepointDependents moves appointments, medical records and leads from
	// one patient to another.
	RepointDependents(ctx context.Context, from, to PatientID) (DependentCounts, error)
	Delete(ctx context.Context, id PatientID) error
}

// Transactor runs fn in a single transaction carried by ctx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
