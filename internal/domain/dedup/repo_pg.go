package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicroster/patient-dedup/internal/platform/db"
)

type patientRepoPG struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPatientRepo returns the Postgres repository. lockTimeout bounds how long
// LockForMerge waits on rows held by another transaction; zero waits forever.
func NewPatientRepo(pool *pgxpool.Pool, lockTimeout time.Duration) PatientRepository {
	return &patientRepoPG{pool: pool, lockTimeout: lockTimeout}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `p.id, p.first_name, p.last_name, p.dni, p.phone, p.email, p.address,
	p.birth_date, p.origin, p.notes, p.created_at`

func (r *patientRepoPG) ListWithCounts(ctx context.Context) ([]Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+`,
			(SELECT COUNT(*) FROM appointment a WHERE a.patient_id = p.id),
			(SELECT COUNT(*) FROM medical_record m WHERE m.patient_id = p.id),
			(SELECT COUNT(*) FROM lead l WHERE l.patient_id = p.id)
		FROM patient p
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var patients []Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(
			&p.ID, &p.FirstName, &p.LastName, &p.DNI, &p.Phone, &p.Email, &p.Address,
			&p.BirthDate, &p.Origin, &p.Notes, &p.CreatedAt,
			&p.AppointmentCount, &p.MedicalRecordCount, &p.LeadCount,
		); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patients, nil
}

// LockForMerge takes FOR UPDATE locks in id order so two merges touching the
// same rows queue instead of deadlocking. While the locks are held, inserts
// of dependents referencing these rows block on the foreign key check.
func (r *patientRepoPG) LockForMerge(ctx context.Context, ids []PatientID) ([]Patient, error) {
	q := r.conn(ctx)
	if err := db.SetLocalLockTimeout(ctx, q, r.lockTimeout.Milliseconds()); err != nil {
		return nil, err
	}

	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	rows, err := q.Query(ctx, `
		SELECT `+patientCols+`
		FROM patient p
		WHERE p.id = ANY($1)
		ORDER BY p.id
		FOR UPDATE`, raw)
	if err != nil {
		return nil, fmt.Errorf("lock patients: %w", err)
	}
	patients, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Patient, error) {
		var p Patient
		err := row.Scan(
			&p.ID, &p.FirstName, &p.LastName, &p.DNI, &p.Phone, &p.Email, &p.Address,
			&p.BirthDate, &p.Origin, &p.Notes, &p.CreatedAt,
		)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("lock patients: %w", err)
	}
	return patients, nil
}

func (r *patientRepoPG) UpdateMergeFields(ctx context.Context, p *Patient) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET
			first_name=$2, last_name=$3, dni=$4, phone=$5, email=$6, address=$7,
			birth_date=$8, origin=$9, notes=$10
		WHERE id = $1`,
		int64(p.ID), p.FirstName, p.LastName, p.DNI, p.Phone, p.Email, p.Address,
		p.BirthDate, p.Origin, p.Notes,
	)
	if err != nil {
		return fmt.Errorf("update patient %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{IDs: []PatientID{p.ID}}
	}
	return nil
}

func (r *patientRepoPG) RepointDependents(ctx context.Context, from, to PatientID) (DependentCounts, error) {
	var counts DependentCounts
	q := r.conn(ctx)
	for _, t := range []struct {
		table string
		n     *int64
	}{
		{"appointment", &counts.Appointments},
		{"medical_record", &counts.MedicalRecords},
		{"lead", &counts.Leads},
	} {
		tag, err := q.Exec(ctx, `UPDATE `+t.table+` SET patient_id = $1 WHERE patient_id = $2`, int64(to), int64(from))
		if err != nil {
			return counts, fmt.Errorf("repoint %s %d -> %d: %w", t.table, from, to, err)
		}
		*t.n = tag.RowsAffected()
	}
	return counts, nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id PatientID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("delete patient %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{IDs: []PatientID{id}}
	}
	return nil
}
