//go:build integration

package integration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicroster/patient-dedup/internal/domain/dedup"
	"github.com/clinicroster/patient-dedup/internal/platform/db"
)

func newService(pool *pgxpool.Pool) *dedup.Service {
	repo := dedup.NewPatientRepo(pool, 2*time.Second)
	return dedup.NewService(repo, db.NewTransactor(pool), dedup.NewPGAuditSink(pool), dedup.DefaultSimilarity, zerolog.Nop())
}

func TestScanFindsDuplicateGroups(t *testing.T) {
	ctx := context.Background()
	pool := newSchemaPool(t, ctx)

	juan := insertPatient(t, ctx, pool, seedPatient{first: "Juan", last: "Perez", dni: ptrStr("30111222")})
	juanDup := insertPatient(t, ctx, pool, seedPatient{first: "JUAN", last: "perez", phone: ptrStr("1155554444")})
	maria := insertPatient(t, ctx, pool, seedPatient{first: "Maria", last: "Gonzalez", email: ptrStr("maria@example.com")})
	mariaDup := insertPatient(t, ctx, pool, seedPatient{first: "Maria", last: "Gonzales", email: ptrStr("MARIA@example.com")})
	insertPatient(t, ctx, pool, seedPatient{first: "Lucia", last: "Fernandez"})
	insertAppointment(t, ctx, pool, juanDup)
	insertMedicalRecord(t, ctx, pool, juanDup)

	groups, err := newService(pool).Scan(ctx, dedup.DefaultSimilarity)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, []dedup.PatientID{dedup.PatientID(juan), dedup.PatientID(juanDup)}, groups[0].MemberIDs())
	assert.Equal(t, []dedup.PatientID{dedup.PatientID(maria), dedup.PatientID(mariaDup)}, groups[1].MemberIDs())

	var counted dedup.Patient
	for _, p := range groups[0].Members {
		if p.ID == dedup.PatientID(juanDup) {
			counted = p
		}
	}
	assert.Equal(t, 1, counted.AppointmentCount)
	assert.Equal(t, 1, counted.MedicalRecordCount)
}

func TestMergeRepointsDependentsAndDeletesDuplicates(t *testing.T) {
	ctx := context.Background()
	pool := newSchemaPool(t, ctx)

	keep := insertPatient(t, ctx, pool, seedPatient{first: "Ana", last: "Lopez", dni: ptrStr("27999888"), notes: ptrStr("allergic to penicillin")})
	dup := insertPatient(t, ctx, pool, seedPatient{first: "Ana", last: "Lopez", phone: ptrStr("1144443333"), notes: ptrStr("prefers mornings")})
	other := insertPatient(t, ctx, pool, seedPatient{first: "Pablo", last: "Diaz"})

	insertAppointment(t, ctx, pool, keep)
	insertAppointment(t, ctx, pool, dup)
	insertAppointment(t, ctx, pool, dup)
	insertMedicalRecord(t, ctx, pool, dup)
	insertLead(t, ctx, pool, ptrInt64(dup))
	insertLead(t, ctx, pool, nil)
	insertAppointment(t, ctx, pool, other)

	res := newService(pool).Merge(ctx, dedup.PatientID(keep), []dedup.PatientID{dedup.PatientID(keep), dedup.PatientID(dup)})
	require.NoError(t, res.Err)
	assert.Equal(t, dedup.MergeCommitted, res.State)
	assert.Equal(t, dedup.DependentCounts{Appointments: 2, MedicalRecords: 1, Leads: 1}, res.Repointed)
	assert.Contains(t, res.BackfilledFields, "phone")

	assert.Zero(t, countRows(t, ctx, pool, `SELECT COUNT(*) FROM patient WHERE id = $1`, dup))
	assert.Equal(t, 3, countRows(t, ctx, pool, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, keep))
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, other))
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM medical_record WHERE patient_id = $1`, keep))
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM lead WHERE patient_id = $1`, keep))
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM lead WHERE patient_id IS NULL`))

	var phone, notes string
	require.NoError(t, pool.QueryRow(ctx, `SELECT phone, notes FROM patient WHERE id = $1`, keep).Scan(&phone, &notes))
	assert.Equal(t, "1144443333", phone)
	assert.True(t, strings.HasPrefix(notes, "allergic to penicillin\n--- merged from patient #"), notes)
	assert.True(t, strings.HasSuffix(notes, "\nprefers mornings"), notes)

	assert.Equal(t, 1, countRows(t, ctx, pool,
		`SELECT COUNT(*) FROM merge_audit WHERE canonical_id = $1 AND state = 'committed' AND absorbed_ids = $2`,
		keep, []int64{dup}))
}

func TestMergeAgainAfterCommitIsNotFound(t *testing.T) {
	ctx := context.Background()
	pool := newSchemaPool(t, ctx)
	svc := newService(pool)

	keep := dedup.PatientID(insertPatient(t, ctx, pool, seedPatient{first: "Rosa", last: "Suarez", dni: ptrStr("20111000")}))
	dup := dedup.PatientID(insertPatient(t, ctx, pool, seedPatient{first: "Rosa", last: "Suarez"}))

	first := svc.Merge(ctx, keep, []dedup.PatientID{keep, dup})
	require.NoError(t, first.Err)

	second := svc.Merge(ctx, keep, []dedup.PatientID{keep, dup})
	assert.True(t, errors.Is(second.Err, dedup.ErrNotFound), "got %v", second.Err)
	assert.Equal(t, dedup.MergeRolledBack, second.State)
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM patient`))
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM merge_audit WHERE state = 'rolled_back'`))
}

func TestMergeAllCommitsEachGroupIndependently(t *testing.T) {
	ctx := context.Background()
	pool := newSchemaPool(t, ctx)
	svc := newService(pool)

	a1 := insertPatient(t, ctx, pool, seedPatient{first: "Luis", last: "Romero", dni: ptrStr("111")})
	a2 := insertPatient(t, ctx, pool, seedPatient{first: "Luis", last: "Romero", dni: ptrStr("111")})
	b1 := insertPatient(t, ctx, pool, seedPatient{first: "Sofia", last: "Castro", email: ptrStr("sofia@example.com")})
	b2 := insertPatient(t, ctx, pool, seedPatient{first: "Sofia", last: "Castro", email: ptrStr("sofia@example.com")})
	insertAppointment(t, ctx, pool, a2)
	insertAppointment(t, ctx, pool, b1)

	groups, err := svc.Scan(ctx, dedup.DefaultSimilarity)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	// Remove one member behind the scan's back: that group must fail alone.
	_, err = pool.Exec(ctx, `DELETE FROM patient WHERE id = $1`, b2)
	require.NoError(t, err)

	batch := svc.MergeAll(ctx, groups)
	assert.Equal(t, 1, batch.UnifiedGroups)
	assert.Equal(t, 1, batch.FailedGroups)
	assert.Equal(t, dedup.MergeCommitted, batch.Results[0].State)
	assert.True(t, errors.Is(batch.Results[1].Err, dedup.ErrNotFound))

	assert.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM patient`))
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM patient WHERE id IN ($1, $2)`, a1, a2))
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM patient WHERE id = $1`, b1))
	assert.Equal(t, 2, countRows(t, ctx, pool, `SELECT COUNT(*) FROM appointment`))
}

func TestConcurrentMergesOfTheSameGroup(t *testing.T) {
	ctx := context.Background()
	pool := newSchemaPool(t, ctx)
	svc := newService(pool)

	keep := dedup.PatientID(insertPatient(t, ctx, pool, seedPatient{first: "Elena", last: "Ruiz", dni: ptrStr("33444555")}))
	dup := dedup.PatientID(insertPatient(t, ctx, pool, seedPatient{first: "Elena", last: "Ruiz"}))
	insertAppointment(t, ctx, pool, int64(dup))

	var wg sync.WaitGroup
	results := make([]dedup.MergeResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Merge(ctx, keep, []dedup.PatientID{keep, dup})
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, res := range results {
		if res.Committed() {
			committed++
			continue
		}
		assert.True(t, errors.Is(res.Err, dedup.ErrNotFound), "loser should see the absorbed row gone, got %v", res.Err)
	}
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, countRows(t, ctx, pool, `SELECT COUNT(*) FROM appointment WHERE patient_id = $1`, int64(keep)))
}

func TestAdvisoryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	pool := newSchemaPool(t, ctx)
	const key int64 = 424242

	release, err := db.TryAdvisoryLock(ctx, pool, key)
	require.NoError(t, err)

	_, err = db.TryAdvisoryLock(ctx, pool, key)
	assert.ErrorIs(t, err, db.ErrLockHeld)

	release()

	again, err := db.TryAdvisoryLock(ctx, pool, key)
	require.NoError(t, err)
	again()
}
