package dedup

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/clinicroster/patient-dedup/internal/platform/auth"
)

// AuditSink receives the outcome of every merge attempt, committed or not.
type AuditSink interface {
	Record(ctx context.Context, res MergeResult) error
}

// LogAuditSink writes merge outcomes to a zerolog logger.
type LogAuditSink struct {
	logger zerolog.Logger
}

func NewLogAuditSink(logger zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger.With().Str("component", "merge_audit").Logger()}
}

func (s *LogAuditSink) Record(ctx context.Context, res MergeResult) error {
	ev := s.logger.Info()
	if res.Err != nil {
		ev = s.logger.Warn().Err(res.Err)
	}
	if user := auth.UserIDFromContext(ctx); user != "" {
		ev = ev.Str("user", user)
	}
	ev.Str("group_id", res.GroupID.String()).
		Int64("canonical_id", int64(res.CanonicalID)).
		Str("absorbed", joinIDs(res.DuplicateIDs, ",")).
		Str("state", string(res.State)).
		Int64("repointed_appointments", res.Repointed.Appointments).
		Int64("repointed_medical_records", res.Repointed.MedicalRecords).
		Int64("repointed_leads", res.Repointed.Leads).
		Strs("backfilled", res.BackfilledFields).
		Msg("patient merge")
	return nil
}

// PGAuditSink appends one row per merge attempt to merge_audit. It runs
// outside the merge transaction so rolled-back attempts are kept too.
type PGAuditSink struct {
	pool *pgxpool.Pool
}

func NewPGAuditSink(pool *pgxpool.Pool) *PGAuditSink {
	return &PGAuditSink{pool: pool}
}

func (s *PGAuditSink) Record(ctx context.Context, res MergeResult) error {
	absorbed := make([]int64, len(res.DuplicateIDs))
	for i, id := range res.DuplicateIDs {
		absorbed[i] = int64(id)
	}
	var errText *string
	if res.Err != nil {
		errText = strPtr(res.Err.Error())
	}
	var actor *string
	if user := auth.UserIDFromContext(ctx); user != "" {
		actor = &user
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO merge_audit (
			group_id, canonical_id, absorbed_ids, state,
			repointed_appointments, repointed_medical_records, repointed_leads,
			backfilled_fields, error, actor
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		res.GroupID, int64(res.CanonicalID), absorbed, string(res.State),
		res.Repointed.Appointments, res.Repointed.MedicalRecords, res.Repointed.Leads,
		res.BackfilledFields, errText, actor,
	)
	if err != nil {
		return fmt.Errorf("merge audit: insert: %w", err)
	}
	return nil
}

// MultiAuditSink fans a result out to every sink. All sinks are called even
// if one fails; the errors are combined.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, res MergeResult) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Record(ctx, res))
	}
	return err
}

func joinIDs(ids []PatientID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, sep)
}
