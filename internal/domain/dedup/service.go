package dedup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Service wires the pipeline: scan -> cluster -> select canonical, and the
// separate merge step the caller triggers after confirmation.
type Service struct {
	scanner   *Scanner
	merger    *MergeExecutor
	audit     AuditSink
	threshold int
	logger    zerolog.Logger
}

// NewService builds a Service. A nil audit sink discards outcomes.
func NewService(repo PatientRepository, tx Transactor, audit AuditSink, threshold int, logger zerolog.Logger) *Service {
	if audit == nil {
		audit = MultiAuditSink{}
	}
	return &Service{
		scanner:   NewScanner(repo),
		merger:    NewMergeExecutor(repo, tx),
		audit:     audit,
		threshold: threshold,
		logger:    logger,
	}
}

func (s *Service) DefaultThreshold() int {
	return s.threshold
}

// Scan finds duplicate groups at threshold and picks each group's canonical
// record. The store is only read.
func (s *Service) Scan(ctx context.Context, threshold int) ([]DuplicateGroupCandidate, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	patients, err := s.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	groups := BuildGroups(patients, threshold)
	AssignCanonical(groups)
	s.logger.Debug().Int("patients", len(patients)).Int("groups", len(groups)).Int("threshold", threshold).Msg("duplicate scan")
	return groups, nil
}

// Merge merges one explicit group. ids is the full group and must contain
// canonicalID plus at least one other patient.
func (s *Service) Merge(ctx context.Context, canonicalID PatientID, ids []PatientID) MergeResult {
	group := normalizeIDs(ids)
	dups := make([]PatientID, 0, len(group))
	inGroup := false
	for _, id := range group {
		if id == canonicalID {
			inGroup = true
			continue
		}
		dups = append(dups, id)
	}

	var res MergeResult
	switch {
	case len(group) < 2:
		res = MergeResult{CanonicalID: canonicalID, DuplicateIDs: dups, State: MergePending,
			Err: validationErrorf("a group needs at least 2 distinct patients, got %d", len(group))}
	case canonicalID <= 0:
		res = MergeResult{DuplicateIDs: dups, State: MergePending,
			Err: validationErrorf("main patient id is required")}
	case !inGroup:
		res = MergeResult{CanonicalID: canonicalID, DuplicateIDs: dups, State: MergePending,
			Err: validationErrorf("main patient %d is not in the group", canonicalID)}
	default:
		res = s.merger.Merge(ctx, canonicalID, dups)
	}

	if err := s.audit.Record(context.WithoutCancel(ctx), res); err != nil {
		s.logger.Error().Err(err).Str("group_id", res.GroupID.String()).Msg("record merge outcome")
	}
	return res
}

// MergeAll merges groups in order, each in its own transaction. A failing
// group is recorded and the batch moves on. Cancelling ctx stops the batch
// before the next group; a group already in its transaction runs to
// completion.
func (s *Service) MergeAll(ctx context.Context, groups []DuplicateGroupCandidate) BatchResult {
	var batch BatchResult
	for _, g := range groups {
		if ctx.Err() != nil {
			batch.Interrupted = true
			break
		}
		res := s.Merge(context.WithoutCancel(ctx), g.CanonicalID, g.MemberIDs())
		if res.Committed() {
			batch.UnifiedGroups++
		} else {
			batch.FailedGroups++
		}
		batch.Results = append(batch.Results, res)
	}
	return batch
}

// Preview computes the merge plan for every group without writing.
func (s *Service) Preview(groups []DuplicateGroupCandidate) ([]MergePlan, error) {
	now := s.merger.now()
	plans := make([]MergePlan, 0, len(groups))
	for _, g := range groups {
		plan, err := PlanMerge(g, now)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// SetClock replaces the time source used for note provenance lines.
func (s *Service) SetClock(now func() time.Time) {
	s.merger.now = now
}
