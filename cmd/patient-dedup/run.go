package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/clinicroster/patient-dedup/internal/domain/dedup"
	"github.com/clinicroster/patient-dedup/internal/platform/db"
)

// batchLockKey is the pg advisory lock key held for the whole of a
// merging run, so two runs never merge at the same time.
const batchLockKey int64 = 0x7064_6475_7000

type runOptions struct {
	dryRun     bool
	auto       bool
	similarity int
}

func scanCmd() *cobra.Command {
	var similarity int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List duplicate groups without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			opts := runOptions{dryRun: true, similarity: a.cfg.Similarity}
			if cmd.Flags().Changed("similarity") {
				opts.similarity = similarity
			}
			_, err = runDedup(cmd.Context(), a.svc, opts, nil, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().IntVar(&similarity, "similarity", dedup.DefaultSimilarity, "Full-name similarity threshold (0-100)")
	return cmd
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan for duplicates and merge the confirmed groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := dedup.ValidateThreshold(opts.similarity); err != nil {
				return err
			}
			if !opts.dryRun && !opts.auto && !isTerminal(os.Stdin) {
				return errors.New("stdin is not a terminal: pass --auto to merge without confirmation or --dry-run to only report")
			}

			a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if !cmd.Flags().Changed("similarity") {
				opts.similarity = a.cfg.Similarity
			}

			if !opts.dryRun {
				release, err := db.TryAdvisoryLock(cmd.Context(), a.pool, batchLockKey)
				if errors.Is(err, db.ErrLockHeld) {
					return errors.New("another dedup run is already merging; try again later")
				}
				if err != nil {
					return err
				}
				defer release()
			}

			_, err = runDedup(cmd.Context(), a.svc, opts, cmd.InOrStdin(), cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Only report groups and the planned changes")
	cmd.Flags().BoolVar(&opts.auto, "auto", false, "Merge every group without asking")
	cmd.Flags().IntVar(&opts.similarity, "similarity", dedup.DefaultSimilarity, "Full-name similarity threshold (0-100)")
	return cmd
}

func mergeCmd() *cobra.Command {
	var canonical int64
	cmd := &cobra.Command{
		Use:   "merge --canonical=<id> <id>...",
		Short: "Merge the given patients into the canonical one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			ids = append(ids, dedup.PatientID(canonical))

			a, err := loadApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.svc.Merge(cmd.Context(), dedup.PatientID(canonical), ids)
			if errors.Is(res.Err, dedup.ErrValidation) {
				return res.Err
			}

			batch := dedup.BatchResult{Results: []dedup.MergeResult{res}}
			if res.Committed() {
				batch.UnifiedGroups = 1
			} else {
				batch.FailedGroups = 1
			}
			return dedup.WriteSummaryTable(cmd.OutOrStdout(), dedup.Summarize(batch))
		},
	}
	cmd.Flags().Int64Var(&canonical, "canonical", 0, "Id of the patient to keep")
	_ = cmd.MarkFlagRequired("canonical")
	return cmd
}

// runDedup is the scan -> confirm -> merge flow shared by scan and run. in
// is only read when neither dryRun nor auto is set.
func runDedup(ctx context.Context, svc *dedup.Service, opts runOptions, in io.Reader, out io.Writer) (dedup.MergeSummary, error) {
	groups, err := svc.Scan(ctx, opts.similarity)
	if err != nil {
		return dedup.MergeSummary{}, err
	}

	fmt.Fprintf(out, "Found %d duplicate group(s) at similarity %d.\n\n", len(groups), opts.similarity)
	if len(groups) == 0 {
		return dedup.MergeSummary{}, nil
	}
	reports := dedup.BuildReport(groups)
	if err := dedup.WriteGroupsTable(out, reports); err != nil {
		return dedup.MergeSummary{}, err
	}

	if opts.dryRun {
		plans, err := svc.Preview(groups)
		if err != nil {
			return dedup.MergeSummary{}, err
		}
		fmt.Fprintln(out, "\nDry run, nothing was changed. Planned merges:")
		return dedup.MergeSummary{}, dedup.WritePlanTable(out, plans)
	}

	selected := groups
	if !opts.auto {
		selected = confirmGroups(groups, in, out)
	}

	summary := dedup.Summarize(svc.MergeAll(ctx, selected))
	fmt.Fprintln(out)
	return summary, dedup.WriteSummaryTable(out, summary)
}

// confirmGroups asks y/N/q for each group. q, or the end of input, skips
// every remaining group.
func confirmGroups(groups []dedup.DuplicateGroupCandidate, in io.Reader, out io.Writer) []dedup.DuplicateGroupCandidate {
	scanner := bufio.NewScanner(in)
	var selected []dedup.DuplicateGroupCandidate
	for i, g := range groups {
		fmt.Fprintf(out, "\nMerge group %d into patient #%d (absorbing %s)? [y/N/q]: ",
			i+1, g.CanonicalID, formatIDs(g.DuplicateIDs()))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			break
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer == "q" {
			break
		}
		if answer == "y" || answer == "yes" {
			selected = append(selected, g)
		}
	}
	return selected
}

func parseIDs(args []string) ([]dedup.PatientID, error) {
	ids := make([]dedup.PatientID, 0, len(args))
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid patient id %q", part)
			}
			ids = append(ids, dedup.PatientID(n))
		}
	}
	return ids, nil
}

func formatIDs(ids []dedup.PatientID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "#" + strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, ", ")
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
