package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicroster/patient-dedup/internal/config"
	"github.com/clinicroster/patient-dedup/internal/domain/dedup"
	"github.com/clinicroster/patient-dedup/internal/platform/db"
)

func main() {
	// Cancelled on SIGINT/SIGTERM. Commands see it through cmd.Context().
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "patient-dedup",
		Short:        "Find and merge duplicate patient records",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

// newLogger builds the process logger: JSON in production, console output
// in development.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// app is what every subcommand needs once config and the pool are up.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	svc    *dedup.Service
}

func loadApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg, logOut)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	sink := dedup.MultiAuditSink{
		dedup.NewLogAuditSink(logger),
		dedup.NewPGAuditSink(pool),
	}
	repo := dedup.NewPatientRepo(pool, cfg.LockTimeout)
	svc := dedup.NewService(repo, db.NewTransactor(pool), sink, cfg.Similarity, logger)

	return &app{cfg: cfg, logger: logger, pool: pool, svc: svc}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewDirMigrator(pool, dir), pool.Close, nil
}
