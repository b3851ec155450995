package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"refledger/pkg/config"
	"refledger/pkg/db"
	gos3 "refledger/pkg/s3"
	"refledger/services/api"
	"refledger/services/archive"
	"refledger/services/ledger"
	"refledger/services/ledger/pgstore"
)

const defaultActor = "ops:ledgerctl"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operator utility for the referral ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newRecomputeCommand())
	cmd.AddCommand(newArchiveCommand())
	cmd.AddCommand(newTokenCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// session holds the database-backed dependencies of a command.
type session struct {
	cfg    config.Config
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := config.SetupLogging(cfg.LogLevel, cfg.LogFormat)
	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &session{cfg: cfg, pool: pool, logger: logger}, nil
}

func (s *session) Close() {
	s.pool.Close()
}

func (s *session) service() (*ledger.Service, error) {
	orm, err := db.OpenORM(s.pool)
	if err != nil {
		return nil, err
	}
	store, err := pgstore.New(s.pool, orm)
	if err != nil {
		return nil, err
	}
	rate, err := s.cfg.CommissionRate()
	if err != nil {
		return nil, err
	}
	return ledger.NewService(store, ledger.Options{
		BaseURL:       s.cfg.PublicBaseURL,
		Codes:         ledger.NewCodeGenerator(s.cfg.Codes.MaxAttempts, s.cfg.Codes.SuffixLength),
		Commission:    ledger.CommissionPolicy{Rate: rate, Places: 2},
		Retry:         ledger.RetryPolicy{MaxAttempts: s.cfg.Ledger.RetryMaxAttempts, BaseDelay: s.cfg.Ledger.RetryBaseDelay},
		SummaryRowCap: s.cfg.Ledger.SummaryRowCap,
		Logger:        s.logger,
	})
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			return db.Migrate(ctx, s.pool)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the applied state of every migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			return db.MigrationStatus(ctx, s.pool)
		},
	})
	return cmd
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check stored aggregates against signups and payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			svc, err := s.service()
			if err != nil {
				return err
			}
			violations, err := svc.Verify(ctx)
			if err != nil {
				return err
			}
			return reportViolations(cmd.OutOrStdout(), violations)
		},
	}
}

func reportViolations(w io.Writer, violations []ledger.Violation) error {
	for _, v := range violations {
		fmt.Fprintf(w, "%s\t%s\tstored=%s\tderived=%s\n", v.ReferralID, v.Field, v.Stored, v.Derived)
	}
	if len(violations) > 0 {
		return fmt.Errorf("%d violations found", len(violations))
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func newRecomputeCommand() *cobra.Command {
	var (
		referral string
		all      bool
		actor    string
	)

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Re-derive referral aggregates from source rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (referral == "") == !all {
				return errors.New("exactly one of --referral or --all is required")
			}
			ctx := commandContext(cmd)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			svc, err := s.service()
			if err != nil {
				return err
			}

			if all {
				changed, err := svc.RecomputeAll(ctx, actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recomputed all referrals, %d changed\n", changed)
				return nil
			}

			id, err := uuid.Parse(referral)
			if err != nil {
				return fmt.Errorf("invalid --referral: %w", err)
			}
			ref, err := svc.Recompute(ctx, actor, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\treferrals=%d\tearnings=%s\tytd=%s (%d)\n",
				ref.ID, ref.TotalReferrals, ref.TotalEarnings.StringFixed(2), ref.YearToDateEarnings.StringFixed(2), ref.YTDYear)
			return nil
		},
	}

	cmd.Flags().StringVar(&referral, "referral", "", "Referral id to recompute")
	cmd.Flags().BoolVar(&all, "all", false, "Recompute every referral")
	cmd.Flags().StringVar(&actor, "actor", defaultActor, "Actor recorded in the audit log")
	return cmd
}

func newArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Signed ledger archive export and verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newArchiveExportCommand())
	cmd.AddCommand(newArchiveVerifyCommand())
	cmd.AddCommand(newArchiveListCommand())
	return cmd
}

func newArchiveListCommand() *cobra.Command {
	var bucket, prefix string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucket == "" {
				return errors.New("--bucket or ARCHIVE_BUCKET is required")
			}
			ctx := commandContext(cmd)
			client, err := gos3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			objects, err := client.List(ctx, bucket, prefix)
			if err != nil {
				return err
			}
			for _, obj := range objects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", obj.Key, obj.Size, obj.LastModified.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", os.Getenv("ARCHIVE_BUCKET"), "Bucket holding archives")
	cmd.Flags().StringVar(&prefix, "prefix", os.Getenv("ARCHIVE_PREFIX"), "Key prefix of archives")
	return cmd
}

func newArchiveExportCommand() *cobra.Command {
	var (
		output string
		upload bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a signed archive of every ledger table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			svc, err := s.service()
			if err != nil {
				return err
			}
			signer, err := archive.NewSigner(s.cfg.Archive.AgeSecretKey, s.cfg.Archive.AgePublicKey)
			if err != nil {
				return err
			}

			exportCfg := archive.ExportConfig{
				Output: output,
				Signer: signer,
				Stdout: cmd.OutOrStdout(),
			}
			if upload {
				if s.cfg.Archive.Bucket == "" {
					return errors.New("ARCHIVE_BUCKET is required for --upload")
				}
				client, err := gos3.NewClientFromEnv(ctx)
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				exportCfg.S3 = client
				exportCfg.Bucket = s.cfg.Archive.Bucket
				exportCfg.Prefix = s.cfg.Archive.Prefix
			}

			res, err := archive.Export(ctx, svc, exportCfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sha256 %s\n", res.SHA256)
			if res.URL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "download %s\n", res.URL)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination archive file (tar.zst)")
	cmd.Flags().BoolVar(&upload, "upload", false, "Upload the archive to ARCHIVE_BUCKET")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newArchiveVerifyCommand() *cobra.Command {
	var (
		file   string
		bucket string
		key    string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check an archive's signature, checksums and aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (key == "") {
				return errors.New("exactly one of --file or --key is required")
			}
			ctx := commandContext(cmd)
			signer, err := archive.NewSignerFromEnv()
			if err != nil {
				return err
			}

			var report *archive.Report
			if file != "" {
				report, err = archive.VerifyFile(ctx, file, signer)
			} else {
				client, cerr := gos3.NewClientFromEnv(ctx)
				if cerr != nil {
					return fmt.Errorf("s3 client: %w", cerr)
				}
				report, err = archive.VerifyObject(ctx, client, bucket, key, signer)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "verified archive of %s signed at %s: %d referrals, %d signups, %d payments, %d audit entries\n",
				report.Manifest.SnapshotAt.Format(time.RFC3339), report.Manifest.CreatedAt.Format(time.RFC3339),
				report.Referrals, report.Signups, report.Payments, report.Audit)
			return reportViolations(cmd.OutOrStdout(), report.Violations)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to a local archive")
	cmd.Flags().StringVar(&bucket, "bucket", os.Getenv("ARCHIVE_BUCKET"), "Bucket holding the archive")
	cmd.Flags().StringVar(&key, "key", "", "Object key of a stored archive")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the ledger API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != api.RoleService && role != api.RoleAdmin {
				return fmt.Errorf("unknown role %q", role)
			}
			auth, err := api.NewAuthenticator(os.Getenv("JWT_SIGNING_KEY"))
			if err != nil {
				return err
			}
			token, err := auth.Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, recorded as the audit actor")
	cmd.Flags().StringVar(&role, "role", api.RoleService, "Role: service or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
