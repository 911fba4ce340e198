package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/FieldLedger/internal/app"
	"github.com/dharsanguruparan/FieldLedger/internal/archive"
	"github.com/dharsanguruparan/FieldLedger/internal/auth"
	"github.com/dharsanguruparan/FieldLedger/internal/config"
	"github.com/dharsanguruparan/FieldLedger/internal/database"
	"github.com/dharsanguruparan/FieldLedger/internal/delivery"
	"github.com/dharsanguruparan/FieldLedger/internal/ledger"
	"github.com/dharsanguruparan/FieldLedger/internal/logging"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

// env bundles what every subcommand loads first.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
}

func loadEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logging.New(cfg.LogLevel, cfg.LogFormat)}, nil
}

// withStore opens the queue, runs fn and closes the queue again.
func withStore(ctx context.Context, fn func(e *env, store app.Store) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	store, closeStore, err := app.OpenStore(ctx, e.cfg, app.WorkerID("cli"), e.logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(e, store)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if err := e.cfg.ValidateQueue(); err != nil {
				return err
			}
			return database.Migrate(e.cfg.DatabaseURL, e.logger)
		},
	}
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the durable report queue",
	}
	cmd.AddCommand(
		newQueueStatsCmd(),
		newQueueFailedCmd(),
		newQueueRetryCmd(),
		newQueuePurgeCmd(),
		newQueueArchiveCmd(),
	)
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *env, store app.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printStats(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func printStats(w io.Writer, stats model.QueueStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "queued\t%d\n", stats.Queued)
	fmt.Fprintf(tw, "processing\t%d\n", stats.Processing)
	fmt.Fprintf(tw, "done\t%d\n", stats.Done)
	fmt.Fprintf(tw, "failed\t%d\n", stats.Failed)
	return tw.Flush()
}

func newQueueFailedCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List dead-lettered records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *env, store app.Store) error {
				records, err := store.ListFailed(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(records)
				}
				return printFailed(cmd.OutOrStdout(), records)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func printFailed(w io.Writer, records []model.QueueRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tATTEMPTS\tUPDATED\tUSER\tERROR")
	for _, rec := range records {
		user := "?"
		var report model.Report
		if err := json.Unmarshal(rec.Payload, &report); err == nil {
			user = strconv.FormatInt(report.Identity.UserID, 10)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", rec.ID, rec.Attempts, rec.UpdatedAt.Format(time.RFC3339), user, rec.LastError)
	}
	return tw.Flush()
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>...",
		Short: "Re-queue failed records at the tail of the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(_ *env, store app.Store) error {
				for _, id := range ids {
					newID, err := store.Retry(cmd.Context(), id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "record %d re-queued as %d\n", id, newID)
				}
				return nil
			})
		},
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid record id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newQueuePurgeCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withStore(cmd.Context(), func(_ *env, store app.Store) error {
				n, err := store.PurgeDone(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d done records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Only delete records last updated before this age")
	return cmd
}

func newQueueArchiveCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload dead-lettered records to the S3 archive bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(e *env, store app.Store) error {
				ctx := cmd.Context()
				records, err := store.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no failed records")
					return nil
				}
				s3, err := archive.New(e.cfg)
				if err != nil {
					return err
				}
				if err := s3.EnsureBucket(ctx); err != nil {
					return err
				}
				key, err := s3.Upload(ctx, records, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d records to %s/%s\n", len(records), e.cfg.S3Bucket, key)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "Maximum number of records to archive")
	return cmd
}

func newWhitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Inspect the authorization whitelist",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <user-id> [handle]",
		Short: "Report whether a user may submit reports",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			handle := ""
			if len(args) == 2 {
				handle = args[1]
			}
			wl, err := auth.LoadFile(e.cfg.WhitelistPath)
			if err != nil {
				return fmt.Errorf("whitelist %s: %w", e.cfg.WhitelistPath, err)
			}
			ids, handles := wl.Size()
			verdict := "denied"
			if wl.IsAllowed(id, handle) {
				verdict = "allowed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d ids, %d usernames in %s)\n", verdict, ids, handles, e.cfg.WhitelistPath)
			return nil
		},
	})
	return cmd
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued reports to the ledger now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(e *env, store app.Store) error {
				ctx := cmd.Context()
				if err := requireSharedLock(e.cfg); err != nil {
					return err
				}
				sink, err := ledger.NewFromConfig(ctx, e.cfg, e.logger)
				if err != nil {
					return err
				}
				rdb := app.NewRedis(e.cfg)
				if rdb != nil {
					defer rdb.Close()
				}
				orchestrator := delivery.New(delivery.Deps{
					Sink:     sink,
					Queue:    store,
					Locker:   app.NewLocker(rdb, e.logger),
					Location: e.cfg.Timezone,
					Policy:   delivery.PolicyFromConfig(e.cfg.Drain),
					Logger:   e.logger,
				})
				res, err := orchestrator.Drain(ctx)
				if err != nil {
					return err
				}
				if res.Skipped {
					fmt.Fprintln(cmd.OutOrStdout(), "another drain is running; nothing done")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, failed %d, released %d, undecodable %d\n",
					res.Delivered, res.Failed, res.Released, res.Undecodable)
				return nil
			})
		},
	}
}

// requireSharedLock refuses a drain of the shared Postgres queue without the
// Redis drain lock: a drain re-queues processing records, which is only safe
// when no other process can be delivering them.
func requireSharedLock(cfg *config.Config) error {
	if cfg.QueueBackend == config.BackendPostgres && !cfg.RedisEnabled() {
		return fmt.Errorf("REDIS_ADDR is not set; draining the shared queue needs the Redis drain lock")
	}
	return nil
}
