package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

func newSweepCmd(jsonOutput *bool) *cobra.Command {
	var (
		prefix string
		dryRun bool
		grace  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stored objects no asset row points at",
		Long: `sweep lists the object store under --prefix and deletes every object
that is not referenced by an asset and is older than the grace period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), nil, func(rt *config.Runtime) error {
				var opts []simplemedia.SweeperOption
				opts = append(opts, simplemedia.WithDryRun(dryRun))
				if cmd.Flags().Changed("grace") {
					opts = append(opts, simplemedia.WithGracePeriod(grace))
				}

				report, err := rt.NewSweeper(opts...).Sweep(cmd.Context(), prefix)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(report)
				}
				verb := "deleted"
				if dryRun {
					verb = "would delete"
				}
				for _, id := range report.Unreferenced {
					if err := writePlain("%s asset %s\n", verb, id); err != nil {
						return err
					}
				}
				for _, key := range report.Orphans {
					if err := writePlain("%s %s\n", verb, key); err != nil {
						return err
					}
				}
				return writePlain("scanned %d, skipped %d, orphans %d, deleted %d, reclaimed %d\n",
					report.Scanned, report.Skipped, len(report.Orphans), report.Deleted, report.Reclaimed)
			})
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "only consider keys under this prefix")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphans without deleting them")
	cmd.Flags().DurationVar(&grace, "grace", time.Hour, "skip objects modified more recently than this")
	return cmd
}

func newStatusCmd(jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status <asset-id>",
		Short: "Show the processing status of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), nil, func(rt *config.Runtime) error {
				ev, err := rt.Service.Status(cmd.Context(), id)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(ev)
				}
				if err := writePlain("%s %s\n", ev.AssetID, ev.State); err != nil {
					return err
				}
				for _, v := range ev.Variants {
					if err := writePlain("  %-10s %s\n", v.Variant, v.PublicURL); err != nil {
						return err
					}
				}
				if ev.Error != "" {
					return writePlain("  error: %s\n", ev.Error)
				}
				return nil
			})
		},
	}
}

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <asset-id> [<asset-id>...]",
		Short: "Enqueue derivative generation again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := parseAssetID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return withRuntime(cmd.Context(), nil, func(rt *config.Runtime) error {
				if rt.Config.RedisURL == "" {
					return errors.New("reprocess needs REDIS_URL so a worker can pick up the task")
				}
				for _, id := range ids {
					if err := rt.Service.Reprocess(cmd.Context(), id); err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					if err := writePlain("enqueued %s\n", id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newTaskCmd(jsonOutput *bool) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect derivative-generation tasks",
	}

	infoCmd := &cobra.Command{
		Use:   "info <asset-id>",
		Short: "Show the queue record of an asset's task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAssetID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), nil, func(rt *config.Runtime) error {
				info, err := rt.Queue.Info(cmd.Context(), id)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(info)
				}
				if err := writePlain("%s state=%s attempt=%d updated=%s\n",
					info.ID, info.State, info.Attempt, info.UpdatedAt.Format(time.RFC3339)); err != nil {
					return err
				}
				if info.LastError != "" {
					return writePlain("  last error: %s\n", info.LastError)
				}
				return nil
			})
		},
	}

	taskCmd.AddCommand(infoCmd)
	return taskCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the media_asset schema in Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adjust := func(cfg *config.ServerConfig) {
				cfg.AutoMigrate = true
			}
			return withRuntime(cmd.Context(), adjust, func(rt *config.Runtime) error {
				if rt.Config.DatabaseType != "postgres" {
					return errors.New("migrate needs a postgres DATABASE_URL")
				}
				return writePlain("schema %q is up to date\n", rt.Config.DBSchema)
			})
		},
	}
}

func parseAssetID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid asset id %q: %w", s, err)
	}
	return id, nil
}
