package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/cricket/internal/analytics"
	"github.com/your-org/cricket/internal/models"
	"github.com/your-org/cricket/internal/storage"
	"github.com/your-org/cricket/internal/upload"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and apply pending column migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("close store: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the analytics summary and recent analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListDetections(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printSummary(out, analytics.Summarize(records))
			printRecords(out, records, limit)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent analyses to list (0 for all)")
	return cmd
}

func printSummary(out io.Writer, s analytics.Summary) {
	fmt.Fprintf(out, "Total shots: %d\n", s.TotalShots)
	fmt.Fprintf(out, "Hits:        %d (%.1f%%)\n", s.Hits, s.HitRate*100)

	rows := make([][]string, 0, len(s.ShotDistribution))
	for _, sc := range s.ShotDistribution {
		rows = append(rows, []string{sc.Name, strconv.Itoa(sc.Count)})
	}
	fmt.Fprintln(out, renderTable([]string{"Shot", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func printRecords(out io.Writer, records []models.DetectionRecord, limit int) {
	if len(records) == 0 {
		fmt.Fprintln(out, "Analyses: none")
		return
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	const stampLayout = "2006-01-02 15:04:05"
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		shot, conf := "-", "-"
		if dets, err := r.Detections(); err == nil && len(dets) > 0 {
			shot = analytics.ShotName(dets[0].ClassName, dets[0].ClassID)
			conf = strconv.FormatFloat(dets[0].Conf, 'f', 2, 64)
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			r.Timestamp.Local().Format(stampLayout),
			filepath.Base(r.ImagePath),
			shot,
			conf,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Time", "Image", "Shot", "Conf"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
	))
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep-uploads",
		Short: "Delete stored uploads older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			age := cfg.Uploads.Retention
			if cmd.Flags().Changed("older-than") {
				age = olderThan
			}
			if age <= 0 {
				return fmt.Errorf("no retention configured; pass --older-than")
			}

			sweeper := upload.NewSweeper(cfg.Uploads.Dir, age, cfg.Uploads.SweepInterval)
			removed, err := sweeper.SweepOnce(time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d upload(s) older than %s from %s\n", removed, age, cfg.Uploads.Dir)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override uploads.retention for this run")
	return cmd
}
