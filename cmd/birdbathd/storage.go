package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/birdbath-sensor/catalog"
	"github.com/e7canasta/birdbath-sensor/internal/layout"
	"github.com/e7canasta/birdbath-sensor/retention"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the retention cleanup once and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage, species and capture statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context())
	},
}

var (
	capturesStatus string
	capturesSince  time.Duration
	capturesLimit  int
)

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "List catalogued captures, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCaptures(cmd.Context())
	},
}

func init() {
	capturesCmd.Flags().StringVar(&capturesStatus, "status", "", "Only captures in this status (pending, identified, not_a_bird, rate_limited, failed, swept)")
	capturesCmd.Flags().DurationVar(&capturesSince, "since", 0, "Only captures newer than this, e.g. 24h")
	capturesCmd.Flags().IntVar(&capturesLimit, "limit", 50, "Maximum rows")

	rootCmd.AddCommand(sweepCmd, statsCmd, capturesCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openCatalog() (*catalog.Catalog, error) {
	c, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture catalog: %w", err)
	}
	return c, nil
}

func runSweep(ctx context.Context) error {
	c, err := openCatalog()
	if err != nil {
		return err
	}
	defer c.Close()

	m, err := retention.NewManager(retention.Config{
		Root:        cfg.Storage.SaveDir,
		Exempt:      layout.IdentifiedDir,
		MaxSizeGB:   cfg.Storage.MaxSizeGB,
		TargetRatio: cfg.Storage.TargetRatio,
		MaxAge:      cfg.MaxAge(),
	}, retention.WithOnDeleted(func(ctx context.Context, paths []string) {
		if _, err := c.MarkSwept(ctx, paths); err != nil {
			slog.Error("failed to mark swept captures", "error", err)
		}
	}))
	if err != nil {
		return err
	}

	summary, err := m.Run(ctx)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return printJSON(summary)
}

func runStats(ctx context.Context) error {
	storage, err := retention.Stats(ctx, cfg.Storage.SaveDir, layout.IdentifiedDir, cfg.Storage.MaxSizeGB)
	if err != nil {
		return fmt.Errorf("failed to read storage stats: %w", err)
	}

	l, err := openLedger()
	if err != nil {
		return err
	}

	c, err := openCatalog()
	if err != nil {
		return err
	}
	defer c.Close()
	counts, err := c.Counts(ctx)
	if err != nil {
		return err
	}

	return printJSON(map[string]any{
		"storage":     storage,
		"species":     l.Stats(),
		"calls_today": l.DailyCount(time.Now()),
		"captures":    counts,
	})
}

func runCaptures(ctx context.Context) error {
	c, err := openCatalog()
	if err != nil {
		return err
	}
	defer c.Close()

	f := catalog.Filter{Status: catalog.Status(capturesStatus), Limit: capturesLimit}
	if capturesSince > 0 {
		f.Since = time.Now().Add(-capturesSince)
	}
	entries, err := c.List(ctx, f)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No captures found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CAPTURED\tSTATUS\tSPECIES\tUPLOADED\tPATH")
	fmt.Fprintln(w, "--------\t------\t-------\t--------\t----")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			e.CapturedAt.Local().Format("2006-01-02 15:04:05"), e.Status, e.Species, e.Uploaded, e.CurrentPath())
	}
	return w.Flush()
}
