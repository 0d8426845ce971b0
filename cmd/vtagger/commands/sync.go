package commands

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	vtsync "github.com/catherinevee/vtagger/internal/sync"
	"github.com/catherinevee/vtagger/pkg/models"
)

var (
	syncDate        string
	syncMonth       string
	syncStart       string
	syncEnd         string
	syncDimensions  []string
	syncFilterMode  string
	syncAccountKeys []string
	syncMaxRecords  int

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Run a virtual-tag sync",
	}

	syncWeekCmd = &cobra.Command{
		Use:   "week",
		Short: "Sync the ISO week containing --date (default: today)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, func(c *vtsync.Coordinator) error {
				return c.StartWeek(syncOptions(), syncDate)
			})
		},
	}

	syncMonthCmd = &cobra.Command{
		Use:   "month",
		Short: "Sync one calendar month (--month YYYY-MM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, func(c *vtsync.Coordinator) error {
				return c.StartMonth(syncOptions(), syncMonth)
			})
		},
	}

	syncRangeCmd = &cobra.Command{
		Use:   "range",
		Short: "Sync an arbitrary date window (--start, --end)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, func(c *vtsync.Coordinator) error {
				return c.StartRange(syncOptions(), syncStart, syncEnd)
			})
		},
	}

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Dry run: fetch and map without uploading (--start, --end)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, func(c *vtsync.Coordinator) error {
				return c.Simulate(syncOptions(), syncStart, syncEnd)
			})
		},
	}

	uploadCmd = &cobra.Command{
		Use:   "upload <jsonl-file>",
		Short: "Re-run the upload phase over an existing spill file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, func(c *vtsync.Coordinator) error {
				return c.UploadFromFile(args[0])
			})
		},
	}
)

func init() {
	syncCmd.PersistentFlags().StringSliceVar(&syncDimensions, "dimensions", nil,
		"restrict the run to these dimensions")
	syncCmd.PersistentFlags().StringVar(&syncFilterMode, "filter-mode", "not_vtagged",
		"asset filter (all, not_vtagged)")
	syncCmd.PersistentFlags().StringSliceVar(&syncAccountKeys, "account-keys", nil,
		"override the upstream account selection")
	syncCmd.PersistentFlags().IntVar(&syncMaxRecords, "max-records", 0,
		"stop fetching after this many records (0 = unlimited)")

	syncWeekCmd.Flags().StringVar(&syncDate, "date", "", "reference date YYYY-MM-DD")
	syncMonthCmd.Flags().StringVar(&syncMonth, "month", "", "month YYYY-MM")
	syncRangeCmd.Flags().StringVar(&syncStart, "start", "", "start date YYYY-MM-DD")
	syncRangeCmd.Flags().StringVar(&syncEnd, "end", "", "end date YYYY-MM-DD")
	simulateCmd.Flags().StringVar(&syncStart, "start", "", "start date YYYY-MM-DD")
	simulateCmd.Flags().StringVar(&syncEnd, "end", "", "end date YYYY-MM-DD")

	syncCmd.AddCommand(syncWeekCmd, syncMonthCmd, syncRangeCmd)
	rootCmd.AddCommand(syncCmd, simulateCmd, uploadCmd)
}

func syncOptions() vtsync.Options {
	filterMode := models.FilterNotVtagged
	if syncFilterMode == string(models.FilterAll) {
		filterMode = models.FilterAll
	}
	return vtsync.Options{
		FilterMode:  filterMode,
		Dimensions:  syncDimensions,
		AccountKeys: syncAccountKeys,
		MaxRecords:  syncMaxRecords,
	}
}

// runSync starts a run and blocks rendering progress until it finishes.
func runSync(cmd *cobra.Command, start func(*vtsync.Coordinator) error) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := start(app.coordinator); err != nil {
		return err
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription("starting"),
		progressbar.OptionShowCount(),
	)

	for app.coordinator.IsRunning() {
		snap := app.tracker.Snapshot()
		bar.Set(int(snap.Progress))
		bar.Describe(string(snap.State))
		time.Sleep(200 * time.Millisecond)
	}
	bar.Finish()
	fmt.Println()

	result := app.coordinator.LastResult()
	if result == nil {
		return fmt.Errorf("sync produced no result")
	}
	printResult(result)

	if result.Status != "success" {
		return fmt.Errorf("sync %s", result.Status)
	}
	return nil
}

func printResult(result *models.SyncResult) {
	switch result.Status {
	case "success":
		fmt.Println(color.GreenString("Sync complete"))
	case "cancelled":
		fmt.Println(color.YellowString("Sync cancelled"))
	default:
		fmt.Println(color.RedString("Sync failed: %s", result.ErrorMessage))
	}

	fmt.Printf("  Window:      %s to %s (%s)\n", result.StartDate, result.EndDate, result.SyncType)
	fmt.Printf("  Assets:      %d total, %d matched, %d unmatched\n",
		result.TotalAssets, result.MatchedAssets, result.UnmatchedAssets)
	fmt.Printf("  Dim matches: %d\n", result.DimensionMatches)
	fmt.Printf("  Uploads:     %d\n", result.UploadedCount)
	fmt.Printf("  Elapsed:     %.1fs\n", result.ElapsedSeconds)
	if result.Message != "" {
		fmt.Printf("  Note:        %s\n", result.Message)
	}
}
