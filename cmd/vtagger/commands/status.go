package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	statusDays int

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the last sync result, upload history, and daily stats",
		RunE:  runStatus,
	}
)

func init() {
	statusCmd.Flags().IntVar(&statusDays, "days", 7, "how many days of stats to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	result := app.coordinator.LastResult()
	if result == nil {
		fmt.Println("No sync has run yet.")
	} else {
		fmt.Println(color.CyanString("Last sync"))
		printResult(result)
	}

	history := app.coordinator.UploadHistory()
	if len(history) > 0 {
		fmt.Println()
		fmt.Println(color.CyanString("Recent uploads"))
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Upload ID", "Account", "Rows", "Type", "Window", "At"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, up := range history {
			table.Append([]string{
				up.UploadID,
				up.AccountID,
				strconv.Itoa(up.TotalRows),
				up.SyncType,
				up.StartDate + " / " + up.EndDate,
				up.Timestamp,
			})
		}
		table.Render()
	}

	stats, err := app.store.DailyStats(statusDays)
	if err != nil {
		return err
	}
	if len(stats) > 0 {
		fmt.Println()
		fmt.Println(color.CyanString("Daily stats"))
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Date", "Total", "Tagged", "Match %", "API Calls", "Errors"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, st := range stats {
			table.Append([]string{
				st.StatDate,
				strconv.Itoa(st.TotalStatements),
				strconv.Itoa(st.TaggedStatements),
				fmt.Sprintf("%.1f", st.MatchRate),
				strconv.Itoa(st.APICalls),
				strconv.Itoa(st.Errors),
			})
		}
		table.Render()
	}
	return nil
}
