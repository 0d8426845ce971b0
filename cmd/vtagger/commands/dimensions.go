package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/catherinevee/vtagger/internal/dimension"
)

var (
	dimensionsCmd = &cobra.Command{
		Use:   "dimensions",
		Short: "Manage virtual-tag dimensions",
	}

	dimensionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored dimensions",
		RunE:  runDimensionsList,
	}

	dimensionsShowCmd = &cobra.Command{
		Use:   "show <name>",
		Short: "Print one dimension's definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runDimensionsShow,
	}

	dimensionsValidateCmd = &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a dimension JSON document without storing it",
		Args:  cobra.ExactArgs(1),
		RunE:  runDimensionsValidate,
	}

	dimensionsImportCmd = &cobra.Command{
		Use:   "import <file>...",
		Short: "Validate and store dimension JSON documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDimensionsImport,
	}

	dimensionsDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a dimension",
		Args:  cobra.ExactArgs(1),
		RunE:  runDimensionsDelete,
	}
)

func init() {
	dimensionsCmd.AddCommand(dimensionsListCmd, dimensionsShowCmd,
		dimensionsValidateCmd, dimensionsImportCmd, dimensionsDeleteCmd)
	rootCmd.AddCommand(dimensionsCmd)
}

func runDimensionsList(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	records, err := app.store.ListDimensions()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No dimensions stored.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Index", "Kind", "Default", "Statements", "Updated"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, rec := range records {
		table.Append([]string{
			rec.VtagName,
			strconv.Itoa(rec.IndexNumber),
			rec.Kind,
			rec.DefaultValue,
			strconv.Itoa(rec.StatementCount),
			rec.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func runDimensionsShow(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	rec, err := app.store.GetDimension(args[0])
	if err != nil {
		return fmt.Errorf("dimension %q not found", args[0])
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal([]byte(rec.Content), &pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s (checksum %s)\n%s\n", rec.VtagName, rec.Checksum, out)
	return nil
}

func runDimensionsValidate(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if msgs := dimension.Validate(raw); len(msgs) > 0 {
		fmt.Println(color.RedString("%s is invalid:", args[0]))
		for _, msg := range msgs {
			fmt.Printf("  - %s\n", msg)
		}
		return fmt.Errorf("validation failed")
	}
	fmt.Println(color.GreenString("%s is valid", args[0]))
	return nil
}

func runDimensionsImport(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if msgs := dimension.Validate(raw); len(msgs) > 0 {
			fmt.Println(color.RedString("%s is invalid:", path))
			for _, msg := range msgs {
				fmt.Printf("  - %s\n", msg)
			}
			return fmt.Errorf("validation failed for %s", path)
		}

		content, err := dimension.DecodeContent(raw)
		if err != nil {
			return fmt.Errorf("cannot decode %s: %w", path, err)
		}
		canonical, err := dimension.CanonicalJSON(content)
		if err != nil {
			return err
		}
		rec, err := app.store.SaveDimension(content, canonical)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (index %d, %d statements)\n",
			color.GreenString("imported"), rec.VtagName, rec.IndexNumber, rec.StatementCount)
	}
	return nil
}

func runDimensionsDelete(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	deleted, err := app.store.DeleteDimension(args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("dimension %q not found", args[0])
	}
	fmt.Printf("%s %s\n", color.GreenString("deleted"), args[0])
	return nil
}
