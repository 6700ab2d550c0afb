package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mamorett/sybilla/internal/registry"
)

var reportOutput string

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Print a stored analysis report",
	Long: `Print the report of a run. Without an argument the most recent
completed run is used.

Examples:
  sybilla report
  sybilla report 20260301T120000-host1
  sybilla report -o ./report.md`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "",
		"Write the report to a file instead of stdout")
}

func runReport(cmd *cobra.Command, args []string) error {
	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open run registry: %w", err)
	}
	defer reg.Close()

	if _, err := reg.Rescan(); err != nil {
		return err
	}

	var runID string
	if len(args) == 1 {
		runID = args[0]
	} else {
		page, err := reg.List(1, registry.DefaultPageSize)
		if err != nil {
			return err
		}
		for _, run := range page.Runs {
			if run.ReportPath != "" {
				runID = run.ID
				break
			}
		}
		if runID == "" {
			return fmt.Errorf("no completed runs yet")
		}
	}

	reportPath, err := reg.ReportPath(runID)
	if err != nil {
		return err
	}
	if reportPath == "" {
		return fmt.Errorf("no report for run %s", runID)
	}

	content, err := os.ReadFile(reportPath)
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}

	if reportOutput != "" {
		if err := os.WriteFile(reportOutput, content, 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Printf("Report saved to: %s\n", reportOutput)
		return nil
	}

	fmt.Print(string(content))
	return nil
}
