package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/registry"
	"github.com/mamorett/sybilla/internal/tui"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and scheduler status",
	Long:  "Show the daemon status, the scheduler mode and the most recent runs.",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false,
		"Watch live status in a full-screen view")
}

func controlURL() string {
	return fmt.Sprintf("http://localhost:%d", cfg.WebPort)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusWatch {
		return tui.NewApp(controlURL()).Run()
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		MarginBottom(1)

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("86"))

	runningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	stoppedStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true)

	fmt.Println(titleStyle.Render("Sybilla Status"))
	fmt.Println()

	// Daemon status
	running, pid := checkRunning(cfg.DataDir)
	fmt.Print(labelStyle.Render("Daemon: "))
	if running {
		fmt.Println(runningStyle.Render(fmt.Sprintf("Running (PID %d)", pid)))
	} else {
		fmt.Println(stoppedStyle.Render("Stopped"))
	}

	// Live status from the control API
	if running {
		client := &http.Client{Timeout: 5 * time.Second}
		if resp, err := client.Get(controlURL() + "/api/status"); err == nil {
			defer resp.Body.Close()

			var status model.SchedulerStatus
			if json.NewDecoder(resp.Body).Decode(&status) == nil {
				fmt.Print(labelStyle.Render("Scheduler: "))
				fmt.Println(valueStyle.Render(string(status.Mode)))

				if status.NextRun != nil {
					fmt.Print(labelStyle.Render("Next run: "))
					fmt.Println(valueStyle.Render(status.NextRun.Local().Format("2006-01-02 15:04:05")))
				}

				fmt.Print(labelStyle.Render("Activity: "))
				if status.Running {
					fmt.Println(valueStyle.Render(fmt.Sprintf("%s (%d%%) %s",
						status.Step, status.Progress, status.Message)))
				} else {
					fmt.Println(valueStyle.Render(status.Message))
				}

				if status.Error != "" {
					fmt.Print(labelStyle.Render("Last error: "))
					fmt.Println(stoppedStyle.Render(status.Error))
				}
			}
		}
	}

	// Recent runs from the local registry
	reg, err := registry.Open(cfg.DataDir)
	if err == nil {
		defer reg.Close()

		if page, err := reg.List(1, 5); err == nil && len(page.Runs) > 0 {
			fmt.Println()
			fmt.Println(titleStyle.Render("Recent Runs"))

			for _, run := range page.Runs {
				statusStr := string(run.Status)
				style := valueStyle
				if run.Status == model.RunFailed {
					style = stoppedStyle
				}
				fmt.Printf("  %s  %s  %s\n",
					labelStyle.Render(run.StartedAt.Local().Format("2006-01-02 15:04")),
					style.Render(statusStr),
					run.ID)
			}
		}
	}

	return nil
}
