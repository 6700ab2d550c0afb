package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mamorett/sybilla/internal/archive"
	"github.com/mamorett/sybilla/internal/insight"
	"github.com/mamorett/sybilla/internal/model"
	"github.com/mamorett/sybilla/internal/orchestrator"
	"github.com/mamorett/sybilla/internal/registry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one analysis cycle and exit",
	Long: `Run a single analysis cycle in the foreground: gather analytics,
assess them, build the report and archive the artifacts.`,
	RunE: runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open run registry: %w", err)
	}
	defer reg.Close()

	arch := archive.NewClient(cfg.ArchiveAddr, cfg.ArchiveNamespace)

	var prompts insight.PromptSource
	if arch.Enabled() {
		prompts = arch
	}
	engine := insight.NewEngine(insight.Config{
		APIKey:  cfg.NIMAPIKey,
		BaseURL: cfg.NIMBaseURL,
		Model:   cfg.NIMModel,
		Timeout: cfg.NIMTimeout,
	}, prompts)

	orch := orchestrator.New(cfg, reg, arch, engine)

	fmt.Println("Starting analysis cycle...")
	rec, err := orch.RunOnce(context.Background())
	if err != nil {
		return err
	}

	if rec.Status != model.RunCompleted {
		return fmt.Errorf("run %s failed: %s", rec.ID, rec.Error)
	}

	fmt.Printf("Run %s completed (%s assessment)\n", rec.ID, rec.Provenance)
	fmt.Printf("Report: %s\n", rec.ReportPath)
	if len(rec.ArchiveLocators) > 0 {
		fmt.Printf("Archived %d artifact(s)\n", len(rec.ArchiveLocators))
	}
	return nil
}
