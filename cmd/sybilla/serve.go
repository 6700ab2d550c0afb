package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mamorett/sybilla/internal/archive"
	"github.com/mamorett/sybilla/internal/insight"
	"github.com/mamorett/sybilla/internal/orchestrator"
	"github.com/mamorett/sybilla/internal/registry"
	"github.com/mamorett/sybilla/internal/util"
	"github.com/mamorett/sybilla/internal/web"
)

var (
	foreground    bool
	servePort     int
	withScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis daemon",
	Long:  "Start the analysis daemon with its HTTP control API and periodic scheduler.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVarP(&foreground, "foreground", "f", false,
		"Run in foreground instead of daemonizing")
	serveCmd.Flags().IntVar(&servePort, "port", 0,
		"Control API port (default from config)")
	serveCmd.Flags().BoolVar(&withScheduler, "scheduler", true,
		"Enable the periodic scheduler on startup")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sybilla.pid")
}

func checkRunning(dataDir string) (bool, int) {
	data, err := os.ReadFile(pidFilePath(dataDir))
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if running, pid := checkRunning(cfg.DataDir); running {
		fmt.Printf("Daemon is already running (PID %d)\n", pid)
		return nil
	}

	if foreground {
		return serveForeground()
	}
	return serveDaemon()
}

func serveForeground() error {
	port := servePort
	if port == 0 {
		port = cfg.WebPort
	}

	pidPath := pidFilePath(cfg.DataDir)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open run registry: %w", err)
	}
	defer reg.Close()

	// Pick up runs written to disk before the index existed.
	if _, err := reg.Rescan(); err != nil {
		util.Warn("Registry rescan failed: %v", err)
	}

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
	if withScheduler {
		orch.StartPeriodic(cfg.IntervalHours)
	}

	srv := web.NewServer(orch, reg, cfg, port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		util.Info("Shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		orch.Shutdown(ctx)
		srv.Stop()
	}()

	fmt.Printf("Sybilla daemon started. Control API: http://localhost:%d\n", port)

	return srv.Start()
}

func serveDaemon() error {
	// Re-execute self in background
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Prepare arguments
	args := []string{"serve", "--foreground"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if servePort != 0 {
		args = append(args, "--port", strconv.Itoa(servePort))
	}
	if !withScheduler {
		args = append(args, "--scheduler=false")
	}

	// Create log file for daemon output
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	// Start background process
	procAttr := &os.ProcAttr{
		Dir:   "/",
		Env:   os.Environ(),
		Files: []*os.File{nil, logFile, logFile},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	proc, err := os.StartProcess(executable, append([]string{executable}, args...), procAttr)
	if err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	// Detach from parent
	if err := proc.Release(); err != nil {
		util.Warn("Failed to release process: %v", err)
	}

	port := servePort
	if port == 0 {
		port = cfg.WebPort
	}
	fmt.Printf("Sybilla daemon started (PID %d)\n", proc.Pid)
	fmt.Printf("Logs: %s\n", cfg.LogFile)
	fmt.Printf("Control API: http://localhost:%d\n", port)

	return nil
}
