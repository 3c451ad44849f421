package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway service",
	Long:  `Start the gateway in the foreground. SIGINT or SIGTERM shuts it down gracefully.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	if procMgr.IsRunning() {
		return fmt.Errorf("%s is already running with PID %d", AppName, procMgr.ReadPID())
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	srv, err := server.New(cfgMgr, logger, server.WithUserAgent(AppName+"/"+Version))
	if err != nil {
		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting server",
		"host", cfg.Host,
		"port", cfg.Port,
		"providers", len(cfg.Providers),
		"config", cfgMgr.GetPath(),
	)

	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	return srv.Start()
}
