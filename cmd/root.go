package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/config"
	"github.com/Jasonzhangf/route-claudecode-sub009/internal/process"
)

const (
	AppName = "route-claudecode"
	Version = "0.3.0"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
	procMgr *process.Manager
)

var rootCmd = &cobra.Command{
	Use:     "rcc",
	Short:   "Route Claude Code - multi-provider messages gateway",
	Long:    `An API gateway that serves Anthropic-style messages requests from OpenAI, Gemini, Anthropic and CodeWhisperer providers with routing, failover and streaming.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		setupLogging(verbose)

		// A .env in the working directory is optional.
		_ = godotenv.Load()

		dir, _ := cmd.Flags().GetString("config-dir")
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("get home directory: %w", err)
			}

			dir = filepath.Join(home, "."+AppName)
		}

		baseDir = dir
		cfgMgr = config.NewManager(baseDir)
		procMgr = process.NewManager(baseDir, AppName)

		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger == nil {
			setupLogging(false)
		}

		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringP("config-dir", "c", "", "configuration directory (default ~/."+AppName+")")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func ensureConfigExists() error {
	if !cfgMgr.Exists() {
		color.Yellow("Configuration not found in %s", baseDir)
		fmt.Println("Run 'rcc config init' to create one, or 'rcc config init --example' for a starter file.")

		return fmt.Errorf("configuration required")
	}

	return nil
}
