package cmd

import (
	"os"
	"os/exec"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var codeCmd = &cobra.Command{
	Use:   "code [args...]",
	Short: "Execute Claude Code through the gateway",
	Long:  `Start the gateway if needed and execute Claude Code with the gateway as its API endpoint.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runCode,
}

func runCode(cmd *cobra.Command, args []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg := cfgMgr.Get()

	startedByUs, err := procMgr.StartServiceIfNeeded("--config-dir", baseDir)
	if err != nil {
		return err
	}

	procMgr.IncrementRef()
	defer func() {
		procMgr.DecrementRef()

		if startedByUs && procMgr.ReadRef() == 0 {
			color.Yellow("No more active sessions, stopping auto-started service...")

			if err := procMgr.Stop(); err != nil {
				logger.Warn("Failed to stop service", "error", err)
			}
		}
	}()

	claudeCmd := exec.Command("claude", args...)
	claudeCmd.Env = claudeEnv(os.Environ(), "http://"+cfg.Address())
	claudeCmd.Stdin = os.Stdin
	claudeCmd.Stdout = os.Stdout
	claudeCmd.Stderr = os.Stderr

	return claudeCmd.Run()
}

// claudeEnv points Claude Code at the gateway. Upstream credentials stay in
// the gateway config, so client-side keys are dropped.
func claudeEnv(env []string, baseURL string) []string {
	env = filterEnv(env, "ANTHROPIC_AUTH_TOKEN")
	env = filterEnv(env, "ANTHROPIC_API_KEY")
	env = filterEnv(env, "ANTHROPIC_BASE_URL")

	return append(env,
		"ANTHROPIC_AUTH_TOKEN=proxy",
		"ANTHROPIC_BASE_URL="+baseURL,
		"API_TIMEOUT_MS=600000",
	)
}

func filterEnv(env []string, key string) []string {
	var filtered []string

	prefix := key + "="
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			filtered = append(filtered, e)
		}
	}

	return filtered
}
