package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize config.yaml by prompting for one provider, or write a starter file with --example.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration with secrets masked.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().Bool("example", false, "write an example config with every provider family")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		if err := cfgMgr.CreateExampleYAML(); err != nil {
			return fmt.Errorf("failed to write example configuration: %w", err)
		}

		color.Green("Example configuration written to: %s", cfgMgr.GetPath())
		color.Cyan("Set the referenced API key variables, then start the gateway with: rcc start")

		return nil
	}

	color.Blue("Route Claude Code Configuration Setup")
	color.Yellow("Follow the prompts to configure your first provider.")

	reader := bufio.NewReader(os.Stdin)
	prompt := func(label string) string {
		fmt.Print(label)
		value, _ := reader.ReadString('\n')

		return strings.TrimSpace(value)
	}

	provider := config.Provider{
		Name:    prompt("\nProvider Name (e.g., openai, gemini, anthropic, openrouter): "),
		Family:  prompt("Family (openai, gemini, anthropic, codewhisperer; blank to infer): "),
		APIBase: prompt("API URL (blank for the provider default): "),
		APIKey:  prompt("API Key (or ${ENV_VAR}): "),
		Model:   prompt("Upstream Model (blank to keep the client's model): "),
	}

	cfg := &config.Config{
		Host:      config.DefaultHost,
		Port:      config.DefaultPort,
		Providers: []config.Provider{provider},
		Router:    config.RouterConfig{Primary: provider.Name},
	}

	if err := cfgMgr.SaveAsYAML(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the gateway with: rcc start")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'rcc config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")

	for i := range cfg.Providers {
		p := &cfg.Providers[i]

		family, err := p.ProviderFamily()
		if err != nil {
			family = "?"
		}

		fmt.Printf("  - Name: %s (%s)\n", p.Name, family)
		fmt.Printf("    URL: %s\n", p.APIBase)
		fmt.Printf("    API Key: %s\n", maskString(p.APIKey))

		if p.Model != "" {
			fmt.Printf("    Model: %s\n", p.Model)
		}

		if len(p.ModelWhitelist) > 0 {
			fmt.Printf("    Model Whitelist: %v\n", p.ModelWhitelist)
		}

		fmt.Println()
	}

	fmt.Println("Routing:")

	opts := cfg.EngineOptions()
	for _, c := range opts.Categories {
		strategy := c.Strategy
		if strategy == "" {
			strategy = "round_robin"
		}

		providers := "(all)"
		if len(c.Providers) > 0 {
			providers = strings.Join(c.Providers, ", ")
		}

		fmt.Printf("  %-15s: %s over %s\n", c.Name, strategy, providers)
	}

	fmt.Printf("  %-15s: %d tokens\n", "Long Context", cfg.Router.LongContextThreshold)
	fmt.Printf("  %-15s: %v\n", "Background", cfg.Router.BackgroundModelPrefixes)

	t := opts.Triggers
	fmt.Printf("  %-15s: %s consecutive errors, %s auth failures in %s, cooldown %s\n", "Health", threshold(t.ConsecutiveErrors), threshold(t.AuthFailures), t.AuthWindow, t.Cooldown)

	r := cfg.RetryPolicy()
	fmt.Printf("  %-15s: %d attempts, %s base, %s max\n", "Retry", r.MaxAttempts, r.BaseDelay, r.MaxDelay)

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		color.Red("Configuration validation failed:")

		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("  - %s\n", line)
		}

		return fmt.Errorf("configuration validation failed")
	}

	for _, p := range cfg.Providers {
		if p.APIKey == "" {
			color.Yellow("Warning: provider %s has no API key", p.Name)
		}
	}

	color.Green("Configuration is valid!")

	return nil
}

func threshold(n int) string {
	if n <= 0 {
		return "off"
	}

	return strconv.Itoa(n)
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}

	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
