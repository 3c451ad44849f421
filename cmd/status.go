package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Jasonzhangf/route-claudecode-sub009/internal/router"
)

const statusTimeout = 2 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway service status",
	Long:  `Display the process status of the gateway and, when it is running, the health of every provider.`,
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) {
	cfg := cfgMgr.Get()

	running := procMgr.IsRunning()
	endpoint := "http://" + cfg.Address()

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-15s: %v\n", "Running", running)
	fmt.Printf("  %-15s: %d\n", "PID", procMgr.ReadPID())
	fmt.Printf("  %-15s: %s\n", "Endpoint", endpoint)
	fmt.Printf("  %-15s: %d\n", "Providers", len(cfg.Providers))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-15s: %d\n", "References", procMgr.ReadRef())
	fmt.Printf("  %-15s: v%s\n", "Version", Version)

	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()

	health, err := fetchProviderHealth(ctx, endpoint)
	if err != nil {
		color.Yellow("\nProvider health unavailable: %v", err)
		return
	}

	fmt.Println("\nProvider Health:")

	for _, h := range health {
		stateColor(h.State).Printf("  %-20s %-9s", h.ProviderID, h.State)
		fmt.Printf(" success=%.0f%% requests=%d errors=%d", h.SuccessRate*100, h.TotalRequests, h.ConsecutiveErrors)

		if !h.CooldownUntil.IsZero() && h.State == router.StateCooldown {
			fmt.Printf(" until=%s", h.CooldownUntil.Format(time.TimeOnly))
		}

		if h.LastError != "" {
			fmt.Printf(" last_error=%q", h.LastError)
		}

		fmt.Println()
	}
}

func fetchProviderHealth(ctx context.Context, endpoint string) ([]router.Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health/providers", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// 503 still carries the snapshot when every provider is cooling down.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Providers []router.Health `json:"providers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode provider health: %w", err)
	}

	return out.Providers, nil
}

func stateColor(state router.State) *color.Color {
	switch state {
	case router.StateHealthy:
		return color.New(color.FgGreen)
	case router.StateDegraded:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
