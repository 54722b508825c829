package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hayashikawa/renderpool/internal/api"
	"github.com/hayashikawa/renderpool/internal/capability"
	"github.com/hayashikawa/renderpool/internal/pool"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool status",
	Long:  `Display the status of every managed worker pool from a running controller.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://127.0.0.1:8750", "Controller API URL")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "Refresh continuously")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Watch refresh interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if watch {
		for {
			fmt.Print("\033[H\033[2J")
			if err := displayStatus(apiURL, format); err != nil {
				return err
			}
			time.Sleep(interval)
		}
	}

	return displayStatus(apiURL, format)
}

func displayStatus(apiURL, format string) error {
	pools, err := fetchPools(apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch pool status: %w", err)
	}
	profile, err := fetchCapability(apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch capability profile: %w", err)
	}

	switch format {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"capability": profile,
			"pools":      pools,
		})
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"capability": profile,
			"pools":      pools,
		})
	default:
		displayTable(pools, profile)
		return nil
	}
}

func fetchPools(apiURL string) ([]pool.Status, error) {
	var resp api.Response
	if err := getJSON(apiURL+"/api/v1/pools", &resp); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, err
	}
	var pools []pool.Status
	if err := json.Unmarshal(raw, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

func fetchCapability(apiURL string) (capability.Profile, error) {
	var resp api.Response
	if err := getJSON(apiURL+"/api/v1/capability", &resp); err != nil {
		return capability.Profile{}, err
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return capability.Profile{}, err
	}
	var profile capability.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return capability.Profile{}, err
	}
	return profile, nil
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func displayTable(pools []pool.Status, profile capability.Profile) {
	fmt.Printf("Renderpool Status - %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	fmt.Println("Hardware:")
	accel := "software rendering"
	if profile.Verified {
		accel = "hardware accelerated"
	}
	fmt.Printf("  Rendering        : %s\n", accel)
	if profile.Renderer != "" {
		fmt.Printf("  Renderer         : %s\n", profile.Renderer)
	}
	if profile.GPUVendor != "" {
		fmt.Printf("  GPU Vendor       : %s\n", profile.GPUVendor)
	}
	if !profile.VerifiedAt.IsZero() {
		fmt.Printf("  Verified         : %s\n", humanize.Time(profile.VerifiedAt))
	}

	fmt.Println("\nPools:")
	for _, p := range pools {
		fmt.Printf("  - %s [%s] workers=%d/%d score=%.2f errors=%.1f%% lr=%.3f dir=%s uptime=%s\n",
			p.Service,
			p.TaskClass,
			p.Live,
			p.Desired,
			p.Score,
			p.ErrorRate*100,
			p.LearningRate,
			p.Direction,
			humanize.RelTime(time.Now().Add(-p.Uptime), time.Now(), "", ""),
		)
		for state, n := range p.ByState {
			fmt.Printf("      %-10s : %d\n", state, n)
		}
	}
	if len(pools) == 0 {
		fmt.Println("  (no pools registered)")
	}
}
