package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Generate renderpool.yaml with commented defaults: one scraping pool,
controller tuning parameters, API and telemetry settings.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("config-dir", ".", "Directory to write renderpool.yaml into")
	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	force, _ := cmd.Flags().GetBool("force")

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(configDir, "renderpool.yaml")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
	}

	starter := map[string]interface{}{
		"log_level":  "info",
		"log_format": "console",
		"browser": map[string]interface{}{
			"binary_path":     "chromium",
			"startup_timeout": "30s",
		},
		"capability": map[string]interface{}{
			"ttl":            "30m",
			"failure_ttl":    "5m",
			"verify_timeout": "45s",
			"force_software": false,
		},
		"controller": map[string]interface{}{
			"window_size":                256,
			"target_latency":             "2s",
			"latency_weight":             0.5,
			"error_weight":               0.5,
			"upper_threshold":            0.8,
			"lower_threshold":            0.4,
			"error_ceiling":              0.2,
			"adjustment_interval":        "15s",
			"learning_rate_baseline":     0.3,
			"learning_rate_floor":        0.05,
			"learning_rate_ceiling":      0.5,
			"stable_cycles_for_recovery": 3,
		},
		"pool": map[string]interface{}{
			"reconcile_interval":     "5s",
			"launch_timeout":         "30s",
			"drain_grace":            "20s",
			"max_worker_ops":         500,
			"max_worker_lifetime":    "1h",
			"max_worker_rss_mb":      2048,
			"worker_error_threshold": 5,
		},
		"api": map[string]interface{}{
			"enabled":     true,
			"listen_addr": "127.0.0.1:8750",
		},
		"telemetry": map[string]interface{}{
			"enabled":   true,
			"namespace": "renderpool",
		},
		"store": map[string]interface{}{
			"enabled":   true,
			"path":      "renderpool.db",
			"retention": "168h",
		},
		"services": []map[string]interface{}{
			{
				"name":       "default",
				"task_class": "scraping",
				"min":        1,
				"max":        8,
				"initial":    2,
			},
		},
	}

	data, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point browser.binary_path at your chromium binary")
	fmt.Println("  2. Adjust the services section for your workload")
	fmt.Println("  3. Run 'renderpool start' to bring the pools up")

	return nil
}
