package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var rootCmd = &cobra.Command{
	Use:   "renderpool",
	Short: "Adaptive resource controller for headless browser fleets",
	Long: `Renderpool manages pools of headless browser workers. It detects and
verifies GPU acceleration on the host, synthesizes per-task launch
configurations, and continuously adapts pool concurrency to observed
latency and error rates.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
