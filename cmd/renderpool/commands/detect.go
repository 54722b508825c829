package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hayashikawa/renderpool/internal/browser"
	"github.com/hayashikawa/renderpool/internal/capability"
	"github.com/hayashikawa/renderpool/internal/config"
	"github.com/hayashikawa/renderpool/internal/logging"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Probe hardware acceleration capability",
	Long: `Launch a disposable probe worker and report whether the browser
actually renders on the GPU. Useful for validating a host before
deploying pools onto it.`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().String("config", "renderpool.yaml", "Configuration file path")
}

func runDetect(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer logger.Sync()

	launcher, err := browser.NewExecLauncher(logger, cfg.Browser)
	if err != nil {
		return fmt.Errorf("failed to create browser launcher: %w", err)
	}
	detector := capability.NewDetector(logger, cfg.Capability, launcher)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Capability.VerifyTimeout)
	defer cancel()

	profile := detector.Detect(ctx)

	fmt.Println("Capability profile:")
	fmt.Printf("  acceleration available : %v\n", profile.AccelerationAvailable)
	fmt.Printf("  verified               : %v\n", profile.Verified)
	fmt.Printf("  renderer               : %s\n", profile.Renderer)
	fmt.Printf("  gpu vendor             : %s\n", profile.GPUVendor)
	fmt.Printf("  cpu                    : %s\n", profile.CPUBrand)
	fmt.Printf("  cache ttl              : %s\n", profile.TTL)

	if profile.AccelerationAvailable && !profile.Verified {
		fmt.Println("\nA GPU was reported but the probe fell back to software rendering.")
		fmt.Println("Workers on this host will launch with --disable-gpu.")
	}

	return nil
}
