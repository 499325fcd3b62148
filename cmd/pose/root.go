package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	verbose bool
}

var rootCmd = &cobra.Command{
	Use:   "pose",
	Short: "Integral regression 3D human pose estimation",
	Long: "Pose trains and runs a volumetric-heatmap pose network: joint\n" +
		"coordinates are the soft-argmax expectation over a predicted heatmap\n" +
		"volume, trained end to end with a weighted L1 loss.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootFlags.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.Version = version
}

// newLogger builds the process logger honoring --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if rootFlags.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
