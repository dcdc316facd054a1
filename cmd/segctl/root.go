// Package main implements segctl, a small operator CLI for inspecting
// and administering individual vector segments.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/chroma-core/vectorsegment/internal/logging"
	"github.com/chroma-core/vectorsegment/internal/segment"
)

var (
	flagPersistDir string
	flagCollection string
	flagSpace      string
	flagConfigFile string
)

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segctl",
		Short: "Inspect and administer vector segments",
		Long: `segctl opens a single vector segment directory and runs
read-only or administrative operations against it: counting live
records, running k-NN queries, checking internal consistency, and
closing or resetting the segment.`,
	}

	cmd.PersistentFlags().StringVar(&flagPersistDir, "persist-dir", ".", "root directory holding segment subdirectories")
	cmd.PersistentFlags().StringVar(&flagCollection, "collection", "", "collection id (segment subdirectory name)")
	cmd.PersistentFlags().StringVar(&flagSpace, "space", "cosine", "distance metric: l2, cosine, or ip")
	cmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "YAML file overlaying segment config defaults (see segment.LoadConfigFile)")

	cmd.AddCommand(newCountCmd())
	cmd.AddCommand(newWatermarkCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newConsistencyCmd())
	cmd.AddCommand(newCloseCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newLogger() *slog.Logger {
	cfg := logging.DefaultConfig()
	cfg.WriteToStderr = true
	logger, _, err := logging.Setup(cfg)
	if err != nil {
		return slog.Default()
	}
	return logger
}

// openSegment opens the segment named by the --collection flag under
// --persist-dir. The metric always comes from --space: the snapshot does
// not record it, so opening an existing segment with a different --space
// is not detected.
func openSegment() (*segment.Segment, error) {
	if flagCollection == "" {
		return nil, fmt.Errorf("--collection is required")
	}
	cfg := segment.DefaultConfig(flagCollection, flagPersistDir)
	switch flagSpace {
	case "l2":
		cfg.Space = segment.MetricL2
	case "ip":
		cfg.Space = segment.MetricIP
	default:
		cfg.Space = segment.MetricCosine
	}
	if flagConfigFile != "" {
		merged, err := segment.LoadConfigFile(flagConfigFile, cfg)
		if err != nil {
			return nil, err
		}
		cfg = merged
	}
	return segment.Open(cfg, newLogger())
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Execute runs the segctl root command.
func Execute() error {
	return newRootCmd().Execute()
}

func main() {
	if err := Execute(); err != nil {
		fatal("%v", err)
	}
}
