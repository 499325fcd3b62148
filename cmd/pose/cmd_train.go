package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-pose/config"
	"github.com/nvr-ai/go-pose/engine"
)

var trainFlags struct {
	config  string
	weights string
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a pose network from a config file",
	Long: "Train runs the full epoch loop described by the config: training,\n" +
		"validation, evaluation and periodic checkpointing. Pass --weights to\n" +
		"resume from a checkpoint at its epoch + 1.",
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVarP(&trainFlags.config, "config", "c", "configs/default.yaml", "Run configuration file")
	f.StringVarP(&trainFlags.weights, "weights", "w", "", "Checkpoint to resume from")
}

func runTrain(cmd *cobra.Command, _ []string) error {
	log := newLogger()
	cfg, err := config.Load(trainFlags.config)
	if err != nil {
		return err
	}
	log.Info("loaded configuration",
		slog.String("path", trainFlags.config),
		slog.String("run", cfg.Run.Name),
		slog.Int64("seed", cfg.Run.Seed))

	eng, err := engine.New(cfg, log)
	if err != nil {
		return err
	}
	if trainFlags.weights != "" {
		if err := eng.Restore(trainFlags.weights); err != nil {
			return err
		}
	}
	if err := eng.Train(); err != nil {
		return err
	}
	if n := eng.SkippedBatches(); n > 0 {
		log.Warn("run finished with skipped batches", slog.Int("count", n))
	}
	return nil
}
