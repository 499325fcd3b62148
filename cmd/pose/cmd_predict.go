package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-pose/config"
	"github.com/nvr-ai/go-pose/engine"
	"github.com/nvr-ai/go-pose/predict"
)

var predictFlags struct {
	runFolder string
	config    string
	weights   string
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run inference on the test split of the evaluation dataset",
	Long: "Predict restores trained weights and runs the network over the test\n" +
		"split, scoring against ground truth when the split carries it and\n" +
		"persisting raw predictions otherwise. Point --run-folder at a training\n" +
		"output directory to pick up its config and latest checkpoint, or pass\n" +
		"--config and --weights explicitly.",
	RunE: runPredict,
}

func init() {
	f := predictCmd.Flags()
	f.StringVarP(&predictFlags.runFolder, "run-folder", "r", "", "Training output directory to predict from")
	f.StringVarP(&predictFlags.config, "config", "c", "", "Run configuration file")
	f.StringVarP(&predictFlags.weights, "weights", "w", "", "Checkpoint or model snapshot to load")
}

func runPredict(cmd *cobra.Command, _ []string) error {
	log := newLogger()

	cfgPath := predictFlags.config
	weights := predictFlags.weights
	if predictFlags.runFolder != "" {
		var err error
		if cfgPath == "" {
			if cfgPath, err = findRunConfig(predictFlags.runFolder); err != nil {
				return err
			}
		}
		if weights == "" {
			if weights, err = engine.FindLatestCheckpoint(filepath.Join(predictFlags.runFolder, "checkpoints")); err != nil {
				return err
			}
		}
	}
	if cfgPath == "" || weights == "" {
		return errors.New("predict: need --run-folder or both --config and --weights")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	res, err := predict.Run(cfg, log, weights)
	if err != nil {
		return err
	}
	if res.Scored {
		log.Info("prediction finished",
			slog.Int("samples", res.Samples),
			slog.Float64("loss", res.Loss),
			slog.Float64("mpjpe", res.Perf))
	} else {
		log.Info("prediction finished, predictions saved",
			slog.Int("samples", res.Samples),
			slog.String("output", cfg.Run.OutputDir))
	}
	return nil
}

// findRunConfig locates the single YAML config inside a run folder.
func findRunConfig(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "predict: reading run folder %s", dir)
	}
	var found string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if found != "" {
			return "", errors.Errorf("predict: multiple config files in %s, pass --config", dir)
		}
		found = filepath.Join(dir, e.Name())
	}
	if found == "" {
		return "", errors.Errorf("predict: no config file in %s", dir)
	}
	return found, nil
}
