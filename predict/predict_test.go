package predict

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-pose/config"
	"github.com/nvr-ai/go-pose/engine"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Run.Name = "predict-test"
	cfg.Run.OutputDir = t.TempDir()
	cfg.Model.BackboneChannels = []int{4, 8}
	cfg.Model.NumStages = 1
	cfg.Model.NumFilters = 8
	cfg.Model.KernelSize = 4
	cfg.Model.NumJoints = 3
	cfg.Model.DepthBins = 4
	cfg.Model.PatchWidth = 16
	cfg.Model.PatchHeight = 16
	cfg.Training.Epochs = 1
	cfg.Training.BatchSize = 4
	cfg.Training.NumWorkers = 2
	cfg.Training.CheckpointInterval = 1
	cfg.Training.Optimizer = "sgd"
	cfg.Training.LearningRate = 0.01
	cfg.Data.Datasets = []string{"synthetic"}
	cfg.Data.EvalDataset = "synthetic"
	cfg.Data.SyntheticSize = 10
	require.NoError(t, cfg.Validate())
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// trainOnce produces a checkpoint to predict from.
func trainOnce(t *testing.T, cfg config.Config) string {
	t.Helper()
	eng, err := engine.New(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, eng.Train())
	path, err := engine.FindLatestCheckpoint(filepath.Join(cfg.Run.OutputDir, "checkpoints"))
	require.NoError(t, err)
	return path
}

func TestRunScoresAgainstGroundTruth(t *testing.T) {
	cfg := testConfig(t)
	ckPath := trainOnce(t, cfg)

	res, err := Run(cfg, quietLogger(), ckPath)
	require.NoError(t, err)
	require.Equal(t, 10, res.Samples)
	require.True(t, res.Scored)
	require.Greater(t, res.Perf, 0.0)

	_, err = os.Stat(filepath.Join(cfg.Run.OutputDir, "synthetic_results.json"))
	require.NoError(t, err)
}

func TestRunLoadsModelSnapshot(t *testing.T) {
	cfg := testConfig(t)
	trainOnce(t, cfg)
	snapPath := filepath.Join(cfg.Run.OutputDir, "models", "0_model.gob")

	res, err := Run(cfg, quietLogger(), snapPath)
	require.NoError(t, err)
	require.Equal(t, 10, res.Samples)
}

func TestRunDoesNotMutateConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Datasets = []string{"synthetic", "synthetic"}
	ckPath := trainOnce(t, cfg)

	_, err := Run(cfg, quietLogger(), ckPath)
	require.NoError(t, err)
	require.Equal(t, []string{"synthetic", "synthetic"}, cfg.Data.Datasets)
	require.Equal(t, "val", cfg.Data.ValSplit)
}

func TestRunFailsOnMissingWeights(t *testing.T) {
	cfg := testConfig(t)
	_, err := Run(cfg, quietLogger(), filepath.Join(cfg.Run.OutputDir, "nope.gob"))
	require.Error(t, err)
}
