// Package predict - The inference driver.
//
// Prediction reuses the engine's validation machinery against the test
// split: the training configuration is copied with the dataset selection
// forced to the canonical evaluation dataset, so a run folder's config can
// be pointed at unlabeled data without editing it.
package predict

import (
	"log/slog"
	"strings"

	"github.com/nvr-ai/go-pose/config"
	"github.com/nvr-ai/go-pose/data"
	"github.com/nvr-ai/go-pose/engine"
)

// Result is the outcome of one prediction run.
type Result struct {
	// Samples is the number of predictions produced.
	Samples int
	// Loss is the validation loss, 0 when the split has no ground truth.
	Loss float64
	// Perf is the scalar performance indicator, 0 when the split has no
	// ground truth and predictions were persisted instead.
	Perf float64
	// Scored reports whether Perf came from actual ground truth.
	Scored bool
}

// Run executes a full prediction pass: derive the test-split view of cfg,
// restore weights, predict every sample, and either score against ground
// truth or persist raw predictions.
func Run(cfg config.Config, log *slog.Logger, weightsPath string) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.WithTestSplit()

	eng, err := engine.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(weightsPath, "_model.gob") {
		err = eng.RestoreSnapshot(weightsPath)
	} else {
		err = eng.Restore(weightsPath)
	}
	if err != nil {
		return nil, err
	}

	ds, err := data.Load(cfg, false)
	if err != nil {
		return nil, err
	}
	loader := data.NewLoader(ds, cfg.Training.BatchSize, cfg.Training.NumWorkers, false, cfg.Run.Seed)

	// Without ground truth the loss is meaningless noise against zero
	// targets; skip it and only collect predictions.
	onlyPrediction := !ds.HasGroundTruth3D()
	log.Info("predicting",
		slog.String("dataset", ds.Name()),
		slog.Int("samples", ds.Len()),
		slog.Bool("scored", !onlyPrediction))

	loss, preds, metas, err := eng.Validate(loader, onlyPrediction)
	if err != nil {
		return nil, err
	}
	perf, err := eng.Evaluate(eng.StartEpoch()-1, preds, metas, ds, cfg.Run.OutputDir)
	if err != nil {
		return nil, err
	}

	return &Result{
		Samples: ds.Len(),
		Loss:    loss,
		Perf:    perf,
		Scored:  !onlyPrediction,
	}, nil
}
