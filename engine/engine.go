// Package engine - The training and evaluation state machine.
//
// A single goroutine drives the loop: Initializing -> (TrainingEpoch ->
// Validating -> Evaluating -> Checkpointing)* -> Done. The engine owns the
// checkpoint lifecycle exclusively; collaborators only ever see finished
// files.
package engine

import (
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pose/config"
	"github.com/nvr-ai/go-pose/data"
	"github.com/nvr-ai/go-pose/loss"
	"github.com/nvr-ai/go-pose/model"
	"github.com/nvr-ai/go-pose/optim"
)

// Engine owns the model, optimizer, scheduler and checkpoint lifecycle.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	net    *model.PoseNet
	solver optim.Solver
	sched  *optim.StepLR

	// programs are compiled per batch size; the ragged last batch of an
	// epoch gets its own program sharing the same parameter tensors.
	trainProgs map[int]*trainProgram
	evalProgs  map[int]*evalProgram

	startEpoch int
	bestPerf   float64

	// skippedBatches counts batches whose NaN loss skipped the optimizer
	// step. A nonzero count is worth investigating but never fatal.
	skippedBatches int
}

// trainProgram is one compiled forward+backward pass for a fixed batch
// size, with the loss inputs exposed for per-batch binding.
type trainProgram struct {
	net     *model.Net
	target  *gorgonia.Node
	weight  *gorgonia.Node
	scale   *gorgonia.Node
	lossVal gorgonia.Value
	vm      gorgonia.VM
}

// evalProgram is one compiled forward pass: joints and loss are read out,
// nothing is differentiated.
type evalProgram struct {
	net       *model.Net
	target    *gorgonia.Node
	weight    *gorgonia.Node
	scale     *gorgonia.Node
	lossVal   gorgonia.Value
	jointsVal gorgonia.Value
	vm        gorgonia.VM
}

// New enters the Initializing state: model, optimizer, scheduler and loss
// configuration come up under the run's fixed seed. Restore may follow
// before Train.
func New(cfg config.Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	net, err := model.NewPoseNet(cfg.Model, cfg.Run.Seed)
	if err != nil {
		return nil, err
	}
	solver, err := optim.New(cfg.Training)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		log:        log,
		net:        net,
		solver:     solver,
		sched:      optim.NewStepLR(cfg.Training.LearningRate, cfg.Training.LRStep, cfg.Training.LRGamma),
		trainProgs: make(map[int]*trainProgram),
		evalProgs:  make(map[int]*evalProgram),
		bestPerf:   math.Inf(1),
	}, nil
}

// Net exposes the underlying network, mainly for snapshot consumers.
func (e *Engine) Net() *model.PoseNet { return e.net }

// Restore resumes from a checkpoint: parameters, optimizer and scheduler
// state, and the epoch counter, which continues at epoch+1.
func (e *Engine) Restore(path string) error {
	ck, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := e.net.Params().SetTensors(ck.Params); err != nil {
		return &CheckpointError{Path: path, Reason: "restoring parameters", Err: err}
	}
	if err := e.solver.Restore(ck.Optim); err != nil {
		return &CheckpointError{Path: path, Reason: "restoring optimizer", Err: err}
	}
	e.sched.Restore(ck.Sched)
	e.solver.SetLearnRate(e.sched.Rate())
	e.startEpoch = ck.Epoch + 1
	e.log.Info("restored checkpoint",
		slog.String("path", path),
		slog.Int("epoch", ck.Epoch),
		slog.Float64("train_loss", ck.TrainLoss),
		slog.Float64("val_loss", ck.ValLoss))
	return nil
}

// RestoreSnapshot loads weights from an archival model record. Optimizer
// and scheduler state stay fresh; this is the prediction path, not resume.
func (e *Engine) RestoreSnapshot(path string) error {
	snap, err := LoadSnapshot(path)
	if err != nil {
		return err
	}
	if err := e.net.Params().SetTensors(snap.Params); err != nil {
		return &CheckpointError{Path: path, Reason: "restoring parameters", Err: err}
	}
	e.log.Info("restored model snapshot", slog.String("path", path))
	return nil
}

// StartEpoch is the epoch the next Train call begins at: 0 for a fresh
// engine, checkpoint epoch + 1 after Restore.
func (e *Engine) StartEpoch() int { return e.startEpoch }

// SkippedBatches reports how many training batches were skipped for a
// degenerate loss since the engine came up.
func (e *Engine) SkippedBatches() int { return e.skippedBatches }

// Train runs the full epoch loop until the configured epoch count.
func (e *Engine) Train() error {
	trainDS, err := data.Load(e.cfg, true)
	if err != nil {
		return err
	}
	valDS, err := data.Load(e.cfg, false)
	if err != nil {
		return err
	}

	tc := e.cfg.Training
	trainLoader := data.NewLoader(trainDS, tc.BatchSize, tc.NumWorkers, tc.Shuffle, e.cfg.Run.Seed)
	valLoader := data.NewLoader(valDS, tc.BatchSize, tc.NumWorkers, false, e.cfg.Run.Seed)

	for epoch := e.startEpoch; epoch < tc.Epochs; epoch++ {
		e.log.Info("training epoch",
			slog.Int("epoch", epoch),
			slog.Float64("lr", e.solver.LearnRate()),
			slog.Int("lr_step", e.sched.LastEpoch()))

		trainLoss, err := e.trainEpoch(trainLoader)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		// The schedule advances exactly once per epoch, never per batch.
		e.sched.Step(e.solver)
		e.log.Info("training finished", slog.Int("epoch", epoch), slog.Float64("avg_loss", trainLoss))

		valLoss, preds, metas, err := e.Validate(valLoader, false)
		if err != nil {
			return errors.Wrapf(err, "epoch %d validation", epoch)
		}
		e.log.Info("validation finished", slog.Int("epoch", epoch), slog.Float64("avg_loss", valLoss))

		perf, err := e.Evaluate(epoch, preds, metas, valDS, e.cfg.Run.OutputDir)
		if err != nil {
			return errors.Wrapf(err, "epoch %d evaluation", epoch)
		}
		if !math.IsNaN(perf) && perf < e.bestPerf {
			e.bestPerf = perf
			e.log.Info("new best performance", slog.Int("epoch", epoch), slog.Float64("mpjpe", perf))
		}

		if (epoch+1)%tc.CheckpointInterval == 0 || epoch+1 == tc.Epochs {
			if err := e.Checkpoint(epoch, trainLoss, valLoss); err != nil {
				return err
			}
		}
	}
	return nil
}

// trainEpoch is the TrainingEpoch state: one pass over the training set
// with an optimizer step per batch.
func (e *Engine) trainEpoch(loader *data.Loader) (float64, error) {
	losses := &AverageMeter{}
	epoch := loader.Epoch()
	for {
		batch, err := epoch.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		p, err := e.trainProgram(batch.Size())
		if err != nil {
			return 0, err
		}
		lb, err := e.assemble(batch)
		if err != nil {
			return 0, err
		}
		if err := e.bindTrain(p, batch, lb); err != nil {
			return 0, err
		}

		// A forward/backward failure aborts the epoch: skipping a batch here
		// would silently desynchronize optimizer stepping.
		if err := p.vm.RunAll(); err != nil {
			p.vm.Reset()
			return 0, errors.Wrapf(err, "engine: batch %d forward/backward", batch.Index)
		}
		lossV := scalarLoss(p.lossVal)

		// A NaN loss skips the step but not the run.
		if math32.IsNaN(lossV) || math32.IsInf(lossV, 0) {
			e.skippedBatches++
			e.log.Warn("skipping batch with degenerate loss",
				slog.Int("batch", batch.Index),
				slog.Float64("loss", float64(lossV)))
			p.vm.Reset()
			continue
		}

		if err := e.solver.Step(gorgonia.NodesToValueGrads(p.net.Params)); err != nil {
			p.vm.Reset()
			return 0, errors.Wrap(err, "engine: optimizer step")
		}
		p.vm.Reset()
		losses.Update(float64(lossV), batch.Size())
	}
	return losses.Avg, nil
}

// Validate is the Validating state: a full pass over loader with no
// parameter mutation, reassembling per-batch predictions into one flat
// (M, J, 3) tensor in sample order. The ragged last batch is neither
// dropped nor padded. With onlyPrediction set the loss is skipped and the
// reported value is 0.
func (e *Engine) Validate(loader *data.Loader, onlyPrediction bool) (float64, *tensor.Dense, []data.Meta, error) {
	m := loader.Dataset().Len()
	joints := e.cfg.Model.NumJoints
	flat := make([]float32, m*joints*3)
	metas := make([]data.Meta, 0, m)
	losses := &AverageMeter{}

	offset := 0
	epoch := loader.Epoch()
	for {
		batch, err := epoch.Next()
		if err != nil {
			return 0, nil, nil, err
		}
		if batch == nil {
			break
		}

		p, err := e.evalProgram(batch.Size())
		if err != nil {
			return 0, nil, nil, err
		}
		lb, err := e.assemble(batch)
		if err != nil {
			return 0, nil, nil, err
		}
		if err := e.bindEval(p, batch, lb); err != nil {
			return 0, nil, nil, err
		}
		if err := p.vm.RunAll(); err != nil {
			p.vm.Reset()
			return 0, nil, nil, errors.Wrapf(err, "engine: validation batch %d", batch.Index)
		}

		if !onlyPrediction {
			losses.Update(float64(scalarLoss(p.lossVal)), batch.Size())
		}
		pred := p.jointsVal.Data().([]float32)
		copy(flat[offset*joints*3:], pred)
		offset += batch.Size()
		for _, s := range batch.Samples {
			metas = append(metas, s.Meta)
		}
		p.vm.Reset()
	}

	if offset != m {
		return 0, nil, nil, errors.Errorf("engine: reassembled %d predictions for %d samples", offset, m)
	}
	preds := tensor.New(tensor.WithShape(m, joints, 3), tensor.WithBacking(flat))
	return losses.Avg, preds, metas, nil
}

// Evaluate is the Evaluating state: patch-local predictions are
// transformed into original-image coordinates per sample and handed to
// the canonical dataset's own scoring function. When the canonical
// dataset is not part of the selection no score exists and the
// performance indicator is NaN.
func (e *Engine) Evaluate(epoch int, preds *tensor.Dense, metas []data.Meta, ds data.Dataset, outputPath string) (float64, error) {
	joints := e.cfg.Model.NumJoints
	flat := preds.Data().([]float32)

	offset := 0
	for _, part := range data.Parts(ds) {
		n := part.Len()
		if part.Name() != e.cfg.Data.EvalDataset {
			offset += n
			continue
		}

		sub := tensor.New(tensor.WithShape(n, joints, 3),
			tensor.WithBacking(flat[offset*joints*3:(offset+n)*joints*3]))
		orig, err := data.TransformPredictions(sub, metas[offset:offset+n], e.cfg.Data.DepthRefScale)
		if err != nil {
			return 0, err
		}
		metrics, perf, err := part.Evaluate(orig, outputPath)
		if err != nil {
			return 0, err
		}
		for _, metric := range metrics {
			e.log.Info("validation metric",
				slog.Int("epoch", epoch),
				slog.String("name", metric.Name),
				slog.Float64("value", metric.Value))
		}
		e.log.Info("mean per joint position error", slog.Int("epoch", epoch), slog.Float64("mpjpe", perf))
		return perf, nil
	}

	e.log.Info("no evaluation dataset in selection", slog.String("want", e.cfg.Data.EvalDataset))
	return math.NaN(), nil
}

// Checkpoint is the Checkpointing state: the resumable record and the
// archival model snapshot are written with write-then-rename.
func (e *Engine) Checkpoint(epoch int, trainLoss, valLoss float64) error {
	ckPath := filepath.Join(e.cfg.Run.OutputDir, "checkpoints", fmt.Sprintf("%d_checkpoint.gob", epoch))
	err := SaveCheckpoint(ckPath, &Checkpoint{
		Epoch:     epoch,
		Params:    e.net.Params().Tensors(),
		Optim:     e.solver.State(),
		Sched:     e.sched.State(),
		TrainLoss: trainLoss,
		ValLoss:   valLoss,
	})
	if err != nil {
		return err
	}

	snapPath := filepath.Join(e.cfg.Run.OutputDir, "models", fmt.Sprintf("%d_model.gob", epoch))
	err = SaveSnapshot(snapPath, &Snapshot{
		Model:  e.cfg.Model,
		Params: e.net.Params().Tensors(),
	})
	if err != nil {
		return err
	}
	e.log.Info("saved checkpoint", slog.Int("epoch", epoch), slog.String("path", ckPath))
	return nil
}

// assemble validates and packs a batch's ground truth for the loss.
func (e *Engine) assemble(batch *data.Batch) (*loss.Batch, error) {
	targets := make([]*tensor.Dense, batch.Size())
	weights := make([]*tensor.Dense, batch.Size())
	for i, s := range batch.Samples {
		targets[i] = s.Joints
		weights[i] = s.Weights
	}
	return loss.Assemble(targets, weights, e.cfg.Model.NumJoints, e.cfg.Training.SizeAverage)
}

// trainProgram compiles (or reuses) the forward+backward pass for one
// batch size. Parameter tensors are shared across programs, so a step
// through one is visible to all.
func (e *Engine) trainProgram(batch int) (*trainProgram, error) {
	if p, ok := e.trainProgs[batch]; ok {
		return p, nil
	}
	net, err := e.net.Build(batch)
	if err != nil {
		return nil, err
	}
	p := &trainProgram{net: net}
	cost, err := e.lossNodes(net, batch, &p.target, &p.weight, &p.scale)
	if err != nil {
		return nil, err
	}
	gorgonia.Read(cost, &p.lossVal)
	if _, err := gorgonia.Grad(cost, net.Params...); err != nil {
		return nil, errors.Wrap(err, "engine: differentiating loss")
	}
	p.vm = gorgonia.NewTapeMachine(net.G, gorgonia.BindDualValues(net.Params...))
	e.trainProgs[batch] = p
	return p, nil
}

// evalProgram compiles (or reuses) the gradient-free pass for one batch
// size.
func (e *Engine) evalProgram(batch int) (*evalProgram, error) {
	if p, ok := e.evalProgs[batch]; ok {
		return p, nil
	}
	net, err := e.net.Build(batch)
	if err != nil {
		return nil, err
	}
	p := &evalProgram{net: net}
	cost, err := e.lossNodes(net, batch, &p.target, &p.weight, &p.scale)
	if err != nil {
		return nil, err
	}
	gorgonia.Read(cost, &p.lossVal)
	gorgonia.Read(net.Joints, &p.jointsVal)
	p.vm = gorgonia.NewTapeMachine(net.G)
	e.evalProgs[batch] = p
	return p, nil
}

// lossNodes adds the loss inputs and term to a compiled network.
func (e *Engine) lossNodes(net *model.Net, batch int, target, weight, scale **gorgonia.Node) (*gorgonia.Node, error) {
	joints := e.cfg.Model.NumJoints
	*target = gorgonia.NewTensor(net.G, tensor.Float32, 3,
		gorgonia.WithShape(batch, joints, 3), gorgonia.WithName("target"))
	*weight = gorgonia.NewTensor(net.G, tensor.Float32, 3,
		gorgonia.WithShape(batch, joints, 3), gorgonia.WithName("weight"))
	*scale = gorgonia.NewVector(net.G, tensor.Float32,
		gorgonia.WithShape(batch), gorgonia.WithName("scale"))
	return loss.Term(net.Joints, *target, *weight, *scale, e.cfg.Training.SizeAverage)
}

func (e *Engine) bindTrain(p *trainProgram, batch *data.Batch, lb *loss.Batch) error {
	return bindAll(map[*gorgonia.Node]*tensor.Dense{
		p.net.Input: batch.Patches,
		p.target:    lb.Target,
		p.weight:    lb.Weight,
		p.scale:     lb.Scale,
	})
}

func (e *Engine) bindEval(p *evalProgram, batch *data.Batch, lb *loss.Batch) error {
	return bindAll(map[*gorgonia.Node]*tensor.Dense{
		p.net.Input: batch.Patches,
		p.target:    lb.Target,
		p.weight:    lb.Weight,
		p.scale:     lb.Scale,
	})
}

func bindAll(binds map[*gorgonia.Node]*tensor.Dense) error {
	for node, value := range binds {
		if err := gorgonia.Let(node, value); err != nil {
			return errors.Wrapf(err, "engine: binding %s", node.Name())
		}
	}
	return nil
}

// scalarLoss extracts the scalar loss value read out of a program.
func scalarLoss(v gorgonia.Value) float32 {
	if v == nil {
		return float32(math.NaN())
	}
	if f, ok := v.Data().(float32); ok {
		return f
	}
	return float32(math.NaN())
}
