// Package optim - Optimizers and learning-rate scheduling.
//
// Both solvers implement gorgonia.Solver and consume the value/gradient
// pairs produced by gorgonia.NodesToValueGrads. They exist in-repo rather
// than reusing gorgonia's built-in solvers because the checkpoint contract
// requires the optimizer state to serialize and resume exactly, and the
// per-epoch schedule requires a mutable learning rate; gorgonia's solvers
// expose neither.
package optim

import (
	"strconv"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"

	"github.com/nvr-ai/go-pose/config"
)

// State is the serializable snapshot of a solver. Buffers are keyed by
// buffer kind and parameter name (e.g. "velocity/decoder.0.deconv.w").
type State struct {
	Algo    string
	LR      float64
	Step    int64
	Buffers map[string][]float32
}

// Solver extends gorgonia.Solver with the hooks the engine needs: a
// schedulable learning rate and exact state round-tripping.
type Solver interface {
	gorgonia.Solver

	Name() string
	LearnRate() float64
	SetLearnRate(lr float64)
	State() State
	Restore(State) error
}

// New builds the configured solver.
func New(cfg config.TrainingConfig) (Solver, error) {
	switch cfg.Optimizer {
	case "sgd":
		return NewSGD(cfg.LearningRate, cfg.Momentum, cfg.WeightDecay), nil
	case "adam":
		return NewAdam(cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Epsilon, cfg.WeightDecay), nil
	default:
		return nil, &config.Error{Key: "training.optimizer", Reason: "unknown optimizer " + strconv.Quote(cfg.Optimizer)}
	}
}

// paramKey names a value/gradient pair for state bookkeeping. Gorgonia
// nodes carry their graph names; anything else falls back to its position.
func paramKey(i int, vg gorgonia.ValueGrad) string {
	if n, ok := vg.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return strconv.Itoa(i)
}

func valueGradData(vg gorgonia.ValueGrad) (w, g []float32, err error) {
	wd, ok := vg.Value().Data().([]float32)
	if !ok {
		return nil, nil, errors.New("optim: non-float32 parameter")
	}
	grad, err := vg.Grad()
	if err != nil {
		return nil, nil, errors.Wrap(err, "optim: parameter has no gradient")
	}
	gd, ok := grad.Data().([]float32)
	if !ok {
		return nil, nil, errors.New("optim: non-float32 gradient")
	}
	if len(wd) != len(gd) {
		return nil, nil, errors.Errorf("optim: parameter/gradient length mismatch: %d vs %d", len(wd), len(gd))
	}
	return wd, gd, nil
}

// SGD is stochastic gradient descent with classical momentum and optional
// L2 weight decay.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    map[string][]float32
}

// NewSGD creates an SGD solver. momentum 0 disables the velocity buffer
// arithmetic but the buffer is still tracked for state round-trips.
func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{lr: lr, momentum: momentum, weightDecay: weightDecay, velocity: make(map[string][]float32)}
}

func (s *SGD) Name() string            { return "sgd" }
func (s *SGD) LearnRate() float64      { return s.lr }
func (s *SGD) SetLearnRate(lr float64) { s.lr = lr }

// Step applies v = momentum*v - lr*(grad + wd*w); w += v to every pair.
func (s *SGD) Step(model []gorgonia.ValueGrad) error {
	lr := float32(s.lr)
	mom := float32(s.momentum)
	wd := float32(s.weightDecay)

	for i, vg := range model {
		w, g, err := valueGradData(vg)
		if err != nil {
			return err
		}
		key := "velocity/" + paramKey(i, vg)
		v, ok := s.velocity[key]
		if !ok {
			v = make([]float32, len(w))
			s.velocity[key] = v
		}
		for k := range w {
			grad := g[k] + wd*w[k]
			v[k] = mom*v[k] - lr*grad
			w[k] += v[k]
		}
	}
	return nil
}

func (s *SGD) State() State {
	return State{Algo: "sgd", LR: s.lr, Buffers: copyBuffers(s.velocity)}
}

func (s *SGD) Restore(st State) error {
	if st.Algo != "sgd" {
		return errors.Errorf("optim: cannot restore %q state into sgd", st.Algo)
	}
	s.lr = st.LR
	s.velocity = copyBuffers(st.Buffers)
	return nil
}

// Adam is the Adam optimizer with bias-corrected first and second moments.
type Adam struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[string][]float32
	v           map[string][]float32
}

// NewAdam creates an Adam solver with the given hyperparameters.
func NewAdam(lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		lr: lr, beta1: beta1, beta2: beta2, eps: eps, weightDecay: weightDecay,
		m: make(map[string][]float32),
		v: make(map[string][]float32),
	}
}

func (a *Adam) Name() string            { return "adam" }
func (a *Adam) LearnRate() float64      { return a.lr }
func (a *Adam) SetLearnRate(lr float64) { a.lr = lr }

// Step applies one bias-corrected Adam update to every pair.
func (a *Adam) Step(model []gorgonia.ValueGrad) error {
	a.step++
	lr := float32(a.lr)
	b1 := float32(a.beta1)
	b2 := float32(a.beta2)
	eps := float32(a.eps)
	wd := float32(a.weightDecay)
	c1 := 1 - math32.Pow(b1, float32(a.step))
	c2 := 1 - math32.Pow(b2, float32(a.step))

	for i, vg := range model {
		w, g, err := valueGradData(vg)
		if err != nil {
			return err
		}
		key := paramKey(i, vg)
		m, ok := a.m["m/"+key]
		if !ok {
			m = make([]float32, len(w))
			a.m["m/"+key] = m
		}
		v, ok := a.v["v/"+key]
		if !ok {
			v = make([]float32, len(w))
			a.v["v/"+key] = v
		}
		for k := range w {
			grad := g[k] + wd*w[k]
			m[k] = b1*m[k] + (1-b1)*grad
			v[k] = b2*v[k] + (1-b2)*grad*grad
			mhat := m[k] / c1
			vhat := v[k] / c2
			w[k] -= lr * mhat / (math32.Sqrt(vhat) + eps)
		}
	}
	return nil
}

func (a *Adam) State() State {
	buffers := copyBuffers(a.m)
	for k, v := range copyBuffers(a.v) {
		buffers[k] = v
	}
	return State{Algo: "adam", LR: a.lr, Step: a.step, Buffers: buffers}
}

func (a *Adam) Restore(st State) error {
	if st.Algo != "adam" {
		return errors.Errorf("optim: cannot restore %q state into adam", st.Algo)
	}
	a.lr = st.LR
	a.step = st.Step
	a.m = make(map[string][]float32)
	a.v = make(map[string][]float32)
	for k, buf := range st.Buffers {
		cp := append([]float32(nil), buf...)
		if len(k) > 1 && k[0] == 'm' {
			a.m[k] = cp
		} else {
			a.v[k] = cp
		}
	}
	return nil
}

func copyBuffers(in map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(in))
	for k, v := range in {
		out[k] = append([]float32(nil), v...)
	}
	return out
}
