package optim

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// fakeVG is a minimal value/gradient pair for exercising solvers without a
// graph.
type fakeVG struct {
	name string
	w    *tensor.Dense
	g    *tensor.Dense
}

func (f *fakeVG) Value() gorgonia.Value         { return f.w }
func (f *fakeVG) Grad() (gorgonia.Value, error) { return f.g, nil }
func (f *fakeVG) Name() string                  { return f.name }

func newFakeVG(name string, w, g []float32) *fakeVG {
	return &fakeVG{
		name: name,
		w:    tensor.New(tensor.WithShape(len(w)), tensor.WithBacking(w)),
		g:    tensor.New(tensor.WithShape(len(g)), tensor.WithBacking(g)),
	}
}

func TestSGDStepWithoutMomentum(t *testing.T) {
	s := NewSGD(0.1, 0, 0)
	vg := newFakeVG("w", []float32{1, -1}, []float32{1, 2})
	require.NoError(t, s.Step([]gorgonia.ValueGrad{vg}))

	w := vg.w.Data().([]float32)
	require.InDelta(t, 0.9, w[0], 1e-6)
	require.InDelta(t, -1.2, w[1], 1e-6)
}

func TestSGDMomentumAccumulates(t *testing.T) {
	s := NewSGD(0.1, 0.9, 0)
	vg := newFakeVG("w", []float32{0}, []float32{1})

	require.NoError(t, s.Step([]gorgonia.ValueGrad{vg}))
	w := vg.w.Data().([]float32)
	require.InDelta(t, -0.1, w[0], 1e-6)

	// v = 0.9*(-0.1) - 0.1 = -0.19
	require.NoError(t, s.Step([]gorgonia.ValueGrad{vg}))
	require.InDelta(t, -0.29, w[0], 1e-6)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	a := NewAdam(0.01, 0.9, 0.999, 1e-8, 0)
	vg := newFakeVG("w", []float32{1}, []float32{1})
	require.NoError(t, a.Step([]gorgonia.ValueGrad{vg}))

	// Bias correction makes the first update exactly lr * sign(grad).
	w := vg.w.Data().([]float32)
	require.InDelta(t, 0.99, w[0], 1e-5)
}

func TestSGDStateRoundTrip(t *testing.T) {
	s := NewSGD(0.1, 0.9, 0)
	vg := newFakeVG("layer.w", []float32{1, 2}, []float32{0.5, 0.5})
	require.NoError(t, s.Step([]gorgonia.ValueGrad{vg}))
	s.SetLearnRate(0.05)

	st := s.State()
	require.Equal(t, "sgd", st.Algo)
	require.Contains(t, st.Buffers, "velocity/layer.w")

	fresh := NewSGD(0.1, 0.9, 0)
	require.NoError(t, fresh.Restore(st))
	require.Equal(t, 0.05, fresh.LearnRate())
	require.Equal(t, st.Buffers, fresh.State().Buffers)
}

func TestAdamStateRoundTrip(t *testing.T) {
	a := NewAdam(0.01, 0.9, 0.999, 1e-8, 0)
	vg := newFakeVG("layer.w", []float32{1}, []float32{1})
	require.NoError(t, a.Step([]gorgonia.ValueGrad{vg}))

	st := a.State()
	require.Equal(t, int64(1), st.Step)
	require.Contains(t, st.Buffers, "m/layer.w")
	require.Contains(t, st.Buffers, "v/layer.w")

	fresh := NewAdam(0.01, 0.9, 0.999, 1e-8, 0)
	require.NoError(t, fresh.Restore(st))
	restored := fresh.State()
	require.Equal(t, st.Step, restored.Step)
	require.Equal(t, st.Buffers, restored.Buffers)
}

func TestRestoreRejectsAlgoMismatch(t *testing.T) {
	s := NewSGD(0.1, 0.9, 0)
	require.Error(t, s.Restore(State{Algo: "adam"}))
	a := NewAdam(0.01, 0.9, 0.999, 1e-8, 0)
	require.Error(t, a.Restore(State{Algo: "sgd"}))
}

func TestStepLRDecaysAtBoundaries(t *testing.T) {
	sched := NewStepLR(0.1, 2, 0.5)
	solver := NewSGD(0.1, 0, 0)

	// Before the first Step the rate is the base rate.
	require.InDelta(t, 0.1, sched.Rate(), 1e-9)

	want := []float64{0.1, 0.05, 0.05, 0.025, 0.025}
	for i, w := range want {
		sched.Step(solver)
		require.InDeltaf(t, w, solver.LearnRate(), 1e-9, "after step %d", i+1)
	}
}

func TestStepLRStateRoundTrip(t *testing.T) {
	sched := NewStepLR(0.1, 2, 0.5)
	solver := NewSGD(0.1, 0, 0)
	for i := 0; i < 3; i++ {
		sched.Step(solver)
	}

	fresh := NewStepLR(1, 1, 1)
	fresh.Restore(sched.State())
	require.Equal(t, sched.LastEpoch(), fresh.LastEpoch())
	require.InDelta(t, sched.Rate(), fresh.Rate(), 1e-9)
}
