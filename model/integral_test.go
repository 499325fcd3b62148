package model

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// runIntegral pushes a raw score volume through the soft-argmax head and
// returns the (N, J, 3) coordinates.
func runIntegral(t *testing.T, vol *tensor.Dense) []float32 {
	t.Helper()
	s := vol.Shape()

	g := gorgonia.NewGraph()
	hm := gorgonia.NewTensor(g, tensor.Float32, 5, gorgonia.WithShape(s...), gorgonia.WithName("hm"))
	coords, err := IntegralRegression(hm)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{s[0], s[1], 3}, coords.Shape())

	var out gorgonia.Value
	gorgonia.Read(coords, &out)
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, gorgonia.Let(hm, vol))
	require.NoError(t, vm.RunAll())
	return out.Data().([]float32)
}

func TestIntegralUniformVolumeIsNearCenter(t *testing.T) {
	// Constant scores softmax to a uniform distribution, whose expected
	// index along an axis of length L is (L-1)/2, i.e. -1/(2L) after the
	// 1/L rescale and -0.5 shift.
	d, h, w := 4, 5, 8
	vol := tensor.New(tensor.WithShape(1, 2, d, h, w),
		tensor.WithBacking(make([]float32, 2*d*h*w)))

	coords := runIntegral(t, vol)
	for j := 0; j < 2; j++ {
		require.InDeltaf(t, -1.0/(2*float64(w)), coords[j*3+0], 1e-5, "joint %d x", j)
		require.InDeltaf(t, -1.0/(2*float64(h)), coords[j*3+1], 1e-5, "joint %d y", j)
		require.InDeltaf(t, -1.0/(2*float64(d)), coords[j*3+2], 1e-5, "joint %d z", j)
	}
}

func TestIntegralPeakedVolumeRecoversVoxel(t *testing.T) {
	d, h, w := 4, 5, 8
	backing := make([]float32, d*h*w)
	// A dominant score concentrates the softmax at one voxel.
	di, hi, wi := 1, 3, 6
	backing[(di*h+hi)*w+wi] = 50
	vol := tensor.New(tensor.WithShape(1, 1, d, h, w), tensor.WithBacking(backing))

	coords := runIntegral(t, vol)
	require.InDelta(t, float64(wi)/float64(w)-0.5, coords[0], 1e-3)
	require.InDelta(t, float64(hi)/float64(h)-0.5, coords[1], 1e-3)
	require.InDelta(t, float64(di)/float64(d)-0.5, coords[2], 1e-3)
}

func TestSoftmaxVolumeSumsToOnePerJoint(t *testing.T) {
	d, h, w := 2, 3, 4
	backing := make([]float32, 2*d*h*w)
	for i := range backing {
		backing[i] = float32(i%7) - 3
	}
	vol := tensor.New(tensor.WithShape(1, 2, d, h, w), tensor.WithBacking(backing))

	g := gorgonia.NewGraph()
	hm := gorgonia.NewTensor(g, tensor.Float32, 5, gorgonia.WithShape(1, 2, d, h, w), gorgonia.WithName("hm"))
	sm, err := SoftmaxVolume(hm)
	require.NoError(t, err)

	var out gorgonia.Value
	gorgonia.Read(sm, &out)
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, gorgonia.Let(hm, vol))
	require.NoError(t, vm.RunAll())

	probs := out.Data().([]float32)
	for j := 0; j < 2; j++ {
		var sum float64
		for i := 0; i < d*h*w; i++ {
			p := probs[j*d*h*w+i]
			require.GreaterOrEqual(t, p, float32(0))
			sum += float64(p)
		}
		require.InDeltaf(t, 1, sum, 1e-4, "joint %d", j)
	}
}

func TestIntegralRejectsWrongRank(t *testing.T) {
	g := gorgonia.NewGraph()
	flat := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(1, 2, 3, 4), gorgonia.WithName("flat"))
	_, err := IntegralRegression(flat)
	var serr *ShapeError
	require.ErrorAs(t, err, &serr)
}
