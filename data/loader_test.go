package data

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pose/config"
)

// tinySamples builds n samples whose patch values encode their index, so
// batch contents identify which samples they came from.
func tinySamples(n int) []*Sample {
	samples := make([]*Sample, n)
	for i := range samples {
		patch := make([]float32, 3*2*2)
		for k := range patch {
			patch[k] = float32(i)
		}
		samples[i] = &Sample{
			Patch:   tensor.New(tensor.WithShape(3, 2, 2), tensor.WithBacking(patch)),
			Joints:  tensor.New(tensor.WithShape(2, 3), tensor.WithBacking(make([]float32, 6))),
			Weights: tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 1})),
			Meta:    Meta{CenterX: float64(i)},
		}
	}
	return samples
}

func drainOrder(t *testing.T, l *Loader) []int {
	t.Helper()
	var order []int
	e := l.Epoch()
	for {
		b, err := e.Next()
		require.NoError(t, err)
		if b == nil {
			return order
		}
		for _, s := range b.Samples {
			order = append(order, int(s.Meta.CenterX))
		}
	}
}

func TestLoaderDeliversRaggedTailInOrder(t *testing.T) {
	ds := NewMemory("mem", tinySamples(10), nil)
	l := NewLoader(ds, 4, 3, false, 1)
	require.Equal(t, 3, l.NumBatches())

	e := l.Epoch()
	sizes := []int{4, 4, 2}
	for i, want := range sizes {
		b, err := e.Next()
		require.NoError(t, err)
		require.NotNil(t, b)
		require.Equal(t, i, b.Index)
		require.Equal(t, want, b.Size())
		require.Equal(t, tensor.Shape{want, 3, 2, 2}, b.Patches.Shape())

		// Stacked patches carry the sample indices in sequence.
		flat := b.Patches.Data().([]float32)
		for k, s := range b.Samples {
			require.Equal(t, float32(i*4+k), flat[k*12])
			require.Equal(t, float64(i*4+k), s.Meta.CenterX)
		}
	}
	b, err := e.Next()
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestLoaderSequentialWithoutShuffle(t *testing.T) {
	ds := NewMemory("mem", tinySamples(7), nil)
	order := drainOrder(t, NewLoader(ds, 3, 2, false, 5))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, order)
}

func TestLoaderShuffleIsSeedDeterministic(t *testing.T) {
	ds := NewMemory("mem", tinySamples(16), nil)

	a := drainOrder(t, NewLoader(ds, 4, 2, true, 42))
	b := drainOrder(t, NewLoader(ds, 4, 2, true, 42))
	require.Equal(t, a, b)
	require.NotEqual(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, a)

	// Successive epochs of one loader differ but cover the whole set.
	l := NewLoader(ds, 4, 2, true, 42)
	first := drainOrder(t, l)
	second := drainOrder(t, l)
	require.NotEqual(t, first, second)
	require.ElementsMatch(t, first, second)
}

func TestLoaderSurfacesSampleErrors(t *testing.T) {
	ds := NewMemory("mem", tinySamples(3), nil)
	l := NewLoader(ds, 2, 1, false, 1)
	e := l.Epoch()

	// Index past the end through the raw dataset mirrors what a corrupt
	// sample would produce through the loader.
	_, err := ds.At(5)
	require.Error(t, err)

	b, err := e.Next()
	require.NoError(t, err)
	require.Equal(t, 2, b.Size())
}

func TestLoadRejectsUnknownDataset(t *testing.T) {
	cfg := config.Default()
	cfg.Data.Datasets = []string{"mpii"}
	_, err := Load(cfg, true)
	var cerr *config.Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "data.datasets", cerr.Key)
	require.Contains(t, cerr.Reason, "mpii")
}

func TestLoadResolvesCaseInsensitively(t *testing.T) {
	cfg := config.Default()
	cfg.Data.Datasets = []string{"SYNTHETIC"}
	cfg.Data.SyntheticSize = 4
	ds, err := Load(cfg, true)
	require.NoError(t, err)
	require.Equal(t, 4, ds.Len())
}

func TestConcatDatasetPreservesPartOrder(t *testing.T) {
	cfgDatasets := []Dataset{
		NewMemory("a", tinySamples(3), nil),
		NewMemory("b", tinySamples(2), nil),
	}
	ds := Dataset(&concat{parts: cfgDatasets})

	require.Equal(t, 5, ds.Len())
	require.Equal(t, "a+b", ds.Name())

	s, err := ds.At(3)
	require.NoError(t, err)
	require.Equal(t, float64(0), s.Meta.CenterX) // first sample of part b

	parts := Parts(ds)
	require.Len(t, parts, 2)
	require.Equal(t, "a", parts[0].Name())
	require.Equal(t, "b", parts[1].Name())
}
