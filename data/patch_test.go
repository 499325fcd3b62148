package data

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestExtractPatchStandardizesChannels(t *testing.T) {
	img := solidImage(32, 32, color.RGBA{R: 255, G: 0, B: 127, A: 255})
	opt := PatchOptions{
		Width: 8, Height: 8,
		Mean: []float32{0.5, 0.5, 0.5},
		Std:  []float32{0.25, 0.25, 0.25},
	}

	patch, err := ExtractPatch(img, 16, 16, 16, 16, opt)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, 8, 8}, patch.Shape())

	vals := patch.Data().([]float32)
	// R = (1.0 - 0.5) / 0.25, G = (0 - 0.5) / 0.25.
	require.InDelta(t, 2.0, vals[0], 1e-4)
	require.InDelta(t, -2.0, vals[64], 1e-4)
	require.InDelta(t, (float64(127)/255-0.5)/0.25, vals[128], 1e-2)
}

func TestExtractPatchClampsCropToImage(t *testing.T) {
	img := solidImage(16, 16, color.RGBA{R: 10, G: 10, B: 10, A: 255})
	opt := PatchOptions{Width: 4, Height: 4, Mean: []float32{0, 0, 0}, Std: []float32{1, 1, 1}}

	// Crop extends past the image edge; the intersected region still yields
	// a full-size patch.
	patch, err := ExtractPatch(img, 1, 1, 10, 10, opt)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{3, 4, 4}, patch.Shape())

	// Fully outside is an error.
	_, err = ExtractPatch(img, 100, 100, 4, 4, opt)
	require.Error(t, err)
}

func TestExtractPatchValidatesOptions(t *testing.T) {
	img := solidImage(8, 8, color.RGBA{A: 255})
	_, err := ExtractPatch(img, 4, 4, 4, 4, PatchOptions{Width: 0, Height: 4})
	require.Error(t, err)
	_, err = ExtractPatch(img, 4, 4, 4, 4, PatchOptions{Width: 4, Height: 4, Mean: []float32{0}, Std: []float32{1}})
	require.Error(t, err)
}
