package data

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PatchOptions parameterizes patch extraction.
type PatchOptions struct {
	// Width, Height are the network input resolution.
	Width  int
	Height int
	// Mean, Std standardize pixels per channel in R, G, B order.
	Mean []float32
	Std  []float32
}

// ExtractPatch crops a region centered at (centerX, centerY) with the
// given extent out of img, resizes it to the target resolution and packs
// it as a standardized (3, H, W) CHW tensor.
func ExtractPatch(img image.Image, centerX, centerY, width, height float64, opt PatchOptions) (*tensor.Dense, error) {
	if opt.Width <= 0 || opt.Height <= 0 {
		return nil, errors.Errorf("data: invalid patch size %dx%d", opt.Width, opt.Height)
	}
	if len(opt.Mean) != 3 || len(opt.Std) != 3 {
		return nil, errors.New("data: mean and std need exactly 3 channel values")
	}

	bounds := img.Bounds()
	rect := image.Rect(
		int(centerX-width/2), int(centerY-height/2),
		int(centerX+width/2), int(centerY+height/2),
	).Intersect(bounds)
	if rect.Empty() {
		return nil, errors.Errorf("data: crop center (%.0f, %.0f) outside image %v", centerX, centerY, bounds)
	}

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	cropped := img
	if si, ok := img.(subImager); ok {
		cropped = si.SubImage(rect)
	}
	patch := resize.Resize(uint(opt.Width), uint(opt.Height), cropped, resize.Bilinear)

	channelSize := opt.Width * opt.Height
	backing := make([]float32, 3*channelSize)
	red := backing[0:channelSize]
	green := backing[channelSize : channelSize*2]
	blue := backing[channelSize*2 : channelSize*3]

	pb := patch.Bounds()
	i := 0
	for y := pb.Min.Y; y < pb.Min.Y+opt.Height; y++ {
		for x := pb.Min.X; x < pb.Min.X+opt.Width; x++ {
			r, g, b, _ := patch.At(x, y).RGBA()
			red[i] = (float32(r>>8)/255.0 - opt.Mean[0]) / opt.Std[0]
			green[i] = (float32(g>>8)/255.0 - opt.Mean[1]) / opt.Std[1]
			blue[i] = (float32(b>>8)/255.0 - opt.Mean[2]) / opt.Std[2]
			i++
		}
	}

	return tensor.New(tensor.WithShape(3, opt.Height, opt.Width), tensor.WithBacking(backing)), nil
}
