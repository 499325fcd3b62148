package model

import (
	"fmt"

	"github.com/nvr-ai/go-pose/config"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Decoder upsamples a backbone feature map into per-joint volumetric
// heatmaps of shape (N, J, D, H, W), doubling the spatial resolution once
// per stage.
//
// Each stage is a learned transposed convolution expressed in-graph as
// zero-interleaved upsampling followed by a stride-1 convolution, then
// normalization and ReLU. The kernel size fixes the padding recipe; all
// three recipes produce exactly 2x the input resolution for any input size:
//
//	kernel 2: interleave to 2L-1, symmetric padding 1
//	kernel 3: interleave to 2L,   symmetric padding 1
//	kernel 4: interleave to 2L-1, symmetric padding 2
type Decoder struct {
	inChannels int
	numStages  int
	filters    int
	kernel     int
	joints     int
	depthBins  int
}

// NewDecoder validates the decoder configuration against the declared
// backbone output width. A mismatch is a fatal construction error.
func NewDecoder(inChannels int, cfg config.ModelConfig) (*Decoder, error) {
	if inChannels <= 0 {
		return nil, &ShapeError{What: "decoder input channels", Got: tensor.Shape{inChannels}, Want: "positive"}
	}
	if k := cfg.KernelSize; k != 2 && k != 3 && k != 4 {
		return nil, &config.Error{Key: "model.kernel_size", Reason: fmt.Sprintf("must be 2, 3 or 4, got %d", k)}
	}
	if cfg.NumStages <= 0 || cfg.NumFilters <= 0 {
		return nil, &config.Error{Key: "model.num_stages", Reason: "stages and filters must be positive"}
	}
	if cfg.NumJoints <= 0 || cfg.DepthBins <= 0 {
		return nil, &config.Error{Key: "model.num_joints", Reason: "joints and depth bins must be positive"}
	}
	return &Decoder{
		inChannels: inChannels,
		numStages:  cfg.NumStages,
		filters:    cfg.NumFilters,
		kernel:     cfg.KernelSize,
		joints:     cfg.NumJoints,
		depthBins:  cfg.DepthBins,
	}, nil
}

// Build appends the decoder to g, consuming (N, C, h, w) features and
// returning the (N, J, D, H, W) heatmap volume node.
func (d *Decoder) Build(g *gorgonia.ExprGraph, ps *Params, features *gorgonia.Node) (*gorgonia.Node, error) {
	if features.Shape().Dims() != 4 || features.Shape()[1] != d.inChannels {
		return nil, &ShapeError{
			What: "decoder features",
			Got:  features.Shape(),
			Want: fmt.Sprintf("(N, %d, h, w)", d.inChannels),
		}
	}

	x := features
	in := d.inChannels
	var err error
	for i := 0; i < d.numStages; i++ {
		name := fmt.Sprintf("decoder.%d", i)
		if x, err = deconv2x(g, ps, x, name, in, d.filters, d.kernel); err != nil {
			return nil, err
		}
		in = d.filters
	}

	// 1x1 projection from filters to J*D raw heatmap channels.
	w := ps.Gaussian(g, "decoder.head.w", d.joints*d.depthBins, d.filters, 1, 1)
	b := ps.Zeros(g, "decoder.head.b", 1, d.joints*d.depthBins, 1, 1)
	y, err := gorgonia.Conv2d(x, w, tensor.Shape{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	if y, err = gorgonia.BroadcastAdd(y, b, nil, []byte{0, 2, 3}); err != nil {
		return nil, err
	}

	s := y.Shape()
	return gorgonia.Reshape(y, tensor.Shape{s[0], d.joints, d.depthBins, s[2], s[3]})
}

// deconv2x is one learned 2x upsampling stage: zero-interleave, stride-1
// convolution with the kernel's padding recipe, normalization, ReLU.
func deconv2x(g *gorgonia.ExprGraph, ps *Params, x *gorgonia.Node, name string, in, out, kernel int) (*gorgonia.Node, error) {
	var pad int
	var trim bool
	switch kernel {
	case 2:
		pad, trim = 1, true
	case 3:
		pad, trim = 1, false
	case 4:
		pad, trim = 2, true
	default:
		return nil, &config.Error{Key: "model.kernel_size", Reason: fmt.Sprintf("must be 2, 3 or 4, got %d", kernel)}
	}

	up, err := interleaveZeros(g, x, name)
	if err != nil {
		return nil, err
	}
	if trim {
		s := up.Shape()
		up, err = gorgonia.Slice(up,
			gorgonia.S(0, s[0]), gorgonia.S(0, s[1]), gorgonia.S(0, s[2]-1), gorgonia.S(0, s[3]-1))
		if err != nil {
			return nil, err
		}
		// Slice drops unit axes, losing the batch dimension at batch size
		// 1; restore the 4D layout Conv2d expects.
		if up, err = gorgonia.Reshape(up, tensor.Shape{s[0], s[1], s[2] - 1, s[3] - 1}); err != nil {
			return nil, err
		}
	}

	w := ps.Gaussian(g, name+".deconv.w", out, in, kernel, kernel)
	y, err := gorgonia.Conv2d(up, w, tensor.Shape{kernel, kernel}, []int{pad, pad}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	if y, err = normalize2d(g, ps, y, name+".norm", out); err != nil {
		return nil, err
	}
	return gorgonia.Rectify(y)
}

// interleaveZeros doubles both spatial axes of a (N, C, H, W) node by
// placing each input pixel at even coordinates and zeros elsewhere.
func interleaveZeros(g *gorgonia.ExprGraph, x *gorgonia.Node, name string) (*gorgonia.Node, error) {
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]

	// Width: (N,C,H,W,1) ++ zeros -> (N,C,H,W,2) -> (N,C,H,2W).
	x5, err := gorgonia.Reshape(x, tensor.Shape{n, c, h, w, 1})
	if err != nil {
		return nil, err
	}
	xi, err := gorgonia.Concat(4, x5, zeroConst(name+".zw", n, c, h, w, 1))
	if err != nil {
		return nil, err
	}
	if x, err = gorgonia.Reshape(xi, tensor.Shape{n, c, h, 2 * w}); err != nil {
		return nil, err
	}

	// Height: (N,C,H,1,2W) ++ zeros -> (N,C,H,2,2W) -> (N,C,2H,2W).
	if x5, err = gorgonia.Reshape(x, tensor.Shape{n, c, h, 1, 2 * w}); err != nil {
		return nil, err
	}
	if xi, err = gorgonia.Concat(3, x5, zeroConst(name+".zh", n, c, h, 1, 2*w)); err != nil {
		return nil, err
	}
	return gorgonia.Reshape(xi, tensor.Shape{n, c, 2 * h, 2 * w})
}

func zeroConst(name string, shape ...int) *gorgonia.Node {
	d := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, tensor.Shape(shape).TotalSize())))
	return gorgonia.NewConstant(d, gorgonia.WithName(name))
}

// normalize2d standardizes x per channel with current-batch statistics and
// applies a learned scale and shift. Scale initializes to 1, shift to 0.
func normalize2d(g *gorgonia.ExprGraph, ps *Params, x *gorgonia.Node, name string, channels int) (*gorgonia.Node, error) {
	mu, err := gorgonia.Mean(x, 0, 2, 3)
	if err != nil {
		return nil, err
	}
	if mu, err = gorgonia.Reshape(mu, tensor.Shape{1, channels, 1, 1}); err != nil {
		return nil, err
	}
	xc, err := gorgonia.BroadcastSub(x, mu, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, err
	}

	sq, err := gorgonia.Square(xc)
	if err != nil {
		return nil, err
	}
	v, err := gorgonia.Mean(sq, 0, 2, 3)
	if err != nil {
		return nil, err
	}
	if v, err = gorgonia.Reshape(v, tensor.Shape{1, channels, 1, 1}); err != nil {
		return nil, err
	}
	if v, err = gorgonia.Add(v, gorgonia.NewConstant(float32(1e-5))); err != nil {
		return nil, err
	}
	denom, err := gorgonia.Sqrt(v)
	if err != nil {
		return nil, err
	}
	xn, err := gorgonia.BroadcastHadamardDiv(xc, denom, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, err
	}

	scale := ps.Ones(g, name+".scale", 1, channels, 1, 1)
	bias := ps.Zeros(g, name+".bias", 1, channels, 1, 1)
	y, err := gorgonia.BroadcastHadamardProd(xn, scale, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(y, bias, nil, []byte{0, 2, 3})
}
