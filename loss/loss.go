// Package loss - Weighted L1 joint regression loss with per-sample
// 2D/3D ground-truth branching.
//
// The differentiable part of the loss is shape-static: a single graph term
// over (N, J, 3) tensors. The per-sample branching lives host-side in
// Assemble, which validates every sample's ground-truth shape and encodes
// the 2D case by zeroing the depth-axis weight, so a sample with (J, 2)
// ground truth contributes only through its first two predicted axes.
package loss

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pose/model"
)

// Batch is the host-side assembly of a mini-batch's ground truth, ready to
// bind into the loss term's input nodes.
type Batch struct {
	// Target is (N, J, 3); the depth column of 2D samples is zero.
	Target *tensor.Dense
	// Weight is (N, J, 3): per-joint visibility broadcast across axes, with
	// the depth axis zeroed for 2D samples.
	Weight *tensor.Dense
	// Scale is (N,): the per-sample factor applied to the raw weighted L1
	// sum. With averaging it is the reciprocal count of nonzero-weight
	// entries (0 for a fully occluded sample, so such samples contribute
	// exactly 0 instead of NaN); without averaging it is 1.
	Scale *tensor.Dense
}

// Assemble validates and packs per-sample ground truth. Each target must be
// (J, 2) or (J, 3) with a (J,) visibility weight vector; anything else is a
// fatal shape error identifying the sample.
func Assemble(targets, weights []*tensor.Dense, joints int, sizeAverage bool) (*Batch, error) {
	if len(targets) != len(weights) {
		return nil, errors.Errorf("loss: %d targets but %d weight vectors", len(targets), len(weights))
	}
	n := len(targets)
	if n == 0 {
		return nil, errors.New("loss: empty batch")
	}

	target := make([]float32, n*joints*3)
	weight := make([]float32, n*joints*3)
	scale := make([]float32, n)

	for i := 0; i < n; i++ {
		ts := targets[i].Shape()
		ws := weights[i].Shape()
		if ws.Dims() != 1 || ws[0] != joints {
			return nil, &model.ShapeError{
				What: fmt.Sprintf("joint weights of sample %d", i),
				Got:  ws,
				Want: fmt.Sprintf("(%d)", joints),
			}
		}
		var axes int
		switch {
		case ts.Dims() == 2 && ts[0] == joints && ts[1] == 2:
			axes = 2
		case ts.Dims() == 2 && ts[0] == joints && ts[1] == 3:
			axes = 3
		default:
			return nil, &model.ShapeError{
				What: fmt.Sprintf("ground-truth joints of sample %d", i),
				Got:  ts,
				Want: "(J, 2) or (J, 3)",
			}
		}

		tdata := targets[i].Data().([]float32)
		wdata := weights[i].Data().([]float32)
		valid := 0
		for j := 0; j < joints; j++ {
			base := (i*joints + j) * 3
			for a := 0; a < axes; a++ {
				target[base+a] = tdata[j*axes+a]
				weight[base+a] = wdata[j]
			}
			if wdata[j] != 0 {
				valid += axes
			}
		}

		switch {
		case !sizeAverage:
			scale[i] = 1
		case valid > 0:
			scale[i] = 1 / float32(valid)
		}
	}

	return &Batch{
		Target: tensor.New(tensor.WithShape(n, joints, 3), tensor.WithBacking(target)),
		Weight: tensor.New(tensor.WithShape(n, joints, 3), tensor.WithBacking(weight)),
		Scale:  tensor.New(tensor.WithShape(n), tensor.WithBacking(scale)),
	}, nil
}

// Term appends the weighted L1 loss to the prediction graph. pred is the
// (N, J, 3) joint prediction node; target, weight and scale are input nodes
// bound per batch from an assembled Batch. The result is a scalar: the mean
// of the scaled per-sample losses when sizeAverage is set, their sum
// otherwise.
func Term(pred, target, weight, scale *gorgonia.Node, sizeAverage bool) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(pred, target)
	if err != nil {
		return nil, err
	}
	abs, err := gorgonia.Abs(diff)
	if err != nil {
		return nil, err
	}
	weighted, err := gorgonia.HadamardProd(abs, weight)
	if err != nil {
		return nil, err
	}
	perSample, err := gorgonia.Sum(weighted, 1, 2)
	if err != nil {
		return nil, err
	}
	if perSample, err = gorgonia.HadamardProd(perSample, scale); err != nil {
		return nil, err
	}
	if sizeAverage {
		return gorgonia.Mean(perSample)
	}
	return gorgonia.Sum(perSample)
}
