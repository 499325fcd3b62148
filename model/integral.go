package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// The integral regressor converts unnormalized heatmap volumes into
// continuous joint coordinates by taking the expected location under a
// softmax distribution instead of a discrete argmax, keeping every output
// coordinate differentiable with respect to every heatmap entry.
//
// It is stateless and carries no learnable parameters.

// SoftmaxVolume normalizes a (N, J, D, H, W) score volume so that each
// joint's D*H*W entries are nonnegative and sum to 1.
func SoftmaxVolume(hm *gorgonia.Node) (*gorgonia.Node, error) {
	s := hm.Shape()
	if s.Dims() != 5 {
		return nil, &ShapeError{What: "heatmap volume", Got: s, Want: "(N, J, D, H, W)"}
	}
	n, j, d, h, w := s[0], s[1], s[2], s[3], s[4]

	flat, err := gorgonia.Reshape(hm, tensor.Shape{n, j, d * h * w})
	if err != nil {
		return nil, err
	}
	sm, err := gorgonia.SoftMax(flat, 2)
	if err != nil {
		return nil, err
	}
	return gorgonia.Reshape(sm, tensor.Shape{n, j, d, h, w})
}

// ExpectedCoords marginalizes a normalized (N, J, D, H, W) volume onto each
// axis and returns the (N, J, 3) expected coordinates in (x, y, z) order,
// each axis recentred into [-0.5, 0.5).
func ExpectedCoords(vol *gorgonia.Node) (*gorgonia.Node, error) {
	s := vol.Shape()
	if s.Dims() != 5 {
		return nil, &ShapeError{What: "normalized volume", Got: s, Want: "(N, J, D, H, W)"}
	}
	d, h, w := s[2], s[3], s[4]

	// x: sum over depth then height -> (N, J, W).
	xm, err := gorgonia.Sum(vol, 2)
	if err != nil {
		return nil, err
	}
	ym := xm // (N, J, H, W), shared depth marginalization
	if xm, err = gorgonia.Sum(xm, 2); err != nil {
		return nil, err
	}
	// y: sum over depth then width -> (N, J, H).
	if ym, err = gorgonia.Sum(ym, 3); err != nil {
		return nil, err
	}
	// z: sum over height then width -> (N, J, D).
	zm, err := gorgonia.Sum(vol, 3)
	if err != nil {
		return nil, err
	}
	if zm, err = gorgonia.Sum(zm, 3); err != nil {
		return nil, err
	}

	xs, err := expect(xm, "x", w)
	if err != nil {
		return nil, err
	}
	ys, err := expect(ym, "y", h)
	if err != nil {
		return nil, err
	}
	zs, err := expect(zm, "z", d)
	if err != nil {
		return nil, err
	}
	return stack3(xs, ys, zs)
}

// IntegralRegression is the full soft-argmax head: softmax normalization
// followed by per-axis expectation.
func IntegralRegression(hm *gorgonia.Node) (*gorgonia.Node, error) {
	vol, err := SoftmaxVolume(hm)
	if err != nil {
		return nil, err
	}
	return ExpectedCoords(vol)
}

// expect reduces a (N, J, L) axis distribution to its expected index,
// scaled by 1/L and recentred by -0.5 so a centered distribution maps to 0.
// The index vector must live in m's graph; broadcasting reshapes it.
func expect(m *gorgonia.Node, axis string, length int) (*gorgonia.Node, error) {
	backing := make([]float32, length)
	for i := range backing {
		backing[i] = float32(i)
	}
	idx := gorgonia.NodeFromAny(m.Graph(),
		tensor.New(tensor.WithShape(1, 1, length), tensor.WithBacking(backing)),
		gorgonia.WithName("integral.idx."+axis))

	p, err := gorgonia.BroadcastHadamardProd(m, idx, nil, []byte{0, 1})
	if err != nil {
		return nil, err
	}
	s, err := gorgonia.Sum(p, 2)
	if err != nil {
		return nil, err
	}
	if s, err = gorgonia.Mul(s, gorgonia.NewConstant(float32(1)/float32(length))); err != nil {
		return nil, err
	}
	return gorgonia.Sub(s, gorgonia.NewConstant(float32(0.5)))
}

// stack3 joins three (N, J) nodes into (N, J, 3) in argument order.
func stack3(x, y, z *gorgonia.Node) (*gorgonia.Node, error) {
	s := x.Shape()
	n, j := s[0], s[1]
	var cols [3]*gorgonia.Node
	for i, m := range []*gorgonia.Node{x, y, z} {
		col, err := gorgonia.Reshape(m, tensor.Shape{n, j, 1})
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return gorgonia.Concat(2, cols[0], cols[1], cols[2])
}
