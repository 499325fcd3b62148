package data

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PatchToOriginal maps one sample's normalized patch-local joints to
// original-image coordinates.
//
// Patch-local coordinates are in [-0.5, 0.5) per axis. The image-plane
// axes scale by the crop extent and recenter on the crop center; the depth
// axis scales by depthRef, the configured reference extent that a
// normalized depth of 1.0 spans in original-image units.
//
// joints is a flat (J*3,) view in (x, y, z) order; the result has the same
// layout.
func PatchToOriginal(joints []float32, meta Meta, depthRef float64) []float32 {
	out := make([]float32, len(joints))
	for j := 0; j+2 < len(joints); j += 3 {
		out[j] = joints[j]*float32(meta.Width) + float32(meta.CenterX)
		out[j+1] = joints[j+1]*float32(meta.Height) + float32(meta.CenterY)
		out[j+2] = joints[j+2] * float32(depthRef)
	}
	return out
}

// OriginalToPatch is the inverse of PatchToOriginal, used by datasets to
// express ground truth in patch-local coordinates.
func OriginalToPatch(joints []float32, meta Meta, depthRef float64) []float32 {
	out := make([]float32, len(joints))
	for j := 0; j+2 < len(joints); j += 3 {
		out[j] = (joints[j] - float32(meta.CenterX)) / float32(meta.Width)
		out[j+1] = (joints[j+1] - float32(meta.CenterY)) / float32(meta.Height)
		out[j+2] = joints[j+2] / float32(depthRef)
	}
	return out
}

// TransformPredictions applies PatchToOriginal to a flat (M, J, 3)
// prediction tensor using the per-sample metadata collected during
// validation. len(metas) must equal M.
func TransformPredictions(preds *tensor.Dense, metas []Meta, depthRef float64) (*tensor.Dense, error) {
	s := preds.Shape()
	if s.Dims() != 3 || s[2] != 3 {
		return nil, errors.Errorf("data: predictions must be (M, J, 3), got %v", s)
	}
	if s[0] != len(metas) {
		return nil, errors.Errorf("data: %d predictions but %d sample metas", s[0], len(metas))
	}

	joints := s[1]
	in := preds.Data().([]float32)
	out := make([]float32, len(in))
	stride := joints * 3
	for i, meta := range metas {
		copy(out[i*stride:(i+1)*stride], PatchToOriginal(in[i*stride:(i+1)*stride], meta, depthRef))
	}
	return tensor.New(tensor.WithShape(s[0], joints, 3), tensor.WithBacking(out)), nil
}
