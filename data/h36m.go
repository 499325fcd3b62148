package data

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pose/config"
)

func init() {
	Register("h36m", func(cfg config.Config, isTrain bool) (Dataset, error) {
		return newH36M(cfg, isTrain)
	})
}

// h36mEntry is one annotation record. Joints are in original-image
// coordinates: 2 values per joint for image-plane-only annotations, 3 for
// full 3D. The test split may omit joints entirely.
type h36mEntry struct {
	Image      string      `json:"image"`
	CenterX    float64     `json:"center_x"`
	CenterY    float64     `json:"center_y"`
	Width      float64     `json:"width"`
	Height     float64     `json:"height"`
	OrigWidth  int         `json:"orig_width"`
	OrigHeight int         `json:"orig_height"`
	Joints     [][]float32 `json:"joints"`
	Visibility []float32   `json:"visibility"`
}

// h36m is the Human3.6M-style dataset: a JSON annotation index per split
// next to an image directory. Patches are extracted lazily per sample.
type h36m struct {
	split    string
	root     string
	entries  []h36mEntry
	opt      PatchOptions
	joints   int
	depthRef float64
	has3D    bool
}

func newH36M(cfg config.Config, isTrain bool) (*h36m, error) {
	split := cfg.Data.ValSplit
	if isTrain {
		split = "train"
	}
	root := filepath.Join(cfg.Data.Root, "h36m")
	indexPath := filepath.Join(root, split+".json")

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, errors.Wrapf(err, "data: reading h36m index %s", indexPath)
	}
	var entries []h36mEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "data: parsing h36m index %s", indexPath)
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("data: h36m index %s is empty", indexPath)
	}

	has3D := false
	for i, e := range entries {
		if len(e.Visibility) != cfg.Model.NumJoints {
			return nil, errors.Errorf("data: h36m entry %d has %d visibility values, want %d",
				i, len(e.Visibility), cfg.Model.NumJoints)
		}
		// A zero extent would divide joint conversion by zero.
		if e.Width <= 0 || e.Height <= 0 {
			return nil, errors.Errorf("data: h36m entry %d has invalid crop extent %.0fx%.0f",
				i, e.Width, e.Height)
		}
		if len(e.Joints) > 0 && len(e.Joints[0]) == 3 {
			has3D = true
		}
	}

	return &h36m{
		split:   split,
		root:    root,
		entries: entries,
		opt: PatchOptions{
			Width:  cfg.Model.PatchWidth,
			Height: cfg.Model.PatchHeight,
			Mean:   cfg.Data.Mean,
			Std:    cfg.Data.Std,
		},
		joints:   cfg.Model.NumJoints,
		depthRef: cfg.Data.DepthRefScale,
		has3D:    has3D,
	}, nil
}

func (d *h36m) Name() string { return "h36m" }

func (d *h36m) Len() int { return len(d.entries) }

func (d *h36m) HasGroundTruth3D() bool { return d.has3D }

func (d *h36m) At(i int) (*Sample, error) {
	if i < 0 || i >= len(d.entries) {
		return nil, errors.Errorf("data: index %d out of range for h36m/%s", i, d.split)
	}
	e := d.entries[i]

	f, err := os.Open(filepath.Join(d.root, e.Image))
	if err != nil {
		return nil, errors.Wrapf(err, "data: opening h36m image for sample %d", i)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "data: decoding h36m image %s", e.Image)
	}

	meta := Meta{
		CenterX: e.CenterX, CenterY: e.CenterY,
		Width: e.Width, Height: e.Height,
		OrigWidth: e.OrigWidth, OrigHeight: e.OrigHeight,
	}
	patch, err := ExtractPatch(img, e.CenterX, e.CenterY, e.Width, e.Height, d.opt)
	if err != nil {
		return nil, errors.Wrapf(err, "data: extracting patch for h36m sample %d", i)
	}

	joints, err := d.patchJoints(i)
	if err != nil {
		return nil, err
	}
	weights := tensor.New(tensor.WithShape(d.joints),
		tensor.WithBacking(append([]float32(nil), e.Visibility...)))

	return &Sample{Patch: patch, Joints: joints, Weights: weights, Meta: meta}, nil
}

// patchJoints converts entry i's original-coordinate annotation to
// patch-local coordinates, preserving its 2D or 3D arity. Test-split
// entries without joints yield an all-zero (J, 2) target; their visibility
// is expected to be zero too.
func (d *h36m) patchJoints(i int) (*tensor.Dense, error) {
	e := d.entries[i]

	if len(e.Joints) == 0 {
		return tensor.New(tensor.WithShape(d.joints, 2),
			tensor.WithBacking(make([]float32, d.joints*2))), nil
	}
	if len(e.Joints) != d.joints {
		return nil, errors.Errorf("data: h36m entry %d has %d joints, want %d", i, len(e.Joints), d.joints)
	}

	axes := len(e.Joints[0])
	if axes != 2 && axes != 3 {
		return nil, errors.Errorf("data: h36m entry %d has %d-axis joints, want 2 or 3", i, axes)
	}
	backing := make([]float32, d.joints*axes)
	for j, joint := range e.Joints {
		if len(joint) != axes {
			return nil, fmt.Errorf("data: h36m entry %d mixes joint arities", i)
		}
		backing[j*axes] = (joint[0] - float32(e.CenterX)) / float32(e.Width)
		backing[j*axes+1] = (joint[1] - float32(e.CenterY)) / float32(e.Height)
		if axes == 3 {
			backing[j*axes+2] = joint[2] / float32(d.depthRef)
		}
	}
	return tensor.New(tensor.WithShape(d.joints, axes), tensor.WithBacking(backing)), nil
}

// Evaluate scores against the original-coordinate annotations. On the
// test split, where no ground truth exists, it persists the predictions
// and reports a zero performance indicator.
func (d *h36m) Evaluate(preds *tensor.Dense, outputPath string) ([]Metric, float64, error) {
	if !d.has3D {
		if outputPath != "" {
			if err := d.writePredictions(preds, outputPath); err != nil {
				return nil, 0, err
			}
		}
		return []Metric{{Name: "saved_predictions", Value: float64(len(d.entries))}}, 0, nil
	}

	original := make([][]float32, len(d.entries))
	for i, e := range d.entries {
		gt := make([]float32, d.joints*3)
		for j, joint := range e.Joints {
			copy(gt[j*3:], joint)
		}
		original[i] = gt
	}
	return scoreMPJPE(preds, "h36m", outputPath, original, func(i int) []float32 {
		return d.entries[i].Visibility
	})
}

func (d *h36m) writePredictions(preds *tensor.Dense, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "data: creating prediction output dir")
	}
	payload := struct {
		Dataset string    `json:"dataset"`
		Split   string    `json:"split"`
		Shape   []int     `json:"shape"`
		Preds   []float32 `json:"predictions"`
	}{
		Dataset: "h36m",
		Split:   d.split,
		Shape:   []int(preds.Shape()),
		Preds:   preds.Data().([]float32),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "data: encoding predictions")
	}
	path := filepath.Join(dir, "h36m_"+d.split+"_predictions.json")
	return errors.Wrapf(os.WriteFile(path, raw, 0o644), "data: writing %s", path)
}
