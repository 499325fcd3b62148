// Package data - Dataset collaborators, batching and coordinate
// transforms for the pose engine.
package data

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pose/config"
)

// Meta is the per-sample geometry needed to map patch-local predictions
// back to original-image coordinates.
type Meta struct {
	// CenterX, CenterY locate the crop center in the original image.
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	// Width, Height are the crop extent in original-image pixels.
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	// OrigWidth, OrigHeight are the full original-image dimensions.
	OrigWidth  int `json:"orig_width"`
	OrigHeight int `json:"orig_height"`
}

// Sample is one training or evaluation example.
type Sample struct {
	// Patch is the (3, H, W) standardized input tensor.
	Patch *tensor.Dense
	// Joints is the ground truth, (J, 2) image-plane or (J, 3) full 3D.
	Joints *tensor.Dense
	// Weights is the (J,) per-joint visibility weight vector.
	Weights *tensor.Dense
	// Meta carries the crop geometry for evaluation-time transforms.
	Meta Meta
}

// Metric is one named scalar produced by a dataset's scoring function.
type Metric struct {
	Name  string
	Value float64
}

// Dataset is the collaborator interface consumed by the engine.
type Dataset interface {
	Name() string
	Len() int
	// At loads sample i. Callers own the returned sample.
	At(i int) (*Sample, error)
	// HasGroundTruth3D reports whether this dataset can score predictions
	// against full 3D ground truth.
	HasGroundTruth3D() bool
	// Evaluate scores predictions already transformed into original-image
	// coordinates, shape (M, J, 3) with M == Len(). It persists per-sample
	// detail under outputPath and returns named metrics plus the scalar
	// performance indicator (MPJPE in original-image units).
	Evaluate(preds *tensor.Dense, outputPath string) ([]Metric, float64, error)
}

// Constructor builds a dataset split. isTrain selects the training split;
// otherwise cfg.Data.ValSplit is served.
type Constructor func(cfg config.Config, isTrain bool) (Dataset, error)

var registry = map[string]Constructor{}

// Register adds a dataset constructor under a case-insensitive name.
func Register(name string, c Constructor) {
	key := strings.ToLower(name)
	if _, ok := registry[key]; ok {
		panic(fmt.Sprintf("data: dataset %q registered twice", name))
	}
	registry[key] = c
}

// Load resolves every name in cfg.Data.Datasets by exact case-insensitive
// match and concatenates the results. An unknown name is a fatal
// configuration error naming the offending entry.
func Load(cfg config.Config, isTrain bool) (Dataset, error) {
	if len(cfg.Data.Datasets) == 0 {
		return nil, &config.Error{Key: "data.datasets", Reason: "no dataset selected"}
	}
	parts := make([]Dataset, 0, len(cfg.Data.Datasets))
	for _, name := range cfg.Data.Datasets {
		c, ok := registry[strings.ToLower(name)]
		if !ok {
			return nil, &config.Error{Key: "data.datasets", Reason: fmt.Sprintf("unknown dataset %q", name)}
		}
		ds, err := c(cfg, isTrain)
		if err != nil {
			return nil, err
		}
		parts = append(parts, ds)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return &concat{parts: parts}, nil
}

// Parts unwraps a concatenated dataset into its members, in selection
// order. A plain dataset is its own single part.
func Parts(ds Dataset) []Dataset {
	if c, ok := ds.(*concat); ok {
		return c.parts
	}
	return []Dataset{ds}
}

// concat serves several datasets back to back, preserving per-part sample
// order.
type concat struct {
	parts []Dataset
}

func (c *concat) Name() string {
	names := make([]string, len(c.parts))
	for i, p := range c.parts {
		names[i] = p.Name()
	}
	return strings.Join(names, "+")
}

func (c *concat) Len() int {
	n := 0
	for _, p := range c.parts {
		n += p.Len()
	}
	return n
}

func (c *concat) At(i int) (*Sample, error) {
	for _, p := range c.parts {
		if i < p.Len() {
			return p.At(i)
		}
		i -= p.Len()
	}
	return nil, fmt.Errorf("data: index %d out of range for %s", i, c.Name())
}

func (c *concat) HasGroundTruth3D() bool {
	for _, p := range c.parts {
		if p.HasGroundTruth3D() {
			return true
		}
	}
	return false
}

// Evaluate on a concatenation delegates to the first part that can score;
// the engine normally evaluates individual parts instead.
func (c *concat) Evaluate(preds *tensor.Dense, outputPath string) ([]Metric, float64, error) {
	for _, p := range c.parts {
		if p.HasGroundTruth3D() {
			return p.Evaluate(preds, outputPath)
		}
	}
	return nil, 0, fmt.Errorf("data: no dataset in %s supplies ground truth", c.Name())
}
