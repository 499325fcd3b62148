package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-pose/config"
)

// PoseNet composes backbone, heatmap decoder and integral regressor. It
// owns the parameter store; compiled graphs for different batch sizes all
// share the same backing tensors.
type PoseNet struct {
	cfg      config.ModelConfig
	backbone Backbone
	decoder  *Decoder
	params   *Params
}

// Net is one compiled forward pass for a fixed batch size.
type Net struct {
	G        *gorgonia.ExprGraph
	Input    *gorgonia.Node
	Heatmaps *gorgonia.Node
	Joints   *gorgonia.Node
	// Params are the learnable nodes bound into G, in creation order.
	Params gorgonia.Nodes
}

// NewPoseNet constructs the network description and its parameter store.
// Parameters materialize lazily on the first Build, drawn from a Gaussian
// source seeded with seed. Configuration mismatches surface here, before
// any graph exists.
func NewPoseNet(cfg config.ModelConfig, seed int64) (*PoseNet, error) {
	backbone, err := NewBackbone(cfg)
	if err != nil {
		return nil, err
	}
	decoder, err := NewDecoder(backbone.OutChannels(), cfg)
	if err != nil {
		return nil, err
	}
	return &PoseNet{
		cfg:      cfg,
		backbone: backbone,
		decoder:  decoder,
		params:   NewParams(seed),
	}, nil
}

// Params exposes the parameter store for optimization and checkpointing.
func (m *PoseNet) Params() *Params { return m.params }

// Build compiles a forward pass for the given batch size: patch input,
// backbone features, heatmap volume, integral joint coordinates.
func (m *PoseNet) Build(batch int) (*Net, error) {
	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(batch, 3, m.cfg.PatchHeight, m.cfg.PatchWidth),
		gorgonia.WithName("input"))

	features, err := m.backbone.Build(g, m.params, input)
	if err != nil {
		return nil, err
	}
	heatmaps, err := m.decoder.Build(g, m.params, features)
	if err != nil {
		return nil, err
	}
	joints, err := IntegralRegression(heatmaps)
	if err != nil {
		return nil, err
	}

	return &Net{
		G:        g,
		Input:    input,
		Heatmaps: heatmaps,
		Joints:   joints,
		Params:   m.params.NodesOf(g),
	}, nil
}
