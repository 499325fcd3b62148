package model

import (
	"fmt"
	"strings"

	"github.com/nvr-ai/go-pose/config"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Backbone is a pluggable image feature extractor. Build appends the
// backbone's operations to g, consuming a (N, 3, H, W) input node and
// producing a (N, OutChannels, h, w) feature map node.
type Backbone interface {
	Name() string
	OutChannels() int
	Build(g *gorgonia.ExprGraph, ps *Params, input *gorgonia.Node) (*gorgonia.Node, error)
}

// BackboneConstructor builds a backbone from the model configuration.
type BackboneConstructor func(cfg config.ModelConfig) (Backbone, error)

var backbones = map[string]BackboneConstructor{}

// RegisterBackbone adds a constructor under a case-insensitive name.
// Registration happens at startup; duplicate names panic because they are
// programming errors, not runtime conditions.
func RegisterBackbone(name string, c BackboneConstructor) {
	key := strings.ToLower(name)
	if _, ok := backbones[key]; ok {
		panic(fmt.Sprintf("model: backbone %q registered twice", name))
	}
	backbones[key] = c
}

// NewBackbone looks up cfg.Backbone in the registry by exact
// case-insensitive match.
func NewBackbone(cfg config.ModelConfig) (Backbone, error) {
	c, ok := backbones[strings.ToLower(cfg.Backbone)]
	if !ok {
		return nil, &config.Error{Key: "model.backbone", Reason: fmt.Sprintf("unknown backbone %q", cfg.Backbone)}
	}
	return c(cfg)
}

func init() {
	RegisterBackbone("convnet", func(cfg config.ModelConfig) (Backbone, error) {
		if len(cfg.BackboneChannels) == 0 {
			return nil, &config.Error{Key: "model.backbone_channels", Reason: "at least one stage required"}
		}
		return &convNet{channels: append([]int(nil), cfg.BackboneChannels...)}, nil
	})
}

// convNet is the default backbone: a stack of stride-2 3x3 convolutions,
// each followed by normalization and ReLU. Every stage halves the spatial
// resolution, so n stages map a (3, H, W) patch to
// (channels[n-1], H/2^n, W/2^n) features.
type convNet struct {
	channels []int
}

func (b *convNet) Name() string { return "convnet" }

func (b *convNet) OutChannels() int { return b.channels[len(b.channels)-1] }

func (b *convNet) Build(g *gorgonia.ExprGraph, ps *Params, input *gorgonia.Node) (*gorgonia.Node, error) {
	if input.Shape().Dims() != 4 {
		return nil, &ShapeError{What: "backbone input", Got: input.Shape(), Want: "(N, 3, H, W)"}
	}

	x := input
	in := input.Shape()[1]
	for i, out := range b.channels {
		name := fmt.Sprintf("backbone.%d", i)
		w := ps.Gaussian(g, name+".conv.w", out, in, 3, 3)
		var err error
		x, err = gorgonia.Conv2d(x, w, tensor.Shape{3, 3}, []int{1, 1}, []int{2, 2}, []int{1, 1})
		if err != nil {
			return nil, err
		}
		if x, err = normalize2d(g, ps, x, name+".norm", out); err != nil {
			return nil, err
		}
		if x, err = gorgonia.Rectify(x); err != nil {
			return nil, err
		}
		in = out
	}
	return x, nil
}
