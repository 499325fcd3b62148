// Package model - Gorgonia graph construction for the integral pose network.
package model

import (
	"fmt"

	"github.com/pkg/errors"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ShapeError reports a tensor whose shape violates a component contract.
// It is fatal wherever it occurs.
type ShapeError struct {
	// What identifies the offending tensor.
	What string
	// Got is the shape observed.
	Got tensor.Shape
	// Want describes the accepted shapes.
	Want string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape error: %s: got %v, want %s", e.What, e.Got, e.Want)
}

// Params owns the learnable parameters of a network as named dense tensors.
//
// Graphs never own parameter storage. Every compiled graph (the training
// graph, the fixed-batch evaluation graph, the ragged last-batch graph)
// binds its parameter nodes to the same backing tensors, so an optimizer
// step through one graph is immediately visible to all of them.
type Params struct {
	rng   distuv.Normal
	order []string
	dense map[string]*tensor.Dense
	nodes map[*gorgonia.ExprGraph]map[string]*gorgonia.Node
}

// NewParams creates an empty parameter store whose Gaussian initializer
// draws from a source seeded with seed, so two stores built with the same
// seed and the same creation order hold identical weights.
func NewParams(seed int64) *Params {
	return &Params{
		rng: distuv.Normal{
			Mu:    0,
			Sigma: 0.001,
			Src:   exprand.NewSource(uint64(seed)),
		},
		dense: make(map[string]*tensor.Dense),
		nodes: make(map[*gorgonia.ExprGraph]map[string]*gorgonia.Node),
	}
}

// Gaussian returns the parameter node named name in g, creating the backing
// tensor with Normal(0, 0.001) entries on first use.
func (p *Params) Gaussian(g *gorgonia.ExprGraph, name string, shape ...int) *gorgonia.Node {
	return p.node(g, name, shape, func(n int) []float32 {
		backing := make([]float32, n)
		for i := range backing {
			backing[i] = float32(p.rng.Rand())
		}
		return backing
	})
}

// Ones returns the parameter node named name, created filled with 1.
func (p *Params) Ones(g *gorgonia.ExprGraph, name string, shape ...int) *gorgonia.Node {
	return p.node(g, name, shape, func(n int) []float32 {
		backing := make([]float32, n)
		for i := range backing {
			backing[i] = 1
		}
		return backing
	})
}

// Zeros returns the parameter node named name, created filled with 0.
func (p *Params) Zeros(g *gorgonia.ExprGraph, name string, shape ...int) *gorgonia.Node {
	return p.node(g, name, shape, func(n int) []float32 {
		return make([]float32, n)
	})
}

func (p *Params) node(g *gorgonia.ExprGraph, name string, shape []int, init func(int) []float32) *gorgonia.Node {
	byName, ok := p.nodes[g]
	if !ok {
		byName = make(map[string]*gorgonia.Node)
		p.nodes[g] = byName
	}
	if n, ok := byName[name]; ok {
		return n
	}

	d, ok := p.dense[name]
	if !ok {
		d = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(init(tensor.Shape(shape).TotalSize())))
		p.dense[name] = d
		p.order = append(p.order, name)
	}

	var n *gorgonia.Node
	switch len(shape) {
	case 1:
		n = gorgonia.NewVector(g, tensor.Float32, gorgonia.WithName(name), gorgonia.WithShape(shape...), gorgonia.WithValue(d))
	case 2:
		n = gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithName(name), gorgonia.WithShape(shape...), gorgonia.WithValue(d))
	default:
		n = gorgonia.NewTensor(g, tensor.Float32, len(shape), gorgonia.WithName(name), gorgonia.WithShape(shape...), gorgonia.WithValue(d))
	}
	byName[name] = n
	return n
}

// NodesOf returns the parameter nodes bound into g, in creation order.
// Only parameters that were actually requested while building g appear.
func (p *Params) NodesOf(g *gorgonia.ExprGraph) gorgonia.Nodes {
	byName := p.nodes[g]
	out := make(gorgonia.Nodes, 0, len(byName))
	for _, name := range p.order {
		if n, ok := byName[name]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Tensors exposes the backing tensors keyed by parameter name, for
// checkpoint serialization. The map is a copy; the tensors are not.
func (p *Params) Tensors() map[string]*tensor.Dense {
	out := make(map[string]*tensor.Dense, len(p.dense))
	for name, d := range p.dense {
		out[name] = d
	}
	return out
}

// SetTensors restores parameter values from a checkpoint. Existing backing
// tensors are overwritten in place so already-compiled graphs keep their
// bindings; parameters not yet created are adopted as-is.
func (p *Params) SetTensors(vals map[string]*tensor.Dense) error {
	for name, v := range vals {
		d, ok := p.dense[name]
		if !ok {
			p.dense[name] = v
			p.order = append(p.order, name)
			continue
		}
		if !d.Shape().Eq(v.Shape()) {
			return &ShapeError{What: "parameter " + name, Got: v.Shape(), Want: fmt.Sprintf("%v", d.Shape())}
		}
		dst, ok1 := d.Data().([]float32)
		src, ok2 := v.Data().([]float32)
		if !ok1 || !ok2 {
			return errors.Errorf("model: parameter %s is not float32", name)
		}
		copy(dst, src)
	}
	return nil
}
