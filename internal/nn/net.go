package nn

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/banknote-api/internal/errs"
)

type dropoutMask struct {
	node  *G.Node
	rate  float32
	width int // values per sample
}

// builder collects the nodes of a graph while the layers are applied.
type builder struct {
	g      *G.ExprGraph
	mode   Mode
	params []*Param
	nodes  G.Nodes // nodes[i] binds params[i]
	masks  []dropoutMask
}

func (b *builder) param(p *Param) *G.Node {
	for i, q := range b.params {
		if q == p {
			return b.nodes[i]
		}
	}
	n := G.NewTensor(b.g, tensor.Float32, len(p.Shape), G.WithShape(p.Shape...), G.WithName(p.Name), G.WithValue(p.Value))
	b.params = append(b.params, p)
	b.nodes = append(b.nodes, n)
	return n
}

// Net is the model lowered onto a gorgonia graph for a fixed batch size.
// A Net is not safe for concurrent use; build one per goroutine.
type Net struct {
	Mode  Mode
	Batch int

	model  *Model
	g      *G.ExprGraph
	vm     G.VM
	x      *G.Node // [N S S 3]
	y      *G.Node // [N C] one-hot targets, training only
	probs  *G.Node // [N C]
	cost   *G.Node // summed cross-entropy, training only
	params []*Param
	nodes  G.Nodes
	index  []int // index[i] is the position of params[i] in Model.Params()
	masks  []dropoutMask
}

// Output of one batch.
type Output struct {
	Probs [][]float32
	Loss  float32 // summed over the batch, TrainingMode only
}

// NewNet builds the graph for batches of the given size. In TrainingMode the
// graph also computes the summed categorical cross-entropy and its gradient
// with respect to every parameter.
func (m *Model) NewNet(batch int, mode Mode) (*Net, error) {
	if batch < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", batch)
	}
	s := m.ImageSize
	b := &builder{g: G.NewGraph(), mode: mode}
	net := &Net{Mode: mode, Batch: batch, model: m, g: b.g}

	net.x = G.NewTensor(b.g, tensor.Float32, 4, G.WithShape(batch, s, s, Channels), G.WithName("input"))
	h, err := G.Transpose(net.x, 0, 3, 1, 2)
	if err != nil {
		return nil, err
	}
	for _, l := range m.Layers {
		if h, err = l.apply(b, h); err != nil {
			return nil, errors.Wrapf(err, "layer %s", l.Name())
		}
	}
	if want := (tensor.Shape{batch, m.NumClasses()}); !h.Shape().Eq(want) {
		return nil, &errs.ShapeMismatchError{Context: "graph output", Expected: want, Actual: h.Shape()}
	}
	net.probs = h
	net.params, net.nodes, net.masks = b.params, b.nodes, b.masks
	all := m.Params()
	for _, p := range net.params {
		net.index = append(net.index, slices.Index(all, p))
	}

	if mode != TrainingMode {
		net.vm = G.NewTapeMachine(b.g)
		return net, nil
	}

	net.y = G.NewMatrix(b.g, tensor.Float32, G.WithShape(batch, m.NumClasses()), G.WithName("target"))
	p, err := G.Add(h, G.NewConstant(float32(lossEpsilon)))
	if err != nil {
		return nil, err
	}
	logp, err := G.Log(p)
	if err != nil {
		return nil, err
	}
	ylogp, err := G.HadamardProd(net.y, logp)
	if err != nil {
		return nil, err
	}
	sum, err := G.Sum(ylogp)
	if err != nil {
		return nil, err
	}
	if net.cost, err = G.Neg(sum); err != nil {
		return nil, err
	}
	if _, err := G.Grad(net.cost, net.nodes...); err != nil {
		return nil, errors.Wrap(err, "failed to differentiate the loss")
	}
	net.vm = G.NewTapeMachine(b.g, G.BindDualValues(net.nodes...))
	return net, nil
}

// Run evaluates one batch of HWC images. In TrainingMode targets holds one
// one-hot row per image, seeds one dropout seed per image, and the gradients
// of the summed loss are added into grads (laid out like Model.NewGradients).
func (n *Net) Run(images, targets [][]float32, seeds []int64, grads [][]float32) (out *Output, err error) {
	if len(images) != n.Batch {
		return nil, &errs.ShapeMismatchError{Context: "batch", Expected: []int{n.Batch}, Actual: []int{len(images)}}
	}
	s := n.model.ImageSize
	vol := s * s * Channels
	x := make([]float32, 0, n.Batch*vol)
	for _, img := range images {
		if err := n.model.CheckInput(img); err != nil {
			return nil, err
		}
		x = append(x, img...)
	}
	if err := G.Let(n.x, tensor.New(tensor.WithShape(n.Batch, s, s, Channels), tensor.WithBacking(x))); err != nil {
		return nil, err
	}
	for i, p := range n.params {
		if err := G.Let(n.nodes[i], p.Value); err != nil {
			return nil, err
		}
	}
	if n.Mode == TrainingMode {
		if err := n.letTraining(targets, seeds, grads); err != nil {
			return nil, err
		}
	}

	defer n.vm.Reset()
	// gorgonia reports some runtime faults by panicking
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("graph execution failed: %v", r)
		}
	}()
	if err := n.vm.RunAll(); err != nil {
		return nil, err
	}

	probs, err := Float32s(n.probs.Value())
	if err != nil {
		return nil, err
	}
	c := n.model.NumClasses()
	out = &Output{Probs: make([][]float32, n.Batch)}
	for i := range out.Probs {
		out.Probs[i] = append([]float32(nil), probs[i*c:(i+1)*c]...)
	}
	if n.Mode != TrainingMode {
		return out, nil
	}

	loss, err := Float32s(n.cost.Value())
	if err != nil {
		return nil, err
	}
	out.Loss = loss[0]
	for i, node := range n.nodes {
		gv, err := node.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "no gradient for %s", n.params[i].Name)
		}
		g, err := Float32s(gv)
		if err != nil {
			return nil, err
		}
		dst := grads[n.index[i]]
		for j, v := range g {
			dst[j] += v
		}
		if d, ok := gv.(*tensor.Dense); ok {
			d.Zero()
		}
	}
	return out, nil
}

func (n *Net) letTraining(targets [][]float32, seeds []int64, grads [][]float32) error {
	c := n.model.NumClasses()
	if len(targets) != n.Batch || len(seeds) != n.Batch {
		return fmt.Errorf("training needs %d targets and seeds, got %d and %d", n.Batch, len(targets), len(seeds))
	}
	if len(grads) != len(n.model.Params()) {
		return fmt.Errorf("expected %d gradient slices, got %d", len(n.model.Params()), len(grads))
	}
	y := make([]float32, 0, n.Batch*c)
	for _, t := range targets {
		if len(t) != c {
			return &errs.ShapeMismatchError{Context: "target", Expected: []int{c}, Actual: []int{len(t)}}
		}
		y = append(y, t...)
	}
	if err := G.Let(n.y, tensor.New(tensor.WithShape(n.Batch, c), tensor.WithBacking(y))); err != nil {
		return err
	}

	// One source per sample, consumed mask by mask in layer order, so a
	// sample's dropout does not depend on its neighbours in the batch.
	masks := make([][]float32, len(n.masks))
	for i, dm := range n.masks {
		masks[i] = make([]float32, n.Batch*dm.width)
	}
	for r, seed := range seeds {
		rng := rand.New(rand.NewSource(seed))
		for i, dm := range n.masks {
			scale := 1 / (1 - dm.rate)
			row := masks[i][r*dm.width : (r+1)*dm.width]
			for j := range row {
				if rng.Float32() >= dm.rate {
					row[j] = scale
				}
			}
		}
	}
	for i, dm := range n.masks {
		shape := dm.node.Shape()
		if err := G.Let(dm.node, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(masks[i]))); err != nil {
			return err
		}
	}
	return nil
}

func (n *Net) Close() error {
	return n.vm.Close()
}
