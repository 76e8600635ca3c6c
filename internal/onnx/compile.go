package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/banknote-api/internal/errs"
	"github.com/Brownie44l1/banknote-api/internal/nn"
)

// Program is an ONNX graph lowered onto a gorgonia expression graph. Every
// shape is resolved while lowering, so structural faults surface from Compile
// rather than from Run. A Program is safe for concurrent use.
type Program struct {
	InputShape []int

	g   *G.ExprGraph
	vm  G.VM
	in  *G.Node
	out *G.Node
	mu  sync.Mutex
}

type lowerFunc func(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error)

var lowerings = map[string]lowerFunc{
	"Transpose": lowerTranspose,
	"Conv":      lowerConv,
	"Relu":      lowerRelu,
	"MaxPool":   lowerMaxPool,
	"Flatten":   lowerFlatten,
	"Gemm":      lowerGemm,
	"Softmax":   lowerSoftmax,
	"Identity":  lowerIdentity,
	"Dropout":   lowerIdentity,
}

type compiler struct {
	g     *G.ExprGraph
	opset int64
	env   map[string]*G.Node
}

func toInts(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// concreteShape replaces symbolic dims with 1.
func concreteShape(dims []int64) []int {
	out := toInts(dims)
	for i, d := range out {
		if d < 0 {
			out[i] = 1
		}
	}
	return out
}

// Compile checks every node of the graph and lowers it onto gorgonia.
// Operators outside the classifier family, undefined inputs, bad attributes and
// inconsistent shapes are all reported here.
func (m *Model) Compile() (p *Program, err error) {
	graph := m.Proto.GetGraph()
	if len(graph.GetInput()) != 1 || len(graph.GetOutput()) != 1 {
		return nil, fmt.Errorf("graph must have one input and one output, has %d and %d",
			len(graph.GetInput()), len(graph.GetOutput()))
	}
	// gorgonia reports some shape faults by panicking
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("failed to build graph: %v", r)
		}
	}()

	c := &compiler{g: G.NewGraph(), opset: m.Opset(), env: map[string]*G.Node{}}
	for _, t := range graph.GetInitializer() {
		n, err := c.initializer(t)
		if err != nil {
			return nil, err
		}
		c.env[t.GetName()] = n
	}

	input := graph.GetInput()[0]
	inShape := concreteShape(dimsOf(input))
	if len(inShape) == 0 {
		return nil, fmt.Errorf("graph input %s has no shape", input.GetName())
	}
	x := G.NewTensor(c.g, tensor.Float32, len(inShape), G.WithShape(inShape...), G.WithName(input.GetName()))
	c.env[input.GetName()] = x

	for _, n := range graph.GetNode() {
		if d := n.GetDomain(); d != "" && d != "ai.onnx" {
			return nil, fmt.Errorf("node %s: unsupported domain %q", n.GetName(), d)
		}
		lower, ok := lowerings[n.GetOpType()]
		if !ok {
			return nil, fmt.Errorf("node %s: unsupported operator %s", n.GetName(), n.GetOpType())
		}
		in := make([]*G.Node, len(n.GetInput()))
		for i, name := range n.GetInput() {
			if name == "" {
				continue
			}
			v, ok := c.env[name]
			if !ok {
				return nil, fmt.Errorf("node %s: input %s is not defined", n.GetName(), name)
			}
			in[i] = v
		}
		if len(in) == 0 || in[0] == nil {
			return nil, fmt.Errorf("node %s: missing first input", n.GetName())
		}
		if len(n.GetOutput()) == 0 {
			return nil, fmt.Errorf("node %s has no output", n.GetName())
		}
		out, err := lower(c, n, in)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", n.GetName(), n.GetOpType(), err)
		}
		c.env[n.GetOutput()[0]] = out
	}

	output := graph.GetOutput()[0]
	out, ok := c.env[output.GetName()]
	if !ok {
		return nil, fmt.Errorf("graph output %s is never produced", output.GetName())
	}
	if want := concreteShape(dimsOf(output)); !out.Shape().Eq(tensor.Shape(want)) {
		return nil, &errs.ShapeMismatchError{Context: "onnx output", Expected: want, Actual: out.Shape()}
	}
	return &Program{
		InputShape: inShape,
		g:          c.g,
		vm:         G.NewTapeMachine(c.g),
		in:         x,
		out:        out,
	}, nil
}

// Run evaluates the graph on one input laid out like the graph input and
// returns the flattened graph output.
func (p *Program) Run(input []float32) (out []float32, err error) {
	if len(input) != tensor.Shape(p.InputShape).TotalSize() {
		return nil, &errs.ShapeMismatchError{Context: "onnx input", Expected: p.InputShape, Actual: []int{len(input)}}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	x := tensor.New(tensor.WithShape(p.InputShape...), tensor.WithBacking(slices.Clone(input)))
	if err := G.Let(p.in, x); err != nil {
		return nil, err
	}
	defer p.vm.Reset()
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("graph execution failed: %v", r)
		}
	}()
	if err := p.vm.RunAll(); err != nil {
		return nil, err
	}
	v, err := nn.Float32s(p.out.Value())
	if err != nil {
		return nil, err
	}
	return slices.Clone(v), nil
}

func (p *Program) Close() error {
	return p.vm.Close()
}

func (c *compiler) initializer(t *pb.TensorProto) (*G.Node, error) {
	data, err := floats(t)
	if err != nil {
		return nil, err
	}
	dims := toInts(t.GetDims())
	if len(dims) == 0 {
		return G.NewScalar(c.g, tensor.Float32, G.WithName(t.GetName()), G.WithValue(data[0])), nil
	}
	value := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
	return G.NewTensor(c.g, tensor.Float32, len(dims), G.WithShape(dims...), G.WithName(t.GetName()), G.WithValue(value)), nil
}

// floats decodes a float initializer from either float_data or little-endian raw_data.
func floats(t *pb.TensorProto) ([]float32, error) {
	if t.GetDataType() != int32(pb.TensorProto_FLOAT) {
		return nil, fmt.Errorf("initializer %s: only float tensors are supported, got data type %d", t.GetName(), t.GetDataType())
	}
	n := 1
	for _, d := range t.GetDims() {
		if d < 0 {
			return nil, fmt.Errorf("initializer %s: negative dim in %v", t.GetName(), t.GetDims())
		}
		n *= int(d)
	}
	var data []float32
	if raw := t.GetRawData(); len(raw) > 0 {
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("initializer %s: %d raw bytes", t.GetName(), len(raw))
		}
		data = make([]float32, len(raw)/4)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	} else {
		data = slices.Clone(t.GetFloatData())
	}
	if len(data) != n {
		return nil, fmt.Errorf("initializer %s: %d values cannot fill dims %v", t.GetName(), len(data), t.GetDims())
	}
	return data, nil
}

func attr(n *pb.NodeProto, name string) *pb.AttributeProto {
	for _, a := range n.GetAttribute() {
		if a.GetName() == name {
			return a
		}
	}
	return nil
}

func attrInt(n *pb.NodeProto, name string, def int64) int64 {
	if a := attr(n, name); a != nil {
		return a.GetI()
	}
	return def
}

func attrFloat(n *pb.NodeProto, name string, def float32) float32 {
	if a := attr(n, name); a != nil {
		return a.GetF()
	}
	return def
}

func attrInts(n *pb.NodeProto, name string) []int {
	return toInts(attr(n, name).GetInts())
}

func attrString(n *pb.NodeProto, name string) string {
	return string(attr(n, name).GetS())
}

// axis normalizes a possibly negative axis against rank. hi is the largest
// valid value.
func axis(v int64, rank, hi int) (int, error) {
	a := int(v)
	if a < 0 {
		a += rank
	}
	if a < 0 || a > hi {
		return 0, fmt.Errorf("axis %d out of range for rank %d", v, rank)
	}
	return a, nil
}

func lowerIdentity(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	return in[0], nil
}

func lowerRelu(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	return G.Rectify(in[0])
}

func isPermutation(perm []int, rank int) bool {
	if len(perm) != rank {
		return false
	}
	seen := make([]bool, rank)
	for _, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return false
		}
		seen[p] = true
	}
	return true
}

func lowerTranspose(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	x := in[0]
	rank := x.Shape().Dims()
	perm := attrInts(n, "perm")
	if len(perm) == 0 {
		perm = make([]int, rank)
		for i := range perm {
			perm[i] = rank - 1 - i
		}
	}
	if !isPermutation(perm, rank) {
		return nil, fmt.Errorf("perm %v is not a permutation of %d axes", perm, rank)
	}
	identity := true
	for i, p := range perm {
		identity = identity && i == p
	}
	if identity {
		return x, nil
	}
	return G.Transpose(x, perm...)
}

// window reads the spatial attributes shared by Conv and MaxPool. Gorgonia
// pads symmetrically, so pads must be [top left bottom right] with
// top == bottom and left == right.
func window(n *pb.NodeProto) (pad, stride, dilation []int, err error) {
	if p := attrString(n, "auto_pad"); p != "" && p != "NOTSET" && p != "VALID" {
		return nil, nil, nil, fmt.Errorf("auto_pad %s is not supported", p)
	}
	pad = []int{0, 0}
	switch p := attrInts(n, "pads"); len(p) {
	case 0:
	case 4:
		if p[0] != p[2] || p[1] != p[3] {
			return nil, nil, nil, fmt.Errorf("asymmetric pads %v are not supported", p)
		}
		pad = []int{p[0], p[1]}
	default:
		return nil, nil, nil, fmt.Errorf("pads must have 4 values, got %v", p)
	}
	pair := func(name string) ([]int, error) {
		v := attrInts(n, name)
		if len(v) == 0 {
			return []int{1, 1}, nil
		}
		if len(v) != 2 || v[0] < 1 || v[1] < 1 {
			return nil, fmt.Errorf("invalid %s %v", name, v)
		}
		return v, nil
	}
	if stride, err = pair("strides"); err != nil {
		return nil, nil, nil, err
	}
	if dilation, err = pair("dilations"); err != nil {
		return nil, nil, nil, err
	}
	return pad, stride, dilation, nil
}

// outputSize is the floor-mode extent of a window sweep along one axis.
func outputSize(in, k, pad, stride, dilation int) int {
	return (in+2*pad-dilation*(k-1)-1)/stride + 1
}

func lowerConv(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	if len(in) < 2 || in[1] == nil {
		return nil, fmt.Errorf("missing weights")
	}
	x, w := in[0], in[1]
	xs, ws := x.Shape(), w.Shape()
	if xs.Dims() != 4 || ws.Dims() != 4 {
		return nil, fmt.Errorf("only 2D convolution is supported, got input %v weights %v", xs, ws)
	}
	if attrInt(n, "group", 1) != 1 {
		return nil, fmt.Errorf("grouped convolution is not supported")
	}
	filters, kh, kw := ws[0], ws[2], ws[3]
	if ws[1] != xs[1] {
		return nil, &errs.ShapeMismatchError{Context: "conv weights", Expected: []int{filters, xs[1], kh, kw}, Actual: ws}
	}
	if k := attrInts(n, "kernel_shape"); len(k) != 0 && !slices.Equal(k, []int{kh, kw}) {
		return nil, fmt.Errorf("kernel_shape %v does not match weights %v", k, ws)
	}
	pad, stride, dilation, err := window(n)
	if err != nil {
		return nil, err
	}
	if outputSize(xs[2], kh, pad[0], stride[0], dilation[0]) < 1 || outputSize(xs[3], kw, pad[1], stride[1], dilation[1]) < 1 {
		return nil, fmt.Errorf("input %v smaller than kernel %dx%d", xs, kh, kw)
	}
	y, err := G.Conv2d(x, w, tensor.Shape{kh, kw}, pad, stride, dilation)
	if err != nil {
		return nil, err
	}
	if len(in) < 3 || in[2] == nil {
		return y, nil
	}
	if bs := in[2].Shape(); bs.TotalSize() != filters {
		return nil, &errs.ShapeMismatchError{Context: "conv bias", Expected: []int{filters}, Actual: bs}
	}
	b, err := G.Reshape(in[2], tensor.Shape{1, filters, 1, 1})
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(y, b, nil, []byte{0, 2, 3})
}

func lowerMaxPool(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	x := in[0]
	xs := x.Shape()
	if xs.Dims() != 4 {
		return nil, fmt.Errorf("only 2D pooling is supported, got %v", xs)
	}
	if attrInt(n, "ceil_mode", 0) != 0 {
		return nil, fmt.Errorf("ceil_mode is not supported")
	}
	if attrInt(n, "storage_order", 0) != 0 {
		return nil, fmt.Errorf("column-major storage_order is not supported")
	}
	k := attrInts(n, "kernel_shape")
	if len(k) != 2 || k[0] < 1 || k[1] < 1 {
		return nil, fmt.Errorf("kernel_shape must have 2 positive values, got %v", k)
	}
	pad, stride, dilation, err := window(n)
	if err != nil {
		return nil, err
	}
	if dilation[0] != 1 || dilation[1] != 1 {
		return nil, fmt.Errorf("pooling dilations are not supported")
	}
	if outputSize(xs[2], k[0], pad[0], stride[0], 1) < 1 || outputSize(xs[3], k[1], pad[1], stride[1], 1) < 1 {
		return nil, fmt.Errorf("input %v smaller than window %v", xs, k)
	}
	return G.MaxPool2D(x, tensor.Shape{k[0], k[1]}, pad, stride)
}

func lowerFlatten(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	x := in[0]
	xs := x.Shape()
	a, err := axis(attrInt(n, "axis", 1), xs.Dims(), xs.Dims())
	if err != nil {
		return nil, err
	}
	outer := 1
	for _, d := range xs[:a] {
		outer *= d
	}
	return G.Reshape(x, tensor.Shape{outer, xs.TotalSize() / max(outer, 1)})
}

func lowerGemm(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	if len(in) < 2 || in[1] == nil {
		return nil, fmt.Errorf("missing B")
	}
	a, b := in[0], in[1]
	if a.Shape().Dims() != 2 || b.Shape().Dims() != 2 {
		return nil, fmt.Errorf("Gemm needs 2D operands, got %v and %v", a.Shape(), b.Shape())
	}
	var err error
	if attrInt(n, "transA", 0) != 0 {
		if a, err = G.Transpose(a); err != nil {
			return nil, err
		}
	}
	if attrInt(n, "transB", 0) != 0 {
		if b, err = G.Transpose(b); err != nil {
			return nil, err
		}
	}
	rows, k := a.Shape()[0], a.Shape()[1]
	kb, cols := b.Shape()[0], b.Shape()[1]
	if k != kb {
		return nil, &errs.ShapeMismatchError{Context: "Gemm inner dimension", Expected: []int{k}, Actual: []int{kb}}
	}
	y, err := G.Mul(a, b)
	if err != nil {
		return nil, err
	}
	if alpha := attrFloat(n, "alpha", 1); alpha != 1 {
		if y, err = G.Mul(y, G.NewConstant(alpha)); err != nil {
			return nil, err
		}
	}

	beta := attrFloat(n, "beta", 1)
	if len(in) < 3 || in[2] == nil || beta == 0 {
		return y, nil
	}
	bias := in[2]
	if beta != 1 {
		if bias, err = G.Mul(bias, G.NewConstant(beta)); err != nil {
			return nil, err
		}
	}
	switch size := bias.Shape().TotalSize(); {
	case size == cols:
		if bias, err = G.Reshape(bias, tensor.Shape{1, cols}); err != nil {
			return nil, err
		}
		return G.BroadcastAdd(y, bias, nil, []byte{0})
	case size == 1:
		if bias, err = G.Reshape(bias, tensor.Shape{1, 1}); err != nil {
			return nil, err
		}
		return G.BroadcastAdd(y, bias, nil, []byte{0, 1})
	case size == rows*cols:
		if bias, err = G.Reshape(bias, tensor.Shape{rows, cols}); err != nil {
			return nil, err
		}
		return G.Add(y, bias)
	}
	return nil, &errs.ShapeMismatchError{Context: "Gemm C", Expected: []int{rows, cols}, Actual: bias.Shape()}
}

// lowerSoftmax normalizes along a single axis, the opset 13 semantics. Older
// opsets flatten to 2D first, which only agrees on the last axis.
func lowerSoftmax(c *compiler, n *pb.NodeProto, in []*G.Node) (*G.Node, error) {
	x := in[0]
	rank := x.Shape().Dims()
	legacy := c.opset > 0 && c.opset < 13
	def := int64(-1)
	if legacy {
		def = 1
	}
	a, err := axis(attrInt(n, "axis", def), rank, rank-1)
	if err != nil {
		return nil, err
	}
	if legacy && a != rank-1 {
		return nil, fmt.Errorf("softmax over axis %d needs opset 13, model imports %d", a, c.opset)
	}
	return G.SoftMax(x, a)
}
