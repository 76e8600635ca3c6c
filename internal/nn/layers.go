package nn

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	TypeConv2D  = "conv2d"
	TypeReLU    = "relu"
	TypeMaxPool = "maxpool2d"
	TypeFlatten = "flatten"
	TypeDense   = "dense"
	TypeDropout = "dropout"
	TypeSoftmax = "softmax"
)

// LayerSpec is the serializable description of a layer.
type LayerSpec struct {
	Type       string  `json:"type"`
	Name       string  `json:"name"`
	InChannels int     `json:"inChannels,omitempty"`
	Filters    int     `json:"filters,omitempty"`
	Kernel     int     `json:"kernel,omitempty"`
	Pool       int     `json:"pool,omitempty"`
	Inputs     int     `json:"inputs,omitempty"`
	Units      int     `json:"units,omitempty"`
	Rate       float32 `json:"rate,omitempty"`
}

func newLayer(s LayerSpec) (Layer, error) {
	switch s.Type {
	case TypeConv2D:
		if s.InChannels <= 0 || s.Filters <= 0 || s.Kernel <= 0 {
			return nil, fmt.Errorf("layer %s: invalid conv2d spec %+v", s.Name, s)
		}
		return &Conv2D{
			name:       s.Name,
			InChannels: s.InChannels,
			Filters:    s.Filters,
			Kernel:     s.Kernel,
			W:          newParam(s.Name+"/kernel", s.Filters, s.InChannels, s.Kernel, s.Kernel),
			B:          newParam(s.Name+"/bias", 1, s.Filters, 1, 1),
		}, nil
	case TypeReLU:
		return &ReLU{name: s.Name}, nil
	case TypeMaxPool:
		if s.Pool <= 0 {
			return nil, fmt.Errorf("layer %s: invalid pool size %d", s.Name, s.Pool)
		}
		return &MaxPool2D{name: s.Name, Size: s.Pool}, nil
	case TypeFlatten:
		return &Flatten{name: s.Name}, nil
	case TypeDense:
		if s.Inputs <= 0 || s.Units <= 0 {
			return nil, fmt.Errorf("layer %s: invalid dense spec %+v", s.Name, s)
		}
		return &Dense{
			name:   s.Name,
			Inputs: s.Inputs,
			Units:  s.Units,
			W:      newParam(s.Name+"/kernel", s.Inputs, s.Units),
			B:      newParam(s.Name+"/bias", 1, s.Units),
		}, nil
	case TypeDropout:
		if s.Rate < 0 || s.Rate >= 1 {
			return nil, fmt.Errorf("layer %s: invalid dropout rate %v", s.Name, s.Rate)
		}
		return &Dropout{name: s.Name, Rate: s.Rate}, nil
	case TypeSoftmax:
		return &Softmax{name: s.Name}, nil
	}
	return nil, fmt.Errorf("unknown layer type %q", s.Type)
}

// Conv2D is a 'valid' convolution with stride 1.
// W has shape [Filters, InChannels, Kernel, Kernel] and B [1, Filters, 1, 1].
type Conv2D struct {
	name       string
	InChannels int
	Filters    int
	Kernel     int
	W          *Param
	B          *Param
}

func (l *Conv2D) Name() string { return l.name }

func (l *Conv2D) Spec() LayerSpec {
	return LayerSpec{Type: TypeConv2D, Name: l.name, InChannels: l.InChannels, Filters: l.Filters, Kernel: l.Kernel}
}

func (l *Conv2D) Params() []*Param { return []*Param{l.W, l.B} }

func (l *Conv2D) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 || in[0] != l.InChannels {
		return nil, fmt.Errorf("expected [%d H W] input, got %v", l.InChannels, in)
	}
	h, w := in[1]-l.Kernel+1, in[2]-l.Kernel+1
	if h < 1 || w < 1 {
		return nil, fmt.Errorf("input %v smaller than kernel %d", in, l.Kernel)
	}
	return []int{l.Filters, h, w}, nil
}

func (l *Conv2D) apply(b *builder, x *G.Node) (*G.Node, error) {
	k := l.Kernel
	y, err := G.Conv2d(x, b.param(l.W), tensor.Shape{k, k}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s", l.name)
	}
	return G.BroadcastAdd(y, b.param(l.B), nil, []byte{0, 2, 3})
}

type ReLU struct {
	name string
}

func (l *ReLU) Name() string                        { return l.name }
func (l *ReLU) Spec() LayerSpec                     { return LayerSpec{Type: TypeReLU, Name: l.name} }
func (l *ReLU) Params() []*Param                    { return nil }
func (l *ReLU) OutputShape(in []int) ([]int, error) { return in, nil }

func (l *ReLU) apply(b *builder, x *G.Node) (*G.Node, error) {
	return G.Rectify(x)
}

// MaxPool2D uses a square window with stride equal to its size. Trailing
// rows and columns that do not fill a window are dropped.
type MaxPool2D struct {
	name string
	Size int
}

func (l *MaxPool2D) Name() string     { return l.name }
func (l *MaxPool2D) Spec() LayerSpec  { return LayerSpec{Type: TypeMaxPool, Name: l.name, Pool: l.Size} }
func (l *MaxPool2D) Params() []*Param { return nil }

func (l *MaxPool2D) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, fmt.Errorf("expected [C H W] input, got %v", in)
	}
	h, w := in[1]/l.Size, in[2]/l.Size
	if h < 1 || w < 1 {
		return nil, fmt.Errorf("input %v smaller than pool %d", in, l.Size)
	}
	return []int{in[0], h, w}, nil
}

func (l *MaxPool2D) apply(b *builder, x *G.Node) (*G.Node, error) {
	s := l.Size
	return G.MaxPool2D(x, tensor.Shape{s, s}, []int{0, 0}, []int{s, s})
}

// Flatten reshapes [N C H W] into [N C*H*W], channel-major.
type Flatten struct {
	name string
}

func (l *Flatten) Name() string     { return l.name }
func (l *Flatten) Spec() LayerSpec  { return LayerSpec{Type: TypeFlatten, Name: l.name} }
func (l *Flatten) Params() []*Param { return nil }

func (l *Flatten) OutputShape(in []int) ([]int, error) {
	return []int{volume(in)}, nil
}

func (l *Flatten) apply(b *builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	return G.Reshape(x, tensor.Shape{shape[0], shape.TotalSize() / shape[0]})
}

// Dense is a fully connected layer. W has shape [Inputs, Units] and B [1, Units].
type Dense struct {
	name   string
	Inputs int
	Units  int
	W      *Param
	B      *Param
}

func (l *Dense) Name() string { return l.name }

func (l *Dense) Spec() LayerSpec {
	return LayerSpec{Type: TypeDense, Name: l.name, Inputs: l.Inputs, Units: l.Units}
}

func (l *Dense) Params() []*Param { return []*Param{l.W, l.B} }

func (l *Dense) OutputShape(in []int) ([]int, error) {
	if len(in) != 1 || in[0] != l.Inputs {
		return nil, fmt.Errorf("expected [%d] input, got %v", l.Inputs, in)
	}
	return []int{l.Units}, nil
}

func (l *Dense) apply(b *builder, x *G.Node) (*G.Node, error) {
	xw, err := G.Mul(x, b.param(l.W))
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s", l.name)
	}
	return G.BroadcastAdd(xw, b.param(l.B), nil, []byte{0})
}

// Dropout zeroes inputs with probability Rate during training and scales the
// survivors by 1/(1-Rate). The mask is a graph input filled per sample by
// Net.Run, so that it follows the caller's seeds. In InferenceMode it is the
// identity and adds nothing to the graph.
type Dropout struct {
	name string
	Rate float32
}

func (l *Dropout) Name() string                        { return l.name }
func (l *Dropout) Spec() LayerSpec                     { return LayerSpec{Type: TypeDropout, Name: l.name, Rate: l.Rate} }
func (l *Dropout) Params() []*Param                    { return nil }
func (l *Dropout) OutputShape(in []int) ([]int, error) { return in, nil }

func (l *Dropout) apply(b *builder, x *G.Node) (*G.Node, error) {
	if b.mode != TrainingMode || l.Rate == 0 {
		return x, nil
	}
	shape := x.Shape()
	mask := G.NewTensor(b.g, tensor.Float32, shape.Dims(), G.WithShape(shape...), G.WithName(l.name+"/mask"))
	b.masks = append(b.masks, dropoutMask{node: mask, rate: l.Rate, width: shape.TotalSize() / shape[0]})
	return G.HadamardProd(x, mask)
}

// Softmax normalizes each row of [N C] logits.
type Softmax struct {
	name string
}

func (l *Softmax) Name() string                        { return l.name }
func (l *Softmax) Spec() LayerSpec                     { return LayerSpec{Type: TypeSoftmax, Name: l.name} }
func (l *Softmax) Params() []*Param                    { return nil }
func (l *Softmax) OutputShape(in []int) ([]int, error) { return in, nil }

func (l *Softmax) apply(b *builder, x *G.Node) (*G.Node, error) {
	return G.SoftMax(x, 1)
}
