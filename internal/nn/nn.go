// Package nn is the banknote classifier: a small convolutional network whose
// parameters live in gorgonia tensors and whose passes run on gorgonia
// expression graphs. The public input is one HWC image, the layout the image
// loaders produce; graphs transpose batches to NCHW internally.
package nn

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/chewxy/math32"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/banknote-api/internal/errs"
)

const (
	DefaultImageSize = 224
	Channels         = 3
	DropoutRate      = 0.5

	// predictions are kept away from 0 before taking the log
	lossEpsilon = 1e-7
)

// Mode selects between the training and the inference behaviour of a forward pass.
// Dropout is only active in TrainingMode.
type Mode int

const (
	TrainingMode Mode = iota
	InferenceMode
)

func (m Mode) String() string {
	switch m {
	case TrainingMode:
		return "training"
	case InferenceMode:
		return "inference"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Param is a trainable tensor. Every graph built from the model binds the
// same Value, so optimizer updates are seen by all of them.
type Param struct {
	Name  string
	Shape []int
	Value *tensor.Dense
}

func newParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Shape: shape,
		Value: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...)),
	}
}

// Data is the row-major backing array of the parameter.
func (p *Param) Data() []float32 {
	return p.Value.Float32s()
}

// Layer is one stage of the network.
type Layer interface {
	Name() string
	Spec() LayerSpec
	// OutputShape maps a CHW (or flat) per-sample shape to the layer output shape.
	OutputShape(in []int) ([]int, error)
	Params() []*Param
	// apply adds the layer to the graph under construction.
	apply(b *builder, x *G.Node) (*G.Node, error)
}

// Metrics of one training epoch, stored with the full model.
type EpochMetrics struct {
	Epoch       int     `json:"epoch"`
	Loss        float32 `json:"loss"`
	Accuracy    float32 `json:"accuracy"`
	ValLoss     float32 `json:"valLoss"`
	ValAccuracy float32 `json:"valAccuracy"`
}

type Model struct {
	ImageSize int
	Classes   []string // class index -> class folder name
	Labels    []string // class index -> human-readable label, optional
	RunID     string
	History   []EpochMetrics
	Layers    []Layer

	mu    sync.Mutex
	infer *Net // single-image inference graph, built on first Predict
}

// NewClassifier builds the fixed topology
// Conv(32)→Pool→Conv(64)→Pool→Conv(128)→Pool→Flatten→Dense(128)→Dropout(0.5)→Dense(len(classes))→Softmax
// with Glorot-uniform kernels drawn from seed.
func NewClassifier(imageSize int, classes []string, seed int64) (*Model, error) {
	if len(classes) < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", len(classes))
	}
	specs := []LayerSpec{
		{Type: TypeConv2D, Name: "conv2d_1", InChannels: Channels, Filters: 32, Kernel: 3},
		{Type: TypeReLU, Name: "relu_1"},
		{Type: TypeMaxPool, Name: "max_pooling2d_1", Pool: 2},
		{Type: TypeConv2D, Name: "conv2d_2", InChannels: 32, Filters: 64, Kernel: 3},
		{Type: TypeReLU, Name: "relu_2"},
		{Type: TypeMaxPool, Name: "max_pooling2d_2", Pool: 2},
		{Type: TypeConv2D, Name: "conv2d_3", InChannels: 64, Filters: 128, Kernel: 3},
		{Type: TypeReLU, Name: "relu_3"},
		{Type: TypeMaxPool, Name: "max_pooling2d_3", Pool: 2},
		{Type: TypeFlatten, Name: "flatten"},
		{Type: TypeDense, Name: "dense_1", Units: 128},
		{Type: TypeReLU, Name: "relu_4"},
		{Type: TypeDropout, Name: "dropout", Rate: DropoutRate},
		{Type: TypeDense, Name: "dense_2", Units: len(classes)},
		{Type: TypeSoftmax, Name: "softmax"},
	}

	// Dense input sizes depend on the image size
	shape := []int{Channels, imageSize, imageSize}
	for i := range specs {
		if specs[i].Type == TypeDense {
			specs[i].Inputs = volume(shape)
		}
		l, err := newLayer(specs[i])
		if err != nil {
			return nil, err
		}
		if shape, err = l.OutputShape(shape); err != nil {
			return nil, fmt.Errorf("image size %d is too small: %w", imageSize, err)
		}
	}

	m, err := fromSpecs(imageSize, classes, specs)
	if err != nil {
		return nil, err
	}
	m.initWeights(rand.New(rand.NewSource(seed)))
	return m, nil
}

func fromSpecs(imageSize int, classes []string, specs []LayerSpec) (*Model, error) {
	m := &Model{
		ImageSize: imageSize,
		Classes:   append([]string(nil), classes...),
	}
	for _, s := range specs {
		l, err := newLayer(s)
		if err != nil {
			return nil, err
		}
		m.Layers = append(m.Layers, l)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// validate walks the layer shapes and checks the head of the network.
func (m *Model) validate() error {
	if len(m.Layers) == 0 {
		return fmt.Errorf("model has no layers")
	}
	if _, ok := m.Layers[len(m.Layers)-1].(*Softmax); !ok {
		return fmt.Errorf("last layer must be softmax, got %s", m.Layers[len(m.Layers)-1].Spec().Type)
	}
	out, err := m.OutputShape()
	if err != nil {
		return err
	}
	if !sameShape(out, []int{len(m.Classes)}) {
		return &errs.ShapeMismatchError{Context: "model output", Expected: []int{len(m.Classes)}, Actual: out}
	}
	return nil
}

func (m *Model) OutputShape() ([]int, error) {
	shape := m.InputShape()
	for _, l := range m.Layers {
		var err error
		if shape, err = l.OutputShape(shape); err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name(), err)
		}
	}
	return shape, nil
}

// InputShape is the CHW shape of the first layer's input.
func (m *Model) InputShape() []int {
	return []int{Channels, m.ImageSize, m.ImageSize}
}

func (m *Model) NumClasses() int {
	return len(m.Classes)
}

func (m *Model) Params() []*Param {
	var params []*Param
	for _, l := range m.Layers {
		params = append(params, l.Params()...)
	}
	return params
}

func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += volume(p.Shape)
	}
	return n
}

// NewGradients allocates one zeroed gradient slice per parameter.
func (m *Model) NewGradients() [][]float32 {
	params := m.Params()
	grads := make([][]float32, len(params))
	for i, p := range params {
		grads[i] = make([]float32, volume(p.Shape))
	}
	return grads
}

func (m *Model) initWeights(rng *rand.Rand) {
	for _, l := range m.Layers {
		switch t := l.(type) {
		case *Conv2D:
			k2 := t.Kernel * t.Kernel
			glorotUniform(rng, t.W.Data(), t.InChannels*k2, t.Filters*k2)
		case *Dense:
			glorotUniform(rng, t.W.Data(), t.Inputs, t.Units)
		}
	}
}

// glorotUniform draws from our own seeded source so that initialization is
// reproducible; gorgonia's GlorotU uses the global one.
func glorotUniform(rng *rand.Rand, w []float32, fanIn, fanOut int) {
	limit := math32.Sqrt(6 / float32(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float32()*2 - 1) * limit
	}
}

// CheckInput verifies that input is one S×S×3 image.
func (m *Model) CheckInput(input []float32) error {
	s := m.ImageSize
	if len(input) != s*s*Channels {
		return &errs.ShapeMismatchError{
			Context:  "model input",
			Expected: []int{s, s, Channels},
			Actual:   []int{len(input)},
		}
	}
	return nil
}

// Predict returns the class probabilities for one HWC image (values in [0,1]).
// It is safe for concurrent use; calls are serialized on one inference graph.
func (m *Model) Predict(input []float32) ([]float32, error) {
	if err := m.CheckInput(input); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.infer == nil {
		net, err := m.NewNet(1, InferenceMode)
		if err != nil {
			return nil, err
		}
		m.infer = net
	}
	out, err := m.infer.Run([][]float32{input}, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return out.Probs[0], nil
}

// CrossEntropy is -sum(y*log(p)) with p clipped away from 0.
func CrossEntropy(probs, target []float32) float32 {
	var loss float32
	for i, y := range target {
		if y == 0 {
			continue
		}
		p := probs[i]
		if p < lossEpsilon {
			p = lossEpsilon
		} else if p > 1-lossEpsilon {
			p = 1 - lossEpsilon
		}
		loss -= y * math32.Log(p)
	}
	return loss
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// Float32s returns the backing array of a float32 graph value.
func Float32s(v G.Value) ([]float32, error) {
	if v == nil {
		return nil, fmt.Errorf("node has no value")
	}
	switch d := v.Data().(type) {
	case []float32:
		return d, nil
	case float32:
		return []float32{d}, nil
	}
	return nil, fmt.Errorf("expected float32 data, got %v", v.Dtype())
}
