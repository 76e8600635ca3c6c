// Package model loads the mobile artifact and classifies images with it.
package model

import (
	"fmt"
	"image"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/cyclopcam/logs"

	"github.com/Brownie44l1/banknote-api/internal/config"
	"github.com/Brownie44l1/banknote-api/internal/errs"
	"github.com/Brownie44l1/banknote-api/internal/imageutil"
	"github.com/Brownie44l1/banknote-api/internal/nn"
	"github.com/Brownie44l1/banknote-api/internal/onnx"
)

type Options struct {
	ImageSize  int    // expected input side, 0 = whatever the artifact declares
	NumClasses int    // expected output width, 0 = whatever the artifact declares
	Runtime    string // config.RuntimeNative or config.RuntimeONNXRuntime
	ORTLibrary string // onnxruntime shared library, empty = system default
}

// backend executes one forward pass on a (1,S,S,3) input.
type backend interface {
	run(input []float32) ([]float32, error)
	close()
}

// nativeBackend runs the artifact lowered onto gorgonia.
type nativeBackend struct {
	prog *onnx.Program
}

func (b *nativeBackend) run(input []float32) ([]float32, error) {
	return b.prog.Run(input)
}

func (b *nativeBackend) close() {
	b.prog.Close()
}

// Runner classifies images with a mobile artifact. It is safe for concurrent use.
type Runner struct {
	Metadata Metadata
	Path     string
	log      logs.Log
	backend  backend
	mu       sync.Mutex
}

// NewRunner loads and validates the artifact at path.
// A missing file is an ArtifactNotFoundError. A file that does not parse, that
// declares shapes other than (1,S,S,3) -> (1,C), or whose graph does not
// compile is an InvalidArtifactError.
func NewRunner(log logs.Log, path string, opts Options) (*Runner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.ArtifactNotFoundError{Path: path, Err: err}
		}
		return nil, &errs.InvalidArtifactError{Path: path, Reason: err.Error()}
	}
	g, err := onnx.Parse(data)
	if err != nil {
		return nil, &errs.InvalidArtifactError{Path: path, Reason: err.Error()}
	}

	meta, err := metadataOf(g, opts)
	if err != nil {
		return nil, &errs.InvalidArtifactError{Path: path, Reason: err.Error()}
	}

	r := &Runner{
		Metadata: meta,
		Path:     path,
		log:      log,
	}
	switch opts.Runtime {
	case "", config.RuntimeNative:
		prog, err := g.Compile()
		if err != nil {
			return nil, &errs.InvalidArtifactError{Path: path, Reason: err.Error()}
		}
		r.backend = &nativeBackend{prog: prog}
	case config.RuntimeONNXRuntime:
		b, err := newORTBackend(path, opts.ORTLibrary, meta)
		if err != nil {
			return nil, err
		}
		r.backend = b
	default:
		return nil, fmt.Errorf("unknown runtime %q", opts.Runtime)
	}

	log.Infof("Loaded %v (run %v, input %v, output %v, runtime %v)",
		path, meta.RunID, meta.InputShape, meta.OutputShape, runtimeName(opts.Runtime))
	return r, nil
}

func runtimeName(r string) string {
	if r == "" {
		return config.RuntimeNative
	}
	return r
}

func metadataOf(g *onnx.Model, opts Options) (Metadata, error) {
	in, out := g.InputShape(), g.OutputShape()
	if len(in) != 4 || len(out) != 2 {
		return Metadata{}, fmt.Errorf("expected one (1,S,S,3) input and one (1,C) output, got %v and %v", in, out)
	}
	size := in[1]
	if opts.ImageSize > 0 {
		size = int64(opts.ImageSize)
	}
	classes := out[1]
	if opts.NumClasses > 0 {
		classes = int64(opts.NumClasses)
	}
	wantIn := []int64{1, size, size, nn.Channels}
	wantOut := []int64{1, classes}
	if size < 1 || !sameDims(in, wantIn) {
		return Metadata{}, fmt.Errorf("input shape %v, expected %v", in, wantIn)
	}
	if classes < 1 || !sameDims(out, wantOut) {
		return Metadata{}, fmt.Errorf("output shape %v, expected %v", out, wantOut)
	}

	meta := Metadata{
		InputShape:  wantIn,
		OutputShape: wantOut,
		ImageSize:   int(size),
		Classes:     g.Classes(),
		Labels:      g.Labels(),
		RunID:       g.RunID(),
	}
	if len(meta.Classes) != int(classes) {
		meta.Classes = nil
	}
	if len(meta.Labels) != int(classes) {
		meta.Labels = nil
	}
	return meta, nil
}

// sameDims compares declared dims, treating a symbolic batch dim as 1.
func sameDims(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] && !(i == 0 && got[i] < 0) {
			return false
		}
	}
	return true
}

// Run executes one forward pass on a normalized HWC tensor of Metadata.InputSize() values.
func (r *Runner) Run(input []float32) ([]float32, error) {
	if len(input) != r.Metadata.InputSize() {
		return nil, &errs.ShapeMismatchError{
			Context:  "model input",
			Expected: toInts(r.Metadata.InputShape),
			Actual:   []int{len(input)},
		}
	}
	r.mu.Lock()
	out, err := r.backend.run(input)
	out = slices.Clone(out)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	if len(out) != r.Metadata.NumClasses() {
		return nil, &errs.ShapeMismatchError{
			Context:  "model output",
			Expected: toInts(r.Metadata.OutputShape),
			Actual:   []int{len(out)},
		}
	}
	return out, nil
}

func toInts(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// Predict classifies the image at imagePath. labelNames maps class index to a
// name and must have one entry per class; when it is empty the names stored in
// the artifact are used.
func (r *Runner) Predict(imagePath string, labelNames []string) (*Prediction, error) {
	img, err := imageutil.DecodeFile(imagePath)
	if err != nil {
		return nil, err
	}
	return r.PredictImage(img, labelNames)
}

// PredictImage classifies an already decoded image.
func (r *Runner) PredictImage(img image.Image, labelNames []string) (*Prediction, error) {
	labels, err := r.labels(labelNames)
	if err != nil {
		return nil, err
	}
	input := imageutil.Normalize(imageutil.Resize(img, r.Metadata.ImageSize))
	return r.predict(input, labels)
}

// PredictTensor classifies a normalized HWC tensor.
func (r *Runner) PredictTensor(input []float32, labelNames []string) (*Prediction, error) {
	labels, err := r.labels(labelNames)
	if err != nil {
		return nil, err
	}
	return r.predict(input, labels)
}

func (r *Runner) predict(input []float32, labels []string) (*Prediction, error) {
	probs, err := r.Run(input)
	if err != nil {
		return nil, err
	}
	idx := nn.Argmax(probs)
	predictions := make(map[string]float32, len(probs))
	for i, p := range probs {
		predictions[labels[i]] = p
	}
	return &Prediction{
		Index:         idx,
		Label:         labels[idx],
		Confidence:    probs[idx],
		Probabilities: probs,
		Predictions:   predictions,
	}, nil
}

// labels resolves the caller's label names against the artifact. A list that
// differs from the stored labels is accepted with a warning. Names must be
// unique, since they key Prediction.Predictions.
func (r *Runner) labels(labelNames []string) ([]string, error) {
	n := r.Metadata.NumClasses()
	if len(labelNames) == 0 {
		return r.LabelNames(), nil
	}
	if len(labelNames) != n {
		return nil, &errs.ShapeMismatchError{Context: "label names", Expected: []int{n}, Actual: []int{len(labelNames)}}
	}
	seen := make(map[string]int, n)
	for i, name := range labelNames {
		if j, ok := seen[name]; ok {
			return nil, &errs.DuplicateLabelError{Label: name, First: j, Second: i}
		}
		seen[name] = i
	}
	if stored := r.Metadata.Labels; stored != nil && !slices.Equal(stored, labelNames) {
		r.log.Warnf("Label names %v differ from the labels stored with the model %v", labelNames, stored)
	}
	return labelNames, nil
}

// LabelNames returns the stored labels, else the stored class names, else the class indices.
func (r *Runner) LabelNames() []string {
	if r.Metadata.Labels != nil {
		return r.Metadata.Labels
	}
	if r.Metadata.Classes != nil {
		return r.Metadata.Classes
	}
	names := make([]string, r.Metadata.NumClasses())
	for i := range names {
		names[i] = strconv.Itoa(i)
	}
	return names
}

func (r *Runner) Close() {
	if r.backend != nil {
		r.backend.close()
	}
}

// Predict loads the artifact at artifactPath and classifies one image with it.
// Artifact errors take precedence over image errors.
func Predict(log logs.Log, artifactPath, imagePath string, labelNames []string, opts Options) (*Prediction, error) {
	r, err := NewRunner(log, artifactPath, opts)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Predict(imagePath, labelNames)
}
