// Package train fits the banknote classifier and writes its artifacts.
package train

import (
	"context"
	"runtime"

	"github.com/cyclopcam/logs"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/banknote-api/internal/dataset"
	"github.com/Brownie44l1/banknote-api/internal/errs"
	"github.com/Brownie44l1/banknote-api/internal/nn"
	"github.com/Brownie44l1/banknote-api/internal/onnx"
)

// Source is a batched pass over one subset of the dataset. *dataset.Stream implements it.
type Source interface {
	Reset()
	Next() (*dataset.Batch, bool)
	Len() int
	Classes() []string
	ImageSize() int
	CheckClasses(classes []string) error
}

type Options struct {
	Epochs       int
	LearningRate float32
	Workers      int   // goroutines per batch, 0 = min(NumCPU, 4)
	Seed         int64 // dropout seed
	FullPath     string
	MobilePath   string
}

func DefaultOptions() Options {
	return Options{
		Epochs:       10,
		LearningRate: 0.001,
		Seed:         1,
		FullPath:     "models/model.zip",
		MobilePath:   "models/model.onnx",
	}
}

// Artifacts describes the result of a training run.
type Artifacts struct {
	RunID      string
	FullPath   string
	MobilePath string
	History    []nn.EpochMetrics
}

// workerState holds one goroutine's share of a batch and the graphs it runs
// them on, keyed by shard size.
type workerState struct {
	grads   [][]float32
	loss    float32
	correct int
	train   map[int]*nn.Net
	infer   map[int]*nn.Net
}

type trainer struct {
	log     logs.Log
	model   *nn.Model
	opts    Options
	workers []*workerState
	grads   [][]float32
}

// Train runs opts.Epochs epochs of Adam over train, evaluating val after each
// epoch, then writes the full and the mobile artifact. The checks on the
// sources happen before any epoch, so a failing run writes nothing.
func Train(ctx context.Context, log logs.Log, m *nn.Model, train, val Source, opts Options) (*Artifacts, error) {
	if opts.Epochs < 1 {
		return nil, errors.Errorf("epochs must be at least 1, got %d", opts.Epochs)
	}
	if opts.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", opts.LearningRate)
	}
	if opts.FullPath == "" || opts.MobilePath == "" {
		return nil, errors.New("both artifact paths are required")
	}
	if err := checkSource(m, train); err != nil {
		return nil, err
	}
	if err := checkSource(m, val); err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create run id")
	}
	m.RunID = id.String()
	m.History = nil

	nWorkers := opts.Workers
	if nWorkers <= 0 {
		nWorkers = min(runtime.NumCPU(), 4)
	}
	t := &trainer{
		log:   log,
		model: m,
		opts:  opts,
		grads: m.NewGradients(),
	}
	for i := 0; i < nWorkers; i++ {
		t.workers = append(t.workers, &workerState{
			grads: m.NewGradients(),
			train: map[int]*nn.Net{},
			infer: map[int]*nn.Net{},
		})
	}
	defer func() {
		for _, ws := range t.workers {
			ws.close()
		}
	}()

	log.Infof("Training run %v: %v parameters, %v training and %v validation samples, %v workers",
		m.RunID, m.NumParams(), train.Len(), val.Len(), nWorkers)

	optimizer := nn.NewAdam(opts.LearningRate)
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		metrics, err := t.epoch(ctx, epoch, optimizer, train, val)
		if err != nil {
			return nil, err
		}
		m.History = append(m.History, metrics)
		log.Infof("Epoch %v/%v - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f",
			epoch, opts.Epochs, metrics.Loss, metrics.Accuracy, metrics.ValLoss, metrics.ValAccuracy)
	}

	if err := m.SaveFile(opts.FullPath); err != nil {
		return nil, errors.Wrapf(err, "failed to save model to %s", opts.FullPath)
	}
	log.Infof("Saved model to %v", opts.FullPath)
	if err := onnx.ExportFile(m, opts.MobilePath); err != nil {
		return nil, errors.Wrapf(err, "failed to export mobile model to %s", opts.MobilePath)
	}
	log.Infof("Saved mobile model to %v", opts.MobilePath)

	return &Artifacts{
		RunID:      m.RunID,
		FullPath:   opts.FullPath,
		MobilePath: opts.MobilePath,
		History:    m.History,
	}, nil
}

func checkSource(m *nn.Model, src Source) error {
	if src.ImageSize() != m.ImageSize {
		return &errs.ShapeMismatchError{
			Context:  "dataset images",
			Expected: []int{m.ImageSize, m.ImageSize, nn.Channels},
			Actual:   []int{src.ImageSize(), src.ImageSize(), nn.Channels},
		}
	}
	if len(src.Classes()) != m.NumClasses() {
		return &errs.ShapeMismatchError{
			Context:  "class count",
			Expected: []int{m.NumClasses()},
			Actual:   []int{len(src.Classes())},
		}
	}
	for i, c := range src.Classes() {
		if c != m.Classes[i] {
			return errors.Errorf("dataset class %d is %q, model expects %q", i, c, m.Classes[i])
		}
	}
	return src.CheckClasses(m.Classes)
}

func (t *trainer) epoch(ctx context.Context, epoch int, optimizer *nn.Adam, train, val Source) (nn.EpochMetrics, error) {
	metrics := nn.EpochMetrics{Epoch: epoch}
	params := t.model.Params()

	var loss float32
	correct, seen := 0, 0
	train.Reset()
	for b, ok := train.Next(); ok; b, ok = train.Next() {
		if err := ctx.Err(); err != nil {
			return metrics, err
		}
		bLoss, bCorrect, err := t.step(ctx, epoch, b)
		if err != nil {
			return metrics, err
		}
		if err := optimizer.Step(params, t.grads, 1/float32(b.Size())); err != nil {
			return metrics, errors.Wrap(err, "optimizer step failed")
		}
		loss += bLoss
		correct += bCorrect
		seen += b.Size()
	}
	if seen > 0 {
		metrics.Loss = loss / float32(seen)
		metrics.Accuracy = float32(correct) / float32(seen)
	}

	loss, correct, seen = 0, 0, 0
	val.Reset()
	for b, ok := val.Next(); ok; b, ok = val.Next() {
		if err := ctx.Err(); err != nil {
			return metrics, err
		}
		bLoss, bCorrect, err := t.evaluate(ctx, b)
		if err != nil {
			return metrics, err
		}
		loss += bLoss
		correct += bCorrect
		seen += b.Size()
	}
	if seen > 0 {
		metrics.ValLoss = loss / float32(seen)
		metrics.ValAccuracy = float32(correct) / float32(seen)
	}
	return metrics, nil
}

// net returns the worker's graph for shards of the given size, building it on first use.
func (ws *workerState) net(m *nn.Model, mode nn.Mode, size int) (*nn.Net, error) {
	cache := ws.infer
	if mode == nn.TrainingMode {
		cache = ws.train
	}
	if net, ok := cache[size]; ok {
		return net, nil
	}
	net, err := m.NewNet(size, mode)
	if err != nil {
		return nil, err
	}
	cache[size] = net
	return net, nil
}

func (ws *workerState) close() {
	for _, cache := range []map[int]*nn.Net{ws.train, ws.infer} {
		for _, net := range cache {
			net.Close()
		}
	}
}

// shards splits b over the workers and runs fn on each share. Sample i always
// goes to worker i%n, so for a fixed worker count the per-worker sums are
// reproducible.
func (t *trainer) shards(ctx context.Context, b *dataset.Batch, mode nn.Mode, fn func(ws *workerState, net *nn.Net, idx []int) error) (int, error) {
	n := min(len(t.workers), b.Size())
	idx := make([][]int, n)
	nets := make([]*nn.Net, n)
	for w := 0; w < n; w++ {
		for i := w; i < b.Size(); i += n {
			idx[w] = append(idx[w], i)
		}
		// graphs are built here, one goroutine at a time
		net, err := t.workers[w].net(t.model, mode, len(idx[w]))
		if err != nil {
			return 0, err
		}
		nets[w] = net
	}

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		ws := t.workers[w]
		ws.loss, ws.correct = 0, 0
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ws, nets[w], idx[w])
		})
	}
	return n, g.Wait()
}

// step accumulates the summed gradient of batch b into t.grads and returns the
// summed loss and the number of correct predictions.
func (t *trainer) step(ctx context.Context, epoch int, b *dataset.Batch) (float32, int, error) {
	for _, ws := range t.workers {
		for _, g := range ws.grads {
			clear(g)
		}
	}
	n, err := t.shards(ctx, b, nn.TrainingMode, func(ws *workerState, net *nn.Net, idx []int) error {
		images := make([][]float32, len(idx))
		targets := make([][]float32, len(idx))
		seeds := make([]int64, len(idx))
		for k, i := range idx {
			images[k] = b.Images[i]
			targets[k] = b.Labels[i]
			seeds[k] = sampleSeed(t.opts.Seed, epoch, b.Indices[i])
		}
		out, err := net.Run(images, targets, seeds, ws.grads)
		if err != nil {
			return err
		}
		ws.loss += out.Loss
		for k, i := range idx {
			if nn.Argmax(out.Probs[k]) == nn.Argmax(b.Labels[i]) {
				ws.correct++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	var loss float32
	correct := 0
	for p, g := range t.grads {
		clear(g)
		for _, ws := range t.workers[:n] {
			src := ws.grads[p]
			for j, v := range src {
				g[j] += v
			}
		}
	}
	for _, ws := range t.workers[:n] {
		loss += ws.loss
		correct += ws.correct
	}
	return loss, correct, nil
}

func (t *trainer) evaluate(ctx context.Context, b *dataset.Batch) (float32, int, error) {
	n, err := t.shards(ctx, b, nn.InferenceMode, func(ws *workerState, net *nn.Net, idx []int) error {
		images := make([][]float32, len(idx))
		for k, i := range idx {
			images[k] = b.Images[i]
		}
		out, err := net.Run(images, nil, nil, nil)
		if err != nil {
			return err
		}
		for k, i := range idx {
			ws.loss += nn.CrossEntropy(out.Probs[k], b.Labels[i])
			if nn.Argmax(out.Probs[k]) == nn.Argmax(b.Labels[i]) {
				ws.correct++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	var loss float32
	correct := 0
	for _, ws := range t.workers[:n] {
		loss += ws.loss
		correct += ws.correct
	}
	return loss, correct, nil
}

// sampleSeed gives every (epoch, sample) pair its own dropout stream, independent
// of which worker processes it.
func sampleSeed(seed int64, epoch, sample int) int64 {
	return seed*1_000_003 + int64(epoch)<<32 + int64(sample)
}
