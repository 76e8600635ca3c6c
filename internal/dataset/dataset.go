package dataset

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/banknote-api/internal/errs"
	"github.com/Brownie44l1/banknote-api/internal/imageutil"
)

const (
	SplitTraining   = "training"
	SplitValidation = "validation"
)

type Options struct {
	ImageSize          int
	BatchSize          int
	ValidationFraction float64
	Seed               int64 // shuffling seed of the training stream
	Workers            int   // parallel image decoders, 0 = one per CPU
}

func DefaultOptions() Options {
	return Options{
		ImageSize:          224,
		BatchSize:          32,
		ValidationFraction: 0.2,
		Seed:               1,
	}
}

// Sample is one canonical image. Pixels are kept as 8-bit HWC and scaled to
// [0,1] when a batch is built.
type Sample struct {
	Path   string
	Class  int
	Pixels []uint8
}

// Dataset is the canonical dataset, loaded eagerly and split per class.
type Dataset struct {
	Root       string
	Classes    []string // class index -> folder name, sorted
	Samples    []Sample
	Opts       Options
	training   []int
	validation []int
}

// ListClasses returns the class folder names under root in lexicographic order,
// which is the class index order. Hidden folders are ignored.
func ListClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset root %s", root)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no class folders under %s", root)
	}
	return classes, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && imageutil.IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// Load reads every image under root/{class}/ and splits each class into
// training and validation subsets.
func Load(ctx context.Context, root string, opts Options, log logs.Log) (*Dataset, error) {
	if opts.ImageSize <= 0 || opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid options %+v", opts)
	}
	if opts.ValidationFraction <= 0 || opts.ValidationFraction >= 1 {
		return nil, errors.Errorf("validation fraction must be in (0,1), got %v", opts.ValidationFraction)
	}

	classes, err := ListClasses(root)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		Root:    root,
		Classes: classes,
		Opts:    opts,
	}
	var perClass [][]int
	for ci, class := range classes {
		files, err := listImages(filepath.Join(root, class))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list class %s", class)
		}
		idx := make([]int, len(files))
		for i, f := range files {
			idx[i] = len(ds.Samples)
			ds.Samples = append(ds.Samples, Sample{Path: f, Class: ci})
		}
		perClass = append(perClass, idx)
	}

	if err := ds.decodeAll(ctx); err != nil {
		return nil, err
	}

	for _, idx := range perClass {
		nVal := ValidationCount(len(idx), opts.ValidationFraction)
		ds.validation = append(ds.validation, idx[:nVal]...)
		ds.training = append(ds.training, idx[nVal:]...)
	}

	log.Infof("Found %v images belonging to %v classes (%v training, %v validation)",
		len(ds.Samples), len(classes), len(ds.training), len(ds.validation))
	return ds, nil
}

func (d *Dataset) decodeAll(ctx context.Context) error {
	workers := d.Opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range d.Samples {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := imageutil.DecodeFile(d.Samples[i].Path)
			if err != nil {
				return err
			}
			d.Samples[i].Pixels = toHWC(imageutil.Resize(img, d.Opts.ImageSize).Pix)
			return nil
		})
	}
	return g.Wait()
}

func toHWC(rgba []uint8) []uint8 {
	out := make([]uint8, len(rgba)/4*imageutil.Channels)
	for i, j := 0, 0; i < len(rgba); i, j = i+4, j+3 {
		out[j] = rgba[i]
		out[j+1] = rgba[i+1]
		out[j+2] = rgba[i+2]
	}
	return out
}

// ValidationCount is the number of a class's n samples held out for validation.
// When a class has at least two samples, both subsets get at least one.
func ValidationCount(n int, fraction float64) int {
	nVal := int(float64(n) * fraction)
	if n >= 2 {
		if nVal < 1 {
			nVal = 1
		}
		if nVal > n-1 {
			nVal = n - 1
		}
	}
	return nVal
}

func (d *Dataset) NumClasses() int {
	return len(d.Classes)
}

// TrainingIndices returns the sample indices of the training subset.
func (d *Dataset) TrainingIndices() []int {
	return append([]int(nil), d.training...)
}

func (d *Dataset) ValidationIndices() []int {
	return append([]int(nil), d.validation...)
}

// Train returns the training stream, reshuffled on every Reset.
func (d *Dataset) Train() *Stream {
	return newStream(d, SplitTraining, d.training, true)
}

// Validation returns the validation stream, always in the same order.
func (d *Dataset) Validation() *Stream {
	return newStream(d, SplitValidation, d.validation, false)
}

// CheckSplits fails when any class is missing from either subset.
func (d *Dataset) CheckSplits() error {
	if err := d.Train().CheckClasses(d.Classes); err != nil {
		return err
	}
	return d.Validation().CheckClasses(d.Classes)
}

// CheckDeclared compares the class folders found on disk with the declared
// classes. A declared class without a folder has no samples in either split.
func (d *Dataset) CheckDeclared(classes []string) error {
	for _, c := range classes {
		if !slices.Contains(d.Classes, c) {
			return errDegenerate(c, SplitTraining)
		}
	}
	for _, c := range d.Classes {
		if !slices.Contains(classes, c) {
			return errors.Errorf("class folder %s is not a declared class", c)
		}
	}
	return nil
}

// OneHot returns a vector of length n with a 1 at class.
func OneHot(class, n int) []float32 {
	v := make([]float32, n)
	v[class] = 1
	return v
}

func errDegenerate(class, split string) error {
	return &errs.DegenerateSplitError{Class: class, Split: split}
}
