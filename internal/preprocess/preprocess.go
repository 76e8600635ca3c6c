package preprocess

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/banknote-api/internal/imageutil"
)

type Options struct {
	Sources    map[string]string // class label -> folder of raw images
	OutputRoot string
	ImageSize  int
}

// ClassReport counts what happened to the files of one source folder.
type ClassReport struct {
	Label     string
	Processed int
	Skipped   int
}

type Report struct {
	Classes []ClassReport
}

func (r *Report) Processed() int {
	n := 0
	for _, c := range r.Classes {
		n += c.Processed
	}
	return n
}

func (r *Report) Skipped() int {
	n := 0
	for _, c := range r.Classes {
		n += c.Skipped
	}
	return n
}

// Canonicalize resizes img to size x size and passes the pixels through the
// [0,1] normalization and back, which is the contract the trainer relies on.
func Canonicalize(img image.Image, size int) (*image.RGBA, error) {
	values := imageutil.Normalize(imageutil.Resize(img, size))
	return imageutil.Denormalize(values, size, size)
}

// Filename is the canonical name of the index'th file of a class.
func Filename(label string, index int) string {
	return fmt.Sprintf("%s_%d.jpg", label, index)
}

// Preprocess writes {OutputRoot}/{label}/{label}_{i}.jpg for every decodable
// image under each source folder. Undecodable files are logged and skipped.
// Existing output is never removed.
func Preprocess(ctx context.Context, opts Options, log logs.Log) (*Report, error) {
	if opts.ImageSize <= 0 {
		return nil, errors.Errorf("invalid image size %d", opts.ImageSize)
	}
	if err := os.MkdirAll(opts.OutputRoot, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", opts.OutputRoot)
	}

	labels := make([]string, 0, len(opts.Sources))
	for label := range opts.Sources {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	report := &Report{}
	for _, label := range labels {
		cr, err := preprocessClass(ctx, label, opts.Sources[label], opts, log)
		if err != nil {
			return report, err
		}
		log.Infof("Class %v: %v processed, %v skipped", label, cr.Processed, cr.Skipped)
		report.Classes = append(report.Classes, *cr)
	}
	return report, nil
}

func preprocessClass(ctx context.Context, label, folder string, opts Options, log logs.Log) (*ClassReport, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read source folder for class %s", label)
	}

	savePath := filepath.Join(opts.OutputRoot, label)
	if err := os.MkdirAll(savePath, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", savePath)
	}

	cr := &ClassReport{Label: label}
	// ReadDir sorts by name, so indices are stable between runs
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		imgPath := filepath.Join(folder, entry.Name())
		img, err := imageutil.DecodeFile(imgPath)
		if err != nil {
			log.Warnf("Skipping invalid image %v: %v", imgPath, err)
			cr.Skipped++
			continue
		}

		canonical, err := Canonicalize(img, opts.ImageSize)
		if err != nil {
			return nil, err
		}

		name := Filename(label, i)
		if err := imageutil.SaveJPEG(filepath.Join(savePath, name), canonical); err != nil {
			return nil, err
		}
		log.Infof("Processed: %v", name)
		cr.Processed++
	}
	return cr, nil
}
