package model

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/banknote-api/internal/config"
	"github.com/Brownie44l1/banknote-api/internal/errs"
	"github.com/Brownie44l1/banknote-api/internal/imageutil"
	"github.com/Brownie44l1/banknote-api/internal/nn"
	"github.com/Brownie44l1/banknote-api/internal/onnx"
)

const testSize = 24

var testLabels = []string{"100 Rupees", "200 Rupees", "500 Rupees"}

func writeArtifact(t *testing.T) (string, *nn.Model) {
	m, err := nn.NewClassifier(testSize, []string{"100", "200", "500"}, 5)
	require.NoError(t, err)
	m.Labels = testLabels
	m.RunID = "test-run"
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, onnx.ExportFile(m, path))
	return path, m
}

func writeImage(t *testing.T, dir, name string, w, h int) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 9), uint8(y * 5), uint8((x + y) * 3), 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func newRunner(t *testing.T, path string, opts Options) *Runner {
	r, err := NewRunner(logs.NewTestingLog(t), path, opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestPredictMatchesModel(t *testing.T) {
	artifact, m := writeArtifact(t)
	imgPath := writeImage(t, t.TempDir(), "note.png", 40, 30)
	r := newRunner(t, artifact, Options{ImageSize: testSize, NumClasses: 3})

	assert.Equal(t, testLabels, r.Metadata.Labels)
	assert.Equal(t, "test-run", r.Metadata.RunID)

	p, err := r.Predict(imgPath, nil)
	require.NoError(t, err)
	require.Len(t, p.Probabilities, 3)
	assert.True(t, p.Index >= 0 && p.Index < 3)
	assert.Equal(t, testLabels[p.Index], p.Label)
	assert.Equal(t, p.Probabilities[p.Index], p.Confidence)

	var sum float32
	for _, v := range p.Probabilities {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-5)

	input, err := imageutil.LoadTensor(imgPath, testSize)
	require.NoError(t, err)
	want, err := m.Predict(input)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], p.Probabilities[i], 1e-5)
	}
}

func TestPredictIsDeterministic(t *testing.T) {
	artifact, _ := writeArtifact(t)
	imgPath := writeImage(t, t.TempDir(), "note.png", 24, 24)
	r := newRunner(t, artifact, Options{})

	a, err := r.Predict(imgPath, testLabels)
	require.NoError(t, err)
	b, err := r.Predict(imgPath, testLabels)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMissingImage(t *testing.T) {
	artifact, _ := writeArtifact(t)
	missing := filepath.Join(t.TempDir(), "nonexistent.jpg")

	_, err := Predict(logs.NewTestingLog(t), artifact, missing, testLabels, Options{})
	var nf *errs.ImageNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, missing, nf.Path)
}

func TestMissingArtifactIsReportedFirst(t *testing.T) {
	dir := t.TempDir()
	_, err := Predict(logs.NewTestingLog(t), filepath.Join(dir, "model.onnx"), filepath.Join(dir, "nonexistent.jpg"), testLabels, Options{})
	var nf *errs.ArtifactNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.True(t, errs.IsArtifactError(err))
}

func TestUndecodableImage(t *testing.T) {
	artifact, _ := writeArtifact(t)
	bad := filepath.Join(t.TempDir(), "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("definitely not a jpeg"), 0644))

	_, err := Predict(logs.NewTestingLog(t), artifact, bad, nil, Options{})
	var de *errs.ImageDecodeError
	assert.True(t, errors.As(err, &de))
}

func TestInvalidArtifact(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(garbage, []byte{0xff, 0xff}, 0644))
	_, err := NewRunner(logs.NewTestingLog(t), garbage, Options{})
	var inv *errs.InvalidArtifactError
	assert.True(t, errors.As(err, &inv))

	artifact, _ := writeArtifact(t)
	_, err = NewRunner(logs.NewTestingLog(t), artifact, Options{ImageSize: nn.DefaultImageSize})
	assert.True(t, errors.As(err, &inv), "declared input is not 224x224")

	_, err = NewRunner(logs.NewTestingLog(t), artifact, Options{NumClasses: 4})
	assert.True(t, errors.As(err, &inv), "declared output is not 4 classes")

	_, err = NewRunner(logs.NewTestingLog(t), artifact, Options{Runtime: "tflite"})
	assert.Error(t, err)
}

func TestMalformedGraphFailsAtLoad(t *testing.T) {
	m, err := nn.NewClassifier(testSize, []string{"100", "200", "500"}, 5)
	require.NoError(t, err)
	exported, err := onnx.Export(m)
	require.NoError(t, err)

	to := exported.Proto.Graph.Node[0]
	require.Equal(t, "Transpose", to.OpType)
	to.Attribute[0].Ints = []int64{0, 1, 1, 2}
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, exported.WriteFile(path))

	_, err = NewRunner(logs.NewTestingLog(t), path, Options{})
	var inv *errs.InvalidArtifactError
	require.True(t, errors.As(err, &inv), "got %v", err)
	assert.Contains(t, inv.Reason, "not a permutation")
}

func TestDuplicateLabelNames(t *testing.T) {
	artifact, _ := writeArtifact(t)
	r := newRunner(t, artifact, Options{})
	input := make([]float32, r.Metadata.InputSize())

	_, err := r.PredictTensor(input, []string{"x", "y", "x"})
	var dle *errs.DuplicateLabelError
	require.True(t, errors.As(err, &dle))
	assert.Equal(t, "x", dle.Label)
	assert.Equal(t, 0, dle.First)
	assert.Equal(t, 2, dle.Second)
}

func TestLabelNames(t *testing.T) {
	artifact, _ := writeArtifact(t)
	imgPath := writeImage(t, t.TempDir(), "note.png", 24, 24)
	r := newRunner(t, artifact, Options{})

	_, err := r.Predict(imgPath, []string{"a", "b"})
	var sme *errs.ShapeMismatchError
	require.True(t, errors.As(err, &sme))
	assert.Equal(t, []int{3}, sme.Expected)

	custom := []string{"x", "y", "z"}
	p, err := r.Predict(imgPath, custom)
	require.NoError(t, err)
	assert.Equal(t, custom[p.Index], p.Label)
	assert.Len(t, p.Predictions, 3)
	assert.Contains(t, p.Predictions, "x")
}

func TestRunShapeMismatch(t *testing.T) {
	artifact, _ := writeArtifact(t)
	r := newRunner(t, artifact, Options{})
	_, err := r.Run(make([]float32, 5))
	var sme *errs.ShapeMismatchError
	require.True(t, errors.As(err, &sme))
	assert.Equal(t, []int{1, testSize, testSize, 3}, sme.Expected)
}

// Set BANKNOTE_TEST_ORT_LIBRARY to the onnxruntime shared library to run this.
func TestONNXRuntimeMatchesNative(t *testing.T) {
	lib := os.Getenv("BANKNOTE_TEST_ORT_LIBRARY")
	if lib == "" {
		t.Skip("BANKNOTE_TEST_ORT_LIBRARY not set")
	}
	artifact, _ := writeArtifact(t)
	imgPath := writeImage(t, t.TempDir(), "note.png", 32, 32)

	native := newRunner(t, artifact, Options{Runtime: config.RuntimeNative})
	ort := newRunner(t, artifact, Options{Runtime: config.RuntimeONNXRuntime, ORTLibrary: lib})

	a, err := native.Predict(imgPath, nil)
	require.NoError(t, err)
	b, err := ort.Predict(imgPath, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Index, b.Index)
	for i := range a.Probabilities {
		assert.InDelta(t, a.Probabilities[i], b.Probabilities[i], 1e-4)
	}
}
