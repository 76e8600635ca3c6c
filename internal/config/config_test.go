package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 224, cfg.ImageSize)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 10, cfg.Epochs)
	assert.InDelta(t, 0.2, cfg.ValidationFraction, 1e-9)
	assert.Equal(t, []string{"100", "200", "500"}, cfg.Classes)
	assert.Equal(t, []string{"100 Rupees", "200 Rupees", "500 Rupees"}, cfg.LabelNames())
	assert.Equal(t, RuntimeNative, cfg.Runtime)
	assert.Equal(t, filepath.Join("models", "model.onnx"), cfg.Artifacts.Mobile)
}

func TestFileAndEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: 3\nbatchsize: 8\nartifacts:\n  mobile: out/m.onnx\n"), 0644))

	t.Setenv("BANKNOTE_EPOCHS", "5")
	t.Setenv("BANKNOTE_CLASSES", "10,20")
	t.Setenv("BANKNOTE_LABELS", "ten,twenty")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, "out/m.onnx", cfg.Artifacts.Mobile)
	assert.Equal(t, []string{"10", "20"}, cfg.Classes)
	assert.Equal(t, []string{"ten", "twenty"}, cfg.LabelNames())
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ValidationFraction = 1
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Labels = []string{"only one"}
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Runtime = "tflite"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.ImageSize = 8
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Epochs = 2
	cfg.Sources = map[string]string{"100": "raw/100 rs note"}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Epochs)
	assert.Equal(t, "raw/100 rs note", loaded.Sources["100"])
}

func TestLabelsFor(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, []string{"500 Rupees", "100 Rupees"}, cfg.LabelsFor([]string{"500", "100"}))
	assert.Equal(t, []string{"2000"}, cfg.LabelsFor([]string{"2000"}))

	cfg.Classes = []string{"500", "100"}
	cfg.Labels = []string{"five hundred", "one hundred"}
	assert.Equal(t, []string{"one hundred", "five hundred"}, cfg.ModelLabels())
}
