package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	RuntimeNative      = "native"
	RuntimeONNXRuntime = "onnxruntime"

	DefaultConfigPath = "config.yaml"
	envPrefix         = "BANKNOTE_"
)

// ArtifactsConfig names the two files the trainer writes.
type ArtifactsConfig struct {
	Full   string `koanf:"full" yaml:"full"`
	Mobile string `koanf:"mobile" yaml:"mobile"`
}

type ServerConfig struct {
	Port int `koanf:"port" yaml:"port"`
}

type ONNXRuntimeConfig struct {
	Library string `koanf:"library" yaml:"library"` // path to the onnxruntime shared library, empty = system default
}

// Config is passed explicitly into every stage of the pipeline.
type Config struct {
	Sources            map[string]string `koanf:"sources" yaml:"sources"` // class label -> raw image folder
	DatasetPath        string            `koanf:"datasetpath" yaml:"datasetpath"`
	ImageSize          int               `koanf:"imagesize" yaml:"imagesize"`
	BatchSize          int               `koanf:"batchsize" yaml:"batchsize"`
	Epochs             int               `koanf:"epochs" yaml:"epochs"`
	ValidationFraction float64           `koanf:"validationfraction" yaml:"validationfraction"`
	LearningRate       float64           `koanf:"learningrate" yaml:"learningrate"`
	Seed               int64             `koanf:"seed" yaml:"seed"`
	Workers            int               `koanf:"workers" yaml:"workers"` // 0 = one per CPU, capped
	Classes            []string          `koanf:"classes" yaml:"classes"`
	Labels             []string          `koanf:"labels" yaml:"labels"` // human-readable names, same order as Classes
	Runtime            string            `koanf:"runtime" yaml:"runtime"`
	Artifacts          ArtifactsConfig   `koanf:"artifacts" yaml:"artifacts"`
	Server             ServerConfig      `koanf:"server" yaml:"server"`
	ONNXRuntime        ONNXRuntimeConfig `koanf:"onnxruntime" yaml:"onnxruntime"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"datasetpath":         "processed_dataset",
		"imagesize":           224,
		"batchsize":           32,
		"epochs":              10,
		"validationfraction":  0.2,
		"learningrate":        0.001,
		"seed":                1,
		"workers":             0,
		"classes":             []string{"100", "200", "500"},
		"labels":              []string{"100 Rupees", "200 Rupees", "500 Rupees"},
		"runtime":             RuntimeNative,
		"artifacts.full":      filepath.Join("models", "model.zip"),
		"artifacts.mobile":    filepath.Join("models", "model.onnx"),
		"server.port":         8080,
		"onnxruntime.library": "",
	}
}

// NewDefaultConfig returns the configuration used when no file or environment overrides exist.
func NewDefaultConfig() *Config {
	cfg, err := load("")
	if err != nil {
		// the defaults map is static, so this only fails on a programming error
		panic(err)
	}
	return cfg
}

// Load layers defaults, the YAML file at path (skipped when path is empty or
// missing) and BANKNOTE_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load defaults")
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "failed to load config file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to stat config file %s", path)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(s string, v string) (string, interface{}) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
		if strings.Contains(v, ",") {
			parts := strings.Split(strings.TrimSpace(v), ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return key, parts
		}
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ImageSize < 22 {
		return errors.Errorf("imagesize must be at least 22, got %d", c.ImageSize)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batchsize must be positive, got %d", c.BatchSize)
	}
	if c.Epochs < 1 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.ValidationFraction <= 0 || c.ValidationFraction >= 1 {
		return errors.Errorf("validationfraction must be in (0,1), got %v", c.ValidationFraction)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learningrate must be positive, got %v", c.LearningRate)
	}
	if len(c.Classes) == 0 {
		return errors.New("at least one class is required")
	}
	if len(c.Labels) != 0 && len(c.Labels) != len(c.Classes) {
		return errors.Errorf("%d labels given for %d classes", len(c.Labels), len(c.Classes))
	}
	switch c.Runtime {
	case RuntimeNative, RuntimeONNXRuntime:
	default:
		return errors.Errorf("unknown runtime %q", c.Runtime)
	}
	return nil
}

// LabelNames returns the human-readable labels, falling back to the class folder names.
func (c *Config) LabelNames() []string {
	if len(c.Labels) == len(c.Classes) {
		return c.Labels
	}
	return c.Classes
}

// LabelsFor returns the label of each of classes, in that order. A class that
// is not declared is its own label.
func (c *Config) LabelsFor(classes []string) []string {
	names := c.LabelNames()
	out := make([]string, len(classes))
	for i, class := range classes {
		out[i] = class
		for j, declared := range c.Classes {
			if declared == class {
				out[i] = names[j]
			}
		}
	}
	return out
}

// ModelLabels returns the labels in class index order, which is the sorted
// order of the class folder names.
func (c *Config) ModelLabels() []string {
	return c.LabelsFor(slices.Sorted(slices.Values(c.Classes)))
}

func (c *Config) Save(path string) error {
	b, err := yamlv3.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0644)
}
