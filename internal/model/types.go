package model

// Metadata describes a loaded mobile artifact.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	Labels      []string `json:"labels,omitempty"`
	ImageSize   int      `json:"image_size"`
	RunID       string   `json:"run_id,omitempty"`
}

// InputSize is the number of float32 values of one input batch.
func (m *Metadata) InputSize() int {
	n := 1
	for _, d := range m.InputShape {
		n *= int(d)
	}
	return n
}

func (m *Metadata) NumClasses() int {
	return int(m.OutputShape[len(m.OutputShape)-1])
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

// Prediction is the result of classifying one image.
type Prediction struct {
	Index         int                `json:"index"`
	Label         string             `json:"label"`
	Confidence    float32            `json:"confidence"`
	Probabilities []float32          `json:"probabilities"`
	Predictions   map[string]float32 `json:"predictions"`
}
