package nn

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Adam is gorgonia's AdamSolver with the Keras defaults, applied to gradients
// that were reduced outside the graph.
type Adam struct {
	LearningRate float32

	solver *G.AdamSolver
	steps  int
}

func NewAdam(learningRate float32) *Adam {
	return &Adam{
		LearningRate: learningRate,
		solver: G.NewAdamSolver(
			G.WithLearnRate(float64(learningRate)),
			G.WithBeta1(0.9),
			G.WithBeta2(0.999),
			G.WithEps(1e-7),
		),
	}
}

func (a *Adam) Steps() int {
	return a.steps
}

// paramGrad pairs a parameter with its reduced gradient as a gorgonia ValueGrad.
type paramGrad struct {
	value *tensor.Dense
	grad  *tensor.Dense
}

func (p paramGrad) Value() G.Value         { return p.value }
func (p paramGrad) Grad() (G.Value, error) { return p.grad, nil }

// Step applies one update. grads must line up with params, and are scaled by
// scale first (e.g. 1/batchSize to average a summed gradient). The solver
// updates the parameter tensors in place.
func (a *Adam) Step(params []*Param, grads [][]float32, scale float32) error {
	model := make([]G.ValueGrad, len(params))
	for i, p := range params {
		g := make([]float32, len(grads[i]))
		for j, v := range grads[i] {
			g[j] = v * scale
		}
		model[i] = paramGrad{
			value: p.Value,
			grad:  tensor.New(tensor.WithShape(p.Shape...), tensor.WithBacking(g)),
		}
	}
	if err := a.solver.Step(model); err != nil {
		return err
	}
	a.steps++
	return nil
}
