package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/banknote-api/internal/onnx"
)

// The onnxruntime environment is process-wide; it lives while any session does.
var (
	ortMu    sync.Mutex
	ortUsers int
)

func acquireORT(library string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortUsers == 0 {
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	ortUsers++
	return nil
}

func releaseORT() {
	ortMu.Lock()
	defer ortMu.Unlock()
	ortUsers--
	if ortUsers == 0 {
		ort.DestroyEnvironment()
	}
}

// ortBackend runs the artifact with onnxruntime, reusing pre-allocated tensors.
type ortBackend struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newORTBackend(modelPath, library string, meta Metadata) (*ortBackend, error) {
	if err := acquireORT(library); err != nil {
		return nil, err
	}
	b := &ortBackend{}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		b.close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	b.inputTensor = inputTensor

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		b.close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	b.outputTensor = outputTensor

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{onnx.InputName}, []string{onnx.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	b.session = session
	return b, nil
}

func (b *ortBackend) run(input []float32) ([]float32, error) {
	copy(b.inputTensor.GetData(), input)
	if err := b.session.Run(); err != nil {
		return nil, err
	}
	return b.outputTensor.GetData(), nil
}

func (b *ortBackend) close() {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	releaseORT()
}
