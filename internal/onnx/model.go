// Package onnx exports the classifier as an ONNX model and runs ONNX models of
// the same family on gorgonia.
package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"google.golang.org/protobuf/proto"
)

const (
	IRVersion    = 8
	OpsetVersion = 13
)

// Model is a parsed ONNX model.
type Model struct {
	Proto *pb.ModelProto
}

// Parse decodes an ONNX model. A model without a graph is rejected.
func Parse(data []byte) (*Model, error) {
	mp := &pb.ModelProto{}
	if err := proto.Unmarshal(data, mp); err != nil {
		return nil, fmt.Errorf("failed to decode ONNX model: %w", err)
	}
	if mp.GetGraph() == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}
	return &Model{Proto: mp}, nil
}

// ReadFile parses the ONNX model at path.
func ReadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (m *Model) Marshal() ([]byte, error) {
	return proto.Marshal(m.Proto)
}

// WriteFile writes the model to path through a temporary file, creating parent
// directories.
func (m *Model) WriteFile(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Opset returns the version of the default operator set, 0 if none is imported.
func (m *Model) Opset() int64 {
	for _, o := range m.Proto.GetOpsetImport() {
		if o.GetDomain() == "" || o.GetDomain() == "ai.onnx" {
			return o.GetVersion()
		}
	}
	return 0
}

// Meta returns the metadata value stored under key.
func (m *Model) Meta(key string) (string, bool) {
	for _, p := range m.Proto.GetMetadataProps() {
		if p.GetKey() == key {
			return p.GetValue(), true
		}
	}
	return "", false
}

// Classes returns the class names stored in the model metadata, if any.
func (m *Model) Classes() []string {
	return m.metaList(MetaClasses)
}

// Labels returns the human-readable labels stored in the model metadata, if any.
func (m *Model) Labels() []string {
	return m.metaList(MetaLabels)
}

func (m *Model) RunID() string {
	id, _ := m.Meta(MetaRunID)
	return id
}

func (m *Model) metaList(key string) []string {
	raw, ok := m.Meta(key)
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

// InputShape returns the dims of the single graph input; -1 marks a symbolic dim.
func (m *Model) InputShape() []int64 {
	in := m.Proto.GetGraph().GetInput()
	if len(in) != 1 {
		return nil
	}
	return dimsOf(in[0])
}

func (m *Model) OutputShape() []int64 {
	out := m.Proto.GetGraph().GetOutput()
	if len(out) != 1 {
		return nil
	}
	return dimsOf(out[0])
}

func dimsOf(v *pb.ValueInfoProto) []int64 {
	var dims []int64
	for _, d := range v.GetType().GetTensorType().GetShape().GetDim() {
		if _, ok := d.GetValue().(*pb.TensorShapeProto_Dimension_DimValue); ok {
			dims = append(dims, d.GetDimValue())
		} else {
			dims = append(dims, -1)
		}
	}
	return dims
}

func valueInfo(name string, dims ...int64) *pb.ValueInfoProto {
	shape := &pb.TensorShapeProto{}
	for _, d := range dims {
		shape.Dim = append(shape.Dim, &pb.TensorShapeProto_Dimension{
			Value: &pb.TensorShapeProto_Dimension_DimValue{DimValue: d},
		})
	}
	return &pb.ValueInfoProto{
		Name: name,
		Type: &pb.TypeProto{
			Value: &pb.TypeProto_TensorType{
				TensorType: &pb.TypeProto_Tensor{
					ElemType: int32(pb.TensorProto_FLOAT),
					Shape:    shape,
				},
			},
		},
	}
}
