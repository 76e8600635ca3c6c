package onnx

import (
	"encoding/json"
	"fmt"
	"strconv"

	pb "github.com/advancedclimatesystems/gonnx/onnx"

	"github.com/Brownie44l1/banknote-api/internal/nn"
)

const (
	InputName  = "input"
	OutputName = "output"

	ProducerName    = "banknote-api"
	ProducerVersion = "1"

	MetaClasses   = "classes"
	MetaLabels    = "labels"
	MetaRunID     = "run_id"
	MetaImageSize = "image_size"
)

func intsAttr(name string, v ...int64) *pb.AttributeProto {
	return &pb.AttributeProto{Name: name, Type: pb.AttributeProto_INTS, Ints: v}
}

func intAttr(name string, v int64) *pb.AttributeProto {
	return &pb.AttributeProto{Name: name, Type: pb.AttributeProto_INT, I: v}
}

func newNode(name, op string, inputs []string, output string, attrs ...*pb.AttributeProto) *pb.NodeProto {
	return &pb.NodeProto{Name: name, OpType: op, Input: inputs, Output: []string{output}, Attribute: attrs}
}

// floatTensor builds an initializer. dims of nil means a flat vector.
func floatTensor(name string, data []float32, dims ...int64) *pb.TensorProto {
	if dims == nil {
		dims = []int64{int64(len(data))}
	}
	return &pb.TensorProto{
		Name:      name,
		Dims:      dims,
		DataType:  int32(pb.TensorProto_FLOAT),
		FloatData: append([]float32(nil), data...),
	}
}

func paramDims(p *nn.Param) []int64 {
	dims := make([]int64, len(p.Shape))
	for i, d := range p.Shape {
		dims[i] = int64(d)
	}
	return dims
}

// Export lowers an inference-mode model into an ONNX model that takes a
// (1,S,S,3) HWC batch named "input" and yields (1,C) probabilities named "output".
// Dropout is the identity at inference time and is not emitted.
func Export(m *nn.Model) (*Model, error) {
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("model has no layers")
	}
	s := int64(m.ImageSize)
	g := &pb.GraphProto{
		Name:   "banknote_classifier",
		Input:  []*pb.ValueInfoProto{valueInfo(InputName, 1, s, s, nn.Channels)},
		Output: []*pb.ValueInfoProto{valueInfo(OutputName, 1, int64(m.NumClasses()))},
	}

	// HWC batch to NCHW
	x := "input_nchw"
	g.Node = append(g.Node, newNode("to_nchw", "Transpose", []string{InputName}, x, intsAttr("perm", 0, 3, 1, 2)))

	last := len(m.Layers) - 1
	for i, l := range m.Layers {
		out := l.Name()
		if i == last {
			out = OutputName
		}
		var node *pb.NodeProto
		switch t := l.(type) {
		case *nn.Conv2D:
			k := int64(t.Kernel)
			g.Initializer = append(g.Initializer,
				floatTensor(t.W.Name, t.W.Data(), paramDims(t.W)...),
				floatTensor(t.B.Name, t.B.Data()))
			node = newNode(t.Name(), "Conv", []string{x, t.W.Name, t.B.Name}, out,
				intsAttr("kernel_shape", k, k),
				intsAttr("strides", 1, 1))
		case *nn.ReLU:
			node = newNode(t.Name(), "Relu", []string{x}, out)
		case *nn.MaxPool2D:
			p := int64(t.Size)
			node = newNode(t.Name(), "MaxPool", []string{x}, out,
				intsAttr("kernel_shape", p, p),
				intsAttr("strides", p, p))
		case *nn.Flatten:
			node = newNode(t.Name(), "Flatten", []string{x}, out, intAttr("axis", 1))
		case *nn.Dense:
			// the kernel is stored [Inputs, Units], Gemm's B as is
			g.Initializer = append(g.Initializer,
				floatTensor(t.W.Name, t.W.Data(), paramDims(t.W)...),
				floatTensor(t.B.Name, t.B.Data()))
			node = newNode(t.Name(), "Gemm", []string{x, t.W.Name, t.B.Name}, out)
		case *nn.Dropout:
			if i == last {
				return nil, fmt.Errorf("model ends with dropout")
			}
			continue
		case *nn.Softmax:
			node = newNode(t.Name(), "Softmax", []string{x}, out, intAttr("axis", 1))
		default:
			return nil, fmt.Errorf("layer %s: no ONNX lowering for %s", l.Name(), l.Spec().Type)
		}
		g.Node = append(g.Node, node)
		x = out
	}

	meta, err := metadata(m)
	if err != nil {
		return nil, err
	}
	return &Model{Proto: &pb.ModelProto{
		IrVersion:       IRVersion,
		OpsetImport:     []*pb.OperatorSetIdProto{{Domain: "", Version: OpsetVersion}},
		ProducerName:    ProducerName,
		ProducerVersion: ProducerVersion,
		Graph:           g,
		MetadataProps:   meta,
	}}, nil
}

func metadata(m *nn.Model) ([]*pb.StringStringEntryProto, error) {
	classes, err := json.Marshal(m.Classes)
	if err != nil {
		return nil, err
	}
	meta := []*pb.StringStringEntryProto{{Key: MetaClasses, Value: string(classes)}}
	if len(m.Labels) > 0 {
		labels, err := json.Marshal(m.Labels)
		if err != nil {
			return nil, err
		}
		meta = append(meta, &pb.StringStringEntryProto{Key: MetaLabels, Value: string(labels)})
	}
	if m.RunID != "" {
		meta = append(meta, &pb.StringStringEntryProto{Key: MetaRunID, Value: m.RunID})
	}
	meta = append(meta, &pb.StringStringEntryProto{Key: MetaImageSize, Value: strconv.Itoa(m.ImageSize)})
	return meta, nil
}

// ExportFile writes the ONNX encoding of m to path, creating parent directories.
func ExportFile(m *nn.Model, path string) error {
	mp, err := Export(m)
	if err != nil {
		return err
	}
	return mp.WriteFile(path)
}
