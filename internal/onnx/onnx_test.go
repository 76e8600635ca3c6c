package onnx

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	pb "github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/banknote-api/internal/errs"
	"github.com/Brownie44l1/banknote-api/internal/nn"
)

const testSize = 30

func testModel(t *testing.T) *nn.Model {
	m, err := nn.NewClassifier(testSize, []string{"100", "200", "500"}, 21)
	require.NoError(t, err)
	m.Labels = []string{"100 Rupees", "200 Rupees", "500 Rupees"}
	m.RunID = "8c3f7e1e-run"
	return m
}

func randomInput(seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	img := make([]float32, testSize*testSize*nn.Channels)
	for i := range img {
		img[i] = rng.Float32()
	}
	return img
}

// roundTrip encodes and decodes m.
func roundTrip(t *testing.T, m *Model) *Model {
	data, err := m.Marshal()
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)
	return parsed
}

// smallModel is a one-input one-output model named x -> y.
func smallModel(in, out []int64, inits []*pb.TensorProto, nodes ...*pb.NodeProto) *Model {
	return &Model{Proto: &pb.ModelProto{
		IrVersion:   IRVersion,
		OpsetImport: []*pb.OperatorSetIdProto{{Version: OpsetVersion}},
		Graph: &pb.GraphProto{
			Node:        nodes,
			Initializer: inits,
			Input:       []*pb.ValueInfoProto{valueInfo("x", in...)},
			Output:      []*pb.ValueInfoProto{valueInfo("y", out...)},
		},
	}}
}

func run(t *testing.T, m *Model, input []float32) []float32 {
	prog, err := m.Compile()
	require.NoError(t, err)
	defer prog.Close()
	out, err := prog.Run(input)
	require.NoError(t, err)
	return out
}

func TestExportMatchesModel(t *testing.T) {
	m := testModel(t)
	exported, err := Export(m)
	require.NoError(t, err)

	parsed := roundTrip(t, exported)
	assert.Equal(t, []int64{1, testSize, testSize, 3}, parsed.InputShape())
	assert.Equal(t, []int64{1, 3}, parsed.OutputShape())
	assert.EqualValues(t, IRVersion, parsed.Proto.GetIrVersion())
	assert.EqualValues(t, OpsetVersion, parsed.Opset())

	prog, err := parsed.Compile()
	require.NoError(t, err)
	defer prog.Close()
	for seed := int64(1); seed <= 3; seed++ {
		img := randomInput(seed)
		want, err := m.Predict(img)
		require.NoError(t, err)
		got, err := prog.Run(img)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-5)
		}
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	m := testModel(t)
	path := filepath.Join(t.TempDir(), "models", "model.onnx")
	require.NoError(t, ExportFile(m, path))

	g, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, m.Classes, g.Classes())
	assert.Equal(t, m.Labels, g.Labels())
	assert.Equal(t, m.RunID, g.RunID())
	size, ok := g.Meta(MetaImageSize)
	assert.True(t, ok)
	assert.Equal(t, "30", size)
	assert.Equal(t, ProducerName, g.Proto.GetProducerName())

	var ops []string
	for _, n := range g.Proto.GetGraph().GetNode() {
		ops = append(ops, n.GetOpType())
	}
	assert.NotContains(t, ops, "Dropout")
	assert.Equal(t, "Transpose", ops[0])
	assert.Equal(t, "Softmax", ops[len(ops)-1])
}

func TestRunInputShapeMismatch(t *testing.T) {
	exported, err := Export(testModel(t))
	require.NoError(t, err)
	prog, err := exported.Compile()
	require.NoError(t, err)
	defer prog.Close()

	_, err = prog.Run(make([]float32, 12))
	var sme *errs.ShapeMismatchError
	require.True(t, errors.As(err, &sme))
	assert.Equal(t, []int{1, testSize, testSize, 3}, sme.Expected)
}

func TestUnsupportedOperator(t *testing.T) {
	exported, err := Export(testModel(t))
	require.NoError(t, err)
	exported.Proto.Graph.Node[1].OpType = "LSTM"

	_, err = roundTrip(t, exported).Compile()
	assert.ErrorContains(t, err, "unsupported operator LSTM")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte{0xff})
	assert.Error(t, err)
	_, err = Parse(nil)
	assert.Error(t, err, "a model without a graph")
}

func TestRawInitializer(t *testing.T) {
	raw := []byte{
		0x00, 0x00, 0x80, 0x3f, // 1
		0x00, 0x00, 0x00, 0x40, // 2
	}
	w := &pb.TensorProto{Name: "w", Dims: []int64{2}, DataType: int32(pb.TensorProto_FLOAT), RawData: raw}
	data, err := floats(w)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, data)

	short := floatTensor("w", []float32{1, 2, 3, 4, 5}, 2, 2)
	_, err = floats(short)
	assert.Error(t, err, "five values cannot fill a 2x2 tensor")

	ints := &pb.TensorProto{Name: "i", Dims: []int64{1}, DataType: int32(pb.TensorProto_INT64), Int64Data: []int64{1}}
	_, err = floats(ints)
	assert.Error(t, err)
}

func TestTranspose(t *testing.T) {
	m := smallModel([]int64{2, 3}, []int64{3, 2}, nil,
		newNode("t", "Transpose", []string{"x"}, "y", intsAttr("perm", 1, 0)))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, run(t, m, []float32{1, 2, 3, 4, 5, 6}))
}

func TestTransposeRejectsRepeatedAxis(t *testing.T) {
	m := smallModel([]int64{1, 2, 2, 3}, []int64{1, 2, 2, 3}, nil,
		newNode("t", "Transpose", []string{"x"}, "y", intsAttr("perm", 0, 1, 1, 2)))
	_, err := m.Compile()
	assert.ErrorContains(t, err, "not a permutation")
}

func TestPaddedConv(t *testing.T) {
	w := floatTensor("w", []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}, 1, 1, 3, 3)
	m := smallModel([]int64{1, 1, 2, 2}, []int64{1, 1, 2, 2}, []*pb.TensorProto{w},
		newNode("c", "Conv", []string{"x", "w"}, "y", intsAttr("pads", 1, 1, 1, 1)))
	assert.Equal(t, []float32{4, 4, 4, 4}, run(t, m, []float32{1, 1, 1, 1}))
}

func TestConvChannelMismatch(t *testing.T) {
	w := floatTensor("w", make([]float32, 2*4*3*3), 2, 4, 3, 3)
	m := smallModel([]int64{1, 3, 8, 8}, []int64{1, 2, 6, 6}, []*pb.TensorProto{w},
		newNode("c", "Conv", []string{"x", "w"}, "y"))
	_, err := m.Compile()
	var sme *errs.ShapeMismatchError
	require.True(t, errors.As(err, &sme))
	assert.Equal(t, "conv weights", sme.Context)
}

func TestMaxPoolDropsRemainder(t *testing.T) {
	x := make([]float32, 25)
	for i := range x {
		x[i] = float32(i)
	}
	m := smallModel([]int64{1, 1, 5, 5}, []int64{1, 1, 2, 2}, nil,
		newNode("p", "MaxPool", []string{"x"}, "y",
			intsAttr("kernel_shape", 2, 2),
			intsAttr("strides", 2, 2)))
	assert.Equal(t, []float32{6, 8, 16, 18}, run(t, m, x))
}

func TestGemmTransposedWeights(t *testing.T) {
	// B is stored [cols, k]
	b := floatTensor("b", []float32{1, 0, 0, 1, 1, 1}, 3, 2)
	c := floatTensor("c", []float32{10, 20, 30})
	m := smallModel([]int64{1, 2}, []int64{1, 3}, []*pb.TensorProto{b, c},
		newNode("g", "Gemm", []string{"x", "b", "c"}, "y", intAttr("transB", 1)))
	assert.Equal(t, []float32{12, 23, 35}, run(t, m, []float32{2, 3}))
}

func TestDeclaredOutputShapeIsChecked(t *testing.T) {
	m := smallModel([]int64{1, 4}, []int64{1, 3}, nil,
		newNode("r", "Relu", []string{"x"}, "y"))
	_, err := m.Compile()
	var sme *errs.ShapeMismatchError
	require.True(t, errors.As(err, &sme))
	assert.Equal(t, "onnx output", sme.Context)
}

func TestUndefinedInput(t *testing.T) {
	m := smallModel([]int64{1, 4}, []int64{1, 4}, nil,
		newNode("r", "Relu", []string{"missing"}, "y"))
	_, err := m.Compile()
	assert.ErrorContains(t, err, "not defined")
}
