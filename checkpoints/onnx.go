package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/google/renameio/v2"
	"github.com/tsawler/go-advtext/nn"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX enum values used by the exporter
const (
	onnxFloat = 1
	onnxInt32 = 6
	onnxInt64 = 7

	onnxAttrInt     = 2
	onnxAttrInts    = 7
	onnxAttrStrings = 8

	onnxIRVersion = 7
	onnxOpset     = 13
)

// The ONNX messages below mirror onnx.proto and are encoded field by field
// with protowire.

type NodeProto struct {
	Name      string
	OpType    string
	Input     []string
	Output    []string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name    string
	Type    int
	I       int64
	Ints    []int64
	Strings []string
}

type TensorProto struct {
	Name     string
	Dims     []int64
	DataType int
	RawData  []byte
}

// Dimension is either a fixed size or a symbolic name such as "batch"
type Dimension struct {
	Param string
	Value int64
}

type ValueInfoProto struct {
	Name     string
	ElemType int
	Shape    []Dimension
}

type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	Opset           int64
	Graph           *GraphProto
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case onnxAttrInt:
		b = appendInt(b, 3, a.I)
	case onnxAttrInts:
		for _, v := range a.Ints {
			b = appendInt(b, 8, v)
		}
	case onnxAttrStrings:
		for _, s := range a.Strings {
			b = appendString(b, 9, s)
		}
	}
	return appendInt(b, 20, int64(a.Type))
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = appendString(b, 1, in)
	}
	for _, out := range n.Output {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, attr := range n.Attribute {
		b = appendMessage(b, 5, attr.marshal())
	}
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendInt(b, 1, d)
	}
	b = appendInt(b, 2, int64(t.DataType))
	b = appendString(b, 8, t.Name)
	return appendMessage(b, 9, t.RawData)
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d.Param == "" {
			dim = appendInt(dim, 1, d.Value)
		} else {
			dim = appendString(dim, 2, d.Param)
		}
		shape = appendMessage(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendInt(tensorType, 1, int64(v.ElemType))
	tensorType = appendMessage(tensorType, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	return appendMessage(b, 2, typ)
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal())
	}
	for _, in := range g.Input {
		b = appendMessage(b, 11, in.marshal())
	}
	for _, out := range g.Output {
		b = appendMessage(b, 12, out.marshal())
	}
	return b
}

// Marshal encodes the model in protobuf wire format
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendInt(b, 1, m.IrVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendInt(b, 5, m.ModelVersion)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}
	var opset []byte
	opset = appendString(opset, 1, "")
	opset = appendInt(opset, 2, m.Opset)
	return appendMessage(b, 8, opset)
}

// ONNXExporter handles conversion of classifier checkpoints to ONNX format
type ONNXExporter struct {
	model *ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX converts a classifier checkpoint to an inference graph taking
// "tokens" [batch, seq] int64 and "lengths" [batch] int32 and producing
// "logits" [batch, nclass]. Dropout is omitted.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	oe.model = &ModelProto{
		IrVersion:       onnxIRVersion,
		ProducerName:    "go-advtext",
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		Opset:           onnxOpset,
		Graph:           graph,
	}

	if err := renameio.WriteFile(path, oe.model.Marshal(), 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	if spec == nil || spec.Kind != "classifier" {
		return nil, fmt.Errorf("only classifier checkpoints can be exported")
	}
	if spec.Layers < 1 {
		return nil, fmt.Errorf("classifier has no recurrent layers")
	}

	weightMap := make(map[string]WeightTensor)
	for _, weight := range checkpoint.Weights {
		weightMap[weight.Name] = weight
	}
	lookup := func(name string) (WeightTensor, error) {
		w, ok := weightMap[name]
		if !ok {
			return WeightTensor{}, fmt.Errorf("missing weight %s", name)
		}
		return w, nil
	}

	graph := &GraphProto{Name: "advtext-classifier"}
	graph.Input = []*ValueInfoProto{
		{Name: "tokens", ElemType: onnxInt64, Shape: []Dimension{{Param: "batch"}, {Param: "seq"}}},
		{Name: "lengths", ElemType: onnxInt32, Shape: []Dimension{{Param: "batch"}}},
	}

	emb, err := lookup("encoder.embedding.weight")
	if err != nil {
		return nil, err
	}
	graph.Initializer = append(graph.Initializer, oe.createTensorProto(emb.Name, emb.Shape, emb.Data))
	graph.Node = append(graph.Node,
		&NodeProto{
			OpType: "Gather",
			Name:   "embedding",
			Input:  []string{emb.Name, "tokens"},
			Output: []string{"embedded"},
		},
		&NodeProto{
			OpType:    "Transpose",
			Name:      "to_time_major",
			Input:     []string{"embedded"},
			Output:    []string{"rnn_input_0"},
			Attribute: []*AttributeProto{{Name: "perm", Type: onnxAttrInts, Ints: []int64{1, 0, 2}}},
		},
	)

	graph.Initializer = append(graph.Initializer, &TensorProto{
		Name: "squeeze_axis_0", Dims: []int64{1}, DataType: onnxInt64, RawData: int64Raw(0),
	}, &TensorProto{
		Name: "squeeze_axis_1", Dims: []int64{1}, DataType: onnxInt64, RawData: int64Raw(1),
	})

	input := "rnn_input_0"
	var lastState string
	for l := 0; l < spec.Layers; l++ {
		nodes, inits, out, state, err := oe.createRecurrentNode(spec, weightMap, input, l)
		if err != nil {
			return nil, fmt.Errorf("failed to create recurrent layer %d: %w", l, err)
		}
		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, inits...)
		input, lastState = out, state
	}

	graph.Node = append(graph.Node, &NodeProto{
		OpType: "Squeeze",
		Name:   "final_state",
		Input:  []string{lastState, "squeeze_axis_0"},
		Output: []string{"features"},
	})

	nodes, inits, err := oe.createDenseNode(weightMap, "features", "logits")
	if err != nil {
		return nil, err
	}
	graph.Node = append(graph.Node, nodes...)
	graph.Initializer = append(graph.Initializer, inits...)

	graph.Output = []*ValueInfoProto{
		{Name: "logits", ElemType: onnxFloat, Shape: []Dimension{{Param: "batch"}, {Value: int64(spec.NumClasses)}}},
	}
	return graph, nil
}

// lstmGateOrder maps ONNX gate blocks (i, o, f, c) to the encoder's (i, f, g, o)
var lstmGateOrder = []int{0, 3, 1, 2}

// createRecurrentNode emits one RNN or LSTM layer. The encoder stores a single
// [in+hidden, gates*hidden] matrix; ONNX wants W [1, gates*hidden, in] and
// R [1, gates*hidden, hidden] with the bias split into input and recurrent halves.
func (oe *ONNXExporter) createRecurrentNode(spec *nn.Spec, weightMap map[string]WeightTensor, input string, layer int) ([]*NodeProto, []*TensorProto, string, string, error) {
	wName := fmt.Sprintf("encoder.rnn.%d.weight", layer)
	bName := fmt.Sprintf("encoder.rnn.%d.bias", layer)
	w, ok := weightMap[wName]
	if !ok {
		return nil, nil, "", "", fmt.Errorf("missing weight %s", wName)
	}
	b, ok := weightMap[bName]
	if !ok {
		return nil, nil, "", "", fmt.Errorf("missing weight %s", bName)
	}

	hid := spec.HiddenSize
	gates := 1
	order := []int{0}
	opType := "RNN"
	if spec.Cell == "LSTM" {
		gates = 4
		order = lstmGateOrder
		opType = "LSTM"
	}
	if len(w.Shape) != 2 || w.Shape[1] != gates*hid {
		return nil, nil, "", "", fmt.Errorf("unexpected shape %v for %s", w.Shape, wName)
	}
	in := w.Shape[0] - hid
	cols := w.Shape[1]

	wData := make([]float64, gates*hid*in)
	rData := make([]float64, gates*hid*hid)
	bData := make([]float64, 2*gates*hid) // recurrent half stays zero
	for dst, src := range order {
		for j := 0; j < hid; j++ {
			row := dst*hid + j
			col := src*hid + j
			for k := 0; k < in; k++ {
				wData[row*in+k] = w.Data[k*cols+col]
			}
			for k := 0; k < hid; k++ {
				rData[row*hid+k] = w.Data[(in+k)*cols+col]
			}
			bData[row] = b.Data[col]
		}
	}

	prefix := fmt.Sprintf("rnn_%d", layer)
	inits := []*TensorProto{
		oe.createTensorProto(prefix+"_W", []int{1, gates * hid, in}, wData),
		oe.createTensorProto(prefix+"_R", []int{1, gates * hid, hid}, rData),
		oe.createTensorProto(prefix+"_B", []int{1, 2 * gates * hid}, bData),
	}

	attrs := []*AttributeProto{{Name: "hidden_size", Type: onnxAttrInt, I: int64(hid)}}
	switch spec.Cell {
	case "RNN_TANH":
		attrs = append(attrs, &AttributeProto{Name: "activations", Type: onnxAttrStrings, Strings: []string{"Tanh"}})
	case "RNN_RELU":
		attrs = append(attrs, &AttributeProto{Name: "activations", Type: onnxAttrStrings, Strings: []string{"Relu"}})
	}

	seqOut := prefix + "_Y"
	stateOut := prefix + "_Y_h"
	nextInput := fmt.Sprintf("rnn_input_%d", layer+1)
	nodes := []*NodeProto{
		{
			OpType:    opType,
			Name:      prefix,
			Input:     []string{input, prefix + "_W", prefix + "_R", prefix + "_B", "lengths"},
			Output:    []string{seqOut, stateOut},
			Attribute: attrs,
		},
		{
			OpType: "Squeeze",
			Name:   prefix + "_squeeze",
			Input:  []string{seqOut, "squeeze_axis_1"},
			Output: []string{nextInput},
		},
	}
	return nodes, inits, nextInput, stateOut, nil
}

// createDenseNode emits Gemm for the output layer; the weight is stored
// [in, out] already so no transpose is needed.
func (oe *ONNXExporter) createDenseNode(weightMap map[string]WeightTensor, input, output string) ([]*NodeProto, []*TensorProto, error) {
	w, ok := weightMap["classifier.weight"]
	if !ok {
		return nil, nil, fmt.Errorf("missing weight classifier.weight")
	}
	b, ok := weightMap["classifier.bias"]
	if !ok {
		return nil, nil, fmt.Errorf("missing weight classifier.bias")
	}
	inits := []*TensorProto{
		oe.createTensorProto(w.Name, w.Shape, w.Data),
		oe.createTensorProto(b.Name, []int{len(b.Data)}, b.Data),
	}
	node := &NodeProto{
		OpType: "Gemm",
		Name:   "classifier",
		Input:  []string{input, w.Name, b.Name},
		Output: []string{output},
	}
	return []*NodeProto{node}, inits, nil
}

// createTensorProto creates a float32 ONNX initializer
func (oe *ONNXExporter) createTensorProto(name string, shape []int, data []float64) *TensorProto {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
	}
	return &TensorProto{
		Name:     name,
		DataType: onnxFloat,
		Dims:     dims,
		RawData:  raw,
	}
}

func int64Raw(values ...int64) []byte {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}
	return raw
}

// ONNXModelInfo summarizes an ONNX file
type ONNXModelInfo struct {
	ProducerName string
	Opset        int64
	OpTypes      []string
	Initializers map[string][]int64 // name -> dims
	Inputs       []string
	Outputs      []string
}

// ONNXImporter reads back the structure of exported ONNX models
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// Inspect parses an ONNX file and reports its graph structure
func (oi *ONNXImporter) Inspect(path string) (*ONNXModelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}

	info := &ONNXModelInfo{Initializers: make(map[string][]int64)}
	err = walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 2 && typ == protowire.BytesType:
			info.ProducerName = string(v)
		case num == 7 && typ == protowire.BytesType:
			return oi.inspectGraph(v, info)
		case num == 8 && typ == protowire.BytesType:
			return walkFields(v, func(n protowire.Number, t protowire.Type, _ []byte, x uint64) error {
				if n == 2 && t == protowire.VarintType {
					info.Opset = int64(x)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %w", err)
	}
	return info, nil
}

func (oi *ONNXImporter) inspectGraph(data []byte, info *ONNXModelInfo) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			return walkFields(v, func(n protowire.Number, t protowire.Type, s []byte, _ uint64) error {
				if n == 4 && t == protowire.BytesType {
					info.OpTypes = append(info.OpTypes, string(s))
				}
				return nil
			})
		case 5:
			var name string
			var dims []int64
			err := walkFields(v, func(n protowire.Number, t protowire.Type, s []byte, x uint64) error {
				switch {
				case n == 1 && t == protowire.VarintType:
					dims = append(dims, int64(x))
				case n == 8 && t == protowire.BytesType:
					name = string(s)
				}
				return nil
			})
			info.Initializers[name] = dims
			return err
		case 11, 12:
			return walkFields(v, func(n protowire.Number, t protowire.Type, s []byte, _ uint64) error {
				if n == 1 && t == protowire.BytesType {
					if num == 11 {
						info.Inputs = append(info.Inputs, string(s))
					} else {
						info.Outputs = append(info.Outputs, string(s))
					}
				}
				return nil
			})
		}
		return nil
	})
}

// walkFields calls fn for every top-level field of a protobuf message.
// v carries length-delimited payloads and x varint values.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
