package checkpoints

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-resnet/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	// TensorProto.DataType
	onnxFloat = 1
	onnxInt64 = 7

	// AttributeProto.AttributeType
	attrFloat = 1
	attrInt   = 2
	attrInts  = 7

	batchDimParam = "N"
	inputTensor   = "input"
)

// ONNX field numbers, from onnx.proto
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelVersion         protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName  protowire.Number = 1
	attrF     protowire.Number = 2
	attrI     protowire.Number = 3
	attrIntsF protowire.Number = 8
	attrType  protowire.Number = 20

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorInt64Data protowire.Number = 7
	tensorName      protowire.Number = 8

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
	dimParam       protowire.Number = 2
)

type onnxAttr struct {
	name string
	kind int
	f    float32
	i    int64
	ints []int64
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
	attrs   []onnxAttr
}

type onnxValue struct {
	name  string
	shape []int // leading batch dimension is added on encode when batched
	batch bool
}

type onnxInitializer struct {
	name string
	dims []int64
	data []int64
}

// ONNXExporter converts a checkpoint's graph into an ONNX model. Weights are
// declared as graph inputs, since a checkpoint carries topology only.
type ONNXExporter struct {
	nodes        []onnxNode
	inputs       []onnxValue
	initializers []onnxInitializer
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes checkpoint as an ONNX model file
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Marshal encodes checkpoint as ONNX ModelProto bytes
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil || checkpoint.Graph == nil {
		return nil, fmt.Errorf("checkpoint has no graph")
	}
	oe.nodes, oe.inputs, oe.initializers = nil, nil, nil

	root := checkpoint.Graph
	oe.inputs = append(oe.inputs, onnxValue{name: inputTensor, shape: root.InputShape, batch: true})

	output, err := oe.emit(root, inputTensor)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	order, err := oe.topologicalOrder(output)
	if err != nil {
		return nil, fmt.Errorf("invalid ONNX dataflow: %w", err)
	}

	var g []byte
	for _, idx := range order {
		g = protowire.AppendTag(g, graphNode, protowire.BytesType)
		g = protowire.AppendBytes(g, encodeNode(oe.nodes[idx]))
	}
	g = appendString(g, graphName, root.Name)
	for _, init := range oe.initializers {
		g = protowire.AppendTag(g, graphInitializer, protowire.BytesType)
		g = protowire.AppendBytes(g, encodeInitializer(init))
	}
	for _, in := range oe.inputs {
		g = protowire.AppendTag(g, graphInput, protowire.BytesType)
		g = protowire.AppendBytes(g, encodeValueInfo(in))
	}
	g = protowire.AppendTag(g, graphOutput, protowire.BytesType)
	g = protowire.AppendBytes(g, encodeValueInfo(onnxValue{name: output, shape: root.OutputShape, batch: true}))

	var m []byte
	m = appendVarint(m, modelIRVersion, onnxIRVersion)
	m = appendString(m, modelProducerName, checkpoint.Metadata.Framework)
	m = appendString(m, modelProducerVersion, checkpoint.Metadata.Version)
	m = appendVarint(m, modelVersion, 1)
	if checkpoint.Metadata.ModelID != "" {
		m = appendString(m, modelDocString, checkpoint.Metadata.ModelID)
	}
	m = protowire.AppendTag(m, modelGraph, protowire.BytesType)
	m = protowire.AppendBytes(m, g)

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = appendVarint(opset, opsetVersion, onnxOpset)
	m = protowire.AppendTag(m, modelOpsetImport, protowire.BytesType)
	m = protowire.AppendBytes(m, opset)

	return m, nil
}

// emit appends the ONNX nodes for n fed by the tensor named input and
// returns the name of the tensor n produces
func (oe *ONNXExporter) emit(n *layers.Node, input string) (string, error) {
	if n == nil {
		return "", fmt.Errorf("graph contains a nil node")
	}
	switch n.Kind {
	case layers.LeafNode:
		if n.Layer == nil {
			return "", fmt.Errorf("leaf %s has no layer", n.Name)
		}
		return oe.emitLayer(*n.Layer, input)
	case layers.SequentialNode:
		current := input
		for _, c := range n.Children {
			out, err := oe.emit(c, current)
			if err != nil {
				return "", err
			}
			current = out
		}
		return current, nil
	case layers.AddMergeNode:
		branches := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			out, err := oe.emit(c, input)
			if err != nil {
				return "", err
			}
			branches = append(branches, out)
		}
		op := "Add"
		if len(branches) > 2 {
			op = "Sum"
		}
		oe.nodes = append(oe.nodes, onnxNode{name: n.Name, opType: op, inputs: branches, outputs: []string{n.Name}})
		return n.Name, nil
	default:
		return "", fmt.Errorf("node %s has unknown kind %d", n.Name, int(n.Kind))
	}
}

func (oe *ONNXExporter) emitLayer(spec layers.LayerSpec, input string) (string, error) {
	out := spec.Name
	node := onnxNode{name: spec.Name, inputs: []string{input}, outputs: []string{out}}

	switch spec.Type {
	case layers.Conv2D:
		k := int64(spec.IntParam("kernel_size"))
		s := int64(spec.IntParam("stride"))
		p := int64(spec.IntParam("padding"))
		node.opType = "Conv"
		node.attrs = []onnxAttr{
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", s, s),
			intsAttr("pads", p, p, p, p),
		}
		node.inputs = append(node.inputs, oe.weightInputs(spec, "weight", "bias")...)
	case layers.BatchNorm:
		node.opType = "BatchNormalization"
		node.attrs = []onnxAttr{
			{name: "epsilon", kind: attrFloat, f: spec.FloatParam("eps")},
			{name: "momentum", kind: attrFloat, f: 1 - spec.FloatParam("momentum")},
		}
		c := spec.IntParam("num_features")
		names := oe.weightInputs(spec, "weight", "bias")
		if len(names) != 2 {
			return "", fmt.Errorf("batch norm %s must be affine for ONNX export", spec.Name)
		}
		mean, variance := spec.Name+".running_mean", spec.Name+".running_var"
		oe.inputs = append(oe.inputs, onnxValue{name: mean, shape: []int{c}}, onnxValue{name: variance, shape: []int{c}})
		node.inputs = append(node.inputs, names[0], names[1], mean, variance)
	case layers.ReLU:
		node.opType = "Relu"
	case layers.Identity:
		node.opType = "Identity"
	case layers.Padding:
		pads := spec.Name + ".pads"
		t, l := int64(spec.IntParam("pad_top")), int64(spec.IntParam("pad_left"))
		b, r := int64(spec.IntParam("pad_bottom")), int64(spec.IntParam("pad_right"))
		// NCHW begins then ends
		oe.initializers = append(oe.initializers, onnxInitializer{
			name: pads, dims: []int64{8}, data: []int64{0, 0, t, l, 0, 0, b, r},
		})
		node.opType = "Pad"
		node.inputs = append(node.inputs, pads)
	case layers.MaxPool2D:
		k := int64(spec.IntParam("pool_size"))
		s := int64(spec.IntParam("stride"))
		p := int64(spec.IntParam("padding"))
		node.opType = "MaxPool"
		node.attrs = []onnxAttr{
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", s, s),
			intsAttr("pads", p, p, p, p),
		}
	case layers.AdaptiveAvgPool2D:
		if spec.IntParam("output_width") != 1 || spec.IntParam("output_height") != 1 {
			return "", fmt.Errorf("adaptive pooling %s: only 1x1 output maps to ONNX", spec.Name)
		}
		node.opType = "GlobalAveragePool"
	case layers.Dense:
		flat := spec.Name + ".flatten"
		oe.nodes = append(oe.nodes, onnxNode{
			name: flat, opType: "Flatten", inputs: []string{input}, outputs: []string{flat},
			attrs: []onnxAttr{{name: "axis", kind: attrInt, i: 1}},
		})
		node.opType = "Gemm"
		node.inputs = append([]string{flat}, oe.weightInputs(spec, "weight", "bias")...)
	default:
		return "", fmt.Errorf("unsupported layer type for ONNX export: %s", spec.Type.String())
	}

	oe.nodes = append(oe.nodes, node)
	return out, nil
}

// weightInputs declares one graph input per parameter shape of spec
func (oe *ONNXExporter) weightInputs(spec layers.LayerSpec, suffixes ...string) []string {
	var names []string
	for i, shape := range spec.ParameterShapes {
		if i >= len(suffixes) {
			break
		}
		name := spec.Name + "." + suffixes[i]
		oe.inputs = append(oe.inputs, onnxValue{name: name, shape: shape})
		names = append(names, name)
	}
	return names
}

// topologicalOrder checks the collected nodes as a dataflow graph and orders
// them, breaking ties by emission index. Every tensor must have exactly one
// source, every node input must resolve to a node output, a graph input or an
// initializer, and output must be reachable from the graph input.
func (oe *ONNXExporter) topologicalOrder(output string) ([]int, error) {
	g := simple.NewDirectedGraph()

	// The graph input is a synthetic source vertex after the real nodes
	source := simple.Node(int64(len(oe.nodes)))
	g.AddNode(source)

	declared := make(map[string]bool, len(oe.inputs)+len(oe.initializers))
	for _, in := range oe.inputs {
		declared[in.name] = true
	}
	for _, init := range oe.initializers {
		declared[init.name] = true
	}

	producer := make(map[string]int64, len(oe.nodes))
	for i, n := range oe.nodes {
		g.AddNode(simple.Node(int64(i)))
		for _, out := range n.outputs {
			if declared[out] {
				return nil, fmt.Errorf("node %s writes %q, which is already a graph input or initializer", n.name, out)
			}
			if prev, dup := producer[out]; dup {
				return nil, fmt.Errorf("tensor %q is produced by both %s and %s", out, oe.nodes[prev].name, n.name)
			}
			producer[out] = int64(i)
		}
	}

	for i, n := range oe.nodes {
		to := simple.Node(int64(i))
		for _, in := range n.inputs {
			from, ok := producer[in]
			switch {
			case ok && from == to.ID():
				return nil, fmt.Errorf("node %s reads its own output %q", n.name, in)
			case ok:
				g.SetEdge(g.NewEdge(simple.Node(from), to))
			case in == inputTensor:
				g.SetEdge(g.NewEdge(source, to))
			case declared[in]:
			default:
				return nil, fmt.Errorf("node %s reads undefined tensor %q", n.name, in)
			}
		}
	}

	last, ok := producer[output]
	if !ok {
		return nil, fmt.Errorf("graph output %q is not produced by any node", output)
	}
	if !topo.PathExistsIn(g, source, simple.Node(last)) {
		return nil, fmt.Errorf("graph output %q is not reachable from %q", output, inputTensor)
	}

	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(a, b int) bool { return nodes[a].ID() < nodes[b].ID() })
	})
	if err != nil {
		return nil, err
	}
	order := make([]int, 0, len(oe.nodes))
	for _, n := range sorted {
		if n.ID() != source.ID() {
			order = append(order, int(n.ID()))
		}
	}
	return order, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func intsAttr(name string, values ...int64) onnxAttr {
	return onnxAttr{name: name, kind: attrInts, ints: values}
}

func encodeNode(n onnxNode) []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendString(b, nodeInput, in)
	}
	for _, out := range n.outputs {
		b = appendString(b, nodeOutput, out)
	}
	b = appendString(b, nodeName, n.name)
	b = appendString(b, nodeOpType, n.opType)
	for _, a := range n.attrs {
		b = protowire.AppendTag(b, nodeAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeAttr(a))
	}
	return b
}

func encodeAttr(a onnxAttr) []byte {
	var b []byte
	b = appendString(b, attrName, a.name)
	switch a.kind {
	case attrFloat:
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.f))
	case attrInt:
		b = appendVarint(b, attrI, uint64(a.i))
	case attrInts:
		for _, v := range a.ints {
			b = appendVarint(b, attrIntsF, uint64(v))
		}
	}
	return appendVarint(b, attrType, uint64(a.kind))
}

func encodeInitializer(t onnxInitializer) []byte {
	var b []byte
	for _, d := range t.dims {
		b = appendVarint(b, tensorDims, uint64(d))
	}
	b = appendVarint(b, tensorDataType, onnxInt64)
	for _, v := range t.data {
		b = appendVarint(b, tensorInt64Data, uint64(v))
	}
	return appendString(b, tensorName, t.name)
}

func encodeValueInfo(v onnxValue) []byte {
	var shape []byte
	if v.batch {
		var dim []byte
		dim = appendString(dim, dimParam, batchDimParam)
		shape = protowire.AppendTag(shape, shapeDim, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dim)
	}
	for _, d := range v.shape {
		var dim []byte
		dim = appendVarint(dim, dimValue, uint64(d))
		shape = protowire.AppendTag(shape, shapeDim, protowire.BytesType)
		shape = protowire.AppendBytes(shape, dim)
	}

	var tensor []byte
	tensor = appendVarint(tensor, tensorElemType, onnxFloat)
	tensor = protowire.AppendTag(tensor, tensorShape, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, shape)

	var typ []byte
	typ = protowire.AppendTag(typ, typeTensorType, protowire.BytesType)
	typ = protowire.AppendBytes(typ, tensor)

	var b []byte
	b = appendString(b, valueInfoName, v.name)
	b = protowire.AppendTag(b, valueInfoType, protowire.BytesType)
	return protowire.AppendBytes(b, typ)
}
