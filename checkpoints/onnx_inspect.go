package checkpoints

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNXInfo summarizes an ONNX model file
type ONNXInfo struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	DocString       string
	OpsetVersion    int64
	GraphName       string
	NodeCount       int
	OpTypes         map[string]int
	Inputs          []string
	Outputs         []string
	Initializers    int
}

// InspectONNX decodes the header, op histogram and graph inputs/outputs of
// an ONNX file
func InspectONNX(path string) (*ONNXInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return DecodeONNXInfo(data)
}

// DecodeONNXInfo is InspectONNX over in-memory ModelProto bytes
func DecodeONNXInfo(data []byte) (*ONNXInfo, error) {
	info := &ONNXInfo{OpTypes: make(map[string]int)}
	var graph []byte
	sawGraph := false

	err := walkFields(data, func(f field) error {
		switch f.num {
		case modelIRVersion:
			info.IRVersion = int64(f.varint)
		case modelProducerName:
			info.ProducerName = string(f.bytes)
		case modelProducerVersion:
			info.ProducerVersion = string(f.bytes)
		case modelDocString:
			info.DocString = string(f.bytes)
		case modelGraph:
			graph, sawGraph = f.bytes, true
		case modelOpsetImport:
			return walkFields(f.bytes, func(o field) error {
				if o.num == opsetVersion {
					info.OpsetVersion = int64(o.varint)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ONNX model: %w", err)
	}
	if !sawGraph {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	err = walkFields(graph, func(f field) error {
		switch f.num {
		case graphName:
			info.GraphName = string(f.bytes)
		case graphNode:
			info.NodeCount++
			return walkFields(f.bytes, func(n field) error {
				if n.num == nodeOpType {
					info.OpTypes[string(n.bytes)]++
				}
				return nil
			})
		case graphInitializer:
			info.Initializers++
		case graphInput, graphOutput:
			name, err := valueInfoNameOf(f.bytes)
			if err != nil {
				return err
			}
			if f.num == graphInput {
				info.Inputs = append(info.Inputs, name)
			} else {
				info.Outputs = append(info.Outputs, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode ONNX graph: %w", err)
	}

	return info, nil
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walkFields calls fn for every top-level field of a protobuf message
func walkFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func valueInfoNameOf(b []byte) (string, error) {
	var name string
	err := walkFields(b, func(f field) error {
		if f.num == valueInfoName {
			name = string(f.bytes)
		}
		return nil
	})
	return name, err
}
