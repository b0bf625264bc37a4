package checkpoints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exporterWith(nodes ...onnxNode) *ONNXExporter {
	return &ONNXExporter{
		nodes:        nodes,
		inputs:       []onnxValue{{name: inputTensor}, {name: "w"}},
		initializers: []onnxInitializer{{name: "pads"}},
	}
}

func TestTopologicalOrderFollowsDataflow(t *testing.T) {
	// Emitted consumer first; the producer must still come first
	oe := exporterWith(
		onnxNode{name: "gemm", inputs: []string{"flat", "w"}, outputs: []string{"gemm"}},
		onnxNode{name: "pad", inputs: []string{inputTensor, "pads"}, outputs: []string{"pad"}},
		onnxNode{name: "flat", inputs: []string{"pad"}, outputs: []string{"flat"}},
	)

	order, err := oe.topologicalOrder("gemm")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, order)
}

func TestTopologicalOrderRejectsBrokenDataflow(t *testing.T) {
	cases := []struct {
		name   string
		nodes  []onnxNode
		output string
		want   string
	}{
		{
			name:   "undefined input",
			nodes:  []onnxNode{{name: "relu", inputs: []string{"missing"}, outputs: []string{"relu"}}},
			output: "relu",
			want:   `reads undefined tensor "missing"`,
		},
		{
			name:   "self loop",
			nodes:  []onnxNode{{name: "relu", inputs: []string{"relu"}, outputs: []string{"relu"}}},
			output: "relu",
			want:   "reads its own output",
		},
		{
			name: "unreachable output",
			nodes: []onnxNode{
				{name: "relu", inputs: []string{inputTensor}, outputs: []string{"relu"}},
				{name: "const", inputs: []string{"w"}, outputs: []string{"const"}},
			},
			output: "const",
			want:   "not reachable",
		},
		{
			name:   "missing output",
			nodes:  []onnxNode{{name: "relu", inputs: []string{inputTensor}, outputs: []string{"relu"}}},
			output: "fc",
			want:   "not produced by any node",
		},
		{
			name: "cycle",
			nodes: []onnxNode{
				{name: "a", inputs: []string{inputTensor, "b"}, outputs: []string{"a"}},
				{name: "b", inputs: []string{"a"}, outputs: []string{"b"}},
			},
			output: "b",
			want:   "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := exporterWith(tc.nodes...).topologicalOrder(tc.output)
			require.Error(t, err)
			if tc.want != "" {
				assert.ErrorContains(t, err, tc.want)
			}
		})
	}
}
