package layers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	BatchNorm
	ReLU
	Padding
	MaxPool2D
	AdaptiveAvgPool2D
	Dense
	Identity
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case BatchNorm:
		return "BatchNorm"
	case ReLU:
		return "ReLU"
	case Padding:
		return "Padding"
	case MaxPool2D:
		return "MaxPool2D"
	case AdaptiveAvgPool2D:
		return "AdaptiveAvgPool2D"
	case Dense:
		return "Dense"
	case Identity:
		return "Identity"
	default:
		return "Unknown"
	}
}

// ParseLayerType is the inverse of LayerType.String
func ParseLayerType(s string) (LayerType, error) {
	for lt := Conv2D; lt <= Identity; lt++ {
		if lt.String() == s {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("unknown layer type %q", s)
}

// MarshalText encodes the layer type by name so checkpoints stay readable
func (lt LayerType) MarshalText() ([]byte, error) {
	if lt < Conv2D || lt > Identity {
		return nil, fmt.Errorf("cannot marshal layer type %d", int(lt))
	}
	return []byte(lt.String()), nil
}

func (lt *LayerType) UnmarshalText(text []byte) error {
	parsed, err := ParseLayerType(string(text))
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}

// LayerSpec defines layer configuration for a network graph.
// This is pure configuration - no execution logic. Input spatial extents are
// baked into the spec at creation time.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information, [channels, height, width] or [features]
	InputShape  []int `json:"input_shape"`
	OutputShape []int `json:"output_shape"`

	// Learnable parameter metadata. BatchNorm running statistics are buffers
	// and are not counted here.
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count"`
}

// UnmarshalJSON restores integer parameters as int and fractional ones as
// float32, so a decoded spec compares equal to the one that was encoded.
func (ls *LayerSpec) UnmarshalJSON(data []byte) error {
	type rawSpec LayerSpec
	var raw rawSpec

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}

	for key, value := range raw.Parameters {
		num, ok := value.(json.Number)
		if !ok {
			continue
		}
		if i, err := num.Int64(); err == nil {
			raw.Parameters[key] = int(i)
			continue
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", key, err)
		}
		raw.Parameters[key] = float32(f)
	}

	*ls = LayerSpec(raw)
	return nil
}

// OutputSpatial returns the spatial state produced by this layer. ok is false
// for layers whose output is not a [channels, height, width] tensor.
func (ls LayerSpec) OutputSpatial() (SpatialState, bool) {
	return SpatialStateFromShape(ls.OutputShape)
}

// IntParam returns an integer parameter, tolerating float64 values produced
// by generic JSON decoding
func (ls LayerSpec) IntParam(key string) int {
	return getIntParam(ls.Parameters, key, 0)
}

func (ls LayerSpec) BoolParam(key string) bool {
	return getBoolParam(ls.Parameters, key, false)
}

func (ls LayerSpec) FloatParam(key string) float32 {
	return getFloatParam(ls.Parameters, key, 0)
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateConv2DSpec creates a Conv2D layer specification for a square kernel.
// The output extent is computed with ConvOutSize for width and height.
func (lf *LayerFactory) CreateConv2DSpec(
	in SpatialState,
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) LayerSpec {
	out := in.AfterConv(outputChannels, kernelSize, stride, padding)

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, in.Channels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels) * int64(in.Channels) * int64(kernelSize*kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"input_channels":  in.Channels,
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
			"input_width":     in.Width,
			"input_height":    in.Height,
		},
		InputShape:      in.Shape(),
		OutputShape:     out.Shape(),
		ParameterShapes: paramShapes,
		ParameterCount:  paramCount,
	}
}

// CreateBatchNormSpec creates a Batch Normalization layer specification over
// the channel dimension of in
func (lf *LayerFactory) CreateBatchNormSpec(in SpatialState, eps float32, momentum float32, affine bool, name string) LayerSpec {
	var paramShapes [][]int
	var paramCount int64
	if affine {
		// gamma (scale) and beta (shift)
		paramShapes = [][]int{{in.Channels}, {in.Channels}}
		paramCount = int64(in.Channels * 2)
	}

	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features":        in.Channels,
			"eps":                 eps,
			"momentum":            momentum,
			"affine":              affine,
			"track_running_stats": true,
		},
		InputShape:      in.Shape(),
		OutputShape:     in.Shape(),
		ParameterShapes: paramShapes,
		ParameterCount:  paramCount,
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(in SpatialState, name string) LayerSpec {
	return LayerSpec{
		Type:        ReLU,
		Name:        name,
		Parameters:  map[string]interface{}{},
		InputShape:  in.Shape(),
		OutputShape: in.Shape(),
	}
}

// CreatePaddingSpec creates a symmetric zero padding specification that adds
// padding on every side of the spatial extent
func (lf *LayerFactory) CreatePaddingSpec(in SpatialState, padding int, name string) LayerSpec {
	return LayerSpec{
		Type: Padding,
		Name: name,
		Parameters: map[string]interface{}{
			"pad_left":   padding,
			"pad_right":  padding,
			"pad_top":    padding,
			"pad_bottom": padding,
		},
		InputShape:  in.Shape(),
		OutputShape: in.AfterPad(padding).Shape(),
	}
}

// CreateMaxPool2DSpec creates a max pooling specification
func (lf *LayerFactory) CreateMaxPool2DSpec(in SpatialState, poolSize, stride, padding int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size":    poolSize,
			"stride":       stride,
			"padding":      padding,
			"input_width":  in.Width,
			"input_height": in.Height,
		},
		InputShape:  in.Shape(),
		OutputShape: in.AfterConv(in.Channels, poolSize, stride, padding).Shape(),
	}
}

// CreateAdaptiveAvgPool2DSpec creates an adaptive average pooling
// specification producing a fixed outputWidth x outputHeight extent
func (lf *LayerFactory) CreateAdaptiveAvgPool2DSpec(in SpatialState, outputWidth, outputHeight int, name string) LayerSpec {
	out := SpatialState{Channels: in.Channels, Width: outputWidth, Height: outputHeight}
	return LayerSpec{
		Type: AdaptiveAvgPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_width":  outputWidth,
			"output_height": outputHeight,
			"input_width":   in.Width,
			"input_height":  in.Height,
		},
		InputShape:  in.Shape(),
		OutputShape: out.Shape(),
	}
}

// CreateDenseSpec creates a dense layer specification. Inputs with more than
// one dimension are flattened, so input_size is the product of inputShape.
func (lf *LayerFactory) CreateDenseSpec(inputShape []int, outputSize int, useBias bool, name string) LayerSpec {
	inputSize := 1
	for _, dim := range inputShape {
		inputSize *= dim
	}

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize) * int64(outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	in := make([]int, len(inputShape))
	copy(in, inputShape)

	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  inputSize,
			"output_size": outputSize,
			"use_bias":    useBias,
		},
		InputShape:      in,
		OutputShape:     []int{outputSize},
		ParameterShapes: paramShapes,
		ParameterCount:  paramCount,
	}
}

// CreateIdentitySpec creates a pass-through specification
func (lf *LayerFactory) CreateIdentitySpec(in SpatialState, name string) LayerSpec {
	return LayerSpec{
		Type:        Identity,
		Name:        name,
		Parameters:  map[string]interface{}{},
		InputShape:  in.Shape(),
		OutputShape: in.Shape(),
	}
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
		// JSON numbers are often decoded as float64
		if floatVal, ok := val.(float64); ok && floatVal == math.Trunc(floatVal) {
			return int(floatVal)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		switch v := val.(type) {
		case float64:
			return float32(v)
		case int:
			// Integral JSON numbers such as "eps": 1 decode as int
			return float32(v)
		case int64:
			return float32(v)
		}
	}
	return defaultValue
}
