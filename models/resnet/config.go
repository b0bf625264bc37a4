package resnet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate = validator.New()

// BlockKind selects the residual block design
type BlockKind int

const (
	// Basic is two 3x3 convolutions with no channel expansion
	Basic BlockKind = iota
	// Bottleneck is 1x1 reduce, 3x3, 1x1 expand by four
	Bottleneck
)

func (k BlockKind) String() string {
	switch k {
	case Basic:
		return "basic"
	case Bottleneck:
		return "bottleneck"
	default:
		return "unknown"
	}
}

// Expansion is the factor applied to a stage's nominal channel count to get
// the block's output channels
func (k BlockKind) Expansion() int {
	switch k {
	case Basic:
		return 1
	case Bottleneck:
		return 4
	default:
		panic(fmt.Sprintf("resnet: unknown block kind %d", int(k)))
	}
}

// BlockSpec describes the residual block used by every stage
type BlockSpec struct {
	Kind      BlockKind
	Expansion int
}

// StageConfig describes one group of residual blocks
type StageConfig struct {
	OutputChannels int
	BlockCount     int
	Stride         int
}

// Architecture is the resolved layout of a network depth
type Architecture struct {
	Depth  int
	Block  BlockSpec
	Stages [4]StageConfig
}

// OutputChannels returns the channel count leaving the last stage
func (a Architecture) OutputChannels() int {
	return a.Stages[len(a.Stages)-1].OutputChannels * a.Block.Expansion
}

// TotalBlocks returns the number of residual blocks across all stages
func (a Architecture) TotalBlocks() int {
	total := 0
	for _, s := range a.Stages {
		total += s.BlockCount
	}
	return total
}

var (
	stageChannels = [4]int{64, 128, 256, 512}
	stageStrides  = [4]int{1, 2, 2, 2}

	supportedDepths = []int{18, 34, 50, 101, 152}

	depthTable = map[int]struct {
		blocks [4]int
		kind   BlockKind
	}{
		18:  {[4]int{2, 2, 2, 2}, Basic},
		34:  {[4]int{3, 4, 6, 3}, Basic},
		50:  {[4]int{3, 4, 6, 3}, Bottleneck},
		101: {[4]int{3, 4, 23, 3}, Bottleneck},
		152: {[4]int{3, 8, 36, 3}, Bottleneck},
	}
)

// SupportedDepths lists the depth selectors Resolve accepts, ascending
func SupportedDepths() []int {
	out := make([]int, len(supportedDepths))
	copy(out, supportedDepths)
	return out
}

// Resolve maps a depth selector to its per-stage block counts and block kind
func Resolve(depth int) (Architecture, error) {
	entry, ok := depthTable[depth]
	if !ok {
		return Architecture{}, &ConfigurationError{
			Field:  "Depth",
			Value:  depth,
			Reason: fmt.Sprintf("must be one of %s", depthList()),
		}
	}

	arch := Architecture{
		Depth: depth,
		Block: BlockSpec{Kind: entry.kind, Expansion: entry.kind.Expansion()},
	}
	for i := range arch.Stages {
		arch.Stages[i] = StageConfig{
			OutputChannels: stageChannels[i],
			BlockCount:     entry.blocks[i],
			Stride:         stageStrides[i],
		}
	}
	return arch, nil
}

func depthList() string {
	parts := make([]string, len(supportedDepths))
	for i, d := range supportedDepths {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, ", ")
}

// InputShape packs (channels, width, height)
type InputShape [3]int

// NetworkConfig holds the construction-time inputs of a network
type NetworkConfig struct {
	Depth         int `json:"depth" yaml:"depth" validate:"oneof=18 34 50 101 152"`
	InputChannels int `json:"input_channels" yaml:"input_channels" validate:"gt=0"`
	InputWidth    int `json:"input_width" yaml:"input_width" validate:"gt=0"`
	InputHeight   int `json:"input_height" yaml:"input_height" validate:"gt=0"`
	NumClasses    int `json:"num_classes" yaml:"num_classes" validate:"gt=0"`

	// IncludeTop appends global pooling and the classification layer
	IncludeTop bool `json:"include_top" yaml:"include_top"`
	// Pretrained is advisory: weights are loaded by a WeightLoader, never here
	Pretrained bool `json:"pretrained" yaml:"pretrained"`
}

// DefaultConfig returns an ImageNet-shaped configuration for depth
func DefaultConfig(depth int) NetworkConfig {
	return NetworkConfig{
		Depth:         depth,
		InputChannels: 3,
		InputWidth:    224,
		InputHeight:   224,
		NumClasses:    1000,
		IncludeTop:    true,
		Pretrained:    false,
	}
}

// Shape returns the input dimensions as a packed triple
func (c NetworkConfig) Shape() InputShape {
	return InputShape{c.InputChannels, c.InputWidth, c.InputHeight}
}

// WithInputShape returns a copy of c using the packed input dimensions
func (c NetworkConfig) WithInputShape(shape InputShape) NetworkConfig {
	c.InputChannels, c.InputWidth, c.InputHeight = shape[0], shape[1], shape[2]
	return c
}

// Validate checks every field and reports the first violation as a
// *ConfigurationError
func (c NetworkConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ConfigurationError{Field: "NetworkConfig", Value: c, Reason: err.Error()}
	}

	fe := fieldErrs[0]
	reason := fmt.Sprintf("failed %s validation", fe.Tag())
	switch fe.Tag() {
	case "gt":
		reason = fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		reason = fmt.Sprintf("must be one of %s", depthList())
	}
	return &ConfigurationError{Field: fe.Field(), Value: fe.Value(), Reason: reason}
}
