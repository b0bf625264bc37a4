package resnet

import (
	"fmt"
	"log/slog"

	"github.com/tsawler/go-resnet/layers"
)

const (
	bnEps      float32 = 1e-5
	bnMomentum float32 = 0.1
)

// builder appends layers to a graph. It carries no spatial state: every call
// takes the state in effect before it and returns the state after it.
type builder struct {
	factory *layers.LayerFactory
	logger  *slog.Logger
}

func newBuilder(logger *slog.Logger) *builder {
	return &builder{factory: layers.NewFactory(), logger: logger}
}

// leaf wraps spec in a graph node and logs it
func (b *builder) leaf(spec layers.LayerSpec) *layers.Node {
	b.logger.Debug("append layer",
		"name", spec.Name,
		"type", spec.Type.String(),
		"input", spec.InputShape,
		"output", spec.OutputShape,
		"params", spec.ParameterCount,
	)
	return layers.NewLeaf(spec)
}

// add appends a spatial layer to seq and returns the state it produces.
// Layers with a flat output are appended with leaf directly.
func (b *builder) add(seq *layers.Node, spec layers.LayerSpec) layers.SpatialState {
	out, ok := spec.OutputSpatial()
	if !ok {
		panic(fmt.Sprintf("resnet: layer %s has non-spatial output %v", spec.Name, spec.OutputShape))
	}
	seq.Append(b.leaf(spec))
	return out
}

// convBlock appends a bias-free convolution followed by batch normalization.
// Padding is kernel/2, which keeps the extent for stride 1.
func (b *builder) convBlock(seq *layers.Node, in layers.SpatialState, out, kernel, stride int, convName, bnName string) layers.SpatialState {
	state := b.add(seq, b.factory.CreateConv2DSpec(in, out, kernel, stride, kernel/2, false, convName))
	return b.add(seq, b.factory.CreateBatchNormSpec(state, bnEps, bnMomentum, true, bnName))
}

func (b *builder) conv3x3(seq *layers.Node, in layers.SpatialState, out, stride int, prefix string, idx int) layers.SpatialState {
	return b.convBlock(seq, in, out, 3, stride, fmt.Sprintf("%s.conv%d", prefix, idx), fmt.Sprintf("%s.bn%d", prefix, idx))
}

func (b *builder) conv1x1(seq *layers.Node, in layers.SpatialState, out, stride int, prefix string, idx int) layers.SpatialState {
	return b.convBlock(seq, in, out, 1, stride, fmt.Sprintf("%s.conv%d", prefix, idx), fmt.Sprintf("%s.bn%d", prefix, idx))
}

func (b *builder) relu(seq *layers.Node, in layers.SpatialState, name string) layers.SpatialState {
	return b.add(seq, b.factory.CreateReLUSpec(in, name))
}

// downsample builds the projection shortcut from the block's input state
func (b *builder) downsample(in layers.SpatialState, out, stride int, prefix string) *layers.Node {
	name := prefix + ".downsample"
	seq := layers.NewSequential(name)
	b.convBlock(seq, in, out, 1, stride, name+".0", name+".1")
	return seq
}

// needsDownsample reports whether a block's shortcut must project its input
// to match the main path's output
func needsDownsample(stride, inChannels, planes int, kind BlockKind) bool {
	return stride != 1 || inChannels != planes*kind.Expansion()
}

// residualBlock builds relu(main(x) + shortcut(x)) and returns the block node
// with the state it produces
func (b *builder) residualBlock(kind BlockKind, in layers.SpatialState, planes, stride int, project bool, name string) (*layers.Node, layers.SpatialState, error) {
	main := layers.NewSequential(name + ".residual")
	state := in

	switch kind {
	case Basic:
		state = b.conv3x3(main, state, planes, stride, name, 1)
		state = b.relu(main, state, name+".relu1")
		state = b.conv3x3(main, state, planes, 1, name, 2)
	case Bottleneck:
		state = b.conv1x1(main, state, planes, 1, name, 1)
		state = b.relu(main, state, name+".relu1")
		state = b.conv3x3(main, state, planes, stride, name, 2)
		state = b.relu(main, state, name+".relu2")
		state = b.conv1x1(main, state, planes*kind.Expansion(), 1, name, 3)
	default:
		return nil, layers.SpatialState{}, fmt.Errorf("block %s: unknown block kind %d", name, int(kind))
	}

	var shortcut *layers.Node
	if project {
		shortcut = b.downsample(in, planes*kind.Expansion(), stride, name)
	} else {
		shortcut = b.leaf(b.factory.CreateIdentitySpec(in, name+".identity"))
	}

	merge, err := layers.NewAddMerge(name+".add", main, shortcut)
	if err != nil {
		return nil, layers.SpatialState{}, fmt.Errorf("block %s: %w", name, err)
	}

	block := layers.NewSequential(name)
	block.Append(merge)
	state = b.relu(block, state, name+".relu")
	return block, state, nil
}

// makeLayer appends one stage. Only the first block carries the stage stride
// and may project its shortcut.
func (b *builder) makeLayer(root *layers.Node, kind BlockKind, in layers.SpatialState, stage StageConfig, index int) (layers.SpatialState, error) {
	name := fmt.Sprintf("layer%d", index+1)
	seq := layers.NewSequential(name)

	project := needsDownsample(stage.Stride, in.Channels, stage.OutputChannels, kind)
	block, state, err := b.residualBlock(kind, in, stage.OutputChannels, stage.Stride, project, name+".0")
	if err != nil {
		return in, err
	}
	seq.Append(block)

	for i := 1; i < stage.BlockCount; i++ {
		block, state, err = b.residualBlock(kind, state, stage.OutputChannels, 1, false, fmt.Sprintf("%s.%d", name, i))
		if err != nil {
			return in, err
		}
		seq.Append(block)
	}

	b.logger.Debug("stage built",
		"stage", name,
		"blocks", stage.BlockCount,
		"projection", project,
		"output", state.String(),
	)
	root.Append(seq)
	return state, nil
}

// stem appends 7x7/2 conv, bn, relu, symmetric padding and 3x3/2 max pooling
func (b *builder) stem(root *layers.Node, in layers.SpatialState) layers.SpatialState {
	seq := layers.NewSequential("stem")
	state := b.convBlock(seq, in, 64, 7, 2, "conv1", "bn1")
	state = b.relu(seq, state, "relu")
	state = b.add(seq, b.factory.CreatePaddingSpec(state, 1, "pad"))
	state = b.add(seq, b.factory.CreateMaxPool2DSpec(state, 3, 2, 0, "maxpool"))
	root.Append(seq)
	return state
}

// head appends global average pooling and the classification layer
func (b *builder) head(root *layers.Node, in layers.SpatialState, numClasses int) {
	seq := layers.NewSequential("head")
	pooled := b.add(seq, b.factory.CreateAdaptiveAvgPool2DSpec(in, 1, 1, "avgpool"))
	seq.Append(b.leaf(b.factory.CreateDenseSpec(pooled.Shape(), numClasses, true, "fc")))
	root.Append(seq)
}

// Build validates cfg and constructs the network graph in a single pass.
// Nothing is built when cfg is invalid.
func Build(cfg NetworkConfig, logger *slog.Logger) (*layers.Node, Architecture, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Architecture{}, err
	}
	arch, err := Resolve(cfg.Depth)
	if err != nil {
		return nil, Architecture{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := newBuilder(logger)
	root := layers.NewSequential(fmt.Sprintf("resnet%d", cfg.Depth))

	state := layers.SpatialState{Channels: cfg.InputChannels, Width: cfg.InputWidth, Height: cfg.InputHeight}
	state = b.stem(root, state)

	for i, stage := range arch.Stages {
		if state, err = b.makeLayer(root, arch.Block.Kind, state, stage, i); err != nil {
			return nil, Architecture{}, err
		}
	}

	if cfg.IncludeTop {
		b.head(root, state, cfg.NumClasses)
	}
	return root, arch, nil
}
