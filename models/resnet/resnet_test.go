package resnet

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-resnet/layers"
)

var quiet = slog.New(slog.DiscardHandler)

func build(t *testing.T, cfg NetworkConfig) *ResNet {
	t.Helper()
	net, err := New(cfg, WithLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, net.GetModel().Validate())
	return net
}

func stage(t *testing.T, root *layers.Node, name string) *layers.Node {
	t.Helper()
	node := root.Find(name)
	require.NotNil(t, node, "missing %s", name)
	return node
}

func TestResNet18Shapes(t *testing.T) {
	net := build(t, DefaultConfig(18))
	model := net.GetModel()

	assert.Equal(t, "resnet18", model.Name)
	assert.Equal(t, []int{3, 224, 224}, model.InputShape)
	assert.Equal(t, []int{1000}, net.OutputShape())

	assert.Equal(t, []int{64, 112, 112}, stage(t, model, "conv1").OutputShape)
	assert.Equal(t, []int{64, 114, 114}, stage(t, model, "pad").OutputShape)
	assert.Equal(t, []int{64, 56, 56}, stage(t, model, "stem").OutputShape)
	assert.Equal(t, []int{64, 56, 56}, stage(t, model, "layer1").OutputShape)
	assert.Equal(t, []int{128, 28, 28}, stage(t, model, "layer2").OutputShape)
	assert.Equal(t, []int{256, 14, 14}, stage(t, model, "layer3").OutputShape)
	assert.Equal(t, []int{512, 7, 7}, stage(t, model, "layer4").OutputShape)

	fc := stage(t, model, "fc").Layer
	assert.Equal(t, 512, fc.IntParam("input_size"))
	assert.Equal(t, 1000, fc.IntParam("output_size"))

	counts := model.CountByType()
	assert.Equal(t, 20, counts[layers.Conv2D])
	assert.Equal(t, 20, counts[layers.BatchNorm])
	assert.Equal(t, 17, counts[layers.ReLU])
	assert.Equal(t, 5, counts[layers.Identity])
	assert.Equal(t, 1, counts[layers.Dense])
	assert.Equal(t, int64(11689512), model.TotalParameters())
}

func TestResNet50Bottleneck(t *testing.T) {
	net := build(t, DefaultConfig(50))
	model := net.GetModel()

	assert.Equal(t, Bottleneck, net.Architecture().Block.Kind)
	assert.Equal(t, []int{2048, 7, 7}, stage(t, model, "layer4").OutputShape)
	assert.Equal(t, 2048, stage(t, model, "fc").Layer.IntParam("input_size"))
	assert.Equal(t, int64(25557032), model.TotalParameters())

	// Channel mismatch 64 -> 256 forces a projection even at stride 1
	ds := stage(t, model, "layer1.0.downsample")
	assert.Equal(t, []int{64, 56, 56}, ds.InputShape)
	assert.Equal(t, []int{256, 56, 56}, ds.OutputShape)

	// Stride sits on the 3x3 convolution of the bottleneck
	assert.Equal(t, 1, stage(t, model, "layer2.0.conv1").Layer.IntParam("stride"))
	assert.Equal(t, 2, stage(t, model, "layer2.0.conv2").Layer.IntParam("stride"))
	assert.Equal(t, 2, stage(t, model, "layer2.0.downsample.0").Layer.IntParam("stride"))
	assert.Equal(t, 53, model.CountByType()[layers.Conv2D])
}

func TestParameterTotals(t *testing.T) {
	want := map[int]int64{34: 21797672, 101: 44549160, 152: 60192808}
	for depth, total := range want {
		assert.Equal(t, total, build(t, DefaultConfig(depth)).GetModel().TotalParameters(), "resnet%d", depth)
	}
}

func TestOnlyFirstBlockProjects(t *testing.T) {
	for _, depth := range SupportedDepths() {
		net := build(t, DefaultConfig(depth))
		model := net.GetModel()
		arch := net.Architecture()

		for i, st := range arch.Stages {
			stageNode := stage(t, model, "layer"+string(rune('1'+i)))
			require.Len(t, stageNode.Children, st.BlockCount)

			for j, block := range stageNode.Children {
				merge := block.Children[0]
				require.Equal(t, layers.AddMergeNode, merge.Kind)
				shortcut := merge.Children[1]

				projected := shortcut.Kind == layers.SequentialNode
				wantProjection := j == 0 && (depth >= 50 || i > 0)
				assert.Equal(t, wantProjection, projected, "resnet%d %s", depth, block.Name)
				if !projected {
					assert.Equal(t, layers.Identity, shortcut.Layer.Type)
				}
			}
		}
	}
}

func TestNeedsDownsample(t *testing.T) {
	assert.False(t, needsDownsample(1, 64, 64, Basic))
	assert.True(t, needsDownsample(2, 64, 128, Basic))
	assert.True(t, needsDownsample(2, 128, 128, Basic))
	assert.True(t, needsDownsample(1, 64, 64, Bottleneck))
	assert.False(t, needsDownsample(1, 256, 64, Bottleneck))
	assert.True(t, needsDownsample(1, 128, 64, Basic))
}

func TestWithoutClassificationHead(t *testing.T) {
	cfg := DefaultConfig(34)
	cfg.IncludeTop = false
	net := build(t, cfg)

	assert.Equal(t, []int{512, 7, 7}, net.OutputShape())
	assert.Nil(t, net.GetModel().Find("head"))
	assert.Zero(t, net.GetModel().CountByType()[layers.Dense])
}

func TestOddInputAndChannels(t *testing.T) {
	cfg := DefaultConfig(18).WithInputShape(InputShape{1, 97, 65})
	cfg.NumClasses = 10
	net := build(t, cfg)
	model := net.GetModel()

	assert.Equal(t, 1, stage(t, model, "conv1").Layer.IntParam("input_channels"))
	assert.Equal(t, 97, stage(t, model, "conv1").Layer.IntParam("input_width"))
	assert.Equal(t, 65, stage(t, model, "conv1").Layer.IntParam("input_height"))
	// 97 -> 49 -> 51 -> 25 -> 25 -> 13 -> 7 -> 4
	// 65 -> 33 -> 35 -> 17 -> 17 -> 9 -> 5 -> 3
	assert.Equal(t, []int{512, 3, 4}, stage(t, model, "layer4").OutputShape)
	assert.Equal(t, []int{10}, net.OutputShape())
}

func TestConvolutionsCarryTheirInputExtent(t *testing.T) {
	model := build(t, DefaultConfig(101)).GetModel()
	for _, l := range model.Layers() {
		if l.Type != layers.Conv2D {
			continue
		}
		in, ok := layers.SpatialStateFromShape(l.InputShape)
		require.True(t, ok)
		assert.Equal(t, in.Width, l.IntParam("input_width"), l.Name)
		assert.Equal(t, in.Height, l.IntParam("input_height"), l.Name)
		assert.Equal(t, in.Channels, l.IntParam("input_channels"), l.Name)
	}
}

func TestInvalidConfigBuildsNothing(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := DefaultConfig(18)
	cfg.Depth = 200
	net, err := New(cfg, WithLogger(logger))

	assert.Nil(t, net)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, 200, cfgErr.Value)
	assert.NotContains(t, logs.String(), "append layer")

	cfg = DefaultConfig(18)
	cfg.InputWidth = 0
	_, _, err = Build(cfg, quiet)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestBuildLogsEveryLayer(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	net, err := New(DefaultConfig(18), WithLogger(logger))
	require.NoError(t, err)

	assert.Equal(t, len(net.GetModel().Layers()), strings.Count(logs.String(), "msg=\"append layer\""))
	assert.Equal(t, 4, strings.Count(logs.String(), "msg=\"stage built\""))
	assert.Contains(t, logs.String(), "msg=\"network built\"")
}

func TestBuildIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("same config builds the same graph", prop.ForAll(
		func(depthIdx, width, height, classes int, top bool) bool {
			cfg := NetworkConfig{
				Depth:         SupportedDepths()[depthIdx],
				InputChannels: 3,
				InputWidth:    width,
				InputHeight:   height,
				NumClasses:    classes,
				IncludeTop:    top,
			}
			a, _, errA := Build(cfg, quiet)
			b, _, errB := Build(cfg, quiet)
			if errA != nil || errB != nil {
				return false
			}
			return assert.ObjectsAreEqual(a, b) && a.Validate() == nil
		},
		gen.IntRange(0, 4),
		gen.IntRange(1, 300),
		gen.IntRange(1, 300),
		gen.IntRange(1, 2000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

type recordingLoader struct {
	calls int
	err   error
}

func (l *recordingLoader) LoadWeights(model *layers.Node, cfg NetworkConfig) error {
	l.calls++
	return l.err
}

func TestPretrainedDelegatesToLoader(t *testing.T) {
	cfg := DefaultConfig(18)
	cfg.Pretrained = true

	loader := &recordingLoader{}
	net, err := New(cfg, WithLogger(quiet), WithWeightLoader(loader))
	require.NoError(t, err)
	assert.True(t, net.Pretrained())
	assert.Equal(t, 1, loader.calls)

	failing := &recordingLoader{err: errors.New("no such file")}
	_, err = New(cfg, WithLogger(quiet), WithWeightLoader(failing))
	assert.ErrorContains(t, err, "no such file")

	// Without a loader the flag is advisory only
	net, err = New(cfg, WithLogger(quiet))
	require.NoError(t, err)
	assert.True(t, net.Pretrained())

	cfg.Pretrained = false
	loader = &recordingLoader{}
	_, err = New(cfg, WithLogger(quiet), WithWeightLoader(loader))
	require.NoError(t, err)
	assert.Zero(t, loader.calls)
}

func TestSaveLoadModel(t *testing.T) {
	dir := t.TempDir()
	net := build(t, DefaultConfig(50))

	for _, name := range []string{"resnet50.json", "resnet50.json.sz"} {
		path := filepath.Join(dir, name)
		require.NoError(t, net.SaveModel(path))

		loaded := build(t, DefaultConfig(18))
		require.NoError(t, loaded.LoadModel(path))
		assert.Equal(t, net.Config(), loaded.Config())
		assert.Equal(t, net.Architecture(), loaded.Architecture())
		assert.Equal(t, net.GetModel(), loaded.GetModel())
	}

	onnx := filepath.Join(dir, "resnet50.onnx")
	require.NoError(t, net.SaveModel(onnx))
	info, err := os.Stat(onnx)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Error(t, net.LoadModel(onnx))

	assert.Error(t, net.SaveModel(filepath.Join(dir, "resnet50.bin")))
}

func TestLoadModelRejectsTamperedGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resnet18.json")
	net := build(t, DefaultConfig(18))
	require.NoError(t, net.SaveModel(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Claim the graph came from ResNet-34
	tampered := strings.Replace(string(data), `"depth": 18`, `"depth": 34`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	loaded := build(t, DefaultConfig(18))
	err = loaded.LoadModel(path)
	assert.ErrorContains(t, err, "does not match")
	assert.Equal(t, 18, loaded.Config().Depth, "a rejected checkpoint must leave the model untouched")
}

func TestLoadModelRejectsNullChild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resnet18.json")
	net := build(t, DefaultConfig(18))
	require.NoError(t, net.SaveModel(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"children": [`)
	broken := strings.Replace(string(data), `"children": [`, `"children": [null,`, 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0644))

	var loadErr error
	require.NotPanics(t, func() { loadErr = net.LoadModel(path) })
	assert.ErrorContains(t, loadErr, "nil child")
	assert.Equal(t, int64(11689512), net.GetModel().TotalParameters())
}
