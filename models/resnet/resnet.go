// Package resnet builds the layer graph of deep residual image classification
// networks (ResNet-18, 34, 50, 101 and 152).
//
// The graph is topology only: each layer is a configuration spec whose input
// extent is fixed at construction time. Executing, training and initializing
// the layers is left to other packages.
package resnet

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/tsawler/go-resnet/checkpoints"
	"github.com/tsawler/go-resnet/layers"
)

// WeightLoader fills a freshly built graph with pretrained weights. It is
// only consulted when NetworkConfig.Pretrained is set.
type WeightLoader interface {
	LoadWeights(model *layers.Node, cfg NetworkConfig) error
}

// Option configures a ResNet
type Option func(*ResNet)

// WithLogger sets the logger used during construction and persistence
func WithLogger(logger *slog.Logger) Option {
	return func(r *ResNet) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWeightLoader sets the collaborator that loads pretrained weights
func WithWeightLoader(loader WeightLoader) Option {
	return func(r *ResNet) {
		r.weights = loader
	}
}

// ResNet owns a built network graph and the configuration it came from
type ResNet struct {
	config  NetworkConfig
	arch    Architecture
	model   *layers.Node
	logger  *slog.Logger
	weights WeightLoader
}

// New validates cfg and builds the network. A *ConfigurationError is returned
// before any layer is created when cfg is invalid.
func New(cfg NetworkConfig, opts ...Option) (*ResNet, error) {
	r := &ResNet{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	model, arch, err := Build(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.config, r.arch, r.model = cfg, arch, model

	r.logger.Info("network built",
		"architecture", model.Name,
		"block", arch.Block.Kind.String(),
		"layers", len(model.Layers()),
		"parameters", model.TotalParameters(),
		"output", model.OutputShape,
	)

	if cfg.Pretrained {
		if r.weights == nil {
			r.logger.Warn("pretrained weights requested but no weight loader configured", "architecture", model.Name)
		} else if err := r.weights.LoadWeights(model, cfg); err != nil {
			return nil, fmt.Errorf("failed to load pretrained weights for %s: %w", model.Name, err)
		}
	}

	return r, nil
}

// GetModel returns the built topology
func (r *ResNet) GetModel() *layers.Node {
	return r.model
}

func (r *ResNet) Config() NetworkConfig {
	return r.config
}

func (r *ResNet) Architecture() Architecture {
	return r.arch
}

// Pretrained reports whether pretrained weights were requested
func (r *ResNet) Pretrained() bool {
	return r.config.Pretrained
}

// OutputShape returns [numClasses] with the classification head and
// [channels, height, width] without it
func (r *ResNet) OutputShape() []int {
	return r.model.OutputShape
}

func (r *ResNet) Summary() string {
	return r.model.Summary()
}

// SaveModel writes the topology to path. The format follows the extension:
// .json, .json.sz or .onnx.
func (r *ResNet) SaveModel(path string) error {
	format, err := checkpoints.FormatFromPath(path)
	if err != nil {
		return err
	}

	checkpoint := &checkpoints.Checkpoint{
		Network:  r.descriptor(),
		Graph:    r.model,
		Metadata: checkpoints.CheckpointMetadata{Description: r.model.Name, Tags: []string{"resnet", r.arch.Block.Kind.String()}},
	}
	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", r.model.Name, err)
	}

	r.logger.Info("model saved", "path", path, "format", format.String(), "model_id", checkpoint.Metadata.ModelID)
	return nil
}

// LoadModel replaces the model with the checkpoint at path. The checkpoint's
// graph must be well formed and must match the topology its recorded
// configuration builds.
func (r *ResNet) LoadModel(path string) error {
	format, err := checkpoints.FormatFromPath(path)
	if err != nil {
		return err
	}
	checkpoint, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return err
	}

	cfg := configFromDescriptor(checkpoint.Network)
	if err := checkpoint.Graph.Validate(); err != nil {
		return fmt.Errorf("checkpoint %s has a malformed graph: %w", path, err)
	}

	expected, arch, err := Build(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if !reflect.DeepEqual(expected, checkpoint.Graph) {
		return fmt.Errorf("checkpoint %s: graph does not match the topology of %s", path, expected.Name)
	}

	r.config, r.arch, r.model = cfg, arch, checkpoint.Graph
	r.logger.Info("model loaded", "path", path, "architecture", expected.Name, "model_id", checkpoint.Metadata.ModelID)
	return nil
}

func (r *ResNet) descriptor() checkpoints.NetworkDescriptor {
	return checkpoints.NetworkDescriptor{
		Architecture:  r.model.Name,
		Depth:         r.config.Depth,
		BlockKind:     r.arch.Block.Kind.String(),
		InputChannels: r.config.InputChannels,
		InputWidth:    r.config.InputWidth,
		InputHeight:   r.config.InputHeight,
		NumClasses:    r.config.NumClasses,
		IncludeTop:    r.config.IncludeTop,
		Pretrained:    r.config.Pretrained,
	}
}

func configFromDescriptor(d checkpoints.NetworkDescriptor) NetworkConfig {
	return NetworkConfig{
		Depth:         d.Depth,
		InputChannels: d.InputChannels,
		InputWidth:    d.InputWidth,
		InputHeight:   d.InputHeight,
		NumClasses:    d.NumClasses,
		IncludeTop:    d.IncludeTop,
		Pretrained:    d.Pretrained,
	}
}
