package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/tsawler/go-resnet/layers"
)

const (
	frameworkName    = "go-resnet"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatJSONSnappy
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatJSONSnappy:
		return "JSON+snappy"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatFromPath picks a format from the file extension:
// .json, .json.sz or .onnx
func FormatFromPath(path string) (CheckpointFormat, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json.sz"):
		return FormatJSONSnappy, nil
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON, nil
	case strings.HasSuffix(lower, ".onnx"):
		return FormatONNX, nil
	default:
		return 0, fmt.Errorf("cannot infer checkpoint format from %q (want .json, .json.sz or .onnx)", path)
	}
}

// NetworkDescriptor records the construction inputs a graph was built from
type NetworkDescriptor struct {
	Architecture  string `json:"architecture"`
	Depth         int    `json:"depth"`
	BlockKind     string `json:"block_kind"`
	InputChannels int    `json:"input_channels"`
	InputWidth    int    `json:"input_width"`
	InputHeight   int    `json:"input_height"`
	NumClasses    int    `json:"num_classes"`
	IncludeTop    bool   `json:"include_top"`
	Pretrained    bool   `json:"pretrained"`
}

// Checkpoint represents a network topology plus the inputs that produced it.
// Weights are owned by an external loader and are not part of a checkpoint.
type Checkpoint struct {
	Network  NetworkDescriptor  `json:"network"`
	Graph    *layers.Node       `json:"graph"`
	Metadata CheckpointMetadata `json:"metadata"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	ModelID         string    `json:"model_id"`
	Version         string    `json:"version"`
	Framework       string    `json:"framework"`
	CreatedAt       time.Time `json:"created_at"`
	TotalParameters int64     `json:"total_parameters"`
	Description     string    `json:"description,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil || checkpoint.Graph == nil {
		return fmt.Errorf("checkpoint has no graph")
	}
	fillMetadata(checkpoint)

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path, false)
	case FormatJSONSnappy:
		return cs.saveJSON(checkpoint, path, true)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint. ONNX files can only be inspected
// with InspectONNX; they do not carry enough to rebuild a checkpoint.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path, false)
	case FormatJSONSnappy:
		return cs.loadJSON(path, true)
	case FormatONNX:
		return nil, fmt.Errorf("loading %s checkpoints is not supported, use InspectONNX", cs.format.String())
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func fillMetadata(checkpoint *Checkpoint) {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if checkpoint.Metadata.ModelID == "" {
		checkpoint.Metadata.ModelID = uuid.NewString()
	}
	checkpoint.Metadata.TotalParameters = checkpoint.Graph.TotalParameters()
}

// saveJSON saves checkpoint in JSON format, optionally snappy-framed
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string, compress bool) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	var w io.Writer = file
	var sw *snappy.Writer
	if compress {
		sw = snappy.NewBufferedWriter(file)
		w = sw
	}

	encoder := json.NewEncoder(w)
	if !compress {
		encoder.SetIndent("", "  ") // Pretty print JSON
	}
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if sw != nil {
		if err := sw.Close(); err != nil {
			return fmt.Errorf("failed to flush compressed checkpoint: %w", err)
		}
	}
	return file.Close()
}

// loadJSON loads checkpoint from JSON format, optionally snappy-framed
func (cs *CheckpointSaver) loadJSON(path string, compressed bool) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if compressed {
		r = snappy.NewReader(file)
	}

	var checkpoint Checkpoint
	if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if checkpoint.Graph == nil {
		return nil, fmt.Errorf("checkpoint %s has no graph", path)
	}

	return &checkpoint, nil
}
