package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-resnet/models/resnet"
)

type options struct {
	configPath string
	depth      int
	classes    int
	input      string
	noTop      bool
	pretrained bool
	logLevel   string
	logFormat  string
}

func (o *options) register(flags *pflag.FlagSet) {
	flags.StringVar(&o.configPath, "config", "", "YAML network configuration")
	flags.IntVar(&o.depth, "depth", 18, "network depth (18, 34, 50, 101 or 152)")
	flags.IntVar(&o.classes, "classes", 1000, "number of output classes")
	flags.StringVar(&o.input, "input", "3,224,224", "input shape as channels,width,height")
	flags.BoolVar(&o.noTop, "no-top", false, "omit the pooling and classification head")
	flags.BoolVar(&o.pretrained, "pretrained", false, "request pretrained weights")
	flags.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&o.logFormat, "log-format", "text", "log format (text or json)")
}

// resolveConfig layers defaults, the YAML file and explicitly set flags, in
// that order
func resolveConfig(opts *options, flags *pflag.FlagSet) (resnet.NetworkConfig, error) {
	cfg := resnet.DefaultConfig(opts.depth)

	if opts.configPath != "" {
		data, err := os.ReadFile(opts.configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", opts.configPath, err)
		}
	}

	if flags.Changed("depth") {
		cfg.Depth = opts.depth
	}
	if flags.Changed("classes") {
		cfg.NumClasses = opts.classes
	}
	if flags.Changed("input") {
		shape, err := parseInputShape(opts.input)
		if err != nil {
			return cfg, err
		}
		cfg = cfg.WithInputShape(shape)
	}
	if flags.Changed("no-top") {
		cfg.IncludeTop = !opts.noTop
	}
	if flags.Changed("pretrained") {
		cfg.Pretrained = opts.pretrained
	}

	return cfg, cfg.Validate()
}

// parseInputShape reads "channels,width,height"
func parseInputShape(s string) (resnet.InputShape, error) {
	var shape resnet.InputShape
	parts := strings.Split(s, ",")
	if len(parts) != len(shape) {
		return shape, fmt.Errorf("input shape %q: want channels,width,height", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return shape, fmt.Errorf("input shape %q: %w", s, err)
		}
		shape[i] = v
	}
	return shape, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}
}
