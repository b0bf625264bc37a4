package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-resnet/checkpoints"
	"github.com/tsawler/go-resnet/models/resnet"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "resnet",
		Short:        "Build, inspect and export ResNet topologies",
		SilenceUsage: true,
	}

	opts.register(root.PersistentFlags())

	root.AddCommand(
		newSummaryCommand(opts),
		newSaveCommand(opts),
		newExportCommand(opts),
		newInspectCommand(),
	)
	return root
}

// build resolves the configuration for cmd and constructs the network
func build(cmd *cobra.Command, opts *options) (*resnet.ResNet, *slog.Logger, error) {
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := resolveConfig(opts, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}

	net, err := resnet.New(cfg, resnet.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build network", "error", err)
		return nil, nil, err
	}
	return net, logger, nil
}

func newSummaryCommand(opts *options) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the layer graph of a network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			net, _, err := build(cmd, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(net, verbose))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every layer")
	return cmd
}

func newSaveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "save <path>",
		Short: "Write the topology to a .json, .json.sz or .onnx checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			net, _, err := build(cmd, opts)
			if err != nil {
				return err
			}
			if err := net.SaveModel(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("saved "+args[0]))
			return nil
		},
	}
}

func newExportCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Export the topology as an ONNX graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.EqualFold(filepath.Ext(path), ".onnx") {
				path += ".onnx"
			}

			net, _, err := build(cmd, opts)
			if err != nil {
				return err
			}
			if err := net.SaveModel(path); err != nil {
				return err
			}

			info, err := checkpoints.InspectONNX(path)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderONNX(path, info))
			return nil
		},
	}
}

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <model.onnx>",
		Short: "Describe an ONNX file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := checkpoints.InspectONNX(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderONNX(args[0], info))
			return nil
		},
	}
}
