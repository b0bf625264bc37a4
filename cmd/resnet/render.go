package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tsawler/go-resnet/checkpoints"
	"github.com/tsawler/go-resnet/models/resnet"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginBottom(1)

	statsBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FFFF")).
			Width(20)

	okStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00"))
)

func row(label string, value any) string {
	return labelStyle.Render(label) + fmt.Sprint(value)
}

func renderSummary(net *resnet.ResNet, verbose bool) string {
	model := net.GetModel()
	arch := net.Architecture()
	cfg := net.Config()

	stats := []string{
		row("input", model.InputShape),
		row("output", model.OutputShape),
		row("block", fmt.Sprintf("%s x%d", arch.Block.Kind, arch.Block.Expansion)),
		row("layers", len(model.Layers())),
		row("parameters", model.TotalParameters()),
		row("pretrained", cfg.Pretrained),
	}

	var stages []string
	for _, child := range model.Children {
		stages = append(stages, row(child.Name, fmt.Sprintf("%v  %d params", child.OutputShape, child.TotalParameters())))
	}

	parts := []string{
		titleStyle.Render(model.Name),
		statsBoxStyle.Render(strings.Join(stats, "\n")),
		statsBoxStyle.Render(strings.Join(stages, "\n")),
	}
	if verbose {
		parts = append(parts, net.Summary())
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderONNX(path string, info *checkpoints.ONNXInfo) string {
	stats := []string{
		row("graph", info.GraphName),
		row("producer", strings.TrimSpace(info.ProducerName+" "+info.ProducerVersion)),
		row("ir version", info.IRVersion),
		row("opset", info.OpsetVersion),
		row("nodes", info.NodeCount),
		row("inputs", len(info.Inputs)),
		row("outputs", strings.Join(info.Outputs, ", ")),
	}

	ops := make([]string, 0, len(info.OpTypes))
	for op := range info.OpTypes {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	histogram := make([]string, 0, len(ops))
	for _, op := range ops {
		histogram = append(histogram, row(op, info.OpTypes[op]))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(path),
		statsBoxStyle.Render(strings.Join(stats, "\n")),
		statsBoxStyle.Render(strings.Join(histogram, "\n")),
	)
}
