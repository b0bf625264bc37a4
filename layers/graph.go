package layers

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// NodeKind distinguishes the three node variants of a layer graph
type NodeKind int

const (
	// LeafNode wraps a single layer
	LeafNode NodeKind = iota
	// SequentialNode feeds each child's output into the next child
	SequentialNode
	// AddMergeNode feeds the same input to every child and sums their outputs
	AddMergeNode
)

func (k NodeKind) String() string {
	switch k {
	case LeafNode:
		return "Leaf"
	case SequentialNode:
		return "Sequential"
	case AddMergeNode:
		return "AddMerge"
	default:
		return "Unknown"
	}
}

func (k NodeKind) MarshalText() ([]byte, error) {
	if k < LeafNode || k > AddMergeNode {
		return nil, fmt.Errorf("cannot marshal node kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *NodeKind) UnmarshalText(text []byte) error {
	for kind := LeafNode; kind <= AddMergeNode; kind++ {
		if kind.String() == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown node kind %q", string(text))
}

// Node is one vertex of an owning layer graph. A leaf holds a layer; a
// sequential or merge node holds its children exclusively.
type Node struct {
	Kind     NodeKind   `json:"kind"`
	Name     string     `json:"name"`
	Layer    *LayerSpec `json:"layer,omitempty"`
	Children []*Node    `json:"children,omitempty"`

	InputShape  []int `json:"input_shape"`
	OutputShape []int `json:"output_shape"`
}

// NewLeaf wraps a layer spec in a leaf node
func NewLeaf(spec LayerSpec) *Node {
	return &Node{
		Kind:        LeafNode,
		Name:        spec.Name,
		Layer:       &spec,
		InputShape:  slices.Clone(spec.InputShape),
		OutputShape: slices.Clone(spec.OutputShape),
	}
}

// NewSequential creates an empty sequential container
func NewSequential(name string) *Node {
	return &Node{Kind: SequentialNode, Name: name}
}

// NewAddMerge creates an additive merge over branches. Every branch must
// consume the same input shape and produce the same output shape.
func NewAddMerge(name string, branches ...*Node) (*Node, error) {
	if len(branches) < 2 {
		return nil, fmt.Errorf("merge %s needs at least two branches, got %d", name, len(branches))
	}
	first := branches[0]
	for _, b := range branches[1:] {
		if !slices.Equal(b.InputShape, first.InputShape) {
			return nil, fmt.Errorf("merge %s: branch %s input %v does not match %s input %v",
				name, b.Name, b.InputShape, first.Name, first.InputShape)
		}
		if !slices.Equal(b.OutputShape, first.OutputShape) {
			return nil, fmt.Errorf("merge %s: branch %s output %v does not match %s output %v",
				name, b.Name, b.OutputShape, first.Name, first.OutputShape)
		}
	}
	return &Node{
		Kind:        AddMergeNode,
		Name:        name,
		Children:    branches,
		InputShape:  slices.Clone(first.InputShape),
		OutputShape: slices.Clone(first.OutputShape),
	}, nil
}

// Append adds child to a sequential node. The first child fixes the node's
// input shape; every child moves the node's output shape forward.
func (n *Node) Append(child *Node) *Node {
	if n.Kind != SequentialNode {
		panic(fmt.Sprintf("layers: Append on %s node %s", n.Kind, n.Name))
	}
	if len(n.Children) == 0 {
		n.InputShape = slices.Clone(child.InputShape)
	}
	n.Children = append(n.Children, child)
	n.OutputShape = slices.Clone(child.OutputShape)
	return n
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// skips the node's children.
func (n *Node) Walk(fn func(node *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		if c != nil {
			c.walk(fn, depth+1)
		}
	}
}

// Layers returns the layer specs of every leaf in pre-order
func (n *Node) Layers() []LayerSpec {
	var out []LayerSpec
	n.Walk(func(node *Node, _ int) bool {
		if node.Kind == LeafNode && node.Layer != nil {
			out = append(out, *node.Layer)
		}
		return true
	})
	return out
}

// CountByType returns how many leaves of each layer type the graph holds
func (n *Node) CountByType() map[LayerType]int {
	counts := make(map[LayerType]int)
	for _, l := range n.Layers() {
		counts[l.Type]++
	}
	return counts
}

// TotalParameters sums the learnable parameters of every leaf
func (n *Node) TotalParameters() int64 {
	var total int64
	for _, l := range n.Layers() {
		total += l.ParameterCount
	}
	return total
}

// Find returns the first node named name, or nil
func (n *Node) Find(name string) *Node {
	var found *Node
	n.Walk(func(node *Node, _ int) bool {
		if found != nil {
			return false
		}
		if node.Name == name {
			found = node
			return false
		}
		return true
	})
	return found
}

// Validate checks that the graph is well formed: leaves carry a layer and no
// children, containers carry children and no layer, sequential children are
// chained shape to shape, merge branches agree, and no extent is non-positive.
func (n *Node) Validate() error {
	var errs []error
	n.Walk(func(node *Node, _ int) bool {
		if err := node.validateSelf(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

func (n *Node) validateSelf() error {
	for i, c := range n.Children {
		if c == nil {
			return fmt.Errorf("%s has a nil child at index %d", n.Name, i)
		}
	}
	for _, dim := range n.OutputShape {
		if dim <= 0 {
			return fmt.Errorf("node %s: non-positive output shape %v", n.Name, n.OutputShape)
		}
	}

	switch n.Kind {
	case LeafNode:
		if n.Layer == nil {
			return fmt.Errorf("leaf %s has no layer", n.Name)
		}
		if len(n.Children) != 0 {
			return fmt.Errorf("leaf %s has children", n.Name)
		}
		if !slices.Equal(n.InputShape, n.Layer.InputShape) || !slices.Equal(n.OutputShape, n.Layer.OutputShape) {
			return fmt.Errorf("leaf %s shapes disagree with its layer", n.Name)
		}
	case SequentialNode:
		if n.Layer != nil {
			return fmt.Errorf("sequential %s carries a layer", n.Name)
		}
		if len(n.Children) == 0 {
			return fmt.Errorf("sequential %s is empty", n.Name)
		}
		if !slices.Equal(n.InputShape, n.Children[0].InputShape) {
			return fmt.Errorf("sequential %s input %v does not match first child %v",
				n.Name, n.InputShape, n.Children[0].InputShape)
		}
		for i := 1; i < len(n.Children); i++ {
			prev, cur := n.Children[i-1], n.Children[i]
			if !slices.Equal(prev.OutputShape, cur.InputShape) {
				return fmt.Errorf("sequential %s: %s output %v does not feed %s input %v",
					n.Name, prev.Name, prev.OutputShape, cur.Name, cur.InputShape)
			}
		}
		if last := n.Children[len(n.Children)-1]; !slices.Equal(n.OutputShape, last.OutputShape) {
			return fmt.Errorf("sequential %s output %v does not match last child %v",
				n.Name, n.OutputShape, last.OutputShape)
		}
	case AddMergeNode:
		if n.Layer != nil {
			return fmt.Errorf("merge %s carries a layer", n.Name)
		}
		if len(n.Children) < 2 {
			return fmt.Errorf("merge %s has %d branches", n.Name, len(n.Children))
		}
		for _, b := range n.Children {
			if !slices.Equal(b.InputShape, n.InputShape) || !slices.Equal(b.OutputShape, n.OutputShape) {
				return fmt.Errorf("merge %s: branch %s shape %v -> %v does not match %v -> %v",
					n.Name, b.Name, b.InputShape, b.OutputShape, n.InputShape, n.OutputShape)
			}
		}
	default:
		return fmt.Errorf("node %s has unknown kind %d", n.Name, int(n.Kind))
	}
	return nil
}

// Summary returns a human-readable, indented description of the graph
func (n *Node) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary: %s\n", n.Name)
	fmt.Fprintf(&b, "Input Shape: %v\n", n.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", n.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", n.TotalParameters())
	fmt.Fprintf(&b, "Layers: %d\n\n", len(n.Layers()))

	n.Walk(func(node *Node, depth int) bool {
		indent := strings.Repeat("  ", depth)
		if node.Kind == LeafNode && node.Layer != nil {
			fmt.Fprintf(&b, "%s%s (%s) %v -> %v params=%d\n",
				indent, node.Name, node.Layer.Type, node.InputShape, node.OutputShape, node.Layer.ParameterCount)
			return true
		}
		fmt.Fprintf(&b, "%s%s [%s] %v -> %v\n", indent, node.Name, node.Kind, node.InputShape, node.OutputShape)
		return true
	})
	return b.String()
}
