package nnet

import (
	"github.com/pkg/errors"
)

// Topology describes how the layers of a network are connected. Both implementations resolve to
// the same ordered list of layers, so a network built from either is trained and saved in the same way.
type Topology interface {
	Kind() string
	Layers() ([]LayerConfig, error)
}

// Sequential is a linear stack of layers.
type Sequential struct {
	Stack []LayerConfig
}

func NewSequential(layers ...ConfigLayer) *Sequential {
	s := &Sequential{}
	return s.Add(layers...)
}

// Append layers to the stack
func (s *Sequential) Add(layers ...ConfigLayer) *Sequential {
	for _, l := range layers {
		s.Stack = append(s.Stack, l.Marshal())
	}
	return s
}

func (s *Sequential) Kind() string { return "sequential" }

func (s *Sequential) Layers() ([]LayerConfig, error) {
	if len(s.Stack) == 0 {
		return nil, errors.New("sequential topology has no layers")
	}
	return s.Stack, nil
}

// Node is a named layer in a Graph which takes its input from the named node, or from the graph input.
type Node struct {
	Name  string
	Input string
	Layer LayerConfig
}

// Graph is a network expressed as named nodes wired from a named input to a named output.
// Only single input chains are supported so each node has exactly one predecessor.
type Graph struct {
	Input  string
	Output string
	Nodes  []Node
}

func NewGraph(input string) *Graph {
	return &Graph{Input: input}
}

// Add node to the graph taking input from the named node.
func (g *Graph) Add(name, input string, layer ConfigLayer) *Graph {
	g.Nodes = append(g.Nodes, Node{Name: name, Input: input, Layer: layer.Marshal()})
	return g
}

// Set the name of the output node.
func (g *Graph) SetOutput(name string) *Graph {
	g.Output = name
	return g
}

func (g *Graph) Kind() string { return "graph" }

// Layers walks the graph from the output node back to the input and returns the layers in
// evaluation order.
func (g *Graph) Layers() ([]LayerConfig, error) {
	if g.Input == "" || g.Output == "" {
		return nil, errors.New("graph topology must have named input and output")
	}
	nodes := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Name == "" || n.Name == g.Input {
			return nil, errors.Errorf("graph node name %q invalid", n.Name)
		}
		if _, dup := nodes[n.Name]; dup {
			return nil, errors.Errorf("duplicate graph node %q", n.Name)
		}
		nodes[n.Name] = n
	}
	for _, n := range g.Nodes {
		if _, ok := nodes[n.Input]; !ok && n.Input != g.Input {
			return nil, errors.Errorf("graph node %q has unknown input %q", n.Name, n.Input)
		}
	}
	var chain []LayerConfig
	visited := make(map[string]bool)
	name := g.Output
	for name != g.Input {
		n, ok := nodes[name]
		if !ok {
			return nil, errors.Errorf("graph output %q not found", name)
		}
		if visited[name] {
			return nil, errors.Errorf("graph has a cycle at node %q", name)
		}
		visited[name] = true
		chain = append(chain, n.Layer)
		name = n.Input
	}
	if len(visited) != len(nodes) {
		for _, n := range g.Nodes {
			if !visited[n.Name] {
				return nil, errors.Errorf("graph node %q is not connected to the output", n.Name)
			}
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ModelConfig holds the parameters of the patch classifier network.
type ModelConfig struct {
	Filters    [2]int
	KernelSize int
	PoolSize   int
	Hidden     int
	Dropout    float64
	BNEpsilon  float64
	BNMomentum float64
	Output     string
}

// DefaultModel is the VGG style regression network: two conv-conv-pool blocks with batch
// normalisation and dropout followed by a 256 unit hidden layer and a single output unit.
func DefaultModel() ModelConfig {
	return ModelConfig{
		Filters:    [2]int{32, 64},
		KernelSize: 3,
		PoolSize:   2,
		Hidden:     256,
		Dropout:    0.25,
		BNEpsilon:  5e-5,
		BNMomentum: 0.75,
		Output:     "sigmoid",
	}
}

func (m ModelConfig) block(nfeats int) []ConfigLayer {
	return []ConfigLayer{
		Conv{Nfeats: nfeats, Size: m.KernelSize},
		Activation{Atype: "relu"},
		Conv{Nfeats: nfeats, Size: m.KernelSize},
		Activation{Atype: "relu"},
		MaxPool{Size: m.PoolSize},
		BatchNorm{Epsilon: m.BNEpsilon, Momentum: m.BNMomentum},
		Dropout{Ratio: m.Dropout},
	}
}

func (m ModelConfig) layers() []ConfigLayer {
	layers := append(m.block(m.Filters[0]), m.block(m.Filters[1])...)
	return append(layers,
		Flatten{},
		Linear{Nout: m.Hidden},
		Activation{Atype: "relu"},
		Linear{Nout: 1},
		Activation{Atype: m.Output},
	)
}

// VGGRegression builds the patch classifier as a sequential stack.
func VGGRegression(m ModelConfig) *Sequential {
	return NewSequential(m.layers()...)
}

var graphNames = []string{
	"conv1_1", "relu1_1", "conv1_2", "relu1_2", "pool1", "bn1", "drop1",
	"conv2_1", "relu2_1", "conv2_2", "relu2_2", "pool2", "bn2", "drop2",
	"flatten", "dense1", "relu3", "dense2", "output",
}

// VGGRegressionGraph builds the same network as a graph of named nodes.
func VGGRegressionGraph(m ModelConfig) *Graph {
	g := NewGraph("input")
	prev := g.Input
	for i, layer := range m.layers() {
		g.Add(graphNames[i], prev, layer)
		prev = graphNames[i]
	}
	return g.SetOutput(prev)
}

// NewTopology selects the topology implementation by name.
func NewTopology(kind string, m ModelConfig) (Topology, error) {
	switch kind {
	case "", "sequential":
		return VGGRegression(m), nil
	case "graph":
		return VGGRegressionGraph(m), nil
	default:
		return nil, errors.Errorf("unknown topology %q: expecting sequential or graph", kind)
	}
}
