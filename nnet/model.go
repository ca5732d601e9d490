package nnet

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/NemoCpp/deep-splicing/num"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// ModelDesc is the saved topology descriptor: everything needed to rebuild the network apart
// from the weights.
type ModelDesc struct {
	Kind       string
	InShape    []int
	Config     Config
	Sequential *Sequential `json:",omitempty"`
	Graph      *Graph      `json:",omitempty"`
}

// Topology returns the saved topology.
func (d ModelDesc) Topology() (Topology, error) {
	switch {
	case d.Kind == "sequential" && d.Sequential != nil:
		return d.Sequential, nil
	case d.Kind == "graph" && d.Graph != nil:
		return d.Graph, nil
	default:
		return nil, errors.Errorf("model descriptor has no %q topology", d.Kind)
	}
}

// Describe returns the descriptor for the network.
func (n *Network) Describe() ModelDesc {
	d := ModelDesc{Kind: n.Topo.Kind(), InShape: n.inShape, Config: n.Config}
	switch t := n.Topo.(type) {
	case *Sequential:
		d.Sequential = t
	case *Graph:
		d.Graph = t
	}
	return d
}

type layerWeights struct {
	Index  int
	Type   string
	Arrays [][]float32
}

type weightsData struct {
	Layers []layerWeights
}

func (n *Network) layerArrays(layer Layer) []num.Array {
	var arrays []num.Array
	if l, ok := layer.(ParamLayer); ok {
		W, B := l.Params()
		arrays = append(arrays, W, B)
	}
	if l, ok := layer.(StateLayer); ok {
		arrays = append(arrays, l.State()...)
	}
	return arrays
}

// Export writes the weights and batch norm state in gob format with snappy compression.
func (n *Network) Export(w io.Writer) error {
	var data weightsData
	for i, layer := range n.Layers {
		arrays := n.layerArrays(layer)
		if len(arrays) == 0 {
			continue
		}
		lw := layerWeights{Index: i, Type: layer.Type()}
		for _, a := range arrays {
			buf := make([]float32, a.Size())
			n.queue.Call(num.Read(a, buf))
			lw.Arrays = append(lw.Arrays, buf)
		}
		data.Layers = append(data.Layers, lw)
	}
	n.queue.Finish()
	sw := snappy.NewBufferedWriter(w)
	if err := gob.NewEncoder(sw).Encode(data); err != nil {
		return errors.Wrap(err, "encode weights")
	}
	return errors.Wrap(sw.Close(), "encode weights")
}

// Import reads weights written by Export. The network must have the same topology.
func (n *Network) Import(r io.Reader) error {
	var data weightsData
	if err := gob.NewDecoder(snappy.NewReader(r)).Decode(&data); err != nil {
		return errors.Wrap(err, "decode weights")
	}
	for _, lw := range data.Layers {
		if lw.Index < 0 || lw.Index >= len(n.Layers) {
			return errors.Errorf("weights for layer %d: network has %d layers", lw.Index, len(n.Layers))
		}
		layer := n.Layers[lw.Index]
		if layer.Type() != lw.Type {
			return errors.Errorf("weights for layer %d: type %s does not match %s", lw.Index, lw.Type, layer.Type())
		}
		arrays := n.layerArrays(layer)
		if len(arrays) != len(lw.Arrays) {
			return errors.Errorf("weights for layer %d: expecting %d arrays, got %d", lw.Index, len(arrays), len(lw.Arrays))
		}
		for i, a := range arrays {
			if a.Size() != len(lw.Arrays[i]) {
				return errors.Errorf("weights for layer %d: array %d size %d does not match %v", lw.Index, i,
					len(lw.Arrays[i]), a.Dims())
			}
			n.queue.Call(num.Write(a, lw.Arrays[i]))
		}
	}
	n.queue.Finish()
	return nil
}

// ArtifactNames returns the file names of the topology descriptor and the weights.
func ArtifactNames(epochs, batchSize int) (desc, weights string) {
	desc = fmt.Sprintf("modelNN_ep%02d_bs%02d.json", epochs, batchSize)
	weights = fmt.Sprintf("modelNN_weights_ep%02d_bs%02d.dat", epochs, batchSize)
	return
}

// SaveModel writes the topology descriptor and weights to dir, returns the paths of the files.
func SaveModel(dir string, net *Network, epochs, batchSize int) (descPath, weightsPath string, err error) {
	descName, weightsName := ArtifactNames(epochs, batchSize)
	descPath = filepath.Join(dir, descName)
	weightsPath = filepath.Join(dir, weightsName)
	if err = writeFile(descPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(net.Describe())
	}); err != nil {
		return
	}
	err = writeFile(weightsPath, net.Export)
	return
}

// LoadModel rebuilds a network from the descriptor and weights files written by SaveModel.
func LoadModel(q num.Queue, descPath, weightsPath string) (*Network, error) {
	f, err := os.Open(descPath)
	if err != nil {
		return nil, errors.Wrap(err, "load model")
	}
	defer f.Close()
	var desc ModelDesc
	if err = json.NewDecoder(f).Decode(&desc); err != nil {
		return nil, errors.Wrapf(err, "decode %s", descPath)
	}
	topo, err := desc.Topology()
	if err != nil {
		return nil, err
	}
	net, err := New(q, desc.Config, topo, desc.InShape, nil)
	if err != nil {
		return nil, err
	}
	w, err := os.Open(weightsPath)
	if err != nil {
		return nil, errors.Wrap(err, "load model")
	}
	defer w.Close()
	if err = net.Import(w); err != nil {
		return nil, errors.Wrapf(err, "load %s", weightsPath)
	}
	return net, nil
}

func writeFile(filePath string, write func(io.Writer) error) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "save model")
	}
	if err = write(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", filePath)
	}
	return errors.Wrapf(f.Close(), "write %s", filePath)
}
