// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/NemoCpp/deep-splicing/num"
	"github.com/pkg/errors"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	Topo      Topology
	queue     num.Queue
	rng       *rand.Rand
	opt       *Optimiser
	inShape   []int
	classes   num.Array
	diffs     num.Array
	batchErr  num.Array
	batchLoss num.Array
	inputGrad num.Array
	input     num.Array
}

// New function creates a new network with the given topology. inShape is the shape of one sample
// in [width height channels] order.
func New(q num.Queue, conf Config, topo Topology, inShape []int, rng *rand.Rand) (*Network, error) {
	if rng == nil {
		rng = SetSeed(conf.RandSeed)
	}
	layers, err := topo.Layers()
	if err != nil {
		return nil, err
	}
	n := &Network{Config: conf, Topo: topo, queue: q, rng: rng, opt: newOptimiser(conf)}
	n.inShape = append([]int{}, inShape...)
	shape := n.inShape
	var prev Layer
	for i, l := range layers {
		layer, err := l.Unmarshal()
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if err = layer.Init(q, shape, prev, rng); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape()
		prev = layer
	}
	out, ok := prev.(*activation)
	if !ok {
		return nil, errors.New("network must end with an activation layer")
	}
	if num.Prod(shape) != 1 {
		return nil, errors.Errorf("network output shape %v invalid: expecting a single unit", shape)
	}
	out.output = true
	out.xentropy = conf.Loss == "crossEntropy"
	return n, nil
}

// Initialise network weights using a linear or normal distribution.
// Weights for each layer are scaled by 1/sqrt(fan in)
func (n *Network) InitWeights() {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(n.queue, float32(n.Bias), n.NormalWeights, n.rng)
		}
	}
	n.opt.Step = 0
	if n.DebugLevel >= 2 {
		n.PrintWeights()
	}
}

// Number of trainable parameters
func (n *Network) ParamCount() int {
	count := 0
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			count += W.Size() + B.Size()
		}
	}
	return count
}

// Shape of a single input sample
func (n *Network) InShape() []int { return n.inShape }

// Queue used to execute the network
func (n *Network) Queue() num.Queue { return n.queue }

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output. Dropout and batch statistics are only
// applied in train mode.
func (n *Network) Fprop(input num.Array, trainMode bool) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 {
			logging.Named("nnet").Debugf("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(n.queue, pred, trainMode)
	}
	return pred
}

// Predict output given input data, classes is set to 1 where the output score is over 0.5.
func (n *Network) Predict(input, classes num.Array) num.Array {
	yPred := n.Fprop(input, false)
	if n.DebugLevel >= 2 {
		logging.Named("nnet").Debugf("yPred\n%s", yPred.String(n.queue))
	}
	n.queue.Call(num.Threshold(yPred, classes, 0.5))
	return yPred
}

// Scores returns the output score for each of the samples in x, which holds nsamples inputs
// stored one after another.
func (n *Network) Scores(x []float32, nsamples int) []float32 {
	res := make([]float32, 0, nsamples)
	batch := n.TestBatch
	if batch <= 0 {
		batch = nsamples
	}
	size := num.Prod(n.inShape)
	for start := 0; start < nsamples; start += batch {
		end := start + batch
		if end > nsamples {
			end = nsamples
		}
		n.input = realloc(n.queue, n.input, n.inShape, end-start)
		scores := make([]float32, end-start)
		n.queue.Call(num.Write(n.input, x[start*size:end*size]))
		yPred := n.Fprop(n.input, false)
		n.queue.Call(num.Read(yPred, scores)).Finish()
		res = append(res, scores...)
	}
	return res
}

// Evaluate returns the average loss and the error rate over the dataset.
// If the pred slice is not nil then the predicted classes are also returned.
func (n *Network) Evaluate(dset *Dataset, pred []int32) (loss, errRate float64) {
	if dset.Samples == 0 {
		return 0, 0
	}
	q := n.queue
	total := q.NewArray()
	totalLoss := q.NewArray()
	q.Call(num.Fill(total, 0), num.Fill(totalLoss, 0))
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		q.Finish()
		x, y := dset.NextBatch()
		nb := batchSize(x)
		n.allocArrays(nb)
		yPred := n.Predict(x, n.classes)
		losses := n.OutLayer().Loss(q, y, yPred)
		q.Call(
			num.Neq(n.classes, y, n.diffs),
			num.Sum(n.diffs, n.batchErr, 1),
			num.Axpy(1, n.batchErr, total),
			num.Sum(losses, n.batchLoss, 1),
			num.Axpy(1, n.batchLoss, totalLoss),
		)
		if pred != nil {
			classes := make([]float32, nb)
			q.Call(num.Read(n.classes, classes)).Finish()
			start := batch * dset.BatchSize
			for i, c := range classes {
				pred[start+i] = int32(c)
			}
		}
		if n.DebugLevel >= 2 || (n.DebugLevel >= 1 && batch == 0) {
			logging.Named("nnet").Debugf("batch %d error =%s", batch, n.batchErr.String(q))
		}
	}
	res := []float32{0, 0}
	q.Call(num.Read(total, res[:1]), num.Read(totalLoss, res[1:])).Finish()
	dset.Wait()
	return float64(res[1]) / float64(dset.Samples), float64(res[0]) / float64(dset.Samples)
}

// Error returns the classification error rate over the dataset.
func (n *Network) Error(dset *Dataset, pred []int32) float64 {
	_, errRate := n.Evaluate(dset, pred)
	return errRate
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), layer.OutShape())
	}
	return fmt.Sprintf("%s\n== Network (%s) ==\ninput: %v\n%s\nparameters: %d", n.Config, n.Topo.Kind(),
		n.inShape, strings.Join(s, "\n"), n.ParamCount())
}

// Print network weights
func (n *Network) PrintWeights() {
	log := logging.Named("nnet")
	for i, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			W, B := l.Params()
			log.Debugf("== Layer %d weights ==\n%s %s", i, W.String(n.queue), B.String(n.queue))
		}
	}
}

func (n *Network) allocArrays(size int) {
	if n.classes == nil || n.classes.Size() != size {
		n.classes = n.queue.NewArray(1, size)
		n.diffs = n.queue.NewArray(1, size)
		n.inputGrad = n.queue.NewArray(1, size)
	}
	if n.batchErr == nil {
		n.batchErr = n.queue.NewArray()
		n.batchLoss = n.queue.NewArray()
	}
}

// Set random number seed, or random seed if seed <= 0, and return a new generator.
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	logging.Named("nnet").Debugw("random seed", "seed", seed)
	return rand.New(rand.NewSource(seed))
}
