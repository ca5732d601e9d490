package nnet

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/NemoCpp/deep-splicing/num"
)

const (
	emaN = 10
	emaK = 2.0 / (emaN + 1.0)
)

// Data set names in the order they are reported
var DataTypes = []string{"train", "valid"}

// Training statistics
type Stats struct {
	Epoch     int
	Values    []float64
	BestSince int
	Elapsed   time.Duration
}

// StatsHeaders gives the names of the Stats values: training loss followed by the loss and
// error for each data set, and the moving average of the validation error.
func StatsHeaders(d map[string]Data) []string {
	h := []string{"loss"}
	for _, key := range DataTypes {
		if _, ok := d[key]; ok {
			h = append(h, key+" loss", key+" error")
			if key == "valid" {
				h = append(h, "valid avg")
			}
		}
	}
	return h
}

func (s Stats) Format(headers []string) []string {
	str := make([]string, len(s.Values))
	for i, v := range s.Values {
		if i < len(headers) && (strings.HasSuffix(headers[i], "error") || headers[i] == "valid avg") {
			str[i] = fmt.Sprintf("%6.2f%%", v*100)
		} else {
			str[i] = fmt.Sprintf("%7.4f", v)
		}
	}
	return str
}

// Calc exponentional moving average
type EMA float64

func (e EMA) Add(val float64) float64 {
	if e == 0 {
		return val
	}
	return val*emaK + float64(e)*(1-emaK)
}

// Tester interface to evaluate the performance after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) bool
}

// Tester which evaluates the loss and error for each of the data sets and updates the stats.
type TestBase struct {
	Data    map[string]*Dataset
	Pred    map[string][]int32
	Stats   []Stats
	Headers []string
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Initialise the test datasets.
func (t *TestBase) Init(dev num.Device, conf Config, data map[string]Data, rng *rand.Rand) *TestBase {
	t.Data = make(map[string]*Dataset)
	t.Headers = StatsHeaders(data)
	t.Pred = nil
	for key, d := range data {
		if conf.DebugLevel >= 1 {
			logging.Named("nnet").Debugf("init tester: %s samples=%d batch size=%d", key, d.Len(), conf.TestBatch)
		}
		t.Data[key] = NewDataset(dev, d, conf.TestBatch, rng)
	}
	return t
}

// Generate the predicted results when test is next run.
func (t *TestBase) Predict() *TestBase {
	t.Pred = make(map[string][]int32)
	for key, dset := range t.Data {
		t.Pred[key] = make([]int32, dset.Samples)
	}
	return t
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
}

// Test performance of the network, called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	if net.DebugLevel >= 1 {
		logging.Named("nnet").Debugf("== TEST EPOCH %d ==", epoch)
	}
	s := Stats{Epoch: epoch, Values: []float64{loss}, BestSince: -1}
	for _, key := range DataTypes {
		dset, ok := t.Data[key]
		if !ok {
			continue
		}
		var pred []int32
		if t.Pred != nil {
			pred = t.Pred[key]
		}
		lossVal, errVal := net.Evaluate(dset, pred)
		s.Values = append(s.Values, lossVal, errVal)
		if key == "valid" {
			ix := len(s.Values)
			// save average validation error
			avgVal := 0.0
			if len(t.Stats) > 0 {
				avgVal = t.Stats[len(t.Stats)-1].Values[ix]
			}
			avgVal = EMA(avgVal).Add(errVal)
			s.Values = append(s.Values, avgVal)
			// get number of epochs where average validation error has increased
			for i := len(t.Stats) - 1; i >= 0; i-- {
				if t.Stats[i].Values[ix] > avgVal {
					s.BestSince = len(t.Stats) - i - 1
					break
				}
			}
		}
	}
	s.Elapsed = time.Since(start)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch || loss <= net.MinLoss || (net.StopAfter > 0 && s.BestSince >= net.StopAfter)
}

type testLogger struct {
	*TestBase
	hooks []func(Stats)
}

// Create a new tester which logs stats and then calls each of the hooks with the latest stats.
func NewTestLogger(base *TestBase, hooks ...func(Stats)) Tester {
	return testLogger{TestBase: base, hooks: hooks}
}

func (t testLogger) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, start)
	s := t.Stats[len(t.Stats)-1]
	log := logging.Named("nnet")
	if done || net.LogEvery == 0 || epoch%net.LogEvery == 0 {
		msg := fmt.Sprintf("epoch %3d:", epoch)
		for i, val := range s.Format(t.Headers) {
			msg += fmt.Sprintf("  %s =%s", t.Headers[i], val)
		}
		if s.BestSince >= 0 {
			msg += fmt.Sprintf(" [%d]", s.BestSince)
		}
		log.Info(msg)
	}
	for _, hook := range t.hooks {
		hook(s)
	}
	if done {
		log.Infof("run time: %s", s.Elapsed.Round(10*time.Millisecond))
	}
	return done
}

// Train the network on the given training set by updating the weights
func Train(net *Network, dset *Dataset, test Tester) {
	q := net.queue
	acc := q.NewArray()
	done := false
	start := time.Now()
	q.Profiling(net.Profile)
	for epoch := 1; epoch <= net.MaxEpoch && !done; epoch++ {
		loss := TrainEpoch(net, dset, acc)
		done = test.Test(net, epoch, loss, start)
	}
	if net.Profile {
		logging.Named("nnet").Infof("== Profile ==\n%s", q.Profile())
	}
}

// Perform one training epoch on dataset, returns the average loss over the epoch.
func TrainEpoch(net *Network, dset *Dataset, acc num.Array) float64 {
	if dset.Samples == 0 {
		return 0
	}
	q := net.queue
	log := logging.Named("nnet")
	if net.Shuffle {
		dset.Shuffle()
	}
	q.Call(num.Fill(acc, 0))
	dset.Rewind()
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			log.Debugf("== train batch %d ==", batch)
		}
		q.Finish()
		x, y := dset.NextBatch()
		nb := batchSize(x)
		net.allocArrays(nb)
		yPred := net.Fprop(x, true)
		// sum loss over batches
		losses := net.OutLayer().Loss(q, y, yPred)
		q.Call(
			num.Sum(losses, net.batchLoss, 1),
			num.Axpy(1, net.batchLoss, acc),
		)
		// get difference at output
		q.Call(
			num.Copy(net.inputGrad, yPred),
			num.Axpy(-1, y, net.inputGrad),
		)
		if net.DebugLevel >= 2 {
			log.Debugf("input grad:\n%s", net.inputGrad.String(q))
		}
		grad := net.inputGrad
		// back propagate gradient
		for i := len(net.Layers) - 1; i >= 0 && grad != nil; i-- {
			grad = net.Layers[i].Bprop(q, grad)
		}
		// update weights
		net.opt.Step++
		for _, layer := range net.Layers {
			if l, ok := layer.(ParamLayer); ok {
				l.UpdateParams(q, net.opt, nb)
			}
		}
	}
	lossVal := make([]float32, 1)
	q.Call(num.Read(acc, lossVal)).Finish()
	dset.Wait()
	return float64(lossVal[0]) / float64(dset.Samples)
}
