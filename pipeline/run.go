package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NemoCpp/deep-splicing/img"
	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/NemoCpp/deep-splicing/nnet"
	"github.com/NemoCpp/deep-splicing/num"
	"github.com/NemoCpp/deep-splicing/patch"
	"github.com/NemoCpp/deep-splicing/rundb"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Monitor is notified as the run progresses.
type Monitor interface {
	// Start is called once the network is built, before training.
	Start(net *nnet.Network, headers []string)
	// Epoch is called with the stats at the end of each training epoch.
	Epoch(s nnet.Stats)
	// Results is called with the test image predictions.
	Results(results []ImageResult)
}

// Timing is the elapsed time for one phase of the run.
type Timing struct {
	Phase   string
	Elapsed time.Duration
}

// Report summarises a completed training run.
type Report struct {
	RunID        int64
	DescPath     string
	WeightsPath  string
	ResultsPath  string
	ParamCount   int
	TrainPatches int
	TestPatches  int
	Stats        []nnet.Stats
	Headers      []string
	Results      []ImageResult
	Accuracy     float64
	Uncertain    int
	Timings      []Timing
}

func (r *Report) String() string {
	s := []string{"== Timing =="}
	var total time.Duration
	for _, t := range r.Timings {
		s = append(s, fmt.Sprintf("%-18s %s", t.Phase+":", t.Elapsed.Round(time.Millisecond)))
		total += t.Elapsed
	}
	s = append(s, fmt.Sprintf("%-18s %s", "total:", total.Round(time.Millisecond)))
	s = append(s, fmt.Sprintf("accuracy: %.2f%% over %d images, %d uncertain", 100*r.Accuracy, len(r.Results), r.Uncertain))
	return strings.Join(s, "\n")
}

type timer struct {
	report *Report
	start  time.Time
}

func (t *timer) phase(name string) {
	now := time.Now()
	elapsed := now.Sub(t.start)
	t.report.Timings = append(t.report.Timings, Timing{Phase: name, Elapsed: elapsed})
	logging.Named("pipeline").Infof("%s: %s", name, elapsed.Round(time.Millisecond))
	t.start = now
}

// Run trains a network on the patches from the training images, using the test images for
// validation, saves the model to the working folder and then classifies each test image.
// The monitor may be nil.
func Run(s Settings, train, test []img.LabeledImage, mon Monitor) (rep *Report, err error) {
	if err = s.Validate(); err != nil {
		return nil, err
	}
	log := logging.Named("pipeline")
	rep = &Report{}
	tm := &timer{report: rep, start: time.Now()}
	var db *rundb.DB
	if s.Database != "" {
		if db, err = rundb.Open(s.Database); err != nil {
			return nil, err
		}
		defer db.Close()
		if rep.RunID, err = db.StartRun(rundb.Run{Topology: s.Net.Topology, Epochs: s.NbEpochs,
			BatchSize: s.BatchSize, PatchSize: s.PatchSize, Stride: s.Stride}); err != nil {
			return nil, err
		}
		defer func() {
			status := "done"
			if err != nil {
				status = "failed"
			}
			if e := db.FinishRun(rep.RunID, status); e != nil {
				log.Error(e)
			}
		}()
	}

	opts := patch.Options{PatchSize: s.PatchSize, Stride: s.Stride, Progress: s.Progress}
	trainBatch, err := patch.BuildBatch(train, opts, nil)
	if err != nil {
		return nil, errors.Wrap(err, "training set")
	}
	if trainBatch.Len() == 0 {
		return nil, errors.Errorf("no training patches from %d images", len(train))
	}
	rep.TrainPatches = trainBatch.Len()
	tm.phase("training samples")

	testBatch, err := patch.BuildBatch(test, opts, nil)
	if err != nil {
		return nil, errors.Wrap(err, "test set")
	}
	rep.TestPatches = testBatch.Len()
	tm.phase("test samples")

	conf := s.NetConfig()
	topo, err := nnet.NewTopology(conf.Topology, s.ModelConfig())
	if err != nil {
		return nil, err
	}
	dev := num.NewDevice()
	q := dev.NewQueue(conf.Threads)
	defer q.Shutdown()
	rng := nnet.SetSeed(conf.RandSeed)
	net, err := nnet.New(q, conf, topo, trainBatch.Shape(), rng)
	if err != nil {
		return nil, err
	}
	net.InitWeights()
	rep.ParamCount = net.ParamCount()
	log.Infof("%s topology on %s: %s parameters", topo.Kind(), dev, humanize.Comma(int64(rep.ParamCount)))
	if conf.DebugLevel >= 1 {
		log.Debug(net)
	}
	if db != nil {
		if err = db.SetParamCount(rep.RunID, rep.ParamCount); err != nil {
			return nil, err
		}
	}
	tm.phase("model")

	valid := map[string]nnet.Data{}
	if testBatch.Len() > 0 {
		valid["valid"] = testBatch
	}
	base := nnet.NewTestBase().Init(dev, conf, valid, rng)
	rep.Headers = base.Headers
	var hooks []func(nnet.Stats)
	if db != nil {
		hooks = append(hooks, epochRecorder(db, rep, &err))
	}
	if mon != nil {
		mon.Start(net, base.Headers)
		hooks = append(hooks, mon.Epoch)
	}
	trainSet := nnet.NewDataset(dev, trainBatch, conf.TrainBatch, rng)
	nnet.Train(net, trainSet, nnet.NewTestLogger(base, hooks...))
	trainSet.Release()
	for _, d := range base.Data {
		d.Release()
	}
	rep.Stats = base.Stats
	if err != nil {
		return nil, err
	}
	tm.phase("training")

	if err = os.MkdirAll(s.WorkingFolder, 0755); err != nil {
		return nil, errors.Wrap(err, "create working folder")
	}
	if rep.DescPath, rep.WeightsPath, err = nnet.SaveModel(s.WorkingFolder, net, s.NbEpochs, s.BatchSize); err != nil {
		return nil, err
	}
	log.Infof("saved model to %s and %s", rep.DescPath, rep.WeightsPath)
	tm.phase("saving")

	if rep.Results, err = NewPredictor(net, s).ClassifyAll(test); err != nil {
		return nil, err
	}
	rep.Accuracy, rep.Uncertain = Summary(rep.Results)
	rep.ResultsPath = filepath.Join(s.WorkingFolder, ResultsName(s.NbEpochs, s.BatchSize))
	if err = WriteResults(rep.ResultsPath, rep.Results); err != nil {
		return nil, err
	}
	if db != nil {
		if err = db.RecordPredictions(dbPredictions(rep)); err != nil {
			return nil, err
		}
	}
	if mon != nil {
		mon.Results(rep.Results)
	}
	tm.phase("testing")
	log.Info(rep)
	return rep, nil
}

// records each epoch in the run database, the first error is saved in errp
func epochRecorder(db *rundb.DB, rep *Report, errp *error) func(nnet.Stats) {
	return func(s nnet.Stats) {
		if *errp != nil {
			return
		}
		e := rundb.Epoch{RunID: rep.RunID, Epoch: s.Epoch, Elapsed: s.Elapsed}
		for i, h := range rep.Headers {
			if i >= len(s.Values) {
				break
			}
			switch h {
			case "loss":
				e.Loss = s.Values[i]
			case "valid loss":
				e.ValidLoss = s.Values[i]
			case "valid error":
				e.ValidError = s.Values[i]
			}
		}
		*errp = db.RecordEpoch(e)
	}
}

func dbPredictions(rep *Report) []rundb.Prediction {
	preds := make([]rundb.Prediction, len(rep.Results))
	for i, r := range rep.Results {
		preds[i] = rundb.Prediction{RunID: rep.RunID, Path: r.Path, Label: r.Label, Predicted: r.Predicted,
			Nb0: r.Nb0, Nb1: r.Nb1, Uncertain: r.Uncertain, MeanScore: r.MeanScore}
	}
	return preds
}
