package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NemoCpp/deep-splicing/img"
	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/NemoCpp/deep-splicing/nnet"
	"github.com/NemoCpp/deep-splicing/num"
	"github.com/NemoCpp/deep-splicing/patch"
	"github.com/NemoCpp/deep-splicing/stats"
	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// ImageResult is the majority vote prediction for one image.
type ImageResult struct {
	Path        string  `csv:"path"`
	Label       int     `csv:"label"`
	Predicted   int     `csv:"predicted"`
	Nb0         int     `csv:"nb0"`
	Nb1         int     `csv:"nb1"`
	Patches     int     `csv:"patches"`
	Uncertain   bool    `csv:"uncertain"`
	MeanScore   float64 `csv:"mean_score"`
	MedianScore float64 `csv:"median_score"`
}

// Correct is true if the predicted label matches the expected one.
func (r ImageResult) Correct() bool { return r.Predicted == r.Label }

// Predictor classifies images with a trained network.
type Predictor struct {
	Net       *nnet.Network
	PatchSize int
	Stride    int
	TieLabel  int
	Load      patch.Loader
}

// NewPredictor returns a predictor using the patch settings.
func NewPredictor(net *nnet.Network, s Settings) *Predictor {
	return &Predictor{Net: net, PatchSize: s.PatchSize, Stride: s.Stride, TieLabel: s.TieLabel, Load: img.Load}
}

// Scores returns the network output for each patch of the image.
func (p *Predictor) Scores(m *img.Image) []float32 {
	patches := patch.Extract(m, p.PatchSize, p.Stride)
	if len(patches) == 0 {
		return nil
	}
	x := make([]float32, 0, len(patches)*len(patches[0].Pix))
	for _, pt := range patches {
		x = append(x, pt.Pix...)
	}
	return p.Net.Scores(x, len(patches))
}

// Classify loads the image, predicts the class of each patch and takes a majority vote.
func (p *Predictor) Classify(li img.LabeledImage) (ImageResult, error) {
	res := ImageResult{Path: li.Path, Label: li.Label}
	m, err := p.Load(li.Path)
	if err != nil {
		return res, err
	}
	scores := p.Scores(m)
	pred := make([]int32, len(scores))
	for i, s := range scores {
		if s > 0.5 {
			pred[i] = 1
		}
	}
	d := patch.Vote(pred, p.TieLabel)
	res.Predicted, res.Nb0, res.Nb1, res.Uncertain = d.Label, d.Nb0, d.Nb1, d.Uncertain
	res.Patches = len(scores)
	sum, err := stats.Summarise(scores)
	if err != nil {
		return res, errors.Wrapf(err, "summarise scores for %s", li.Path)
	}
	res.MeanScore, res.MedianScore = sum.Mean, sum.Median
	return res, nil
}

// ClassifyAll classifies each image in turn, results are in input order.
func (p *Predictor) ClassifyAll(images []img.LabeledImage) ([]ImageResult, error) {
	log := logging.Named("predict")
	results := make([]ImageResult, 0, len(images))
	for _, li := range images {
		r, err := p.Classify(li)
		if err != nil {
			return results, err
		}
		log.Debugf("%s: label=%d predicted=%d (%d:%d)", r.Path, r.Label, r.Predicted, r.Nb0, r.Nb1)
		results = append(results, r)
	}
	return results, nil
}

// Summary gives the fraction of correctly classified images and the number decided by the tie label.
func Summary(results []ImageResult) (accuracy float64, uncertain int) {
	if len(results) == 0 {
		return 0, 0
	}
	correct := 0
	for _, r := range results {
		if r.Correct() {
			correct++
		}
		if r.Uncertain {
			uncertain++
		}
	}
	return float64(correct) / float64(len(results)), uncertain
}

// ResultsName is the file name of the per image results for a run.
func ResultsName(epochs, batchSize int) string {
	return fmt.Sprintf("results_ep%02d_bs%02d.csv", epochs, batchSize)
}

// WriteResults saves the results in CSV format.
func WriteResults(filePath string, results []ImageResult) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrap(err, "write results")
	}
	if err = gocsv.MarshalFile(&results, f); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode results %s", filePath)
	}
	return errors.Wrapf(f.Close(), "write results %s", filePath)
}

// ReadResults loads results written by WriteResults.
func ReadResults(filePath string) ([]ImageResult, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "read results")
	}
	defer f.Close()
	var results []ImageResult
	if err = gocsv.UnmarshalFile(f, &results); err != nil {
		return nil, errors.Wrapf(err, "decode results %s", filePath)
	}
	return results, nil
}

// Predict reloads the model saved by a training run with these settings and classifies the
// images.
func Predict(s Settings, images []img.LabeledImage) ([]ImageResult, error) {
	descName, weightsName := nnet.ArtifactNames(s.NbEpochs, s.BatchSize)
	dev := num.NewDevice()
	q := dev.NewQueue(s.Net.Threads)
	defer q.Shutdown()
	net, err := nnet.LoadModel(q, filepath.Join(s.WorkingFolder, descName), filepath.Join(s.WorkingFolder, weightsName))
	if err != nil {
		return nil, err
	}
	if shape := net.InShape(); shape[0] != s.PatchSize || shape[1] != s.PatchSize {
		return nil, errors.Errorf("model input shape %v does not match patch size %d", shape, s.PatchSize)
	}
	logging.Named("predict").Infof("loaded %s: %d parameters", descName, net.ParamCount())
	return NewPredictor(net, s).ClassifyAll(images)
}
