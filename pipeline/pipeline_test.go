package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/NemoCpp/deep-splicing/img"
	"github.com/NemoCpp/deep-splicing/nnet"
	"github.com/NemoCpp/deep-splicing/rundb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bright images have label 1, dark images label 0
func writeImages(t *testing.T, dir, prefix string, n, size int, rng *rand.Rand) []img.LabeledImage {
	var list []img.LabeledImage
	for i := 0; i < n; i++ {
		label := i % 2
		m := image.NewRGBA(image.Rect(0, 0, size, size))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				v := uint8(150*label + rng.Intn(100))
				m.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("%s%02d.png", prefix, i))
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, m))
		require.NoError(t, f.Close())
		list = append(list, img.LabeledImage{Path: path, Label: label})
	}
	return list
}

func testSettings(dir string) Settings {
	s := DefaultSettings()
	s.WorkingFolder = filepath.Join(dir, "out")
	s.NbEpochs = 4
	s.BatchSize = 16
	s.PatchSize = 16
	s.Stride = 8
	s.Model.Filters = [2]int{4, 8}
	s.Model.Hidden = 16
	s.Net.Eta = 0.01
	s.Net.TestBatch = 20
	s.Net.RandSeed = 1
	s.Net.Threads = 2
	return s
}

type testMonitor struct {
	headers []string
	epochs  []nnet.Stats
	results []ImageResult
}

func (m *testMonitor) Start(net *nnet.Network, headers []string) { m.headers = headers }

func (m *testMonitor) Epoch(s nnet.Stats) { m.epochs = append(m.epochs, s) }

func (m *testMonitor) Results(r []ImageResult) { m.results = r }

func TestRun(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	train := writeImages(t, dir, "train", 8, 32, rng)
	test := writeImages(t, dir, "test", 4, 32, rng)
	s := testSettings(dir)
	s.Database = filepath.Join(dir, "runs.db")
	mon := &testMonitor{}

	rep, err := Run(s, train, test, mon)
	require.NoError(t, err)
	assert.Equal(t, 8*9, rep.TrainPatches)
	assert.Equal(t, 4*9, rep.TestPatches)
	assert.Equal(t, filepath.Join(s.WorkingFolder, "modelNN_ep04_bs16.json"), rep.DescPath)
	assert.Equal(t, filepath.Join(s.WorkingFolder, "modelNN_weights_ep04_bs16.dat"), rep.WeightsPath)
	assert.Equal(t, filepath.Join(s.WorkingFolder, "results_ep04_bs16.csv"), rep.ResultsPath)
	assert.FileExists(t, rep.DescPath)
	assert.FileExists(t, rep.WeightsPath)

	var phases []string
	for _, tm := range rep.Timings {
		phases = append(phases, tm.Phase)
	}
	assert.Equal(t, []string{"training samples", "test samples", "model", "training", "saving", "testing"}, phases)

	require.Len(t, rep.Results, 4)
	for i, r := range rep.Results {
		assert.Equal(t, test[i].Path, r.Path)
		assert.Equal(t, test[i].Label, r.Label)
		assert.Equal(t, 9, r.Patches)
		assert.Equal(t, 9, r.Nb0+r.Nb1)
	}
	assert.Equal(t, []string{"loss", "valid loss", "valid error", "valid avg"}, mon.headers)
	assert.Len(t, mon.epochs, 4)
	assert.Equal(t, rep.Results, mon.results)

	saved, err := ReadResults(rep.ResultsPath)
	require.NoError(t, err)
	require.Len(t, saved, 4)
	assert.Equal(t, rep.Results[2].Predicted, saved[2].Predicted)

	db, err := rundb.Open(s.Database)
	require.NoError(t, err)
	defer db.Close()
	run, err := db.GetRun(rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, "done", run.Status)
	assert.Equal(t, rep.ParamCount, run.ParamCount)
	epochs, err := db.Epochs(rep.RunID)
	require.NoError(t, err)
	assert.Len(t, epochs, 4)
	preds, err := db.Predictions(rep.RunID)
	require.NoError(t, err)
	assert.Len(t, preds, 4)

	// reloading the saved model gives the same predictions
	res, err := Predict(s, test)
	require.NoError(t, err)
	require.Len(t, res, 4)
	for i, r := range res {
		assert.Equal(t, rep.Results[i].Predicted, r.Predicted)
		assert.Equal(t, rep.Results[i].Nb1, r.Nb1)
		assert.InDelta(t, rep.Results[i].MeanScore, r.MeanScore, 1e-5)
	}
}

func TestRunErrors(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(2))
	train := writeImages(t, dir, "train", 2, 32, rng)
	s := testSettings(dir)

	bad := append([]img.LabeledImage{}, train...)
	bad[1].Label = 3
	_, err := Run(s, bad, nil, nil)
	assert.Error(t, err)

	small := writeImages(t, dir, "small", 1, 8, rng)
	_, err = Run(s, small, nil, nil)
	assert.Error(t, err)

	s.Stride = 0
	_, err = Run(s, train, nil, nil)
	assert.Error(t, err)

	_, err = Predict(testSettings(t.TempDir()), train)
	assert.Error(t, err)
}

func TestSmallImageHasNoPatches(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(3))
	train := writeImages(t, dir, "train", 4, 32, rng)
	test := writeImages(t, dir, "small", 1, 8, rng)
	s := testSettings(dir)
	s.NbEpochs = 1
	rep, err := Run(s, train, test, nil)
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	r := rep.Results[0]
	assert.Equal(t, 0, r.Patches)
	assert.True(t, r.Uncertain)
	assert.Equal(t, s.TieLabel, r.Predicted)
}

func TestSettings(t *testing.T) {
	dir := t.TempDir()
	s := DefaultSettings()
	require.NoError(t, s.Validate())
	s.TrainList = "train.csv"
	s.Net.Topology = "graph"

	for _, name := range []string{"settings.json", "settings.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, s.Save(path))
		s2, err := LoadSettings(path)
		require.NoError(t, err, name)
		assert.Equal(t, s, s2, name)
	}

	yml := filepath.Join(dir, "partial.yml")
	require.NoError(t, os.WriteFile(yml, []byte("nbepochs: 3\nnet:\n  eta: 0.05\n"), 0644))
	s3, err := LoadSettings(yml)
	require.NoError(t, err)
	assert.Equal(t, 3, s3.NbEpochs)
	assert.Equal(t, 0.05, s3.Net.Eta)
	assert.Equal(t, 40, s3.PatchSize)

	require.NoError(t, os.WriteFile(yml, []byte("unknown: 1\n"), 0644))
	_, err = LoadSettings(yml)
	assert.Error(t, err)
}

func TestOverrides(t *testing.T) {
	s := DefaultSettings()
	err := s.ApplyOverrides(Overrides{NbEpochs: 5, Topology: "graph", Set: []string{"Eta=0.1", "Optimiser = sgd"}})
	require.NoError(t, err)
	assert.Equal(t, 5, s.NbEpochs)
	assert.Equal(t, 32, s.BatchSize)
	assert.Equal(t, "graph", s.Net.Topology)
	assert.Equal(t, 0.1, s.Net.Eta)
	assert.Equal(t, "sgd", s.Net.Optimiser)
	conf := s.NetConfig()
	assert.Equal(t, 5, conf.MaxEpoch)
	assert.Equal(t, 32, conf.TrainBatch)

	netPath := filepath.Join(t.TempDir(), "net.json")
	c := nnet.DefaultConfig()
	c.Eta = 0.05
	require.NoError(t, c.Save(netPath))
	require.NoError(t, s.ApplyOverrides(Overrides{NetConfig: netPath, Set: []string{"Lambda=0.01"}}))
	assert.Equal(t, 0.05, s.Net.Eta)
	assert.Equal(t, 0.01, s.Net.Lambda)
	assert.Equal(t, "adam", s.Net.Optimiser)
	assert.Error(t, s.ApplyOverrides(Overrides{NetConfig: netPath + ".missing"}))

	assert.Error(t, s.ApplyOverrides(Overrides{Set: []string{"Eta"}}))
	assert.Error(t, s.ApplyOverrides(Overrides{Set: []string{"Nope=1"}}))
}

func TestValidate(t *testing.T) {
	for _, fn := range []func(*Settings){
		func(s *Settings) { s.WorkingFolder = "" },
		func(s *Settings) { s.NbEpochs = 0 },
		func(s *Settings) { s.PatchSize = 0 },
		func(s *Settings) { s.TieLabel = 2 },
		func(s *Settings) { s.WebUser = "admin" },
		func(s *Settings) { s.Model.Dropout = 1 },
		func(s *Settings) { s.Net.Optimiser = "rmsprop" },
	} {
		s := DefaultSettings()
		fn(&s)
		assert.Error(t, s.Validate())
	}
}

func TestSummary(t *testing.T) {
	acc, unc := Summary([]ImageResult{
		{Label: 1, Predicted: 1},
		{Label: 0, Predicted: 1, Uncertain: true},
	})
	assert.Equal(t, 0.5, acc)
	assert.Equal(t, 1, unc)
	acc, unc = Summary(nil)
	assert.Equal(t, 0.0, acc)
	assert.Equal(t, 0, unc)
}
