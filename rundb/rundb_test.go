package rundb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	db, err := Open(filepath.Join(t.TempDir(), "runs", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRuns(t *testing.T) {
	db := openDB(t)
	id, err := db.StartRun(Run{Topology: "graph", Epochs: 10, BatchSize: 32, PatchSize: 40, Stride: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	require.NoError(t, db.SetParamCount(id, 869089))

	r, err := db.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "graph", r.Topology)
	assert.Equal(t, 869089, r.ParamCount)
	assert.Equal(t, "running", r.Status)
	assert.Nil(t, r.FinishedAt)

	require.NoError(t, db.FinishRun(id, "done"))
	r, err = db.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, "done", r.Status)
	assert.NotNil(t, r.FinishedAt)

	_, err = db.GetRun(99)
	assert.Error(t, err)
}

func TestEpochs(t *testing.T) {
	db := openDB(t)
	id, err := db.StartRun(Run{Topology: "sequential", Epochs: 2, BatchSize: 8, PatchSize: 40, Stride: 20})
	require.NoError(t, err)
	require.NoError(t, db.RecordEpoch(Epoch{RunID: id, Epoch: 2, Loss: 0.3, ValidLoss: 0.4, ValidError: 0.2, Elapsed: 2 * time.Second}))
	require.NoError(t, db.RecordEpoch(Epoch{RunID: id, Epoch: 1, Loss: 0.6, ValidLoss: 0.7, ValidError: 0.5, Elapsed: time.Second}))
	require.NoError(t, db.RecordEpoch(Epoch{RunID: id, Epoch: 1, Loss: 0.5, ValidLoss: 0.6, ValidError: 0.4, Elapsed: time.Second}))

	epochs, err := db.Epochs(id)
	require.NoError(t, err)
	require.Len(t, epochs, 2)
	assert.Equal(t, 1, epochs[0].Epoch)
	assert.Equal(t, 0.5, epochs[0].Loss)
	assert.Equal(t, 2*time.Second, epochs[1].Elapsed)
}

func TestPredictions(t *testing.T) {
	db := openDB(t)
	id, err := db.StartRun(Run{Topology: "sequential", Epochs: 1, BatchSize: 8, PatchSize: 40, Stride: 20})
	require.NoError(t, err)
	acc, err := db.Accuracy(id)
	require.NoError(t, err)
	assert.Equal(t, 0.0, acc)

	preds := []Prediction{
		{RunID: id, Path: "a.png", Label: 1, Predicted: 1, Nb0: 2, Nb1: 7, MeanScore: 0.7},
		{RunID: id, Path: "b.png", Label: 0, Predicted: 1, Nb0: 3, Nb1: 3, Uncertain: true, MeanScore: 0.5},
		{RunID: id, Path: "c.png", Label: 0, Predicted: 0, Nb0: 9, MeanScore: 0.1},
		{RunID: id, Path: "d.png", Label: 1, Predicted: 1, Nb1: 1, MeanScore: 0.9},
	}
	require.NoError(t, db.RecordPredictions(preds))
	res, err := db.Predictions(id)
	require.NoError(t, err)
	assert.Equal(t, preds, res)

	acc, err = db.Accuracy(id)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, acc, 1e-9)
}
