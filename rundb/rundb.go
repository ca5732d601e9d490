// Package rundb records training runs, per epoch statistics and per image predictions in a
// sqlite database.
package rundb

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DB is a connection to the run database.
type DB struct {
	db *sql.DB
}

// Run describes one training run.
type Run struct {
	ID         int64
	Topology   string
	Epochs     int
	BatchSize  int
	PatchSize  int
	Stride     int
	ParamCount int
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Epoch holds the statistics recorded at the end of a training epoch.
type Epoch struct {
	RunID      int64
	Epoch      int
	Loss       float64
	ValidLoss  float64
	ValidError float64
	Elapsed    time.Duration
}

// Prediction is the majority vote result for one test image.
type Prediction struct {
	RunID     int64
	Path      string
	Label     int
	Predicted int
	Nb0       int
	Nb1       int
	Uncertain bool
	MeanScore float64
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topology TEXT NOT NULL,
	epochs INTEGER NOT NULL,
	batch_size INTEGER NOT NULL,
	patch_size INTEGER NOT NULL,
	stride INTEGER NOT NULL,
	param_count INTEGER,
	status TEXT NOT NULL DEFAULT 'running',
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS epochs (
	run_id INTEGER NOT NULL,
	epoch INTEGER NOT NULL,
	loss FLOAT,
	valid_loss FLOAT,
	valid_error FLOAT,
	elapsed_ms INTEGER,
	PRIMARY KEY (run_id, epoch),
	FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE TABLE IF NOT EXISTS predictions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	label INTEGER NOT NULL,
	predicted INTEGER NOT NULL,
	nb0 INTEGER NOT NULL,
	nb1 INTEGER NOT NULL,
	uncertain BOOLEAN NOT NULL,
	mean_score FLOAT,
	FOREIGN KEY (run_id) REFERENCES runs(id)
);

CREATE INDEX IF NOT EXISTS idx_predictions_run_id ON predictions(run_id);
`

// Open connects to the database at dbPath, creating the directory and tables if needed.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "open run database")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "open run database %s", dbPath)
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}
	return &DB{db: db}, nil
}

// Close the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// StartRun inserts a new run with status running and returns its id.
func (d *DB) StartRun(r Run) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO runs (topology, epochs, batch_size, patch_size, stride, param_count, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Topology, r.Epochs, r.BatchSize, r.PatchSize, r.Stride, r.ParamCount, time.Now().UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "start run")
	}
	return res.LastInsertId()
}

// SetParamCount updates the number of trainable parameters once the model is built.
func (d *DB) SetParamCount(runID int64, count int) error {
	_, err := d.db.Exec("UPDATE runs SET param_count = ? WHERE id = ?", count, runID)
	return errors.Wrap(err, "update run")
}

// FinishRun sets the final status of the run.
func (d *DB) FinishRun(runID int64, status string) error {
	_, err := d.db.Exec("UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
		status, time.Now().UTC(), runID)
	return errors.Wrap(err, "finish run")
}

// RecordEpoch saves the stats for one epoch, replacing any previous entry.
func (d *DB) RecordEpoch(e Epoch) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO epochs (run_id, epoch, loss, valid_loss, valid_error, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Epoch, e.Loss, e.ValidLoss, e.ValidError, e.Elapsed.Milliseconds(),
	)
	return errors.Wrap(err, "record epoch")
}

// RecordPredictions saves the results for a run in a single transaction.
func (d *DB) RecordPredictions(preds []Prediction) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "record predictions")
	}
	stmt, err := tx.Prepare(`
		INSERT INTO predictions (run_id, path, label, predicted, nb0, nb1, uncertain, mean_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "record predictions")
	}
	defer stmt.Close()
	for _, p := range preds {
		if _, err = stmt.Exec(p.RunID, p.Path, p.Label, p.Predicted, p.Nb0, p.Nb1, p.Uncertain, p.MeanScore); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record prediction for %s", p.Path)
		}
	}
	return errors.Wrap(tx.Commit(), "record predictions")
}

// GetRun looks up a run by id.
func (d *DB) GetRun(runID int64) (*Run, error) {
	r := &Run{}
	var finished sql.NullTime
	err := d.db.QueryRow(`
		SELECT id, topology, epochs, batch_size, patch_size, stride, param_count, status, started_at, finished_at
		FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.Topology, &r.Epochs, &r.BatchSize, &r.PatchSize, &r.Stride, &r.ParamCount, &r.Status,
		&r.StartedAt, &finished)
	if err != nil {
		return nil, errors.Wrapf(err, "get run %d", runID)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	return r, nil
}

// Epochs returns the stats recorded for the run in epoch order.
func (d *DB) Epochs(runID int64) ([]Epoch, error) {
	rows, err := d.db.Query(`
		SELECT run_id, epoch, loss, valid_loss, valid_error, elapsed_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query epochs")
	}
	defer rows.Close()
	var res []Epoch
	for rows.Next() {
		var e Epoch
		var ms int64
		if err = rows.Scan(&e.RunID, &e.Epoch, &e.Loss, &e.ValidLoss, &e.ValidError, &ms); err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		e.Elapsed = time.Duration(ms) * time.Millisecond
		res = append(res, e)
	}
	return res, errors.Wrap(rows.Err(), "query epochs")
}

// Predictions returns the saved results for the run in insertion order.
func (d *DB) Predictions(runID int64) ([]Prediction, error) {
	rows, err := d.db.Query(`
		SELECT run_id, path, label, predicted, nb0, nb1, uncertain, mean_score
		FROM predictions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query predictions")
	}
	defer rows.Close()
	var res []Prediction
	for rows.Next() {
		var p Prediction
		if err = rows.Scan(&p.RunID, &p.Path, &p.Label, &p.Predicted, &p.Nb0, &p.Nb1, &p.Uncertain, &p.MeanScore); err != nil {
			return nil, errors.Wrap(err, "scan prediction")
		}
		res = append(res, p)
	}
	return res, errors.Wrap(rows.Err(), "query predictions")
}

// Accuracy returns the fraction of correctly classified images for the run.
func (d *DB) Accuracy(runID int64) (float64, error) {
	var acc sql.NullFloat64
	err := d.db.QueryRow(`
		SELECT AVG(CASE WHEN label = predicted THEN 1.0 ELSE 0.0 END)
		FROM predictions WHERE run_id = ?`, runID).Scan(&acc)
	if err != nil {
		return 0, errors.Wrap(err, "query accuracy")
	}
	return acc.Float64, nil
}
