package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLite persists records to a sqlite database file. Tables are created if missing so
// that records of earlier invocations survive.
type SQLite struct {
	db   *sql.DB
	lock sync.Mutex
}

func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dir)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db %s", path)
	}
	// A second connection to :memory: would see an empty database.
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

// Setup creates the tables.
func (s *SQLite) Setup(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS application (
			AppID TEXT PRIMARY KEY,
			AppName TEXT,
			GlobalFlavor TEXT,
			GlobalSubmitter TEXT)`,
		`CREATE TABLE IF NOT EXISTS builds (
			BuildID TEXT PRIMARY KEY,
			BuildName TEXT,
			Prefix TEXT,
			Flavors TEXT,
			AppName TEXT)`,
		`CREATE TABLE IF NOT EXISTS items (
			ItemID TEXT PRIMARY KEY,
			ItemName TEXT,
			AnalyzerFunctor TEXT,
			BuilderFunctor TEXT,
			RunArgs TEXT,
			RunnerFunctor TEXT,
			SubmitterFunctor TEXT,
			ExperimentDir TEXT,
			BuildName TEXT)`,
		`CREATE TABLE IF NOT EXISTS experiment (
			ExperimentID TEXT PRIMARY KEY,
			BenchmarkName TEXT,
			Iteration INT,
			Instrumented INT,
			ArtifactPath TEXT,
			Runtime REAL,
			ItemID TEXT,
			Seq INTEGER)`,
		`CREATE INDEX IF NOT EXISTS idx_experiment_item ON experiment (ItemID, Iteration)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "error creating sqlite tables")
		}
	}
	return nil
}

func (s *SQLite) exec(ctx context.Context, stmt string, args ...interface{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (s *SQLite) AddApplication(ctx context.Context, app Application) error {
	return s.exec(ctx, "INSERT INTO application VALUES (?, ?, ?, ?)",
		app.ID, app.Name, app.GlobalFlavor, app.GlobalSubmitter)
}

func (s *SQLite) AddBuild(ctx context.Context, build Build) error {
	return s.exec(ctx, "INSERT INTO builds VALUES (?, ?, ?, ?, ?)",
		build.ID, build.Name, build.Prefix, build.Flavors, build.AppName)
}

func (s *SQLite) AddItem(ctx context.Context, item Item) error {
	return s.exec(ctx, "INSERT INTO items VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		item.ID, item.Name, item.AnalyzerFunctor, item.BuilderFunctor, item.RunArgs,
		item.RunnerFunctor, item.SubmitterFunctor, item.ExperimentDir, item.BuildName)
}

func (s *SQLite) AddExperiment(ctx context.Context, e Experiment) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	instrumented := 0
	if e.Instrumented {
		instrumented = 1
	}
	return s.exec(ctx, `INSERT INTO experiment VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COUNT(*) FROM experiment))`,
		e.ID, e.BenchmarkName, e.Iteration, instrumented, e.ArtifactPath, e.Runtime, e.ItemID)
}

const experimentColumns = "ExperimentID, BenchmarkName, Iteration, Instrumented, ArtifactPath, Runtime, ItemID"

func scanExperiment(scan func(dest ...interface{}) error) (Experiment, error) {
	var e Experiment
	var instrumented int
	if err := scan(&e.ID, &e.BenchmarkName, &e.Iteration, &instrumented, &e.ArtifactPath, &e.Runtime, &e.ItemID); err != nil {
		return Experiment{}, err
	}
	e.Instrumented = instrumented != 0
	return e, nil
}

func (s *SQLite) Baseline(ctx context.Context, itemID string) (Experiment, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+experimentColumns+" FROM experiment WHERE ItemID = ? AND Iteration = ? ORDER BY Seq DESC LIMIT 1",
		itemID, BaselineIteration)
	e, err := scanExperiment(row.Scan)
	if err == sql.ErrNoRows {
		return Experiment{}, false, nil
	} else if err != nil {
		return Experiment{}, false, errors.WithStack(err)
	}
	return e, true, nil
}

func (s *SQLite) Experiments(ctx context.Context, itemID string) ([]Experiment, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+experimentColumns+" FROM experiment WHERE ItemID = ? ORDER BY Seq", itemID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var experiments []Experiment
	for rows.Next() {
		e, err := scanExperiment(rows.Scan)
		if err != nil {
			return experiments, errors.WithStack(err)
		}
		experiments = append(experiments, e)
	}
	if err := rows.Err(); err != nil {
		return experiments, errors.WithStack(err)
	}
	return experiments, nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		log.Warnf("error closing database: %v", err)
		return errors.WithStack(err)
	}
	return nil
}
