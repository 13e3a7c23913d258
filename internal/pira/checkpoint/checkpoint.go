// Package checkpoint persists the record of an outstanding batch measurement so that a
// later invocation can pick the iteration loop up where the submitting process left it.
package checkpoint

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

const DefaultPath = "./queued_job.tmp"

const fieldCount = 9

// Record is written as one field per line in declaration order.
type Record struct {
	JobID         int
	BenchmarkName string
	Iteration     int
	Instrumented  bool
	ArtifactPath  string
	ItemID        string
	Build         string
	Item          string
	Flavor        string
}

func (r Record) lines() []string {
	instrumented := "0"
	if r.Instrumented {
		instrumented = "1"
	}
	return []string{
		strconv.Itoa(r.JobID),
		r.BenchmarkName,
		strconv.Itoa(r.Iteration),
		instrumented,
		r.ArtifactPath,
		r.ItemID,
		r.Build,
		r.Item,
		r.Flavor,
	}
}

func parseRecord(lines []string) (Record, error) {
	if len(lines) != fieldCount {
		return Record{}, errors.Errorf("expected %d fields, found %d", fieldCount, len(lines))
	}
	jobID, err := strconv.Atoi(lines[0])
	if err != nil {
		return Record{}, errors.Wrap(err, "invalid job id")
	}
	iteration, err := strconv.Atoi(lines[2])
	if err != nil {
		return Record{}, errors.Wrap(err, "invalid iteration")
	}
	var instrumented bool
	switch lines[3] {
	case "0":
	case "1":
		instrumented = true
	default:
		return Record{}, errors.Errorf("invalid instrumentation flag %q", lines[3])
	}
	return Record{
		JobID:         jobID,
		BenchmarkName: lines[1],
		Iteration:     iteration,
		Instrumented:  instrumented,
		ArtifactPath:  lines[4],
		ItemID:        lines[5],
		Build:         lines[6],
		Item:          lines[7],
		Flavor:        lines[8],
	}, nil
}

// Store keeps at most one checkpoint at Path.
type Store struct {
	Path string
}

func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath
	}
	return &Store{Path: path}
}

// Save writes the record. It fails with ErrCheckpointExists if a checkpoint is already
// outstanding, since two outstanding batch jobs cannot share one store.
func (s *Store) Save(record Record) error {
	lines := record.lines()
	for i, line := range lines {
		if strings.Contains(line, "\n") {
			return errors.Errorf("checkpoint field %d contains a newline", i)
		}
	}
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return errors.WithStack(&piraerrors.ErrCheckpointExists{Path: s.Path})
	}
	if err != nil {
		return errors.Wrapf(err, "cannot create checkpoint %s", s.Path)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return errors.Wrapf(err, "cannot write checkpoint %s", s.Path)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "cannot write checkpoint %s", s.Path)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	log.WithFields(log.Fields{"path": s.Path, "jobId": record.JobID}).Info("Wrote checkpoint")
	return nil
}

func (s *Store) Load() (Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Record{}, errors.Wrapf(err, "cannot read checkpoint %s", s.Path)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	record, err := parseRecord(lines)
	if err != nil {
		return Record{}, errors.WithMessagef(err, "malformed checkpoint %s", s.Path)
	}
	return record, nil
}

func (s *Store) Exists() (bool, error) {
	info, err := os.Stat(s.Path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	if info.IsDir() {
		return false, errors.Errorf("checkpoint path %s is a directory", s.Path)
	}
	return true, nil
}

// Written returns when the outstanding checkpoint was saved.
func (s *Store) Written() (time.Time, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	return info.ModTime(), nil
}

func (s *Store) Remove() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}

// Consume loads the checkpoint and removes it.
func (s *Store) Consume() (Record, error) {
	record, err := s.Load()
	if err != nil {
		return Record{}, err
	}
	if err := s.Remove(); err != nil {
		return Record{}, err
	}
	log.WithFields(log.Fields{"path": s.Path, "jobId": record.JobID}).Info("Consumed checkpoint")
	return record, nil
}
