package workdir

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// With changes the process working directory to dir, calls fn and changes back to the
// previous directory on every return path, including panics.
// An error restoring the directory is returned if fn itself succeeded.
func With(dir string, fn func() error) (err error) {
	previous, err := os.Getwd()
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.Chdir(dir); err != nil {
		return errors.Wrapf(err, "could not change to directory %s", dir)
	}
	log.Debugf("Changed working directory to %s", dir)
	defer func() {
		if restoreErr := os.Chdir(previous); restoreErr != nil {
			log.Errorf("Could not restore working directory %s: %v", previous, restoreErr)
			if err == nil {
				err = errors.Wrapf(restoreErr, "could not restore working directory %s", previous)
			}
		}
	}()
	return fn()
}

// Guard records the current working directory so it can be restored later with Restore.
type Guard struct {
	dir string
}

func NewGuard() (*Guard, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Guard{dir: dir}, nil
}

func (g *Guard) Dir() string {
	return g.dir
}

func (g *Guard) Restore() {
	if err := os.Chdir(g.dir); err != nil {
		log.Errorf("Could not restore working directory %s: %v", g.dir, err)
	}
}
