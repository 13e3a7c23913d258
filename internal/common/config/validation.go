package config

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

// LogValidationErrors logs every configuration error contained in err on its own line.
func LogValidationErrors(err error) {
	if err == nil {
		return
	}
	var errs []error
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.Errors
	} else {
		errs = []error{err}
	}
	for _, err := range errs {
		var configErr *piraerrors.ErrConfiguration
		if !errors.As(err, &configErr) {
			log.Errorf("ConfigError: %v", err)
			continue
		}
		if configErr.Value == nil || configErr.Value == "" {
			log.Errorf("ConfigError: Field %s %s", configErr.Field, configErr.Message)
		} else {
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", configErr.Field, configErr.Value, configErr.Message)
		}
	}
}
