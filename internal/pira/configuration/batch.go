package configuration

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/G-Research/pira/internal/batch/backend"
	"github.com/G-Research/pira/internal/batch/slurm"
	"github.com/G-Research/pira/internal/common"
	"github.com/G-Research/pira/internal/common/validation"
)

// BatchConfig describes how batch-bound items are submitted and measured.
type BatchConfig struct {
	Job     slurm.JobSubmissionConfig
	Backend backend.Config
	REST    slurm.RESTConfig
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Backend: backend.Config{
			Interface:    backend.InterfaceOS,
			Timing:       backend.TimingTimer,
			ArtifactDir:  ".",
			PollInterval: slurm.DefaultPollInterval,
		},
		REST: slurm.RESTConfig{
			APIVersion:   slurm.DefaultRESTAPIVersion,
			PollInterval: slurm.DefaultPollInterval,
		},
	}
}

// LoadBatchConfig reads the batch configuration from path on top of the defaults.
func LoadBatchConfig(path string, overrides ...string) (BatchConfig, error) {
	config := DefaultBatchConfig()
	if _, err := common.LoadConfig(&config, path, overrides); err != nil {
		return BatchConfig{}, err
	}
	if err := config.Validate(); err != nil {
		return BatchConfig{}, errors.WithMessagef(err, "invalid batch configuration %s", path)
	}
	return config, nil
}

func (c BatchConfig) Validate() error {
	var result *multierror.Error
	if err := c.Job.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := validation.ValidateStruct(&c.Backend); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Backend.Interface == backend.InterfaceREST && c.REST.URL == "" {
		result = multierror.Append(result, errors.New("rest interface requires REST.URL"))
	}
	return result.ErrorOrNil()
}

func (c BatchConfig) PollInterval() time.Duration {
	if c.Backend.PollInterval > 0 {
		return c.Backend.PollInterval
	}
	return slurm.DefaultPollInterval
}
