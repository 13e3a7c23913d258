package validation

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

type hardware struct {
	NTasks int    `validate:"gte=1"`
	Shell  string `validate:"required"`
	Mode   string `validate:"omitempty,oneof=os timer"`
}

func TestValidateStruct_Valid(t *testing.T) {
	assert.NoError(t, ValidateStruct(&hardware{NTasks: 1, Shell: "/bin/bash"}))
}

func TestValidateStruct_ReportsEveryField(t *testing.T) {
	err := ValidateStruct(&hardware{Mode: "pyslurm"})
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 3)

	fields := map[string]bool{}
	for _, e := range merr.Errors {
		var cfgErr *piraerrors.ErrConfiguration
		require.True(t, errors.As(e, &cfgErr))
		fields[cfgErr.Field] = true
	}
	assert.Equal(t, map[string]bool{"NTasks": true, "Shell": true, "Mode": true}, fields)
}
