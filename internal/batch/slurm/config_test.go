package slurm

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

func configurationFields(t *testing.T, err error) []string {
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr), "expected a multierror, got %v", err)
	var fields []string
	for _, e := range merr.Errors {
		var nested *multierror.Error
		if errors.As(e, &nested) {
			fields = append(fields, configurationFields(t, nested)...)
			continue
		}
		var cfgErr *piraerrors.ErrConfiguration
		require.True(t, errors.As(e, &cfgErr), "expected a configuration error, got %v", e)
		fields = append(fields, cfgErr.Field)
	}
	return fields
}

func TestValidate_Valid(t *testing.T) {
	config := testArrayConfig()
	assert.NoError(t, config.Validate())
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	config := JobSubmissionConfig{
		JobHardwareConfig: JobHardwareConfig{MemPerCPU: 100},
		Time:              "soon",
		ArrayStart:        intPtr(1),
		MailUser:          "user@example.com",
	}
	fields := configurationFields(t, config.Validate())
	assert.ElementsMatch(t, []string{"JobHardwareConfig.NTasks", "JobHardwareConfig.CPUsPerTask", "Time", "ArrayStart/ArrayEnd", "MailTypes"}, fields)
}

func TestValidate_ArrayBounds(t *testing.T) {
	config := testConfig()
	config.ArrayStart = intPtr(5)
	config.ArrayEnd = intPtr(2)
	assert.Equal(t, []string{"ArrayEnd"}, configurationFields(t, config.Validate()))
}

func TestValidate_UnknownMailType(t *testing.T) {
	config := testConfig()
	config.MailTypes = []MailType{"SOMETIMES"}
	assert.Equal(t, []string{"MailTypes"}, configurationFields(t, config.Validate()))
}

func TestParseMailType(t *testing.T) {
	mailType, err := ParseMailType(" fail ")
	require.NoError(t, err)
	assert.Equal(t, MailFail, mailType)

	_, err = ParseMailType("never")
	var cfgErr *piraerrors.ErrConfiguration
	assert.True(t, errors.As(err, &cfgErr))
}

func TestArrayIndices(t *testing.T) {
	config := testConfig()
	assert.Nil(t, config.ArrayIndices())

	config.ArrayStart = intPtr(2)
	config.ArrayEnd = intPtr(9)
	config.ArrayStep = 3
	assert.Equal(t, []int{2, 5, 8}, config.ArrayIndices())

	config.ArrayStep = 0
	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, config.ArrayIndices())
}
