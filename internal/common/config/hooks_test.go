package config

import (
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/pira/internal/batch/modules"
	"github.com/G-Research/pira/internal/batch/slurm"
)

type decoded struct {
	MailType  slurm.MailType
	MailTypes []slurm.MailType
	Modules   []modules.Module
	Interval  time.Duration
	Tags      []string
}

func decode(t *testing.T, input map[string]interface{}) (decoded, error) {
	var out decoded
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			MailTypesHookFunc(),
			MailTypeHookFunc(),
			ModuleHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result: &out,
	})
	require.NoError(t, err)
	return out, decoder.Decode(input)
}

func TestHooks(t *testing.T) {
	out, err := decode(t, map[string]interface{}{
		"mailType":  "fail",
		"mailTypes": "BEGIN, end",
		"modules": []interface{}{
			"gcc/10.2",
			map[string]interface{}{"name": "cmake", "dependencies": []interface{}{"gcc"}},
		},
		"interval": "30s",
		"tags":     "a,b",
	})
	require.NoError(t, err)
	assert.Equal(t, slurm.MailFail, out.MailType)
	assert.Equal(t, []slurm.MailType{slurm.MailBegin, slurm.MailEnd}, out.MailTypes)
	assert.Equal(t, []modules.Module{
		{Name: "gcc", Version: "10.2"},
		{Name: "cmake", Dependencies: []string{"gcc"}},
	}, out.Modules)
	assert.Equal(t, 30*time.Second, out.Interval)
	assert.Equal(t, []string{"a", "b"}, out.Tags)
}

func TestHooks_MailTypeList(t *testing.T) {
	out, err := decode(t, map[string]interface{}{"mailTypes": []interface{}{"ALL"}})
	require.NoError(t, err)
	assert.Equal(t, []slurm.MailType{slurm.MailAll}, out.MailTypes)
}

func TestHooks_MailTypeString(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected []slurm.MailType
	}{
		"single":     {input: "END", expected: []slurm.MailType{slurm.MailEnd}},
		"two":        {input: "FAIL,END", expected: []slurm.MailType{slurm.MailFail, slurm.MailEnd}},
		"lower case": {input: "fail", expected: []slurm.MailType{slurm.MailFail}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := decode(t, map[string]interface{}{"mailTypes": tc.input})
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out.MailTypes)
		})
	}
}

func TestHooks_TypedMailType(t *testing.T) {
	out, err := decode(t, map[string]interface{}{"mailType": slurm.MailEnd})
	require.NoError(t, err)
	assert.Equal(t, slurm.MailEnd, out.MailType)
}

func TestHooks_UnknownMailType(t *testing.T) {
	_, err := decode(t, map[string]interface{}{"mailTypes": "FAIL,SOMETIMES"})
	assert.Error(t, err)
}
