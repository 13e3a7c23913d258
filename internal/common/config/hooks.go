package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/G-Research/pira/internal/batch/modules"
	"github.com/G-Research/pira/internal/batch/slurm"
)

// Viper keeps only the last DecodeHook option, so every hook goes into a single composed one.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		MailTypesHookFunc(),
		MailTypeHookFunc(),
		ModuleHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

func MailTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(slurm.MailNone) {
			return data, nil
		}
		// Elements of a list produced by MailTypesHookFunc arrive here already typed.
		return slurm.ParseMailType(reflect.ValueOf(data).String())
	}
}

// MailTypesHookFunc accepts "FAIL,END" as shorthand for a list of mail types.
func MailTypesHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]slurm.MailType{}) {
			return data, nil
		}
		raw := strings.TrimSpace(reflect.ValueOf(data).String())
		if raw == "" {
			return []slurm.MailType{}, nil
		}
		parts := strings.Split(raw, ",")
		types := make([]slurm.MailType, 0, len(parts))
		for _, part := range parts {
			mailType, err := slurm.ParseMailType(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			types = append(types, mailType)
		}
		return types, nil
	}
}

// ModuleHookFunc decodes a "name/version" reference into a module without dependencies.
func ModuleHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(modules.Module{}) {
			return data, nil
		}
		return modules.Parse(reflect.ValueOf(data).String()), nil
	}
}
