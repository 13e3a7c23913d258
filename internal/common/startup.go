package common

import (
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/G-Research/pira/internal/common/config"
)

const envPrefix = "PIRA"

// LoadConfig reads defaultPath (if set), merges every override file on top of it and
// unmarshals the result into target using the custom decode hooks.
// Environment variables prefixed with PIRA_ override file values for known keys.
func LoadConfig(target interface{}, defaultPath string, overrides []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if defaultPath != "" {
		path, err := ExpandPath(defaultPath)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", path)
		}
		log.Debugf("Read config from %s", v.ConfigFileUsed())
	}

	for _, override := range overrides {
		path, err := ExpandPath(override)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error merging config from %s", path)
		}
		log.Debugf("Merged config from %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(target, config.CustomHooks...); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling config")
	}
	return v, nil
}

// ExpandPath resolves a leading ~ to the current user's home directory.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not expand path %s", path)
	}
	return expanded, nil
}

func ConfigureCommandLineLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// SetLogLevel parses level (e.g. "debug", "info") and applies it to the standard logger.
func SetLogLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return errors.WithStack(err)
	}
	log.SetLevel(l)
	return nil
}
