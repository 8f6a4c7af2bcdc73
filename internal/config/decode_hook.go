package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Swind/go-dispatch/core"
)

// DecodeHook will be called by Viper while constructing the config object.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(), // default hook
		mapstructure.StringToSliceHookFunc(","),     // default hook
	)
}

// Load reads configFile, if set, over the flag values bound into v and
// decodes the result. Flags given explicitly on the command line win over
// the file.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error while reading the config file: %w", err)
		}
	}

	var c Config
	err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook()), func(decoderConfig *mapstructure.DecoderConfig) {
		decoderConfig.TagName = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("error while unmarshaling the config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// String renders c as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(out)
}

// SchedulerConfig converts the pool policy into a core config with the given
// handlers. Nil handlers are filled with defaults by the scheduler.
func (c *Config) SchedulerConfig(logger core.Logger, metrics core.Metrics) *core.SchedulerConfig {
	return &core.SchedulerConfig{
		MinWorkers:      c.Scheduler.MinWorkers,
		MaxWorkers:      c.Scheduler.MaxWorkers,
		IdleTimeout:     c.Scheduler.IdleTimeout,
		HistoryCapacity: c.Scheduler.HistoryCapacity,
		Logger:          logger,
		Metrics:         metrics,
	}
}
