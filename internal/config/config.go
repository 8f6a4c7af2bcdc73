// Package config holds the settings of the dispatch-playground binary: the
// scheduler pool policy, logging, metrics export and debug switches. Values
// come from flags and an optional YAML file merged through viper.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Swind/go-dispatch/core"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`

	Debug DebugConfig `yaml:"debug"`

	// Queues are created at startup in addition to the main and root queues.
	Queues []QueueConfig `yaml:"queues"`
}

type SchedulerConfig struct {
	MinWorkers int `yaml:"min-workers"`

	MaxWorkers int `yaml:"max-workers"`

	IdleTimeout time.Duration `yaml:"idle-timeout"`

	HistoryCapacity int `yaml:"history-capacity"`

	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`

	Format string `yaml:"format"`

	FilePath string `yaml:"file-path"`

	LogRotate LogRotateConfig `yaml:"log-rotate"`
}

type LogRotateConfig struct {
	MaxFileSizeMb int `yaml:"max-file-size-mb"`

	BackupFileCount int `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`
}

type MetricsConfig struct {
	// Exporter is one of "none", "prometheus" or "otel".
	Exporter string `yaml:"exporter"`

	Address string `yaml:"address"`

	PollInterval time.Duration `yaml:"poll-interval"`
}

type DebugConfig struct {
	InvariantChecking bool `yaml:"invariant-checking"`
}

type QueueConfig struct {
	Label string `yaml:"label"`

	Discipline core.Discipline `yaml:"discipline"`

	QoS core.QoSClass `yaml:"qos"`

	Width int `yaml:"width"`
}

// BindFlags registers every flag on flagSet and binds it into a new viper
// instance under its config-file key.
func BindFlags(flagSet *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	defaults := core.DefaultSchedulerConfig()

	bindings := []struct {
		key    string
		define func()
		flag   string
	}{
		{"scheduler.min-workers", func() {
			flagSet.IntP("min-workers", "", defaults.MinWorkers, "Workers started eagerly and never retired.")
		}, "min-workers"},
		{"scheduler.max-workers", func() {
			flagSet.IntP("max-workers", "", defaults.MaxWorkers, "Upper bound on pool workers.")
		}, "max-workers"},
		{"scheduler.idle-timeout", func() {
			flagSet.DurationP("idle-timeout", "", defaults.IdleTimeout, "Workers above min-workers exit after this long without work. 0 disables retiring.")
		}, "idle-timeout"},
		{"scheduler.history-capacity", func() {
			flagSet.IntP("history-capacity", "", defaults.HistoryCapacity, "Execution records kept per queue.")
		}, "history-capacity"},
		{"scheduler.shutdown-timeout", func() {
			flagSet.DurationP("shutdown-timeout", "", 5*time.Second, "How long a graceful shutdown may drain before queued work is cancelled.")
		}, "shutdown-timeout"},
		{"logging.severity", func() {
			flagSet.StringP("log-severity", "", "info", "Specifies the logging severity expressed as one of [trace, debug, info, warning, error, off]")
		}, "log-severity"},
		{"logging.format", func() {
			flagSet.StringP("log-format", "", "text", "The format of the log output: text or json.")
		}, "log-format"},
		{"logging.file-path", func() {
			flagSet.StringP("log-file", "", "", "Write logs to this rotated file instead of stderr.")
		}, "log-file"},
		{"logging.log-rotate.max-file-size-mb", func() {
			flagSet.IntP("log-rotate-max-file-size-mb", "", 512, "The maximum size in megabytes a log file can reach before it is rotated.")
		}, "log-rotate-max-file-size-mb"},
		{"logging.log-rotate.backup-file-count", func() {
			flagSet.IntP("log-rotate-backup-file-count", "", 10, "The maximum number of rotated log files to retain. 0 retains all.")
		}, "log-rotate-backup-file-count"},
		{"logging.log-rotate.compress", func() {
			flagSet.BoolP("log-rotate-compress", "", true, "Compress rotated log files with gzip.")
		}, "log-rotate-compress"},
		{"metrics.exporter", func() {
			flagSet.StringP("metrics-exporter", "", "none", "Metrics backend: none, prometheus or otel.")
		}, "metrics-exporter"},
		{"metrics.address", func() {
			flagSet.StringP("metrics-address", "", ":9464", "Listen address of the /metrics endpoint.")
		}, "metrics-address"},
		{"metrics.poll-interval", func() {
			flagSet.DurationP("metrics-poll-interval", "", time.Second, "How often queue and pool gauges are sampled.")
		}, "metrics-poll-interval"},
		{"debug.invariant-checking", func() {
			flagSet.BoolP("debug_invariants", "", false, "Check queue and group invariants on every lock and panic on violation.")
		}, "debug_invariants"},
	}

	for _, b := range bindings {
		b.define()
		if err := v.BindPFlag(b.key, flagSet.Lookup(b.flag)); err != nil {
			return nil, err
		}
	}
	return v, nil
}
