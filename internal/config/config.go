// Package config loads the engine's layered runtime configuration:
// built-in defaults, then an optional YAML config file, then environment
// variables, then any explicit flag overrides bound by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the engine's full runtime configuration.
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr" yaml:"listen_addr"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	StagingDir   string `mapstructure:"staging_dir" yaml:"staging_dir"`

	QueueCapacity    int `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	QueueSoftReserve int `mapstructure:"queue_soft_reserve" yaml:"queue_soft_reserve"`
	WorkerCount      int `mapstructure:"worker_count" yaml:"worker_count"`

	TaskTimeout   time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	QueueIdleWake time.Duration `mapstructure:"queue_idle_wake" yaml:"queue_idle_wake"`

	Device              string  `mapstructure:"device" yaml:"device"`
	ModelMemoryMarginGB float64 `mapstructure:"model_memory_margin_gb" yaml:"model_memory_margin_gb"`
	StrictMemoryCheck   bool    `mapstructure:"strict_memory_check" yaml:"strict_memory_check"`

	DefaultLanguage string `mapstructure:"default_language" yaml:"default_language"`
}

const envPrefix = "TRANSCRIBE"

// flagBindings maps CLI flag names onto config keys, so a flag set bound by
// Load overrides the file and environment layers the way viper intends.
var flagBindings = map[string]string{
	"listen":  "listen_addr",
	"workers": "worker_count",
}

// Load reads configuration from defaults, the optional config file at
// configPath (or ./config.yaml when empty), TRANSCRIBE_*-prefixed
// environment variables, and finally any explicitly set flags in flags
// (which may be nil). A .env file in the working directory is loaded first
// so local runs behave like deployed ones.
func Load(configPath string, flags *pflag.FlagSet) (Config, error) {
	LoadDotEnv(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flagName, key := range flagBindings {
			if f := flags.Lookup(flagName); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind flag %q: %w", flagName, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %q: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read config.yaml: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	// STRICT_MEMORY_CHECK is honored under its literal, unprefixed name as
	// well, since existing deployments already set it that way.
	if raw, ok := os.LookupEnv("STRICT_MEMORY_CHECK"); ok {
		cfg.StrictMemoryCheck = parseBool(raw)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("database_path", "data/transcribe.db")
	v.SetDefault("staging_dir", "data/staging")
	v.SetDefault("queue_capacity", 25)
	v.SetDefault("queue_soft_reserve", 5)
	v.SetDefault("worker_count", 3)
	v.SetDefault("task_timeout", 2*time.Hour)
	v.SetDefault("queue_idle_wake", 30*time.Second)
	v.SetDefault("device", "cpu")
	v.SetDefault("model_memory_margin_gb", 0.5)
	v.SetDefault("strict_memory_check", false)
	v.SetDefault("default_language", "uk")
}

func (c Config) validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queue_capacity must be positive")
	}
	if c.QueueSoftReserve < 0 || c.QueueSoftReserve >= c.QueueCapacity {
		return fmt.Errorf("config: queue_soft_reserve must be in [0, queue_capacity)")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: worker_count must be positive")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("config: task_timeout must be positive")
	}
	return nil
}

// LoadDotEnv reads KEY=VALUE lines from path into the process environment,
// skipping blanks, comments, and keys that are already set (real environment
// wins over the file).
func LoadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}

// Example renders the full configuration surface as a YAML document with
// every default filled in, for `transcribe-engine config example`.
func (c Config) Example() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("config: marshal example: %w", err)
	}
	return string(out), nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
