package internal

import (
	"errors"
	"fmt"

	"github.com/darklight-media/darklight/internal/activity"
	"github.com/darklight-media/darklight/internal/database"
	"github.com/darklight-media/darklight/internal/download"
	"github.com/darklight-media/darklight/internal/event"
	"github.com/darklight-media/darklight/internal/fetch"
	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/internal/pipeline"
	"github.com/darklight-media/darklight/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// DarklightConfig is the struct used to contain the
// various user config supplied by file and/or the
// environment.
type DarklightConfig struct {
	Database      database.DatabaseConfig `yaml:"database"`
	Bus           event.Config            `yaml:"bus"`
	ObjectStorage storage.Config          `yaml:"object_storage"`
	Fetch         fetch.Config            `yaml:"fetch"`
	Queue         download.Config         `yaml:"queue"`
	Concurrency   pipeline.Config         `yaml:"concurrency"`
	Metrics       metrics.Config          `yaml:"metrics"`
	Activity      activity.Config         `yaml:"activity"`
	LogLevel      string                  `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

// LoadFromFile reads a configuration file formatted in YAML in to the
// config, with environment variables taking precedence. If no path is given
// the config is read from the environment alone. The resulting config
// is validated before returning.
func (config *DarklightConfig) LoadFromFile(configPath string) error {
	if configPath == "" {
		if err := cleanenv.ReadEnv(config); err != nil {
			return fmt.Errorf("%w: failed to read configuration from environment: %w", ErrInvalidConfig, err)
		}
	} else {
		path, err := homedir.Expand(configPath)
		if err != nil {
			return fmt.Errorf("%w: cannot expand config path %s: %w", ErrInvalidConfig, configPath, err)
		}

		if err := cleanenv.ReadConfig(path, config); err != nil {
			return fmt.Errorf("%w: failed to load configuration from %s: %w", ErrInvalidConfig, path, err)
		}
	}

	return config.Validate()
}

// Validate checks every section of the config against its validation tags,
// and that the sections agree with each other.
func (config *DarklightConfig) Validate() error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// The sweep removes working directories by age alone, so a fetch must be
	// killed before its directory can be swept from underneath it.
	if config.Fetch.Timeout <= 0 || config.Fetch.Timeout >= config.Queue.StaleAfter {
		return fmt.Errorf("%w: fetch.timeout (%s) must be positive and shorter than queue.stale_after (%s)", ErrInvalidConfig, config.Fetch.Timeout, config.Queue.StaleAfter)
	}

	return nil
}
