package internal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/clipvault/ingest/internal/api"
	"github.com/clipvault/ingest/internal/catalog"
	"github.com/clipvault/ingest/internal/database"
	"github.com/clipvault/ingest/internal/fetch"
	"github.com/clipvault/ingest/internal/ffmpeg"
	"github.com/clipvault/ingest/internal/ingest"
	"github.com/clipvault/ingest/internal/objectstore"
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// ConfigPathEnv names the environment variable consulted for the
// configuration file when no path is supplied on the command line.
const ConfigPathEnv = "INGEST_CONFIG"

// Config is the struct used to contain the various user config
// supplied by file and/or environment variables.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	Database    database.Config    `yaml:"database"`
	ObjectStore objectstore.Config `yaml:"object_store"`
	Catalog     catalog.Config     `yaml:"catalog"`
	Fetch       fetch.Config       `yaml:"fetch"`
	FFmpeg      ffmpeg.Config      `yaml:"ffmpeg"`
	Ingest      ingest.Config      `yaml:"ingest"`
	API         api.RestConfig     `yaml:"api"`

	// StaleThreshold is how long a processing job may go without a
	// heartbeat before another worker may reclaim it.
	StaleThreshold time.Duration `yaml:"stale_threshold" env:"JOBS_STALE_THRESHOLD" env-default:"10m"`
}

// LoadConfig reads the YAML configuration found at the path provided (falling
// back to $INGEST_CONFIG), overlays the environment and validates the result.
// When neither a path nor the env var is set, configuration is read from the
// environment alone.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}

	config := newDefaultConfig()
	if path == "" {
		if err := cleanenv.ReadEnv(config); err != nil {
			return nil, fmt.Errorf("failed to read configuration from environment: %w", err)
		}
	} else {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand configuration path %s: %w", path, err)
		}

		if err := cleanenv.ReadConfig(expanded, config); err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", expanded, err)
		}
	}

	if err := config.expandPaths(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// newDefaultConfig seeds the boolean settings which default to true. cleanenv
// applies env-default to any zero-valued field, which would override an
// explicit "false" read from the file.
func newDefaultConfig() *Config {
	config := &Config{}
	config.FFmpeg.Enabled = true
	config.Catalog.UseAdvisoryLock = true

	return config
}

// Validate checks the struct tags of every section, and the relationships
// between sections which cannot be expressed as tags.
func (config *Config) Validate() error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if config.Ingest.HeartbeatInterval >= config.StaleThreshold {
		return fmt.Errorf(
			"invalid configuration: heartbeat interval (%s) must be shorter than the stale threshold (%s)",
			config.Ingest.HeartbeatInterval, config.StaleThreshold,
		)
	}

	if config.Ingest.RetryMaxDelay < config.Ingest.RetryBaseDelay {
		return errors.New("invalid configuration: retry max delay must not be shorter than the base delay")
	}

	// Encoder options are free-form in the file, so decode them now rather
	// than discovering a typo on the first transcode.
	if _, err := ffmpeg.DecodeOptions(config.FFmpeg.EncoderOptions); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func (config *Config) expandPaths() error {
	for _, path := range []*string{&config.Fetch.TempDir, &config.FFmpeg.FfmpegBinPath, &config.FFmpeg.FfprobeBinPath} {
		expanded, err := homedir.Expand(*path)
		if err != nil {
			return fmt.Errorf("failed to expand path %s: %w", *path, err)
		}

		*path = expanded
	}

	return nil
}
