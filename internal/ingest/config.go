package ingest

import "time"

// Config contains configuration options that control how the
// coordinator claims and processes ingestion jobs.
type Config struct {
	// Controls the number of workers in this process. Each worker
	// owns at most one job at a time.
	Workers int `yaml:"workers" env:"INGEST_WORKERS" env-default:"2" validate:"min=1"`

	// Workers that find no eligible job sleep for this long before
	// claiming again (unless woken by a submission).
	PollInterval time.Duration `yaml:"poll_interval" env:"INGEST_POLL_INTERVAL" env-default:"5s"`

	// How often a worker renews the lock on the job it owns. Must be
	// comfortably shorter than the store's stale threshold.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"INGEST_HEARTBEAT_INTERVAL" env-default:"1m"`

	// Total attempts (including the first) before a retryable failure
	// becomes terminal.
	MaxAttempts int `yaml:"max_attempts" env:"INGEST_MAX_ATTEMPTS" env-default:"5" validate:"min=1"`

	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"INGEST_RETRY_BASE_DELAY" env-default:"30s"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" env:"INGEST_RETRY_MAX_DELAY" env-default:"30m"`

	// When false (the default) a failed transcode falls back to
	// uploading the original file.
	FailOnTranscodeError bool `yaml:"fail_on_transcode_error" env:"INGEST_FAIL_ON_TRANSCODE_ERROR" env-default:"false"`

	// WorkerPrefix identifies this process in job locks. Defaults to
	// <hostname>-<pid>.
	WorkerPrefix string `yaml:"worker_prefix" env:"INGEST_WORKER_PREFIX"`
}

// retryDelay returns the backoff before the next attempt of a job that has
// already been retried the number of times provided.
func (config *Config) retryDelay(retryCount int) time.Duration {
	delay := config.RetryBaseDelay
	for i := 0; i < retryCount && delay < config.RetryMaxDelay; i++ {
		delay *= 2
	}

	if config.RetryMaxDelay > 0 && delay > config.RetryMaxDelay {
		return config.RetryMaxDelay
	}

	return delay
}
