package database

import (
	"fmt"
	"time"
)

// Config is a subset of the configuration focusing solely
// on database connection items
type Config struct {
	User     string `yaml:"username" env:"DB_USERNAME" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-default:"postgres"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"INGEST_DB"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`

	// ConnectAttempts controls how many times the manager will
	// ping the database before giving up.
	ConnectAttempts int           `yaml:"connect_attempts" env:"DB_CONNECT_ATTEMPTS" env-default:"5"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"DB_RETRY_DELAY" env-default:"3s"`
	LogQueries      bool          `yaml:"log_queries" env:"DB_LOG_QUERIES" env-default:"false"`
}

func (config Config) DSN() string {
	return fmt.Sprintf(SqlConnectionString, config.Host, config.User, config.Password, config.Name, config.Port)
}
