package objectstore

import "time"

// Config contains the credentials and endpoints used to talk to the
// backing blob service.
type Config struct {
	KeyID          string `yaml:"key_id" env:"STORE_KEY_ID" validate:"required"`
	ApplicationKey string `yaml:"application_key" env:"STORE_APPLICATION_KEY" validate:"required"`
	BucketID       string `yaml:"bucket_id" env:"STORE_BUCKET_ID" validate:"required"`
	BucketName     string `yaml:"bucket_name" env:"STORE_BUCKET_NAME" validate:"required"`
	AuthURL        string `yaml:"auth_url" env:"STORE_AUTH_URL" env-default:"https://api.backblazeb2.com" validate:"url"`

	// PublicURL, when set, is used as the prefix for the public URLs
	// of uploaded files (e.g. a CDN in front of the bucket). Otherwise
	// the download URL returned during authorization is used.
	PublicURL string `yaml:"public_url" env:"STORE_PUBLIC_URL"`

	TokenTTL       time.Duration `yaml:"token_ttl" env:"STORE_TOKEN_TTL" env-default:"23h"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"STORE_REQUEST_TIMEOUT" env-default:"30m"`
}
