package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"mcstream/native/internal/api"
	"mcstream/native/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	StreamName  string
	Creds       domain.CredentialSet
	MetricsAddr string
	Options     Options
}

// Options are the tunables read from MC_OPTIONS_FILE. Zero values leave the
// session defaults in place.
type Options struct {
	Stereo            bool          `yaml:"stereo"`
	DTX               bool          `yaml:"dtx"`
	Codec             string        `yaml:"codec"`
	SourceID          string        `yaml:"sourceId"`
	LegacyAV1         bool          `yaml:"legacyAv1"`
	ProjectionTimeout time.Duration `yaml:"projectionTimeout"`
	StatsInterval     time.Duration `yaml:"statsInterval"`
	FirstRetryDelay   time.Duration `yaml:"firstRetryDelay"`
	RetryInterval     time.Duration `yaml:"retryInterval"`
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	name := os.Getenv("MC_STREAM_NAME")
	if name == "" {
		return nil, fmt.Errorf("MC_STREAM_NAME environment variable is required")
	}

	cfg := &Config{
		StreamName: name,
		Creds: domain.CredentialSet{
			AccountID:      os.Getenv("MC_ACCOUNT_ID"),
			PublishURL:     envOr("MC_PUBLISH_URL", api.DefaultPublishURL),
			PublishToken:   os.Getenv("MC_PUBLISH_TOKEN"),
			SubscribeURL:   envOr("MC_SUBSCRIBE_URL", api.DefaultSubscribeURL),
			SubscribeToken: os.Getenv("MC_SUBSCRIBE_TOKEN"),
		},
		MetricsAddr: os.Getenv("MC_METRICS_ADDR"),
	}

	if path := os.Getenv("MC_OPTIONS_FILE"); path != "" {
		opts, err := LoadOptions(path)
		if err != nil {
			return nil, err
		}
		cfg.Options = opts
	}
	return cfg, nil
}

// LoadOptions decodes a YAML options file. An empty file yields zero Options.
func LoadOptions(path string) (Options, error) {
	var opts Options
	f, err := os.Open(path)
	if err != nil {
		return opts, fmt.Errorf("open options file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return opts, fmt.Errorf("parse options file %s: %w", path, err)
	}
	return opts, nil
}

// Credentials returns the url/token pair for role.
func (c *Config) Credentials(role domain.Role) domain.Credentials {
	return c.Creds.ForRole(role)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
