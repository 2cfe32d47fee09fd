package s3

import (
	"time"
)

// Config represents S3 provider configuration
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ArchiveClass is the storage class objects are returned to on refreeze.
	ArchiveClass string `yaml:"archive_class"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 60 * time.Second,
		ArchiveClass:   TierGlacier,
	}
}

func (c *Config) applyDefaults() {
	d := NewDefaultConfig()
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ArchiveClass == "" {
		c.ArchiveClass = d.ArchiveClass
	}
}
