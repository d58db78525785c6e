package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration parses "30s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ServerAddr  string `yaml:"server_addr"`
	DatabaseURL string `yaml:"database_url"`

	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`

	Blob BlobConfig `yaml:"blob"`

	MaxUploadBytes   int64    `yaml:"max_upload_bytes"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`

	WorkerCount      int      `yaml:"worker_count"`
	MaxAttempts      int      `yaml:"max_attempts"`
	JobTimeout       Duration `yaml:"job_timeout"`
	ExtractorTimeout Duration `yaml:"extractor_timeout"`
	RetryBackoffBase Duration `yaml:"retry_backoff_base"`
	RetryBackoffCap  Duration `yaml:"retry_backoff_cap"`
}

type BlobConfig struct {
	// Backend is one of "fs", "minio".
	Backend string `yaml:"backend"`
	FSRoot  string `yaml:"fs_root"`
	Minio   struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "config.LoadConfig"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "image-metadata-jobs"
	}
	if c.Blob.Backend == "" {
		c.Blob.Backend = "fs"
	}
	if c.Blob.FSRoot == "" {
		c.Blob.FSRoot = "./storage/blobs"
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 20 << 20
	}
	if len(c.AllowedMimeTypes) == 0 {
		c.AllowedMimeTypes = []string{"image/jpeg", "image/png", "image/webp", "image/tiff"}
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = 4
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = Duration(30 * time.Second)
	}
	if c.ExtractorTimeout == 0 {
		c.ExtractorTimeout = Duration(5 * time.Second)
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = Duration(250 * time.Millisecond)
	}
	if c.RetryBackoffCap == 0 {
		c.RetryBackoffCap = Duration(10 * time.Second)
	}
}
