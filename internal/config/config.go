// Package config loads and validates the blueshift configuration file
// (etc/config.edn by default).
package config

import (
	"os"
	"regexp"

	"github.com/pkg/errors"
	"olympos.io/encoding/edn"

	"blueshift/internal/templating"
)

// PollInterval is the base sleep plus a random jitter component, both in
// seconds. Jitter spreads scans from many watchers over the interval.
type PollInterval struct {
	Seconds       int `edn:"seconds"`
	RandomSeconds int `edn:"random-seconds"`
}

// S3 configures bucket discovery.
type S3 struct {
	Bucket       string       `edn:"bucket"`
	KeyPattern   string       `edn:"key-pattern"`
	PollInterval PollInterval `edn:"poll-interval"`
}

// StatusDB configures the side database used to stamp per-file lifecycle
// labels. Absent block disables stamping globally.
type StatusDB struct {
	Host     string `edn:"host"`
	Port     int    `edn:"port"`
	DBName   string `edn:"dbname"`
	User     string `edn:"user"`
	Password string `edn:"password"`
	Schema   string `edn:"schema"`
	Table    string `edn:"table"`
}

// Config is the decoded configuration file.
type Config struct {
	S3       S3        `edn:"s3"`
	StatusDB *StatusDB `edn:"status-db"`

	// KeyRegexp is KeyPattern compiled during validation.
	KeyRegexp *regexp.Regexp `edn:"-"`
}

// Load reads, templates, decodes and validates the configuration file.
// {{NAME}} placeholders anywhere in the file are substituted from the
// environment before decoding.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return Parse([]byte(templating.Render(string(raw))))
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := edn.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.S3.Bucket == "" {
		return errors.New("config: s3 bucket is required")
	}
	if c.S3.KeyPattern == "" {
		return errors.New("config: s3 key-pattern is required")
	}
	re, err := regexp.Compile(c.S3.KeyPattern)
	if err != nil {
		return errors.Wrapf(err, "config: key-pattern %q", c.S3.KeyPattern)
	}
	c.KeyRegexp = re
	if c.S3.PollInterval.Seconds <= 0 {
		return errors.New("config: poll-interval seconds must be positive")
	}
	if c.S3.PollInterval.RandomSeconds < 0 {
		return errors.New("config: poll-interval random-seconds must not be negative")
	}
	if db := c.StatusDB; db != nil {
		if db.Host == "" || db.DBName == "" || db.User == "" {
			return errors.New("config: status-db requires host, dbname and user")
		}
		if db.Port == 0 {
			db.Port = 5432
		}
		if db.Schema == "" || db.Table == "" {
			return errors.New("config: status-db requires schema and table")
		}
	}
	return nil
}
