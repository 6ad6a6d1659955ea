package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of the run command.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// Retain is how many statements accumulate before a batch is sent.
	Retain int `yaml:"retain"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// Statements run before any script file.
	Statements []string `yaml:"statements"`
}

func defaultConfig() Config {
	return Config{
		Retain:   0,
		LogLevel: "warn",
	}
}

// loadConfig reads a config file on top of the defaults. Unknown keys are
// rejected.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DSN == "" {
		return errors.New("no connection string: set dsn in the config file, --dsn or PQPIPE_DSN")
	}
	if c.Retain < 0 {
		return fmt.Errorf("retain must not be negative, got %d", c.Retain)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
