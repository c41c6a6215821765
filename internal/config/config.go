// Package config loads the named stream definitions served by the agent.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type Stream struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	// Combined routes stderr into the stream along with stdout.
	Combined bool `yaml:"combined"`
	// ChunkSize bounds the bytes read per readiness callback. Zero means the supervisor default.
	ChunkSize int `yaml:"chunk_size"`
}

type Config struct {
	Streams []Stream `yaml:"streams"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML config. Unknown fields are rejected.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	// an empty document decodes to io.EOF
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, s := range c.Streams {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("streams[%d]: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("streams[%d]: command is required", i))
		}
		if s.ChunkSize < 0 {
			errs = append(errs, fmt.Errorf("streams[%d]: chunk_size must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Lookup(name string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}
