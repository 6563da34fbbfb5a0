package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seqlab/delta"
)

// Duration decodes yaml durations like "30s".
type Duration time.Duration

func (self *Duration) UnmarshalYAML(value *yaml.Node) error {
	var durationStr string
	if err := value.Decode(&durationStr); err != nil {
		return err
	}
	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		return err
	}
	*self = Duration(duration)
	return nil
}

type DaemonConfig struct {
	Listen string `yaml:"listen"`
	// empty disables token verification
	TokenSecret string `yaml:"token_secret"`
	StorePath   string `yaml:"store_path"`
	// cadence of observer checkpoints into the store
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	// checkpoints kept per session after pruning
	CheckpointKeep int             `yaml:"checkpoint_keep"`
	MaxRecordBytes delta.ByteCount `yaml:"max_record_bytes"`
}

func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Listen:             "127.0.0.1:8600",
		StorePath:          "delta.db",
		CheckpointInterval: Duration(30 * time.Second),
		CheckpointKeep:     8,
		MaxRecordBytes:     64 * 1024,
	}
}

// LoadDaemonConfig reads a yaml config. Absent fields keep their defaults.
// An empty path returns the defaults.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	config := DefaultDaemonConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	// reject unknown fields to catch typos
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			return config, nil
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *DaemonConfig) Validate() error {
	if self.Listen == "" {
		return fmt.Errorf("listen required")
	}
	if self.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive")
	}
	if self.CheckpointKeep < 1 {
		return fmt.Errorf("checkpoint_keep must be at least 1")
	}
	if self.MaxRecordBytes < 1 {
		return fmt.Errorf("max_record_bytes must be positive")
	}
	return nil
}
