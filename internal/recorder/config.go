package recorder

import (
	"fmt"
	"time"
)

const (
	defaultRollBytes     int64 = 2 << 30
	defaultIndexInterval       = 10000
	defaultFsyncInterval       = 50 * time.Millisecond
	defaultBatchSize           = 100
)

// Config controls the recorder.
type Config struct {
	Dir           string
	RollBytes     int64
	IndexInterval int
	FsyncInterval time.Duration
	BatchSize     int
}

// DefaultConfig returns a baseline recorder configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		RollBytes:     defaultRollBytes,
		IndexInterval: defaultIndexInterval,
		FsyncInterval: defaultFsyncInterval,
		BatchSize:     defaultBatchSize,
	}
}

func (c Config) withDefaults() Config {
	if c.RollBytes == 0 {
		c.RollBytes = defaultRollBytes
	}
	if c.IndexInterval == 0 {
		c.IndexInterval = defaultIndexInterval
	}
	if c.FsyncInterval == 0 {
		c.FsyncInterval = defaultFsyncInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid recorder config: Dir is empty")
	}
	if c.RollBytes <= 0 {
		return fmt.Errorf("invalid recorder config: RollBytes must be > 0")
	}
	if c.IndexInterval <= 0 {
		return fmt.Errorf("invalid recorder config: IndexInterval must be > 0")
	}
	if c.FsyncInterval < 0 {
		return fmt.Errorf("invalid recorder config: FsyncInterval must be >= 0")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid recorder config: BatchSize must be > 0")
	}
	return nil
}
