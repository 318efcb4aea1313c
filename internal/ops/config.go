package ops

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Load starts from the
// defaults and overlays whatever the YAML file provides; the auth token
// can additionally be overridden through the environment.
type Config struct {
	Network struct {
		PubsubPort   uint16 `yaml:"pubsub_port"`
		CtrlHTTPPort uint16 `yaml:"ctrl_http_port"`
	} `yaml:"network"`

	Security struct {
		Token string `yaml:"token"`
	} `yaml:"security"`

	Storage struct {
		Dir           string `yaml:"dir"`
		RollBytes     int64  `yaml:"roll_bytes"`
		IndexInterval int    `yaml:"index_interval"`
	} `yaml:"storage"`

	Metrics struct {
		HistogramBucketsNs []uint64 `yaml:"histogram_buckets_ns"`
	} `yaml:"metrics"`

	Pipeline struct {
		NormalizerThreads int `yaml:"normalizer_threads"`
		RecorderFsyncMs   int `yaml:"recorder_fsync_ms"`
		FeedQueueSize     int `yaml:"feed_queue_size"`
		FrameQueueSize    int `yaml:"frame_queue_size"`
		RecordQueueSize   int `yaml:"record_queue_size"`
	} `yaml:"pipeline"`

	Feeds struct {
		DefaultSymbols []string `yaml:"default_symbols"`
		MockEnabled    bool     `yaml:"mock_enabled"`
		L1Rate         uint32   `yaml:"l1_rate"`
		L2Rate         uint32   `yaml:"l2_rate"`
		TradeRate      uint32   `yaml:"trade_rate"`
	} `yaml:"feeds"`

	Profiling struct {
		Enabled       bool   `yaml:"enabled"`
		ServerAddress string `yaml:"server_address"`
	} `yaml:"profiling"`
}

// Default returns the baseline configuration.
func Default() Config {
	var cfg Config
	cfg.Network.PubsubPort = 9100
	cfg.Network.CtrlHTTPPort = 8080
	cfg.Security.Token = "devtoken"
	cfg.Storage.Dir = "./data"
	cfg.Storage.RollBytes = 2 << 30
	cfg.Storage.IndexInterval = 10000
	cfg.Metrics.HistogramBucketsNs = []uint64{
		100_000, 500_000, 1_000_000, 2_000_000, 5_000_000, 10_000_000,
	}
	cfg.Pipeline.NormalizerThreads = 4
	cfg.Pipeline.RecorderFsyncMs = 50
	cfg.Pipeline.FeedQueueSize = 100000
	cfg.Pipeline.FrameQueueSize = 100000
	cfg.Pipeline.RecordQueueSize = 100000
	cfg.Feeds.DefaultSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	cfg.Feeds.MockEnabled = true
	return cfg
}

// Load reads a YAML config file over the defaults. A missing file yields
// the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if token := os.Getenv("MD_AUTH_TOKEN"); token != "" {
		cfg.Security.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration validity.
func (c Config) Validate() error {
	if c.Security.Token == "" {
		return fmt.Errorf("security token is empty")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage dir is empty")
	}
	if c.Storage.RollBytes <= 0 {
		return fmt.Errorf("roll_bytes must be > 0")
	}
	if c.Storage.IndexInterval <= 0 {
		return fmt.Errorf("index_interval must be > 0")
	}
	if c.Pipeline.NormalizerThreads <= 0 {
		return fmt.Errorf("normalizer_threads must be > 0")
	}
	if c.Pipeline.RecorderFsyncMs < 0 {
		return fmt.Errorf("recorder_fsync_ms must be >= 0")
	}
	if len(c.Feeds.DefaultSymbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	return nil
}
