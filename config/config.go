package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	ChainWatch ChainWatchConfig `yaml:"chainwatch"`
}

// ChainWatchConfig is the project configuration.
type ChainWatchConfig struct {
	Sources []SourceConfig `yaml:"sources"`
	Cursor  CursorConfig   `yaml:"cursor"`
	Dedup   DedupConfig    `yaml:"dedup"`
	Queue   QueueConfig    `yaml:"queue"`
	Scoring ScoringConfig  `yaml:"scoring"`
	Lookup  LookupConfig   `yaml:"lookup"`
	Storage StorageConfig  `yaml:"storage"`
	Alerts  AlertConfig    `yaml:"alerts"`
	Observe ObserveConfig  `yaml:"observe"`
	Logging LoggingConfig  `yaml:"logging"`
}

// SourceConfig describes one monitored ledger or index.
type SourceConfig struct {
	Name             string           `yaml:"name"`
	Kind             string           `yaml:"kind"` // evm|solana|subgraph
	Endpoints        []EndpointConfig `yaml:"endpoints"`
	Subscriptions    []string         `yaml:"subscriptions"`
	StartPosition    uint64           `yaml:"start_position"`
	ChunkSize        uint64           `yaml:"chunk_size"`
	PollInterval     time.Duration    `yaml:"poll_interval"`
	ProbeInterval    time.Duration    `yaml:"probe_interval"`
	FailureThreshold int              `yaml:"failure_threshold"`
	Currency         string           `yaml:"currency"`
}

// EndpointConfig describes one network endpoint of a source.
type EndpointConfig struct {
	URL      string        `yaml:"url"`
	Priority int           `yaml:"priority"`
	Weight   int           `yaml:"weight"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CursorConfig controls cursor persistence.
type CursorConfig struct {
	Mode  string      `yaml:"mode"` // redis|memory
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds shared Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DedupConfig controls the idempotency gate in front of the queue.
type DedupConfig struct {
	Mode       string        `yaml:"mode"` // memory|redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// QueueConfig controls the dispatch queue and its worker pool.
type QueueConfig struct {
	Workers     int            `yaml:"workers"`
	MaxAttempts int            `yaml:"max_attempts"`
	BackoffBase time.Duration  `yaml:"backoff_base"`
	BackoffMax  time.Duration  `yaml:"backoff_max"`
	Priority    PriorityConfig `yaml:"priority"`
}

// PriorityConfig tunes the enqueue-time priority function. Thresholds are
// configuration, not logic: units follow the canonical event's normalized
// amount.
type PriorityConfig struct {
	LargeAmount             float64 `yaml:"large_amount"`
	LargeAmountBoost        int     `yaml:"large_amount_boost"`
	CrossSourceBoost        int     `yaml:"cross_source_boost"`
	UnknownCounterpartBoost int     `yaml:"unknown_counterpart_boost"`
}

// ScoringConfig controls rule evaluation.
type ScoringConfig struct {
	AlertThreshold   int           `yaml:"alert_threshold"`
	ValueThreshold   float64       `yaml:"value_threshold"`
	ValueScore       int           `yaml:"value_score"`
	VelocityWindow   time.Duration `yaml:"velocity_window"`
	VelocityLimit    int           `yaml:"velocity_limit"`
	VelocityScore    int           `yaml:"velocity_score"`
	PatternRulesPath string        `yaml:"pattern_rules_path"`
	PatternScore     int           `yaml:"pattern_score"`
}

// LookupConfig controls the sanctions/PEP lookup client.
type LookupConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	ListedScore int           `yaml:"listed_score"`
}

// StorageConfig controls scored-event persistence.
type StorageConfig struct {
	Mode     string         `yaml:"mode"` // postgres|memory
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds the Postgres connection string.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AlertConfig controls alert delivery.
type AlertConfig struct {
	Mode string           `yaml:"mode"` // file|http|nats
	File FileOutputConfig `yaml:"file"`
	HTTP HTTPOutputConfig `yaml:"http"`
	NATS NATSOutputConfig `yaml:"nats"`
}

// FileOutputConfig config for local JSONL output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for webhook output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// NATSOutputConfig config for NATS output.
type NATSOutputConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ObserveConfig controls the observability HTTP server.
type ObserveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.ChainWatch.Sources))
	for i := range c.ChainWatch.Sources {
		src := &c.ChainWatch.Sources[i]
		if src.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("duplicate source name: %s", src.Name)
		}
		seen[src.Name] = struct{}{}
		if len(src.Endpoints) == 0 {
			return fmt.Errorf("source %s: at least one endpoint is required", src.Name)
		}
		switch src.Kind {
		case "evm", "solana", "subgraph":
		default:
			return fmt.Errorf("source %s: unknown kind %q", src.Name, src.Kind)
		}
	}
	return nil
}
