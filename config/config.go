// Package config loads socketbox's runtime configuration from the
// environment, grounded on the teacher's root config.go: caarlos0/env
// struct tags with defaults, optional godotenv loading, explicit
// Validate/LogConfig methods.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every SOCKETBOX_* setting recognized by this broker
// (spec.md §6, SPEC_FULL.md §6.1). All keys are optional; a default
// direct exchange and a disabled cluster/kafka bridge are the no-config
// baseline.
type Config struct {
	// Transport
	Addr        string `env:"SOCKETBOX_ADDR" envDefault:":3002"`
	HeartBeatMS int    `env:"SOCKETBOX_HEARTBEAT_MS" envDefault:"10000"`
	MetricsAddr string `env:"SOCKETBOX_METRICS_ADDR" envDefault:":9090"`
	DebugMode   bool   `env:"SOCKETBOX_DEBUG_MODE" envDefault:"false"`

	// Capacity and admission control (resources.Guard)
	MaxConnections          int     `env:"SOCKETBOX_MAX_CONNECTIONS" envDefault:"500"`
	MaxGoroutines           int     `env:"SOCKETBOX_MAX_GOROUTINES" envDefault:"4000"`
	CPURejectThresholdPct   float64 `env:"SOCKETBOX_CPU_REJECT_THRESHOLD_PCT" envDefault:"90"`
	CPUPauseThresholdPct    float64 `env:"SOCKETBOX_CPU_PAUSE_THRESHOLD_PCT" envDefault:"75"`
	MemRejectThresholdBytes int64   `env:"SOCKETBOX_MEM_REJECT_THRESHOLD_BYTES" envDefault:"1073741824"`
	BroadcastRateLimit      float64 `env:"SOCKETBOX_BROADCAST_RATE_LIMIT" envDefault:"2000"`
	BroadcastRateBurst      int     `env:"SOCKETBOX_BROADCAST_RATE_BURST" envDefault:"200"`
	KafkaRateLimit          float64 `env:"SOCKETBOX_KAFKA_RATE_LIMIT" envDefault:"1000"`
	KafkaRateBurst          int     `env:"SOCKETBOX_KAFKA_RATE_BURST" envDefault:"100"`

	// Connection-attempt rate limiting (resources.ConnRateLimiter), ahead
	// of the saturation-based checks above
	ConnRateIPPerSec     float64 `env:"SOCKETBOX_CONN_RATE_IP_PER_SEC" envDefault:"1"`
	ConnRateIPBurst      int     `env:"SOCKETBOX_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateGlobalPerSec float64 `env:"SOCKETBOX_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50"`
	ConnRateGlobalBurst  int     `env:"SOCKETBOX_CONN_RATE_GLOBAL_BURST" envDefault:"300"`

	// Logging
	LogLevel  string `env:"SOCKETBOX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SOCKETBOX_LOG_FORMAT" envDefault:"json"`

	// Cache provider
	CacheProvider string `env:"SOCKETBOX_CACHE_PROVIDER" envDefault:"memory"`
	NATSURL       string `env:"SOCKETBOX_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSKVBucket  string `env:"SOCKETBOX_NATS_KV_BUCKET" envDefault:"socketbox-cluster"`

	// Kafka bridge (disabled when Brokers is empty)
	KafkaBrokers       string `env:"SOCKETBOX_KAFKA_BROKERS" envDefault:""`
	KafkaTopic         string `env:"SOCKETBOX_KAFKA_TOPIC" envDefault:""`
	KafkaConsumerGroup string `env:"SOCKETBOX_KAFKA_CONSUMER_GROUP" envDefault:"socketbox"`
	KafkaDestination   string `env:"SOCKETBOX_KAFKA_DESTINATION" envDefault:"direct/kafka"`
	KafkaWorkers       int    `env:"SOCKETBOX_KAFKA_WORKERS" envDefault:"4"`

	// ExchangesConfigPath points at an optional YAML file describing the
	// exchange graph (exchanges.<name>.class/bindings/type) and internal
	// subscriptions beyond the implicit default direct exchange (spec.md
	// §6). Nested maps don't fit caarlos0/env's flat struct tags, so this
	// one corner of configuration is a side file rather than more env
	// vars; see LoadExchanges.
	ExchangesConfigPath string `env:"SOCKETBOX_EXCHANGES_CONFIG" envDefault:""`

	// Cluster
	ClusterEnable                       bool   `env:"SOCKETBOX_CLUSTER_ENABLE" envDefault:"false"`
	ClusterName                         string `env:"SOCKETBOX_CLUSTER_NAME" envDefault:""`
	ClusterSecret                       string `env:"SOCKETBOX_CLUSTER_SECRET" envDefault:""`
	ClusterPeers                        string `env:"SOCKETBOX_CLUSTER_PEERS" envDefault:""`
	ClusterCachePrefix                  string `env:"SOCKETBOX_CLUSTER_CACHE_PREFIX" envDefault:""`
	ClusterPeerConnectionTimeoutSeconds int    `env:"SOCKETBOX_CLUSTER_PEER_CONNECTION_TIMEOUT_SECONDS" envDefault:"5"`
	ClusterPeerIdleTimeoutSeconds       int    `env:"SOCKETBOX_CLUSTER_PEER_IDLE_TIMEOUT_SECONDS" envDefault:"60"`
	ClusterDefaultRPCTimeoutSeconds     int    `env:"SOCKETBOX_CLUSTER_DEFAULT_RPC_TIMEOUT_SECONDS" envDefault:"15"`

	Environment string `env:"SOCKETBOX_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment, then validates it (spec.md §6, mirrors teacher's
// LoadConfig: ENV vars > .env file > defaults).
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency (spec.md §6).
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SOCKETBOX_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SOCKETBOX_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SOCKETBOX_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SOCKETBOX_LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}

	validCaches := map[string]bool{"memory": true, "nats": true}
	if !validCaches[c.CacheProvider] {
		return fmt.Errorf("SOCKETBOX_CACHE_PROVIDER must be one of: memory, nats (got: %s)", c.CacheProvider)
	}
	if c.CacheProvider == "nats" && c.NATSURL == "" {
		return fmt.Errorf("SOCKETBOX_NATS_URL is required when SOCKETBOX_CACHE_PROVIDER=nats")
	}

	if c.CPURejectThresholdPct < c.CPUPauseThresholdPct {
		return fmt.Errorf("SOCKETBOX_CPU_REJECT_THRESHOLD_PCT (%v) must be >= SOCKETBOX_CPU_PAUSE_THRESHOLD_PCT (%v)", c.CPURejectThresholdPct, c.CPUPauseThresholdPct)
	}

	if c.ClusterEnable {
		if c.ClusterName == "" {
			return fmt.Errorf("SOCKETBOX_CLUSTER_NAME is required when clustering is enabled")
		}
		if c.ClusterSecret == "" {
			return fmt.Errorf("SOCKETBOX_CLUSTER_SECRET is required when clustering is enabled")
		}
	}
	return nil
}

// PeerList splits ClusterPeers on commas, trimming blanks.
func (c *Config) PeerList() []string {
	return splitTrimmed(c.ClusterPeers)
}

// KafkaBrokerList splits KafkaBrokers on commas, trimming blanks.
func (c *Config) KafkaBrokerList() []string {
	return splitTrimmed(c.KafkaBrokers)
}

// KafkaTopicList splits KafkaTopic on commas, trimming blanks. The
// kafka bridge is enabled only when both KafkaBrokers and at least one
// topic are configured.
func (c *Config) KafkaTopicList() []string {
	return splitTrimmed(c.KafkaTopic)
}

// KafkaBridgeEnabled reports whether the kafka bridge has enough
// configuration to start.
func (c *Config) KafkaBridgeEnabled() bool {
	return c.KafkaBrokers != "" && len(c.KafkaTopicList()) > 0
}

func splitTrimmed(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HeartBeat returns the configured heart-beat as a time.Duration.
func (c *Config) HeartBeat() time.Duration {
	return time.Duration(c.HeartBeatMS) * time.Millisecond
}

// LogConfig logs the loaded configuration via structured logging
// (spec.md §6, mirrors teacher's LogConfig; secret fields are omitted).
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("heartbeat_ms", c.HeartBeatMS).
		Int("max_connections", c.MaxConnections).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold_pct", c.CPURejectThresholdPct).
		Float64("cpu_pause_threshold_pct", c.CPUPauseThresholdPct).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("cache_provider", c.CacheProvider).
		Bool("kafka_bridge_enabled", c.KafkaBridgeEnabled()).
		Bool("cluster_enable", c.ClusterEnable).
		Str("cluster_name", c.ClusterName).
		Int("cluster_peer_count", len(c.PeerList())).
		Str("exchanges_config_path", c.ExchangesConfigPath).
		Msg("configuration loaded")
}
