package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the gateway
type Config struct {
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Explorer  ExplorerConfig  `yaml:"explorer"`
	Node      NodeConfig      `yaml:"node"`
	Feed      FeedConfig      `yaml:"feed"`
	GasOracle GasOracleConfig `yaml:"gas_oracle"`
	TxHistory TxHistoryConfig `yaml:"tx_history"`
	Cache     CacheConfig     `yaml:"cache"`
	Retry     RetryConfig     `yaml:"retry"`
	Redis     RedisConfig     `yaml:"redis"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig holds REST and WebSocket server configuration
type APIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// RateLimit is the per-IP requests per second; 0 disables limiting
	RateLimit      float64 `yaml:"rate_limit"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	WebSocketPath  string  `yaml:"websocket_path"`
	MaxClients     int     `yaml:"max_clients"`
}

// IndexerConfig points at the blockbook-style indexer (Source A)
type IndexerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExplorerConfig points at the etherscan-style explorer (Source B)
type ExplorerConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit is the explorer quota in requests per second
	RateLimit float64 `yaml:"rate_limit"`
}

// NodeConfig points at the node JSON-RPC endpoint
type NodeConfig struct {
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// FeedConfig selects the upstream event feed
type FeedConfig struct {
	// Type is "blockbook" (direct websocket) or "redis" (relayed events)
	Type string `yaml:"type"`
	// URL is the blockbook websocket endpoint, required for the blockbook type
	URL string `yaml:"url"`
	// Relay republishes blockbook events to redis for reader replicas
	Relay         bool          `yaml:"relay"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	ChannelPrefix string        `yaml:"channel_prefix"`
}

// GasOracleConfig holds fee window configuration
type GasOracleConfig struct {
	TotalBlocks int `yaml:"total_blocks"`
}

// TxHistoryConfig selects the tx history engine
type TxHistoryConfig struct {
	// Mode is "merged" (indexer + explorer) or "indexer" (indexer + node traces)
	Mode string `yaml:"mode"`
}

// CacheConfig holds the confirmed transaction cache configuration
type CacheConfig struct {
	// Backend is one of "none", "memory", "pebble", "redis"
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	Capacity uint64        `yaml:"capacity"`
	Path     string        `yaml:"path"`
}

// RetryConfig holds upstream retry configuration
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// RedisConfig is shared by the redis cache backend and the redis feed
type RedisConfig struct {
	Addresses   []string      `yaml:"addresses"`
	Password    string        `yaml:"password,omitempty"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ClusterMode bool          `yaml:"cluster_mode"`
}

// NewConfig creates a config populated with defaults
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills every zero value with its default
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = constants.DefaultReadTimeout
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = constants.DefaultWriteTimeout
	}
	if c.API.ShutdownTimeout == 0 {
		c.API.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
	if c.API.AllowedOrigins == nil {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.API.RateLimitBurst == 0 {
		c.API.RateLimitBurst = constants.DefaultRateLimitBurst
	}
	if c.API.WebSocketPath == "" {
		c.API.WebSocketPath = constants.DefaultWebSocketPath
	}
	if c.API.MaxClients == 0 {
		c.API.MaxClients = constants.DefaultWSMaxClients
	}

	// Upstream defaults
	if c.Indexer.Timeout == 0 {
		c.Indexer.Timeout = constants.DefaultUpstreamTimeout
	}
	if c.Explorer.Timeout == 0 {
		c.Explorer.Timeout = constants.DefaultUpstreamTimeout
	}
	if c.Explorer.RateLimit == 0 {
		c.Explorer.RateLimit = constants.DefaultExplorerRateLimit
	}
	if c.Node.Timeout == 0 {
		c.Node.Timeout = constants.DefaultUpstreamTimeout
	}

	// Feed defaults
	if c.Feed.Type == "" {
		c.Feed.Type = "blockbook"
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = constants.DefaultFeedPingInterval
	}
	if c.Feed.ReconnectMax == 0 {
		c.Feed.ReconnectMax = constants.DefaultFeedReconnectMax
	}
	if c.Feed.ChannelPrefix == "" {
		c.Feed.ChannelPrefix = constants.DefaultRedisChannelPrefix
	}

	if c.GasOracle.TotalBlocks == 0 {
		c.GasOracle.TotalBlocks = constants.DefaultTotalBlocks
	}
	if c.TxHistory.Mode == "" {
		c.TxHistory.Mode = "merged"
	}

	// Cache defaults
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = constants.DefaultCacheTTL
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = constants.DefaultCacheCapacity
	}

	// Retry defaults
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxRetries
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = constants.DefaultRetryDelay
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = constants.DefaultMaxRetryDelay
	}
	if c.Retry.BreakerFailures == 0 {
		c.Retry.BreakerFailures = constants.DefaultBreakerFailures
	}
	if c.Retry.BreakerTimeout == 0 {
		c.Retry.BreakerTimeout = constants.DefaultBreakerTimeout
	}

	// Redis defaults
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
}

// LoadFromEnv overrides configuration from GATEWAY_* environment variables
func (c *Config) LoadFromEnv() error {
	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("GATEWAY_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// API configuration
	if host := os.Getenv("GATEWAY_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("GATEWAY_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_API_PORT: %w", err)
		}
		c.API.Port = val
	}
	if cors := os.Getenv("GATEWAY_API_ENABLE_CORS"); cors != "" {
		val, err := strconv.ParseBool(cors)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_API_ENABLE_CORS: %w", err)
		}
		c.API.EnableCORS = val
	}
	if limit := os.Getenv("GATEWAY_API_RATE_LIMIT"); limit != "" {
		val, err := strconv.ParseFloat(limit, 64)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_API_RATE_LIMIT: %w", err)
		}
		c.API.RateLimit = val
	}

	// Upstream configuration
	if url := os.Getenv("GATEWAY_INDEXER_URL"); url != "" {
		c.Indexer.URL = url
	}
	if url := os.Getenv("GATEWAY_EXPLORER_URL"); url != "" {
		c.Explorer.URL = url
	}
	if key := os.Getenv("GATEWAY_EXPLORER_API_KEY"); key != "" {
		c.Explorer.APIKey = key
	}
	if url := os.Getenv("GATEWAY_NODE_RPC_URL"); url != "" {
		c.Node.RPCURL = url
	}
	if timeout := os.Getenv("GATEWAY_NODE_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_NODE_TIMEOUT: %w", err)
		}
		c.Node.Timeout = duration
	}

	// Feed configuration
	if feedType := os.Getenv("GATEWAY_FEED_TYPE"); feedType != "" {
		c.Feed.Type = feedType
	}
	if url := os.Getenv("GATEWAY_FEED_URL"); url != "" {
		c.Feed.URL = url
	}
	if relay := os.Getenv("GATEWAY_FEED_RELAY"); relay != "" {
		val, err := strconv.ParseBool(relay)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_FEED_RELAY: %w", err)
		}
		c.Feed.Relay = val
	}

	if blocks := os.Getenv("GATEWAY_GAS_ORACLE_TOTAL_BLOCKS"); blocks != "" {
		val, err := strconv.Atoi(blocks)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_GAS_ORACLE_TOTAL_BLOCKS: %w", err)
		}
		c.GasOracle.TotalBlocks = val
	}
	if mode := os.Getenv("GATEWAY_TX_HISTORY_MODE"); mode != "" {
		c.TxHistory.Mode = mode
	}

	// Cache configuration
	if backend := os.Getenv("GATEWAY_CACHE_BACKEND"); backend != "" {
		c.Cache.Backend = backend
	}
	if path := os.Getenv("GATEWAY_CACHE_PATH"); path != "" {
		c.Cache.Path = path
	}
	if ttl := os.Getenv("GATEWAY_CACHE_TTL"); ttl != "" {
		duration, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = duration
	}

	// Redis configuration
	if addrs := os.Getenv("GATEWAY_REDIS_ADDRESSES"); addrs != "" {
		c.Redis.Addresses = strings.Split(addrs, ",")
	}
	if password := os.Getenv("GATEWAY_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}
	if c.API.RateLimit < 0 {
		return fmt.Errorf("API rate limit cannot be negative")
	}

	if c.Indexer.URL == "" {
		return fmt.Errorf("indexer url is required")
	}
	if c.Node.RPCURL == "" {
		return fmt.Errorf("node rpc url is required")
	}

	validModes := map[string]bool{
		"merged":  true,
		"indexer": true,
	}
	if !validModes[c.TxHistory.Mode] {
		return fmt.Errorf("invalid tx history mode %q, must be one of: merged, indexer", c.TxHistory.Mode)
	}
	if c.TxHistory.Mode == "merged" && c.Explorer.URL == "" {
		return fmt.Errorf("explorer url is required in merged tx history mode")
	}

	validFeedTypes := map[string]bool{
		"blockbook": true,
		"redis":     true,
	}
	if !validFeedTypes[c.Feed.Type] {
		return fmt.Errorf("invalid feed type %q, must be one of: blockbook, redis", c.Feed.Type)
	}
	if c.Feed.Type == "blockbook" && c.Feed.URL == "" {
		return fmt.Errorf("feed url is required for the blockbook feed")
	}
	if (c.Feed.Type == "redis" || c.Feed.Relay) && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis feed enabled but no redis addresses configured")
	}

	if c.GasOracle.TotalBlocks < 2 {
		return fmt.Errorf("gas oracle total blocks must be at least 2")
	}

	validBackends := map[string]bool{
		"none":   true,
		"memory": true,
		"pebble": true,
		"redis":  true,
	}
	if !validBackends[c.Cache.Backend] {
		return fmt.Errorf("invalid cache backend %q, must be one of: none, memory, pebble, redis", c.Cache.Backend)
	}
	if c.Cache.Backend == "pebble" && c.Cache.Path == "" {
		return fmt.Errorf("cache path is required for the pebble backend")
	}
	if c.Cache.Backend == "redis" && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis cache enabled but no redis addresses configured")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Apply overrides, typically command-line flags
// 5. Validate
func Load(configFile string, overrides ...func(*Config)) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	for _, override := range overrides {
		override(cfg)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
