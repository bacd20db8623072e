package constants

import "time"

// API Server Constants
const (
	// DefaultAPIHost is the default API server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default API server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxHeaderBytes is the default maximum request header size (1 MB)
	DefaultMaxHeaderBytes = 1 << 20

	// DefaultRateLimitBurst is the default per-IP rate limit burst size
	DefaultRateLimitBurst = 100
)

// API Paths
const (
	DefaultAPIPrefix     = "/api/v1"
	DefaultWebSocketPath = "/ws"
	DefaultMetricsPath   = "/metrics"
)

// Upstream Constants
const (
	// DefaultUpstreamTimeout bounds a single indexer, explorer or node call
	DefaultUpstreamTimeout = 10 * time.Second

	// DefaultMaxRetries is the default number of attempts for a failing upstream call
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the initial delay of the exponential backoff
	DefaultRetryDelay = 250 * time.Millisecond

	// DefaultMaxRetryDelay caps a single backoff interval
	DefaultMaxRetryDelay = 5 * time.Second

	// DefaultRetryBackoffMultiplier is the default backoff multiplier for exponential backoff
	DefaultRetryBackoffMultiplier = 2

	// DefaultExplorerRateLimit matches the free etherscan-style quota
	DefaultExplorerRateLimit = 5

	// DefaultBreakerFailures trips an upstream circuit after consecutive failures
	DefaultBreakerFailures = 5

	// DefaultBreakerTimeout is how long an open circuit rejects calls
	DefaultBreakerTimeout = 30 * time.Second
)

// Pagination Constants
const (
	// DefaultPageSize is the tx history page size when none is requested
	DefaultPageSize = 10

	// MinPageSize is the minimum tx history page size
	MinPageSize = 1

	// MaxPageSize is the maximum tx history page size
	MaxPageSize = 100
)

// Gas Oracle Constants
const (
	// DefaultTotalBlocks is the fee window size, pending block included
	DefaultTotalBlocks = 20

	SlowPercentile    = 1
	AveragePercentile = 60
	FastPercentile    = 90
)

// Cache Constants
const (
	// DefaultCacheTTL is how long cached confirmed transactions live in memory and redis
	DefaultCacheTTL = 24 * time.Hour

	// DefaultCacheCapacity is the in-memory cache item limit
	DefaultCacheCapacity = 100000

	// DefaultPebbleCacheSize is the block cache size in MB for pebble
	DefaultPebbleCacheSize = 64

	// DefaultPebbleMaxOpenFiles is the maximum number of open files for pebble
	DefaultPebbleMaxOpenFiles = 500
)

// WebSocket Constants
const (
	DefaultWSReadBufferSize  = 1024
	DefaultWSWriteBufferSize = 1024

	// DefaultWSSendQueueSize bounds the per-connection outbound queue
	DefaultWSSendQueueSize = 256

	// DefaultWSMaxMessageSize bounds an inbound client frame
	DefaultWSMaxMessageSize = 64 * 1024

	// DefaultWSMaxClients caps concurrent client connections
	DefaultWSMaxClients = 10000

	DefaultWSPongTimeout  = 60 * time.Second
	DefaultWSWriteTimeout = 10 * time.Second
)

// Feed Constants
const (
	// DefaultFeedPingInterval keeps the upstream websocket alive
	DefaultFeedPingInterval = 30 * time.Second

	// DefaultFeedReconnectMax caps the reconnect backoff
	DefaultFeedReconnectMax = 30 * time.Second

	// DefaultFeedEventBuffer bounds queued upstream events awaiting dispatch
	DefaultFeedEventBuffer = 1024

	DefaultRedisChannelPrefix = "coinstack"
)
