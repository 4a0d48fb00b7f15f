// Package config centralizes environment-driven configuration. Every knob
// has a default matching production behavior; tests construct Config
// literals directly instead of going through the environment.
package config

import "time"

// Config holds the flat configuration for the whole service.
type Config struct {
	// Server
	Port       int
	OriginHost string
	LogLevel   string

	// Upstream endpoints
	RedisQURL  string
	ZkbBaseURL string
	ESIBaseURL string
	UserAgent  string

	// Cache TTLs
	CacheKillmailTTL    time.Duration
	CacheSystemTTL      time.Duration
	CacheESITTL         time.Duration
	CacheESIKillmailTTL time.Duration
	CacheSweepInterval  time.Duration

	// HTTP retries
	RetryHTTPMaxRetries int
	RetryHTTPBaseDelay  time.Duration
	RetryHTTPMaxDelay   time.Duration

	// Timeouts
	ESITimeout     time.Duration
	ZkbTimeout     time.Duration
	WebhookTimeout time.Duration
	PollTimeout    time.Duration

	// Concurrency
	BatchConcurrency             int
	EnricherMaxConcurrency       int
	EnricherMinAttackersParallel int
	ESIMaxConcurrency            int

	// Event store
	StoreGCInterval         time.Duration
	StoreMaxEventsPerSystem int

	// Parser
	ParserCutoffSeconds int

	// RedisQ pacing
	RedisQFastInterval   time.Duration
	RedisQIdleInterval   time.Duration
	RedisQInitialBackoff time.Duration
	RedisQMaxBackoff     time.Duration
	RedisQBackoffFactor  float64
	RedisQEmptyThreshold int

	// Rate limiter / circuit breaker
	ZkbBucketCapacity   float64
	ZkbRefillPerSecond  float64
	ZkbFailureThreshold int
	ZkbCooldown         time.Duration
	ZkbMaxQueue         int
	ESIBucketCapacity   float64
	ESIRefillPerSecond  float64
	ESIFailureThreshold int
	ESICooldown         time.Duration
	ESIMaxQueue         int
	QueueTimeout        time.Duration
	CoalesceTimeout     time.Duration
	LoaderTimeout       time.Duration

	// Preload
	PreloadRealtimePriority bool

	// Ship type bootstrap
	ShipTypesCSV string
}

// Load reads configuration from the environment with spec defaults.
func Load() *Config {
	return &Config{
		Port:       GetIntEnv("PORT", 4004),
		OriginHost: GetEnv("ORIGIN_HOST", "0.0.0.0"),
		LogLevel:   GetEnv("LOG_LEVEL", "info"),

		RedisQURL:  GetEnv("REDISQ_URL", "https://zkillredisq.stream/listen.php"),
		ZkbBaseURL: GetEnv("ZKB_BASE_URL", "https://zkillboard.com/api"),
		ESIBaseURL: GetEnv("ESI_BASE_URL", "https://esi.evetech.net/latest"),
		UserAgent:  GetEnv("USER_AGENT", "wanderer-kills/1.0 (contact@wanderer.deadly.blue)"),

		CacheKillmailTTL:    GetDurationEnv("CACHE_KILLMAILS_TTL", 300*time.Second),
		CacheSystemTTL:      GetDurationEnv("CACHE_SYSTEM_TTL", 3600*time.Second),
		CacheESITTL:         GetDurationEnv("CACHE_ESI_TTL", 3600*time.Second),
		CacheESIKillmailTTL: GetDurationEnv("CACHE_ESI_KILLMAIL_TTL", 86400*time.Second),
		CacheSweepInterval:  GetDurationEnv("CACHE_SWEEP_INTERVAL", 60*time.Second),

		RetryHTTPMaxRetries: GetIntEnv("RETRY_HTTP_MAX_RETRIES", 3),
		RetryHTTPBaseDelay:  GetDurationEnv("RETRY_HTTP_BASE_DELAY", 1*time.Second),
		RetryHTTPMaxDelay:   GetDurationEnv("RETRY_HTTP_MAX_DELAY", 30*time.Second),

		ESITimeout:     GetDurationEnv("ESI_TIMEOUT", 10*time.Second),
		ZkbTimeout:     GetDurationEnv("ZKB_TIMEOUT", 15*time.Second),
		WebhookTimeout: GetDurationEnv("WEBHOOK_TIMEOUT", 10*time.Second),
		PollTimeout:    GetDurationEnv("REDISQ_POLL_TIMEOUT", 10*time.Second),

		BatchConcurrency:             GetIntEnv("CONCURRENCY_BATCH_SIZE", 100),
		EnricherMaxConcurrency:       GetIntEnv("ENRICHER_MAX_CONCURRENCY", 10),
		EnricherMinAttackersParallel: GetIntEnv("ENRICHER_MIN_ATTACKERS_FOR_PARALLEL", 3),
		ESIMaxConcurrency:            GetIntEnv("MAX_CONCURRENCY_ESI", 10),

		StoreGCInterval:         GetDurationEnv("KILLMAIL_STORE_GC_INTERVAL", 60*time.Second),
		StoreMaxEventsPerSystem: GetIntEnv("KILLMAIL_STORE_MAX_EVENTS_PER_SYSTEM", 10000),

		ParserCutoffSeconds: GetIntEnv("PARSER_CUTOFF_SECONDS", 3600),

		RedisQFastInterval:   GetDurationEnv("REDISQ_FAST_INTERVAL", 1*time.Second),
		RedisQIdleInterval:   GetDurationEnv("REDISQ_IDLE_INTERVAL", 5*time.Second),
		RedisQInitialBackoff: GetDurationEnv("REDISQ_INITIAL_BACKOFF", 1*time.Second),
		RedisQMaxBackoff:     GetDurationEnv("REDISQ_MAX_BACKOFF", 30*time.Second),
		RedisQBackoffFactor:  GetFloatEnv("REDISQ_BACKOFF_FACTOR", 2.0),
		RedisQEmptyThreshold: GetIntEnv("REDISQ_EMPTY_THRESHOLD", 5),

		ZkbBucketCapacity:   GetFloatEnv("RATELIMIT_ZKB_CAPACITY", 150),
		ZkbRefillPerSecond:  GetFloatEnv("RATELIMIT_ZKB_REFILL", 75),
		ZkbFailureThreshold: GetIntEnv("CIRCUIT_BREAKER_ZKB_FAILURE_THRESHOLD", 10),
		ZkbCooldown:         GetDurationEnv("CIRCUIT_BREAKER_ZKB_COOLDOWN", 60*time.Second),
		ZkbMaxQueue:         GetIntEnv("RATELIMIT_ZKB_MAX_QUEUE", 5000),
		ESIBucketCapacity:   GetFloatEnv("RATELIMIT_ESI_CAPACITY", 200),
		ESIRefillPerSecond:  GetFloatEnv("RATELIMIT_ESI_REFILL", 100),
		ESIFailureThreshold: GetIntEnv("CIRCUIT_BREAKER_ESI_FAILURE_THRESHOLD", 5),
		ESICooldown:         GetDurationEnv("CIRCUIT_BREAKER_ESI_COOLDOWN", 60*time.Second),
		ESIMaxQueue:         GetIntEnv("RATELIMIT_ESI_MAX_QUEUE", 5000),
		QueueTimeout:        GetDurationEnv("RATELIMIT_QUEUE_TIMEOUT", 30*time.Second),
		CoalesceTimeout:     GetDurationEnv("COALESCE_TIMEOUT", 30*time.Second),
		LoaderTimeout:       GetDurationEnv("CACHE_LOADER_TIMEOUT", 30*time.Second),

		PreloadRealtimePriority: GetBoolEnv("PRELOAD_REALTIME_PRIORITY", false),

		ShipTypesCSV: GetEnv("SHIP_TYPES_CSV", ""),
	}
}
