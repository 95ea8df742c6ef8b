package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the configuration for both binaries, loadable from
// environment variables (FULFILLMENT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (FULFILLMENT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisAddr   string `default:"" usage:"Redis address for the status cache; empty disables caching" flag:"redis-addr"`

	Kafka     KafkaConfig
	Relay     RelayConfig
	Refund    RefundConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers for the merchant
// fulfillment UI.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// KafkaConfig points the relay at the downstream event bus.
type KafkaConfig struct {
	Brokers []string `default:"localhost:9092" usage:"Kafka broker addresses"`
	Topic   string   `default:"fulfillment.events" usage:"Topic for relayed outbox events"`
	Group   string   `default:"fulfillment-event-logger" usage:"Consumer group for the event logger"`
}

// RelayConfig tunes the outbox relay worker pool.
type RelayConfig struct {
	Addr           string        `default:"0.0.0.0:8081" usage:"Relay health endpoint listen address" flag:"relay-addr"`
	Workers        int           `default:"2" usage:"Concurrent relay workers"`
	BatchSize      int           `default:"50" usage:"Rows claimed per poll"`
	PollInterval   time.Duration `default:"1s" usage:"Idle delay between polls"`
	PublishTimeout time.Duration `default:"5s" usage:"Per-event publish timeout"`
	MaxRetries     int           `default:"10" usage:"Publish attempts before dead-lettering"`
	BackoffBase    time.Duration `default:"1s" usage:"Initial retry backoff"`
	BackoffCap     time.Duration `default:"5m" usage:"Maximum retry backoff"`
	StaleClaim     time.Duration `default:"5m" usage:"Age after which a processing claim is considered abandoned"`
}

// RefundConfig is external policy input for refund availability.
type RefundConfig struct {
	// Window limits how long after terminal success a refund may be
	// requested. Zero means no limit.
	Window time.Duration `default:"0s" usage:"Refund request window after fulfillment (0 = unlimited)" flag:"refund-window"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s" usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "FULFILLMENT",
		Files:     []string{"config.yaml", "/etc/fulfillment/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set FULFILLMENT_DATABASE_URL or DATABASE_URL")
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT onto the FULFILLMENT_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
