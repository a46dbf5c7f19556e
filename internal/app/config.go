package app

import (
	"fmt"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/xenking/catalog-service/internal/events"
	"github.com/xenking/catalog-service/internal/events/redisstream"
)

const defaultAddr = "0.0.0.0:8080"

// Event transport drivers.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (CATALOG_ prefix), flags, or YAML config files.
type Config struct {
	Addr           string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL    string `usage:"PostgreSQL connection URL (CATALOG_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL       string `usage:"Redis URL for the event channel (CATALOG_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	MaxUploadBytes int64  `default:"10485760" usage:"Max image upload request size in bytes" flag:"max-upload-bytes"`
	Events         EventsConfig
	Storage        StorageConfig
	Inventory      InventoryConfig
	ImageFetch     ImageFetchConfig
	RateLimit      RateLimitConfig
	Graceful       GracefulConfig
}

// EventsConfig controls the image event channel.
type EventsConfig struct {
	Driver     string `default:"redis" usage:"Event transport: redis or memory"`
	Topic      string `default:"product-image-updates" usage:"Event topic"`
	Group      string `default:"catalog" usage:"Consumer group"`
	Consumer   string `usage:"Consumer name, stable across restarts (default hostname-index)"`
	Partitions int    `default:"4" usage:"Number of topic partitions"`
	// Partitions owned by this instance are derived from InstanceIndex and
	// InstanceCount unless Assigned lists them explicitly.
	InstanceIndex  int           `default:"0" usage:"Index of this instance among consumers" flag:"instance-index"`
	InstanceCount  int           `default:"1" usage:"Number of consumer instances" flag:"instance-count"`
	Assigned       []int         `usage:"Explicit owned partitions"`
	Block          time.Duration `default:"2s" usage:"Max time a read blocks"`
	MaxAttempts    int           `default:"5" usage:"Deliveries before a message is dead-lettered"`
	InitialBackoff time.Duration `default:"100ms" usage:"First redelivery delay"`
	MaxBackoff     time.Duration `default:"5s" usage:"Max redelivery delay"`
	MaxLen         int64         `default:"100000" usage:"Approximate cap per partition stream, 0 disables trimming"`
}

// StorageConfig configures the image bucket.
type StorageConfig struct {
	Bucket          string        `default:"product-images" usage:"Image bucket"`
	Region          string        `default:"us-east-1" usage:"Bucket region"`
	Endpoint        string        `usage:"Custom S3 endpoint (LocalStack, MinIO)"`
	PathStyle       bool          `default:"false" usage:"Use path-style addressing"`
	AccessKeyID     string        `usage:"Static access key, default credential chain when empty"`
	SecretAccessKey string        `usage:"Static secret key"`
	PresignTTL      time.Duration `default:"60m" usage:"Validity of presigned image URLs"`
	CreateBucket    bool          `default:"false" usage:"Create the bucket at startup if missing" flag:"create-bucket"`
}

// InventoryConfig configures the inventory lookup client.
type InventoryConfig struct {
	BaseURL        string        `default:"http://localhost:8081" usage:"Inventory service base URL" flag:"inventory-url"`
	Timeout        time.Duration `default:"1500ms" usage:"Bound on a whole lookup, retries included"`
	AttemptTimeout time.Duration `default:"500ms" usage:"Per-request timeout"`
	MaxRetries     uint          `default:"3" usage:"Max attempts, counting retries on network errors and 5xx"`
}

// ImageFetchConfig configures downloads of images by URL.
type ImageFetchConfig struct {
	Timeout  time.Duration `default:"10s" usage:"Remote image download timeout"`
	MaxBytes int64         `default:"10485760" usage:"Max remote image size in bytes"`
}

// RateLimitConfig controls the per-client sliding window rate limiter on
// image uploads.
type RateLimitConfig struct {
	Max    int           `default:"30" usage:"Max uploads per window"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from a .env file, environment variables,
// YAML config files and command line flags, and applies platform-specific
// defaults.
func LoadConfig() (*Config, error) {
	cfg, err := load(false)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvConfig is LoadConfig without flag parsing, for tools that own their
// command line. Only the database URL is required.
func LoadEnvConfig() (*Config, error) {
	cfg, err := load(true)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errDatabaseURL
	}
	return cfg, nil
}

var errDatabaseURL = errors.New("database URL is required: set CATALOG_DATABASE_URL or DATABASE_URL")

func load(skipFlags bool) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CATALOG",
		SkipFlags: skipFlags,
		Files:     []string{"config.yaml", "/etc/catalog/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CATALOG_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
	if c.Events.Consumer == "" {
		c.Events.Consumer = defaultConsumerName(c.Events.InstanceIndex)
	}
}

func defaultConsumerName(idx int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()
	}
	return fmt.Sprintf("%s-%d", host, idx)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errDatabaseURL
	case c.Storage.Bucket == "":
		return errors.New("storage bucket is required")
	case c.Inventory.BaseURL == "":
		return errors.New("inventory base URL is required")
	}

	e := c.Events
	switch e.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.RedisURL == "" {
			return errors.New("redis URL is required for the redis event driver: set CATALOG_REDIS_URL or REDIS_URL")
		}
	default:
		return errors.Errorf("unknown event driver %q", e.Driver)
	}
	if e.Partitions < 1 {
		return errors.Errorf("events partitions must be positive, got %d", e.Partitions)
	}
	if e.InstanceCount < 1 || e.InstanceIndex < 0 || e.InstanceIndex >= e.InstanceCount {
		return errors.Errorf("instance index %d out of range for %d instances", e.InstanceIndex, e.InstanceCount)
	}
	for _, p := range e.Assigned {
		if p < 0 || p >= e.Partitions {
			return errors.Errorf("assigned partition %d out of range [0, %d)", p, e.Partitions)
		}
	}
	return nil
}

// OwnedPartitions returns the partitions this instance consumes.
func (e EventsConfig) OwnedPartitions() []int {
	if len(e.Assigned) > 0 {
		return e.Assigned
	}
	return redisstream.AssignPartitions(e.Partitions, e.InstanceIndex, e.InstanceCount)
}

// RetryPolicy returns the redelivery policy.
func (e EventsConfig) RetryPolicy() events.RetryPolicy {
	return events.RetryPolicy{
		MaxAttempts:     e.MaxAttempts,
		InitialInterval: e.InitialBackoff,
		MaxInterval:     e.MaxBackoff,
	}
}
