package checkoutd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/checkoutd/internal/token"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9441"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend.
	DefaultStore = "mem://"
	// DefaultLockTTL bounds how long a crashed holder can block a session.
	DefaultLockTTL = 15 * time.Second
	// DefaultSweeperInterval sets how often expired sessions are swept.
	DefaultSweeperInterval = time.Minute
	// DefaultJSONMaxBytes bounds client request bodies.
	DefaultJSONMaxBytes = 64 << 10
	// DefaultWebhookMaxBytes bounds gateway webhook bodies.
	DefaultWebhookMaxBytes = 256 << 10
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultKafkaUpdatesTopic receives session projections.
	DefaultKafkaUpdatesTopic = "checkout.session.updates"
	// DefaultKafkaFulfillmentTopic receives fulfillment requests.
	DefaultKafkaFulfillmentTopic = "checkout.fulfillment.requests"
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultAzureEndpointHelp documents the Azure endpoint format in CLI help output.
	DefaultAzureEndpointHelp = "https://<account>.blob.core.windows.net"
)

// Config captures the tunables for a checkoutd server.
type Config struct {
	// Listen is the address the HTTP API binds to (host:port or socket path).
	Listen string
	// ListenProto is "tcp" or "unix".
	ListenProto string
	// Store is the record store URL (mem://, sqlite://, postgres://, s3://, aws://, azure://).
	Store string
	// OrdersDSN moves orders into their own PostgreSQL table when set.
	OrdersDSN string
	// StorageKeyFile names a kryptograf key bundle; records are encrypted when set.
	StorageKeyFile string

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// LockTTL is the per-session lock lifetime.
	LockTTL time.Duration
	// SweeperInterval spaces expiry sweeps; a negative value disables the sweeper.
	SweeperInterval time.Duration

	// TokenKey is the HMAC signing key (base64 or raw, at least 32 bytes).
	TokenKey string
	// TokenKeyFile reads the signing key from a file instead.
	TokenKeyFile string
	TokenIssuer  string

	// CatalogPath selects the YAML catalog pricing provider.
	CatalogPath string
	// PricingURL selects the remote pricing provider.
	PricingURL string

	PaymentURL    string
	PaymentAPIKey string
	// WebhookSecret enables HMAC verification of gateway webhooks.
	WebhookSecret   string
	WebhookMaxBytes int64
	JSONMaxBytes    int64
	// AdminKey enables the admin endpoints.
	AdminKey string

	// KafkaBrokers is a comma separated broker list; empty disables Kafka.
	KafkaBrokers          string
	KafkaUpdatesTopic     string
	KafkaFulfillmentTopic string

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	AWSRegion         string
	S3AccessKeyID     string
	S3SecretAccessKey string
	AzureAccountKey   string
	AzureEndpoint     string
	AzureSASToken     string

	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	return c.validate(true)
}

func (c *Config) validate(requirePricing bool) error {
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp or unix, got %q", c.ListenProto)
	}
	if c.Listen == "" {
		if c.ListenProto == "unix" {
			return fmt.Errorf("config: unix listener requires a socket path")
		}
		c.Listen = DefaultListen
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	} else if c.LockTTL < time.Second {
		return fmt.Errorf("config: lock ttl must be at least 1s")
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.WebhookMaxBytes <= 0 {
		c.WebhookMaxBytes = DefaultWebhookMaxBytes
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if strings.TrimSpace(c.TokenKey) == "" && strings.TrimSpace(c.TokenKeyFile) == "" {
		return fmt.Errorf("config: token-key or token-key-file is required")
	}
	if strings.TrimSpace(c.TokenKey) != "" && strings.TrimSpace(c.TokenKeyFile) != "" {
		return fmt.Errorf("config: set only one of token-key and token-key-file")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		c.TokenIssuer = token.DefaultIssuer
	}
	catalog := strings.TrimSpace(c.CatalogPath) != ""
	remote := strings.TrimSpace(c.PricingURL) != ""
	switch {
	case catalog && remote:
		return fmt.Errorf("config: set only one of catalog and pricing-url")
	case !catalog && !remote && requirePricing:
		return fmt.Errorf("config: catalog or pricing-url is required")
	}
	if strings.TrimSpace(c.KafkaBrokers) != "" {
		if c.KafkaUpdatesTopic == "" {
			c.KafkaUpdatesTopic = DefaultKafkaUpdatesTopic
		}
		if c.KafkaFulfillmentTopic == "" {
			c.KafkaFulfillmentTopic = DefaultKafkaFulfillmentTopic
		}
	}
	if strings.HasPrefix(strings.ToLower(c.Store), "aws://") && c.AWSRegion == "" && !strings.Contains(c.Store, "region=") {
		if region := firstEnv("AWS_REGION", "AWS_DEFAULT_REGION"); region != "" {
			c.AWSRegion = region
		}
	}
	return nil
}

// TokenSigningKey resolves the configured signing key.
func (c Config) TokenSigningKey() ([]byte, error) {
	raw := c.TokenKey
	if path := strings.TrimSpace(c.TokenKeyFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read token key file: %w", err)
		}
		raw = string(data)
	}
	key, err := token.DecodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return key, nil
}

// StorageEncryptionEnabled reports whether records are encrypted at rest.
func (c Config) StorageEncryptionEnabled() bool {
	return strings.TrimSpace(c.StorageKeyFile) != ""
}

// DefaultConfigDir returns the default configuration directory ($HOME/.checkoutd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CHECKOUTD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".checkoutd"), nil
}

// DefaultStorageKeyPath returns the default key bundle location.
func DefaultStorageKeyPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "storage-keys.pem"), nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
