package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd"
	"pkt.systems/checkoutd/internal/loggingutil"
)

const envPrefix = "CHECKOUTD"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("CHECKOUTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "checkoutd")
	cmd := newRootCommand(baseLogger)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("cli.command.failed", "error", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytes(name, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse --%s %q: %w", name, raw, err)
	}
	return int64(n), nil
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := checkoutd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, checkoutd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:           "checkoutd",
		Short:         "checkoutd orchestrates checkout sessions from bundle selection through payment to fulfillment",
		SilenceErrors: true,
		Example: `
  # Development: in-memory store, YAML catalog, simulated payment gateway
  checkoutd keys gen
  checkoutd --store mem:// --catalog ./catalog.yaml

  # PostgreSQL records and orders, remote pricing and payment services
  CHECKOUTD_STORE=postgres://checkout@db/checkout \
  CHECKOUTD_PRICING_URL=https://pricing.internal \
  CHECKOUTD_PAYMENT_URL=https://payments.internal \
  CHECKOUTD_WEBHOOK_SECRET=whsec_... checkoutd

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  CHECKOUTD_STORE=s3://localhost:9000/checkout?insecure=1 checkoutd --catalog catalog.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), v, baseLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.checkoutd/"+checkoutd.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", checkoutd.DefaultListen, "listen address")
	flags.String("listen-proto", checkoutd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("store", checkoutd.DefaultStore, "record store URL (mem://, sqlite:///path, postgres://..., s3://host/bucket, aws://bucket, azure://account/container)")
	flags.String("orders-dsn", "", "PostgreSQL DSN for the orders table (defaults to the record store)")
	flags.String("storage-key-file", "", "kryptograf key bundle used to encrypt records at rest (see 'checkoutd keys gen')")
	flags.Int("storage-retry-attempts", checkoutd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", checkoutd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", checkoutd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", checkoutd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.Duration("lock-ttl", checkoutd.DefaultLockTTL, "per-session lock lifetime")
	flags.Duration("sweeper-interval", checkoutd.DefaultSweeperInterval, "interval between expired-session sweeps (negative disables)")
	flags.String("token-key", "", "session token signing key (base64 or raw, at least 32 bytes)")
	flags.String("token-key-file", "", "file holding the session token signing key")
	flags.String("token-issuer", "", "issuer claim for session tokens")
	flags.String("catalog", "", "YAML bundle catalog (reloaded on change)")
	flags.String("pricing-url", "", "remote pricing service base URL")
	flags.String("payment-url", "", "payment gateway base URL (empty simulates the gateway in-process)")
	flags.String("payment-api-key", "", "payment gateway API key")
	flags.String("webhook-secret", "", "HMAC secret for payment webhook signatures")
	flags.String("webhook-max", humanizeBytes(checkoutd.DefaultWebhookMaxBytes), "maximum webhook payload size")
	flags.String("json-max", humanizeBytes(checkoutd.DefaultJSONMaxBytes), "maximum JSON request size")
	flags.String("admin-key", "", "bearer key for /v1/admin endpoints (empty disables them)")
	flags.String("kafka-brokers", "", "comma separated Kafka brokers for session updates and fulfillment requests")
	flags.String("kafka-updates-topic", checkoutd.DefaultKafkaUpdatesTopic, "Kafka topic for session updates")
	flags.String("kafka-fulfillment-topic", checkoutd.DefaultKafkaFulfillmentTopic, "Kafka topic for fulfillment requests")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("s3-access-key-id", "", "access key for s3:// stores (or CHECKOUTD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores (or CHECKOUTD_S3_SECRET_ACCESS_KEY)")
	flags.String("azure-key", "", "Azure Storage account key (or CHECKOUTD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", fmt.Sprintf("Azure Blob service endpoint (defaults to %s)", checkoutd.DefaultAzureEndpointHelp))
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.Duration("shutdown-timeout", checkoutd.DefaultShutdownTimeout, "graceful shutdown timeout")

	mustBind(v, persistentFlags.Lookup("config"))
	mustBind(v, persistentFlags.Lookup("log-level"))
	flags.VisitAll(func(f *pflag.Flag) {
		mustBind(v, f)
	})

	cmd.AddCommand(newSweepCommand(v))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newTokenCommand(v))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func mustBind(v *viper.Viper, flag *pflag.Flag) {
	if flag == nil {
		panic("checkoutd: binding unknown flag")
	}
	if err := v.BindPFlag(flag.Name, flag); err != nil {
		panic(err)
	}
}

func runServer(ctx context.Context, v *viper.Viper, baseLogger pslog.Logger) error {
	logger := baseLogger
	configFile, err := loadConfigFile(v)
	if err != nil {
		return err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
	loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
		"checkoutd.start",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
	)
	if configFile != "" {
		cliLogger.Info("cli.config.loaded", "path", configFile)
	}

	cfg, err := bindConfig(v)
	if err != nil {
		return err
	}
	server, err := checkoutd.NewServer(cfg, checkoutd.WithLogger(logger))
	if err != nil {
		return err
	}
	shutdown := func() {
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = checkoutd.DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("server.shutdown.failed", "error", err)
		}
	}
	defer shutdown()
	go func() {
		<-ctx.Done()
		shutdown()
	}()
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func bindConfig(v *viper.Viper) (checkoutd.Config, error) {
	cfg := checkoutd.Config{
		Listen:                  v.GetString("listen"),
		ListenProto:             v.GetString("listen-proto"),
		Store:                   v.GetString("store"),
		OrdersDSN:               v.GetString("orders-dsn"),
		StorageKeyFile:          v.GetString("storage-key-file"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		LockTTL:                 v.GetDuration("lock-ttl"),
		SweeperInterval:         v.GetDuration("sweeper-interval"),
		TokenKey:                v.GetString("token-key"),
		TokenKeyFile:            v.GetString("token-key-file"),
		TokenIssuer:             v.GetString("token-issuer"),
		CatalogPath:             v.GetString("catalog"),
		PricingURL:              v.GetString("pricing-url"),
		PaymentURL:              v.GetString("payment-url"),
		PaymentAPIKey:           v.GetString("payment-api-key"),
		WebhookSecret:           v.GetString("webhook-secret"),
		AdminKey:                v.GetString("admin-key"),
		KafkaBrokers:            v.GetString("kafka-brokers"),
		KafkaUpdatesTopic:       v.GetString("kafka-updates-topic"),
		KafkaFulfillmentTopic:   v.GetString("kafka-fulfillment-topic"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		EnableProfilingMetrics:  v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
		AWSRegion:               v.GetString("aws-region"),
		S3AccessKeyID:           v.GetString("s3-access-key-id"),
		S3SecretAccessKey:       v.GetString("s3-secret-access-key"),
		AzureAccountKey:         v.GetString("azure-key"),
		AzureEndpoint:           v.GetString("azure-endpoint"),
		AzureSASToken:           v.GetString("azure-sas-token"),
		ShutdownTimeout:         v.GetDuration("shutdown-timeout"),
	}
	var err error
	if cfg.JSONMaxBytes, err = parseBytes("json-max", v.GetString("json-max")); err != nil {
		return cfg, err
	}
	if cfg.WebhookMaxBytes, err = parseBytes("webhook-max", v.GetString("webhook-max")); err != nil {
		return cfg, err
	}
	if cfg.TokenKey == "" && cfg.TokenKeyFile == "" {
		if dir, err := checkoutd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, defaultTokenKeyFile)
			if _, err := os.Stat(candidate); err == nil {
				cfg.TokenKeyFile = candidate
			}
		}
	}
	return cfg, nil
}
