package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/checkoutd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage checkoutd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.checkoutd/" + checkoutd.DefaultConfigFileName
	if dir, err := checkoutd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, checkoutd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default checkoutd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := checkoutd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, checkoutd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := writeNewFile(outPath, data, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	ListenProto            string  `yaml:"listen-proto"`
	Store                  string  `yaml:"store"`
	OrdersDSN              string  `yaml:"orders-dsn"`
	StorageKeyFile         string  `yaml:"storage-key-file"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	LockTTL                string  `yaml:"lock-ttl"`
	SweeperInterval        string  `yaml:"sweeper-interval"`
	TokenKeyFile           string  `yaml:"token-key-file"`
	TokenIssuer            string  `yaml:"token-issuer"`
	Catalog                string  `yaml:"catalog"`
	PricingURL             string  `yaml:"pricing-url"`
	PaymentURL             string  `yaml:"payment-url"`
	WebhookSecret          string  `yaml:"webhook-secret"`
	WebhookMax             string  `yaml:"webhook-max"`
	JSONMax                string  `yaml:"json-max"`
	AdminKey               string  `yaml:"admin-key"`
	KafkaBrokers           string  `yaml:"kafka-brokers"`
	KafkaUpdatesTopic      string  `yaml:"kafka-updates-topic"`
	KafkaFulfillmentTopic  string  `yaml:"kafka-fulfillment-topic"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	LogLevel               string  `yaml:"log-level"`
	ShutdownTimeout        string  `yaml:"shutdown-timeout"`
}

func defaultConfigYAML() ([]byte, error) {
	tokenKeyFile := ""
	storageKeyFile := ""
	if dir, err := checkoutd.DefaultConfigDir(); err == nil {
		tokenKeyFile = filepath.Join(dir, defaultTokenKeyFile)
	}
	if path, err := checkoutd.DefaultStorageKeyPath(); err == nil {
		storageKeyFile = path
	}
	defaults := configDefaults{
		Listen:                 checkoutd.DefaultListen,
		ListenProto:            checkoutd.DefaultListenProto,
		Store:                  checkoutd.DefaultStore,
		StorageKeyFile:         storageKeyFile,
		StorageRetryAttempts:   checkoutd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  checkoutd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   checkoutd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: checkoutd.DefaultStorageRetryMultiplier,
		LockTTL:                checkoutd.DefaultLockTTL.String(),
		SweeperInterval:        checkoutd.DefaultSweeperInterval.String(),
		TokenKeyFile:           tokenKeyFile,
		WebhookMax:             humanizeBytes(checkoutd.DefaultWebhookMaxBytes),
		JSONMax:                humanizeBytes(checkoutd.DefaultJSONMaxBytes),
		KafkaUpdatesTopic:      checkoutd.DefaultKafkaUpdatesTopic,
		KafkaFulfillmentTopic:  checkoutd.DefaultKafkaFulfillmentTopic,
		LogLevel:               "info",
		ShutdownTimeout:        checkoutd.DefaultShutdownTimeout.String(),
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}

// writeNewFile writes data to path with 0600 permissions, refusing to
// replace an existing file unless force is set.
func writeNewFile(path string, data []byte, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
