// Package main runs a tauchat node as a long-lived daemon.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/tauchat"
	"github.com/opd-ai/tauchat/crypto"
)

// CLI configuration
type CLIConfig struct {
	storage     string
	dataDir     string
	keyFile     string
	dhtBackend  string
	redisAddr   string
	redisPrefix string
	cacheSize   int
	contacts    string

	publishInterval time.Duration
	confirmInterval time.Duration
	syncInterval    time.Duration
	retryBackoff    time.Duration
	maxAttempts     int
	opTimeout       time.Duration

	metricsAddr string
	logLevel    string
	logFormat   string
	help        bool
}

// parseCLIFlags parses args and returns the configuration.
func parseCLIFlags(args []string) (*CLIConfig, *flag.FlagSet, error) {
	config := &CLIConfig{}
	fs := flag.NewFlagSet("taud", flag.ContinueOnError)

	// Storage configuration
	fs.StringVar(&config.storage, "storage", "badger", "Storage backend (memory, badger)")
	fs.StringVar(&config.dataDir, "data-dir", "./tauchat-data", "Badger data directory")
	fs.StringVar(&config.keyFile, "key-file", "", "File holding the hex secret key; created when missing")

	// DHT configuration
	fs.StringVar(&config.dhtBackend, "dht", "redis", "DHT backend (memory, redis)")
	fs.StringVar(&config.redisAddr, "redis-addr", "127.0.0.1:6379", "Redis address for the redis DHT backend")
	fs.StringVar(&config.redisPrefix, "redis-prefix", "tauchat", "Key prefix for DHT records in redis")
	fs.IntVar(&config.cacheSize, "cache-size", 4096, "Immutable block cache entries (0 disables)")
	fs.StringVar(&config.contacts, "contacts", "", "Comma separated hex public keys to sync with")

	// Worker configuration
	fs.DurationVar(&config.publishInterval, "publish-interval", 15*time.Second, "Publish pass interval")
	fs.DurationVar(&config.confirmInterval, "confirm-interval", 30*time.Second, "Confirmation pass interval")
	fs.DurationVar(&config.syncInterval, "sync-interval", 30*time.Second, "Sync pass interval")
	fs.DurationVar(&config.retryBackoff, "retry-backoff", 2*time.Second, "Delay between publication attempts")
	fs.IntVar(&config.maxAttempts, "max-attempts", 0, "Publication attempts before a message is flagged (0 retries forever)")
	fs.DurationVar(&config.opTimeout, "op-timeout", 30*time.Second, "Timeout of a single store or DHT call")

	// Observability
	fs.StringVar(&config.metricsAddr, "metrics-addr", ":9464", "Address of the /metrics endpoint (empty disables)")
	fs.StringVar(&config.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&config.logFormat, "log-format", "text", "Log format (text, json)")

	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return config, fs, nil
}

// printUsage prints the usage information.
func printUsage(fs *flag.FlagSet) {
	fmt.Println("tauchat daemon")
	fmt.Println()
	fmt.Println("Publishes, syncs and confirms chat messages over a content-addressed DHT.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fs.SetOutput(os.Stdout)
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s -key-file node.key -contacts <hex public key>\n", os.Args[0])
	fmt.Printf("  %s -storage memory -dht memory -log-level DEBUG\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if _, err := storageType(config.storage); err != nil {
		return err
	}
	if config.storage == "badger" && config.dataDir == "" {
		return fmt.Errorf("data directory cannot be empty with badger storage")
	}
	if _, err := dhtType(config.dhtBackend); err != nil {
		return err
	}
	if config.dhtBackend == "redis" && config.redisAddr == "" {
		return fmt.Errorf("redis address cannot be empty with the redis backend")
	}
	if config.cacheSize < 0 {
		return fmt.Errorf("cache size cannot be negative")
	}
	if config.publishInterval <= 0 || config.confirmInterval <= 0 || config.syncInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	if config.retryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	if config.maxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}
	if config.opTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if config.logFormat != "text" && config.logFormat != "json" {
		return fmt.Errorf("invalid log format %q", config.logFormat)
	}
	if _, err := parseContacts(config.contacts); err != nil {
		return err
	}
	return nil
}

func storageType(s string) (tauchat.StorageType, error) {
	switch s {
	case "memory":
		return tauchat.StorageMemory, nil
	case "badger":
		return tauchat.StorageBadger, nil
	default:
		return 0, fmt.Errorf("unknown storage backend %q", s)
	}
}

func dhtType(s string) (tauchat.DHTType, error) {
	switch s {
	case "memory":
		return tauchat.DHTMemory, nil
	case "redis":
		return tauchat.DHTRedis, nil
	default:
		return 0, fmt.Errorf("unknown dht backend %q", s)
	}
}

func parseContacts(s string) ([][32]byte, error) {
	var keys [][32]byte
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, err := crypto.PublicKeyFromHex(field)
		if err != nil {
			return nil, fmt.Errorf("invalid contact %q: %w", field, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// setupLogging applies the level and formatter flags.
func setupLogging(config *CLIConfig) {
	level, err := logrus.ParseLevel(config.logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if config.logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// loadSecretKey reads the hex secret key from path, creating the file when it does not
// exist. An empty path yields a zero key, which makes the node generate an ephemeral one.
func loadSecretKey(path string) ([32]byte, error) {
	var secret [32]byte
	if path == "" {
		return secret, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return secret, err
		}
		secret = kp.Private
		if err := os.WriteFile(path, []byte(hex.EncodeToString(secret[:])+"\n"), 0o600); err != nil {
			return secret, fmt.Errorf("failed to write key file: %w", err)
		}
		return secret, nil
	}
	if err != nil {
		return secret, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != len(secret) {
		return secret, fmt.Errorf("key file %s does not hold a 32 byte hex key", path)
	}
	copy(secret[:], raw)
	return secret, nil
}

// createNodeOptions converts CLI configuration to node options.
func createNodeOptions(config *CLIConfig, secret [32]byte, reg prometheus.Registerer) *tauchat.Options {
	options := tauchat.NewOptions()
	options.SecretKey = secret
	options.StorageType, _ = storageType(config.storage)
	options.DataDir = config.dataDir
	options.DHTType, _ = dhtType(config.dhtBackend)
	options.RedisAddr = config.redisAddr
	options.RedisPrefix = config.redisPrefix
	options.BlockCacheSize = config.cacheSize

	options.Messaging.PublishInterval = config.publishInterval
	options.Messaging.ConfirmInterval = config.confirmInterval
	options.Messaging.SyncInterval = config.syncInterval
	options.Messaging.RetryBackoff = config.retryBackoff
	options.Messaging.MaxPublishAttempts = config.maxAttempts
	options.Messaging.OperationTimeout = config.opTimeout
	options.Messaging.Registerer = reg
	return options
}

func run(ctx context.Context, config *CLIConfig) error {
	secret, err := loadSecretKey(config.keyFile)
	if err != nil {
		return err
	}
	contacts, err := parseContacts(config.contacts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	node, err := tauchat.New(createNodeOptions(config, secret, reg))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer node.Close()

	for _, peer := range contacts {
		if err := node.Manager().AddContact(ctx, peer); err != nil {
			return fmt.Errorf("failed to add contact: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "run",
		"public_key": node.SelfPublicKeyHex(),
		"contacts":   len(contacts),
	}).Info("Node ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		node.Start(gctx)
		<-gctx.Done()
		node.Manager().Stop()
		return nil
	})

	if config.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: config.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logrus.WithField("addr", config.metricsAddr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// main is the entry point for the daemon.
func main() {
	cliConfig, fs, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cliConfig.help {
		printUsage(fs)
		os.Exit(0)
	}
	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	setupLogging(cliConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cliConfig); err != nil {
		logrus.WithError(err).Error("Daemon stopped with error")
		os.Exit(1)
	}
	logrus.Info("Daemon stopped")
}
