// Command leadpipe runs the WhatsApp lead qualification bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

const (
	// DefaultStateDir holds the lock file and the SQLite databases.
	DefaultStateDir = "/var/lib/leadpipe"
	// DefaultAppDBFileName is the application SQLite database inside the state directory.
	DefaultAppDBFileName = "leadpipe.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store inside the state directory.
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Delivery modes.
const (
	DeliveryWhatsApp = "whatsapp"
	DeliveryTwilio   = "twilio"
	DeliveryAMQP     = "amqp"
	DeliveryMock     = "mock"
)

// Config is the resolved runtime configuration.
type Config struct {
	StateDir         string
	DatabaseURL      string
	InMemory         bool
	WhatsAppDBDSN    string
	QROutput         string
	NumericCode      bool
	APIAddr          string
	SchedulerCron    string
	DispatchInterval time.Duration
	DeliveryMode     string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	AMQPURL          string
	AMQPQueue        string
	LogLevel         string
}

func main() {
	config := loadEnvironmentConfig()
	config, err := parseFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)
	slog.Debug("main: configuration resolved", "stateDir", config.StateDir, "inMemory", config.InMemory,
		"databaseURLSet", config.DatabaseURL != "", "apiAddr", config.APIAddr, "deliveryMode", config.DeliveryMode)

	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		slog.Error("main: failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	msgService, err := buildMessagingService(context.Background(), config)
	if err != nil {
		slog.Error("main: failed to create messaging service", "error", err)
		lock.Release()
		os.Exit(1)
	}

	slog.Info("main: starting LeadPipe", "deliveryMode", config.DeliveryMode)
	if err := api.Run(msgService, buildStoreOptions(config), buildAPIOptions(config)); err != nil {
		slog.Error("main: LeadPipe failed", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("main: LeadPipe exited")
}

// initializeLogger installs a text slog handler on stdout.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig reads .env and the environment. Paths default to the state directory.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("main.loadEnvironmentConfig: no .env file loaded", "error", err)
	}

	config := Config{
		StateDir:         util.GetEnv("LEADPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		InMemory:         util.ParseBoolEnv("LEADPIPE_IN_MEMORY", false),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          util.GetEnv("API_ADDR", api.DefaultAddr),
		SchedulerCron:    os.Getenv("SCHEDULER_CRON"),
		DispatchInterval: util.ParseDurationEnv("DISPATCH_INTERVAL", api.DefaultDispatchInterval),
		DeliveryMode:     util.GetEnv("DELIVERY_MODE", DeliveryWhatsApp),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		AMQPURL:          os.Getenv("AMQP_URL"),
		AMQPQueue:        util.GetEnv("AMQP_QUEUE", messaging.DefaultAMQPQueue),
		LogLevel:         os.Getenv("LEADPIPE_LOG_LEVEL"),
	}
	resolveStatePaths(&config)
	return config
}

// resolveStatePaths fills database paths that were left empty.
func resolveStatePaths(config *Config) {
	if config.DatabaseURL == "" && !config.InMemory {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// parseFlags lets command-line flags override config.
func parseFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	envStateDir := config.StateDir
	defaultAppDSN := filepath.Join(envStateDir, DefaultAppDBFileName)
	defaultWADSN := "file:" + filepath.Join(envStateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"

	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory (overrides $LEADPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)")
	fs.BoolVar(&config.InMemory, "in-memory", config.InMemory, "keep all state in memory (overrides $LEADPIPE_IN_MEMORY)")
	fs.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write the WhatsApp login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print the WhatsApp pairing code instead of a QR code")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API listen address (overrides $API_ADDR)")
	fs.StringVar(&config.SchedulerCron, "scheduler-cron", config.SchedulerCron, "cron expression of the scheduler tick (overrides $SCHEDULER_CRON)")
	fs.DurationVar(&config.DispatchInterval, "dispatch-interval", config.DispatchInterval, "outbound queue poll interval (overrides $DISPATCH_INTERVAL)")
	fs.StringVar(&config.DeliveryMode, "delivery", config.DeliveryMode, "delivery mode: whatsapp, twilio, amqp or mock (overrides $DELIVERY_MODE)")
	fs.StringVar(&config.AMQPURL, "amqp-url", config.AMQPURL, "AMQP broker URL (overrides $AMQP_URL)")
	fs.StringVar(&config.AMQPQueue, "amqp-queue", config.AMQPQueue, "AMQP queue for outbound messages (overrides $AMQP_QUEUE)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $LEADPIPE_LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Paths derived from the env state dir follow a state dir given on the command line.
	if config.StateDir != envStateDir {
		if config.DatabaseURL == defaultAppDSN {
			config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
		}
		if config.WhatsAppDBDSN == defaultWADSN {
			config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
	if config.InMemory {
		config.DatabaseURL = ""
	}
	return config, nil
}

// buildStoreOptions selects the store backend. No DSN means the in-memory store.
func buildStoreOptions(config Config) []store.Option {
	if config.DatabaseURL == "" {
		return nil
	}
	if store.DetectDSNType(config.DatabaseURL) == store.DSNTypePostgres {
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

func buildAPIOptions(config Config) []api.Option {
	var opts []api.Option
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	if config.SchedulerCron != "" {
		opts = append(opts, api.WithSchedulerCron(config.SchedulerCron))
	}
	if config.DispatchInterval > 0 {
		opts = append(opts, api.WithDispatchInterval(config.DispatchInterval))
	}
	return opts
}

func buildWhatsAppOptions(config Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
	if config.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildMessagingService creates the transport for the configured delivery mode.
func buildMessagingService(ctx context.Context, config Config) (messaging.Service, error) {
	switch config.DeliveryMode {
	case DeliveryWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	case DeliveryTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, err
		}
		var opts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(config.TwilioWebhookURL, client))
		}
		return messaging.NewTwilioService(client, opts...), nil
	case DeliveryAMQP:
		if config.AMQPURL == "" {
			return nil, fmt.Errorf("AMQP_URL is required for delivery mode %q", DeliveryAMQP)
		}
		return messaging.DialAMQP(config.AMQPURL, config.AMQPQueue)
	case DeliveryMock:
		slog.Warn("main.buildMessagingService: mock delivery, messages are not sent")
		return messaging.NewMockService(), nil
	default:
		return nil, fmt.Errorf("unknown delivery mode %q", config.DeliveryMode)
	}
}
