package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/TradeBridge/internal/api"
	"github.com/BTreeMap/TradeBridge/internal/dispatch"
	"github.com/BTreeMap/TradeBridge/internal/host"
	"github.com/BTreeMap/TradeBridge/internal/poller"
	"github.com/BTreeMap/TradeBridge/internal/shopapi"
	"github.com/BTreeMap/TradeBridge/internal/store"
	"github.com/BTreeMap/TradeBridge/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TradeBridge state data
	DefaultStateDir = "/var/lib/tradebridge"
	// DefaultShopID is the placeholder shop id; polling with it returns nothing.
	DefaultShopID = "0"
	// DefaultCallbackHost and DefaultCallbackPort form the callback listen address.
	DefaultCallbackHost = "0.0.0.0"
	DefaultCallbackPort = 8080
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	warnUnsetShop(*flags.shopIDs)

	mods := api.Modules{
		State:    buildStateOptions(flags),
		Shop:     buildShopOptions(flags),
		Poller:   buildPollerOptions(flags),
		Dispatch: buildDispatchOptions(flags),
		Host:     buildHostOptions(flags),
		API:      buildAPIOptions(flags),
	}

	slog.Info("Bootstrapping TradeBridge with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"shops", *flags.shopIDs,
		"callback_key_set", *flags.callbackKey != "",
		"callback", *flags.callbackEnabled,
		"poll", *flags.pollEnabled,
		"audit_db_set", *flags.auditDSN != "",
		"api_addr", *flags.apiAddr,
		"host_token_set", *flags.hostToken != "",
		"operator_token_set", *flags.operatorToken != "")
	if err := api.Run(mods); err != nil {
		slog.Error("TradeBridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TradeBridge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	ShopIDs           string
	CallbackKey       string
	PollEnabled       bool
	PollInterval      time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	APIBaseURL        string
	APIVersion        string
	APITimeout        time.Duration
	CallbackEnabled   bool
	CallbackHost      string
	CallbackPort      int
	CallbackPath      string
	RewardTemplate    string
	BroadcastTemplate string
	AuditDSN          string
	AuditLogEnabled   bool
	APIAddr           string
	HostToken         string
	OperatorToken     string
	BackupKeep        int
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	shopIDs           *string
	callbackKey       *string
	pollEnabled       *bool
	pollInterval      *time.Duration
	retryAttempts     *int
	retryDelay        *time.Duration
	apiBaseURL        *string
	apiVersion        *string
	apiTimeout        *time.Duration
	callbackEnabled   *bool
	callbackHost      *string
	callbackPort      *int
	callbackPath      *string
	rewardTemplate    *string
	broadcastTemplate *string
	auditDSN          *string
	auditLogEnabled   *bool
	apiAddr           *string
	hostToken         *string
	operatorToken     *string
	backupKeep        *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          util.StringEnv("TRADEBRIDGE_STATE_DIR", DefaultStateDir),
		ShopIDs:           util.StringEnv("SHOP_IDS", DefaultShopID),
		CallbackKey:       os.Getenv("CALLBACK_KEY"),
		PollEnabled:       util.ParseBoolEnv("POLL_ENABLED", true),
		PollInterval:      util.ParseDurationEnv("POLL_INTERVAL", poller.DefaultInterval),
		RetryAttempts:     util.ParseIntEnv("RETRY_ATTEMPTS", poller.DefaultRetryAttempts),
		RetryDelay:        util.ParseDurationEnv("RETRY_DELAY", poller.DefaultRetryDelay),
		APIBaseURL:        util.StringEnv("API_BASE_URL", shopapi.DefaultBaseURL),
		APIVersion:        util.StringEnv("API_VERSION", shopapi.DefaultAPIVersion),
		APITimeout:        util.ParseDurationEnv("API_TIMEOUT", shopapi.DefaultTimeout),
		CallbackEnabled:   util.ParseBoolEnv("CALLBACK_ENABLED", true),
		CallbackHost:      util.StringEnv("CALLBACK_HOST", DefaultCallbackHost),
		CallbackPort:      util.ParseIntEnv("CALLBACK_PORT", DefaultCallbackPort),
		CallbackPath:      util.StringEnv("CALLBACK_PATH", api.DefaultCallbackPath),
		RewardTemplate:    util.StringEnv("REWARD_COMMAND_TEMPLATE", dispatch.DefaultRewardTemplate),
		BroadcastTemplate: util.StringEnv("BROADCAST_TEMPLATE", dispatch.DefaultBroadcastTemplate),
		AuditDSN:          os.Getenv("AUDIT_DB_DSN"),
		AuditLogEnabled:   util.ParseBoolEnv("AUDIT_LOG_ENABLED", true),
		APIAddr:           util.StringEnv("API_ADDR", api.DefaultAddr),
		HostToken:         os.Getenv("HOST_TOKEN"),
		OperatorToken:     os.Getenv("OPERATOR_TOKEN"),
		BackupKeep:        util.ParseIntEnv("BACKUP_KEEP", store.DefaultBackupKeep),
	}

	slog.Debug("environment variables loaded",
		"TRADEBRIDGE_STATE_DIR", config.StateDir,
		"SHOP_IDS", config.ShopIDs,
		"CALLBACK_KEY_SET", config.CallbackKey != "",
		"POLL_ENABLED", config.PollEnabled,
		"POLL_INTERVAL", config.PollInterval,
		"CALLBACK_ENABLED", config.CallbackEnabled,
		"AUDIT_DB_DSN_SET", config.AuditDSN != "",
		"API_ADDR", config.APIAddr,
		"HOST_TOKEN_SET", config.HostToken != "",
		"OPERATOR_TOKEN_SET", config.OperatorToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for data.yml, backups and logs (overrides $TRADEBRIDGE_STATE_DIR)"),
		shopIDs:           fs.String("shops", config.ShopIDs, "comma-separated marketplace shop ids (overrides $SHOP_IDS)"),
		callbackKey:       fs.String("callback-key", config.CallbackKey, "shared secret for callback signatures (overrides $CALLBACK_KEY)"),
		pollEnabled:       fs.Bool("poll", config.PollEnabled, "poll the marketplace for recent purchases (overrides $POLL_ENABLED)"),
		pollInterval:      fs.Duration("poll-interval", config.PollInterval, "poll interval, minimum 30s (overrides $POLL_INTERVAL)"),
		retryAttempts:     fs.Int("retry-attempts", config.RetryAttempts, "poll retries per cycle (overrides $RETRY_ATTEMPTS)"),
		retryDelay:        fs.Duration("retry-delay", config.RetryDelay, "delay between poll retries (overrides $RETRY_DELAY)"),
		apiBaseURL:        fs.String("api-base-url", config.APIBaseURL, "marketplace API base URL (overrides $API_BASE_URL)"),
		apiVersion:        fs.String("api-version", config.APIVersion, "marketplace API version (overrides $API_VERSION)"),
		apiTimeout:        fs.Duration("api-timeout", config.APITimeout, "marketplace connect and response timeout (overrides $API_TIMEOUT)"),
		callbackEnabled:   fs.Bool("callback", config.CallbackEnabled, "run the callback listener (overrides $CALLBACK_ENABLED)"),
		callbackHost:      fs.String("callback-host", config.CallbackHost, "callback listen host (overrides $CALLBACK_HOST)"),
		callbackPort:      fs.Int("callback-port", config.CallbackPort, "callback listen port (overrides $CALLBACK_PORT)"),
		callbackPath:      fs.String("callback-path", config.CallbackPath, "callback route (overrides $CALLBACK_PATH)"),
		rewardTemplate:    fs.String("reward-template", config.RewardTemplate, "reward command template (overrides $REWARD_COMMAND_TEMPLATE)"),
		broadcastTemplate: fs.String("broadcast-template", config.BroadcastTemplate, "purchase broadcast template, empty disables (overrides $BROADCAST_TEMPLATE)"),
		auditDSN:          fs.String("audit-db-dsn", config.AuditDSN, "SQLite path or Postgres DSN for the audit database (overrides $AUDIT_DB_DSN)"),
		auditLogEnabled:   fs.Bool("audit-log", config.AuditLogEnabled, "write logs/purchases.log (overrides $AUDIT_LOG_ENABLED)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "operator API address (overrides $API_ADDR)"),
		hostToken:         fs.String("host-token", config.HostToken, "token the game host authenticates with (overrides $HOST_TOKEN)"),
		operatorToken:     fs.String("operator-token", config.OperatorToken, "bearer token for /pending, /history and /debug/purchase (overrides $OPERATOR_TOKEN)"),
		backupKeep:        fs.Int("backup-keep", config.BackupKeep, "state backups to keep (overrides $BACKUP_KEEP)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(2)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"shops", *flags.shopIDs,
		"pollInterval", *flags.pollInterval,
		"callbackPort", *flags.callbackPort,
		"apiAddr", *flags.apiAddr)

	return flags
}

// warnUnsetShop logs loudly when no real shop id is configured.
func warnUnsetShop(shopIDs string) bool {
	for _, id := range util.SplitList(shopIDs) {
		if id != DefaultShopID {
			return false
		}
	}
	slog.Warn("!!! SHOP_IDS is not set: polling and /status will not reach your shop. Set SHOP_IDS to your marketplace shop id !!!")
	return true
}

// buildStateOptions constructs state file options
func buildStateOptions(flags Flags) []store.StateFileOption {
	return []store.StateFileOption{store.WithBackupKeep(*flags.backupKeep)}
}

// buildShopOptions constructs marketplace client options
func buildShopOptions(flags Flags) []shopapi.Option {
	return []shopapi.Option{
		shopapi.WithBaseURL(*flags.apiBaseURL),
		shopapi.WithAPIVersion(*flags.apiVersion),
		shopapi.WithTimeout(*flags.apiTimeout),
	}
}

// buildPollerOptions constructs poller options
func buildPollerOptions(flags Flags) []poller.Option {
	return []poller.Option{
		poller.WithInterval(*flags.pollInterval),
		poller.WithRetryAttempts(*flags.retryAttempts),
		poller.WithRetryDelay(*flags.retryDelay),
	}
}

// buildDispatchOptions constructs dispatcher options
func buildDispatchOptions(flags Flags) []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithRewardTemplate(*flags.rewardTemplate),
		dispatch.WithBroadcastTemplate(*flags.broadcastTemplate),
	}
}

// buildHostOptions constructs host bridge options
func buildHostOptions(flags Flags) []host.Option {
	if *flags.hostToken == "" {
		slog.Warn("HOST_TOKEN is not set, any client can connect to /host")
		return nil
	}
	return []host.Option{host.WithToken(*flags.hostToken)}
}

// buildAPIOptions constructs server options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithShopIDs(util.SplitList(*flags.shopIDs)),
		api.WithCallbackKey(*flags.callbackKey),
		api.WithPolling(*flags.pollEnabled),
		api.WithCallback(*flags.callbackEnabled),
		api.WithCallbackAddr(net.JoinHostPort(*flags.callbackHost, strconv.Itoa(*flags.callbackPort))),
		api.WithCallbackPath(*flags.callbackPath),
		api.WithAuditLog(*flags.auditLogEnabled),
		api.WithAddr(*flags.apiAddr),
		api.WithOperatorToken(*flags.operatorToken),
	}
	if *flags.auditDSN != "" {
		if store.DetectDSNType(*flags.auditDSN) == store.DSNTypePostgres {
			slog.Debug("Detected PostgreSQL DSN for audit database", "dsn_type", store.DSNTypePostgres)
		} else {
			slog.Debug("Detected SQLite DSN for audit database", "db_path", *flags.auditDSN)
		}
		apiOpts = append(apiOpts, api.WithAuditDSN(*flags.auditDSN))
	}
	return apiOpts
}
