/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the airdrop-service.
// These values are loaded from environment variables.
type Config struct {
	AppEnv                     string `mapstructure:"APP_ENV"`
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	ClerkJWKSURL               string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	LedgerRPCURL               string `mapstructure:"LEDGER_RPC_URL"`
	LedgerChainID              int64  `mapstructure:"LEDGER_CHAIN_ID"`
	LedgerChainName            string `mapstructure:"LEDGER_CHAIN_NAME"`
	TokenContractAddress       string `mapstructure:"TOKEN_CONTRACT_ADDRESS"`
	TokenSymbol                string `mapstructure:"TOKEN_SYMBOL"`
	TreasuryPrivateKey         string `mapstructure:"TREASURY_PRIVATE_KEY"`
	SettlementCron             string `mapstructure:"SETTLEMENT_CRON"`
	BatchSize                  int    `mapstructure:"BATCH_SIZE"`
	ConfirmationDepth          int    `mapstructure:"CONFIRMATION_DEPTH"`
	RetryAttempts              int    `mapstructure:"RETRY_ATTEMPTS"`
	RetryDelaySeconds          int    `mapstructure:"RETRY_DELAY_SECONDS"`
	TriggerRateLimitPerMinute  int    `mapstructure:"TRIGGER_RATE_LIMIT_PER_MINUTE"`
	RequestRateLimitPerMinute  int    `mapstructure:"REQUEST_RATE_LIMIT_PER_MINUTE"`
	ReceiptPollIntervalSeconds int    `mapstructure:"RECEIPT_POLL_INTERVAL_SECONDS"`
	ConfirmationTimeoutSeconds int    `mapstructure:"CONFIRMATION_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("TOKEN_SYMBOL", "KUDOS")
	viper.SetDefault("LEDGER_CHAIN_NAME", "kudos-ledger")
	viper.SetDefault("SETTLEMENT_CRON", "0 3 * * *")
	viper.SetDefault("BATCH_SIZE", 32)
	viper.SetDefault("RETRY_ATTEMPTS", 3)
	viper.SetDefault("RETRY_DELAY_SECONDS", 30)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "kudos:rate_limit")
	viper.SetDefault("TRIGGER_RATE_LIMIT_PER_MINUTE", 6)
	viper.SetDefault("REQUEST_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("RECEIPT_POLL_INTERVAL_SECONDS", 5)
	viper.SetDefault("CONFIRMATION_TIMEOUT_SECONDS", 600)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "AIRDROP_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "AIRDROP_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("LEDGER_RPC_URL")
	_ = viper.BindEnv("LEDGER_CHAIN_ID")
	_ = viper.BindEnv("LEDGER_CHAIN_NAME")
	_ = viper.BindEnv("TOKEN_CONTRACT_ADDRESS")
	_ = viper.BindEnv("TOKEN_SYMBOL")
	_ = viper.BindEnv("TREASURY_PRIVATE_KEY")
	_ = viper.BindEnv("SETTLEMENT_CRON")
	_ = viper.BindEnv("BATCH_SIZE")
	_ = viper.BindEnv("CONFIRMATION_DEPTH")
	_ = viper.BindEnv("RETRY_ATTEMPTS")
	_ = viper.BindEnv("RETRY_DELAY_SECONDS")
	_ = viper.BindEnv("TRIGGER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REQUEST_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECEIPT_POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("CONFIRMATION_TIMEOUT_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("AIRDROP_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "kudos:rate_limit"
	}

	config.AppEnv = strings.ToLower(strings.TrimSpace(config.AppEnv))
	if config.AppEnv == "" {
		config.AppEnv = "development"
	}

	// The confirmation depth scales with the environment unless set explicitly:
	// development chains mine instantly, production waits out reorg depth.
	if !viper.IsSet("CONFIRMATION_DEPTH") {
		config.ConfirmationDepth = defaultConfirmationDepth(config.AppEnv)
	}
	if config.ConfirmationDepth < 0 {
		log.Printf("level=warn component=config msg=\"negative confirmation depth configured; coercing to environment default\" depth=%d", config.ConfirmationDepth)
		config.ConfirmationDepth = defaultConfirmationDepth(config.AppEnv)
	}

	if config.BatchSize <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive batch size configured; using default\" batch_size=%d", config.BatchSize)
		config.BatchSize = 32
	}
	if config.RetryAttempts < 0 {
		log.Printf("level=warn component=config msg=\"negative retry attempts configured; coercing to zero\" retry_attempts=%d", config.RetryAttempts)
		config.RetryAttempts = 0
	}
	if config.RetryDelaySeconds < 0 {
		config.RetryDelaySeconds = 30
	}
	if config.TriggerRateLimitPerMinute <= 0 {
		config.TriggerRateLimitPerMinute = 6
	}
	if config.RequestRateLimitPerMinute <= 0 {
		config.RequestRateLimitPerMinute = 30
	}
	if config.ReceiptPollIntervalSeconds <= 0 {
		config.ReceiptPollIntervalSeconds = 5
	}
	if config.ConfirmationTimeoutSeconds <= 0 {
		config.ConfirmationTimeoutSeconds = 600
	}

	return
}

// defaultConfirmationDepth maps the runtime environment to how many blocks must
// bury a transaction before it is considered final.
func defaultConfirmationDepth(appEnv string) int {
	switch appEnv {
	case "production":
		return 7
	case "test", "staging":
		return 3
	default:
		return 0
	}
}
