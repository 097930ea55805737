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
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the orchard-service.
// These values are loaded from environment variables. Monetary amounts are
// cents; percents are human-facing and converted to basis points at wiring.
type Config struct {
	ServerPort                  string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string  `mapstructure:"DATABASE_URL"`
	RedisURL                    string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string  `mapstructure:"RABBITMQ_URL"`
	PaymentEventQueue           string  `mapstructure:"PAYMENT_EVENT_QUEUE"`
	GatewayAPIBaseURL           string  `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey               string  `mapstructure:"GATEWAY_API_KEY"`
	JWKSURL                     string  `mapstructure:"JWKS_URL"`
	Currency                    string  `mapstructure:"CURRENCY"`
	TithePercent                float64 `mapstructure:"TITHE_PERCENT"`
	ProcessingFeePercent        float64 `mapstructure:"PROCESSING_FEE_PERCENT"`
	DefaultPocketPriceCents     int64   `mapstructure:"DEFAULT_POCKET_PRICE_CENTS"`
	ReservationTTLSeconds       int     `mapstructure:"RESERVATION_TTL_SECONDS"`
	SweepIntervalSeconds        int     `mapstructure:"SWEEP_INTERVAL_SECONDS"`
	ReserveRateLimitPerMinute   int     `mapstructure:"RESERVE_RATE_LIMIT_PER_MINUTE"`
	SnapshotRateLimitPerMinute  int     `mapstructure:"SNAPSHOT_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "orchard_service.payment_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "sow2grow:rate_limit")
	viper.SetDefault("CURRENCY", "USD")
	viper.SetDefault("TITHE_PERCENT", 10.0)
	viper.SetDefault("PROCESSING_FEE_PERCENT", 6.0)
	viper.SetDefault("DEFAULT_POCKET_PRICE_CENTS", 15000)
	viper.SetDefault("RESERVATION_TTL_SECONDS", 300)
	viper.SetDefault("SWEEP_INTERVAL_SECONDS", 30)
	viper.SetDefault("RESERVE_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("SNAPSHOT_RATE_LIMIT_PER_MINUTE", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ORCHARD_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("TITHE_PERCENT")
	_ = viper.BindEnv("PROCESSING_FEE_PERCENT")
	_ = viper.BindEnv("DEFAULT_POCKET_PRICE_CENTS")
	_ = viper.BindEnv("DEFAULT_POCKET_PRICE")
	_ = viper.BindEnv("RESERVATION_TTL_SECONDS")
	_ = viper.BindEnv("SWEEP_INTERVAL_SECONDS")
	_ = viper.BindEnv("RESERVE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SNAPSHOT_RATE_LIMIT_PER_MINUTE")

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

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "sow2grow:rate_limit"
	}

	// Allow specifying the pocket price in whole currency units via
	// DEFAULT_POCKET_PRICE.
	if viper.IsSet("DEFAULT_POCKET_PRICE") {
		priceStr := strings.TrimSpace(viper.GetString("DEFAULT_POCKET_PRICE"))
		if priceStr != "" {
			priceValue, parseErr := strconv.ParseFloat(priceStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid DEFAULT_POCKET_PRICE\" value=%q err=%v", priceStr, parseErr)
			} else {
				config.DefaultPocketPriceCents = int64(math.Round(priceValue * 100))
			}
		}
	}

	if config.DefaultPocketPriceCents <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive pocket price configured; using default\" price_cents=%d", config.DefaultPocketPriceCents)
		config.DefaultPocketPriceCents = 15000
	}

	if config.TithePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative tithe percent configured; coercing to zero\" tithe_percent=%f", config.TithePercent)
		config.TithePercent = 0
	}
	if config.TithePercent > 100 {
		log.Printf("level=warn component=config msg=\"tithe percent too high; capping at 100\" tithe_percent=%f", config.TithePercent)
		config.TithePercent = 100
	}
	if config.ProcessingFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative processing fee percent configured; coercing to zero\" fee_percent=%f", config.ProcessingFeePercent)
		config.ProcessingFeePercent = 0
	}
	if config.ProcessingFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"processing fee percent too high; capping at 100\" fee_percent=%f", config.ProcessingFeePercent)
		config.ProcessingFeePercent = 100
	}

	if config.ReservationTTLSeconds <= 0 {
		config.ReservationTTLSeconds = 300
	}
	if config.SweepIntervalSeconds <= 0 {
		config.SweepIntervalSeconds = 30
	}
	if config.ReserveRateLimitPerMinute <= 0 {
		config.ReserveRateLimitPerMinute = 30
	}
	if config.SnapshotRateLimitPerMinute <= 0 {
		config.SnapshotRateLimitPerMinute = 120
	}

	return
}
