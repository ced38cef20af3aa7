// Package config loads runtime configuration from environment variables,
// with defaults suitable for local development.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/lumenex/exchange-core/pkg/models"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	ChainRPCURL string `mapstructure:"chain_rpc_url"`

	// Instruments is a JSON array of instrument definitions to list at boot.
	Instruments string `mapstructure:"instruments"`

	KafkaBrokers     []string `mapstructure:"kafka_brokers"`
	KafkaTopicPrefix string   `mapstructure:"kafka_topic_prefix"`

	MakerFeeBps int64 `mapstructure:"maker_fee_bps"`
	TakerFeeBps int64 `mapstructure:"taker_fee_bps"`

	FeeCollectorID string `mapstructure:"fee_collector_id"`

	PaymentToleranceAbs string `mapstructure:"payment_tolerance_abs"`

	SettlementGroupID           string        `mapstructure:"settlement_group_id"`
	SettlementRequestTopic      string        `mapstructure:"settlement_request_topic"`
	SettlementConfirmationTopic string        `mapstructure:"settlement_confirmation_topic"`
	SettlementMaxRetries        int           `mapstructure:"settlement_max_retries"`
	SettlementRetryBackoff      time.Duration `mapstructure:"settlement_retry_backoff"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads configuration from the environment with the EXCHANGE_ prefix,
// e.g. EXCHANGE_LOG_LEVEL, EXCHANGE_KAFKA_BROKERS.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "file::memory:?cache=shared")
	v.SetDefault("redis_addr", "")
	v.SetDefault("chain_rpc_url", "")
	v.SetDefault("instruments", "[]")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic_prefix", "exchange")
	v.SetDefault("maker_fee_bps", 10)
	v.SetDefault("taker_fee_bps", 20)
	v.SetDefault("fee_collector_id", uuid.Nil.String())
	v.SetDefault("payment_tolerance_abs", "0")
	v.SetDefault("settlement_group_id", "settlement-processor")
	v.SetDefault("settlement_request_topic", "settlement.requests")
	v.SetDefault("settlement_confirmation_topic", "settlement.confirmations")
	v.SetDefault("settlement_max_retries", 3)
	v.SetDefault("settlement_retry_backoff", 500*time.Millisecond)
	v.SetDefault("metrics_addr", ":9090")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// FeeCollector parses the fee collector account id.
func (c *Config) FeeCollector() (uuid.UUID, error) {
	id, err := uuid.Parse(c.FeeCollectorID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid fee collector id %q: %w", c.FeeCollectorID, err)
	}
	return id, nil
}

// ParseInstruments decodes the configured instrument list.
func (c *Config) ParseInstruments() ([]models.Instrument, error) {
	var instruments []models.Instrument
	if c.Instruments == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(c.Instruments), &instruments); err != nil {
		return nil, fmt.Errorf("invalid instruments config: %w", err)
	}
	return instruments, nil
}

// PaymentTolerance parses the absolute payment tolerance.
func (c *Config) PaymentTolerance() (decimal.Decimal, error) {
	tol, err := decimal.NewFromString(c.PaymentToleranceAbs)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid payment tolerance %q: %w", c.PaymentToleranceAbs, err)
	}
	return tol, nil
}
