package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	EvidenceTTL time.Duration `mapstructure:"evidence_ttl"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	EventsTopic    string   `mapstructure:"events_topic"`
	TransfersTopic string   `mapstructure:"transfers_topic"`
}

// Credential pairs an account address with the bcrypt hash of its API secret.
// A list keeps addresses case-intact; viper lowercases map keys.
type Credential struct {
	Account string `mapstructure:"account"`
	Hash    string `mapstructure:"hash"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	Credentials []Credential  `mapstructure:"credentials"`
}

type LedgerConfig struct {
	Admin           string `mapstructure:"admin"`
	Address         string `mapstructure:"address"` // the ledger's own receiving address
	OrderCapacity   int    `mapstructure:"order_capacity"`
	CommissionFee   uint64 `mapstructure:"commission_fee"`
	OracleFee       uint64 `mapstructure:"oracle_fee"`
	PremiumCost     uint64 `mapstructure:"premium_cost"`
	SellerInsurance uint64 `mapstructure:"seller_insurance"`
	SetupMinPayment uint64 `mapstructure:"setup_min_payment"`
	PremiumMode     string `mapstructure:"premium_mode"`
	TokenDecimals   int32  `mapstructure:"token_decimals"`
}

type Config struct {
	ServiceName string         `mapstructure:"service_name"`
	Env         string         `mapstructure:"env"`
	LogLevel    string         `mapstructure:"log_level"`
	LogFormat   string         `mapstructure:"log_format"`
	MetricsPath string         `mapstructure:"metrics_path"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Ledger      LedgerConfig   `mapstructure:"ledger"`
}

// Load reads path (optional) and ESCROW_* environment variables on top of
// the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ledger.Admin) == "" {
		return fmt.Errorf("ledger.admin is required")
	}
	if strings.TrimSpace(c.Ledger.Address) == "" {
		return fmt.Errorf("ledger.address is required")
	}
	if c.Ledger.OrderCapacity < 1 || c.Ledger.OrderCapacity > 255 {
		return fmt.Errorf("ledger.order_capacity must be between 1 and 255")
	}
	if c.Ledger.CommissionFee > 100 {
		return fmt.Errorf("ledger.commission_fee must be a percentage")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	seen := make(map[string]bool, len(c.Auth.Credentials))
	for i, cred := range c.Auth.Credentials {
		if cred.Account == "" || cred.Hash == "" {
			return fmt.Errorf("auth.credentials[%d] needs account and hash", i)
		}
		if seen[cred.Account] {
			return fmt.Errorf("auth.credentials: duplicate account %q", cred.Account)
		}
		seen[cred.Account] = true
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "escrow-ledger")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.evidence_ttl", "720h")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.events_topic", "escrow.events")
	v.SetDefault("kafka.transfers_topic", "escrow.transfers")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("ledger.admin", "")
	v.SetDefault("ledger.address", "")
	v.SetDefault("ledger.order_capacity", 6)
	v.SetDefault("ledger.commission_fee", 1)
	v.SetDefault("ledger.oracle_fee", 50_000)
	v.SetDefault("ledger.premium_cost", 100_000)
	v.SetDefault("ledger.seller_insurance", 1_000_000)
	v.SetDefault("ledger.setup_min_payment", 10_000_000)
	v.SetDefault("ledger.premium_mode", "legacy")
	v.SetDefault("ledger.token_decimals", 6)
}
