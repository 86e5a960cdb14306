package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"indexed-twap/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs update cadence. Ticks are aligned to the oracle
// window and fire Offset after each window starts.
type SchedulerConfig struct {
	Offset          time.Duration `mapstructure:"offset"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	FactoryAddress string        `mapstructure:"factory_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OracleConfig describes both numeraires and the tracked tokens.
type OracleConfig struct {
	WindowSize      time.Duration `mapstructure:"window_size"`
	MinUpdateDelay  time.Duration `mapstructure:"min_update_delay"`
	QueryMode       string        `mapstructure:"query_mode"`
	PrimaryQuote    string        `mapstructure:"primary_quote"`
	SecondaryQuote  string        `mapstructure:"secondary_quote"`
	Owner           string        `mapstructure:"owner"`
	Tokens          []string      `mapstructure:"tokens"`
	SecondaryTokens []string      `mapstructure:"secondary_tokens"`
	DefaultMinAge   time.Duration `mapstructure:"default_min_age"`
	DefaultMaxAge   time.Duration `mapstructure:"default_max_age"`
}

// AlertingConfig defines deviation alert thresholds and routing. A token is
// flagged when its short-range TWAP deviates from its long-range TWAP by more
// than ThresholdPct percent.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	ShortMaxAge  time.Duration  `mapstructure:"short_max_age"`
	LongMinAge   time.Duration  `mapstructure:"long_min_age"`
	LongMaxAge   time.Duration  `mapstructure:"long_max_age"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Channels     []string       `mapstructure:"channels"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the HTTP query server.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TWAPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "twapd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.offset", "31m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x74776170))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.factory_address", "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f")

	v.SetDefault("oracle.window_size", "1h")
	v.SetDefault("oracle.min_update_delay", "30m")
	v.SetDefault("oracle.query_mode", "stored")
	v.SetDefault("oracle.primary_quote", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	v.SetDefault("oracle.tokens", []string{})
	v.SetDefault("oracle.secondary_tokens", []string{})
	v.SetDefault("oracle.default_min_age", "1h")
	v.SetDefault("oracle.default_max_age", "48h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 5.0)
	v.SetDefault("alerting.short_max_age", "2h")
	v.SetDefault("alerting.long_min_age", "0s")
	v.SetDefault("alerting.long_max_age", "24h")
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	window := c.Oracle.WindowSize
	if window < time.Second || window%time.Second != 0 || window > time.Duration(1<<32-1)*time.Second {
		return fmt.Errorf("oracle.window_size must be a whole number of seconds between 1s and 2^32-1s")
	}
	if c.Oracle.MinUpdateDelay < 0 || c.Oracle.MinUpdateDelay > window {
		return fmt.Errorf("oracle.min_update_delay must be between 0 and oracle.window_size")
	}
	if c.Scheduler.Offset < 0 || c.Scheduler.Offset >= window {
		return fmt.Errorf("scheduler.offset must be within one oracle window")
	}
	if c.Scheduler.Offset < c.Oracle.MinUpdateDelay {
		return fmt.Errorf("scheduler.offset must not be shorter than oracle.min_update_delay")
	}
	switch c.Oracle.QueryMode {
	case "", "stored", "live":
	default:
		return fmt.Errorf("oracle.query_mode must be stored or live")
	}
	if c.Oracle.DefaultMinAge > c.Oracle.DefaultMaxAge {
		return fmt.Errorf("oracle.default_min_age cannot exceed oracle.default_max_age")
	}
	if !common.IsHexAddress(c.Oracle.PrimaryQuote) {
		return fmt.Errorf("oracle.primary_quote is not a valid address")
	}
	if c.Oracle.SecondaryQuote != "" {
		if !common.IsHexAddress(c.Oracle.SecondaryQuote) {
			return fmt.Errorf("oracle.secondary_quote is not a valid address")
		}
		if common.HexToAddress(c.Oracle.SecondaryQuote) == common.HexToAddress(c.Oracle.PrimaryQuote) {
			return fmt.Errorf("oracle.secondary_quote must differ from oracle.primary_quote")
		}
	} else if len(c.Oracle.SecondaryTokens) > 0 {
		return fmt.Errorf("oracle.secondary_tokens requires oracle.secondary_quote")
	}
	if c.Oracle.Owner != "" && !common.IsHexAddress(c.Oracle.Owner) {
		return fmt.Errorf("oracle.owner is not a valid address")
	}
	for _, list := range [][]string{c.Oracle.Tokens, c.Oracle.SecondaryTokens} {
		for _, token := range list {
			if !common.IsHexAddress(token) {
				return fmt.Errorf("invalid token address %q", token)
			}
		}
	}
	for _, token := range c.Oracle.SecondaryTokens {
		addr := common.HexToAddress(token)
		if addr == common.HexToAddress(c.Oracle.PrimaryQuote) || addr == common.HexToAddress(c.Oracle.SecondaryQuote) {
			return fmt.Errorf("oracle.secondary_tokens must not contain a quote token: %s", token)
		}
	}
	if c.Ethereum.FactoryAddress != "" && !common.IsHexAddress(c.Ethereum.FactoryAddress) {
		return fmt.Errorf("ethereum.factory_address is not a valid address")
	}
	if c.Alerting.ThresholdPct < 0 {
		return fmt.Errorf("alerting.threshold_pct cannot be negative")
	}
	if c.Alerting.LongMinAge > c.Alerting.LongMaxAge {
		return fmt.Errorf("alerting.long_min_age cannot exceed alerting.long_max_age")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Seconds converts a duration to whole seconds for the oracle's 32-bit clock.
func Seconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if s > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(s)
}

// Addresses parses a list of hex addresses validated by Validate.
func Addresses(list []string) []common.Address {
	out := make([]common.Address, 0, len(list))
	for _, s := range list {
		out = append(out, common.HexToAddress(s))
	}
	return out
}

// AllTokens returns the primary and secondary tokens, secondary last, without duplicates.
func (c *OracleConfig) AllTokens() []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, token := range append(Addresses(c.Tokens), Addresses(c.SecondaryTokens)...) {
		if !seen[token] {
			seen[token] = true
			out = append(out, token)
		}
	}
	return out
}
