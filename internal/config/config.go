// Package config loads and validates the account service configuration.
// Money fields are written as decimal yuan strings in the file and converted
// to integer cents.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/tradecore/acctsvc/internal/shm"
)

// Config is the account service configuration.
type Config struct {
	Account   AccountConfig   `mapstructure:"account"`
	Shm       ShmConfig       `mapstructure:"shm"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Splitter  SplitterConfig  `mapstructure:"splitter"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// AccountConfig identifies the account.
type AccountConfig struct {
	ID uint32 `mapstructure:"id" validate:"min=1"`
}

// ShmConfig names the shared-memory segments.
type ShmConfig struct {
	UpstreamName    string `mapstructure:"upstream_name" validate:"required"`
	DownstreamName  string `mapstructure:"downstream_name" validate:"required"`
	TradesName      string `mapstructure:"trades_name" validate:"required"`
	OrdersBaseName  string `mapstructure:"orders_base_name" validate:"required"`
	PositionsName   string `mapstructure:"positions_name" validate:"required"`
	TradingDay      string `mapstructure:"trading_day" validate:"required,len=8,numeric"`
	OrderPoolSize   uint32 `mapstructure:"order_pool_size" validate:"min=1"`
	CreateIfMissing bool   `mapstructure:"create_if_missing"`
}

// RiskConfig parameterizes the risk pipeline. MaxOrderValue is decimal yuan.
type RiskConfig struct {
	MaxOrderValue       string `mapstructure:"max_order_value"`
	MaxOrderVolume      uint64 `mapstructure:"max_order_volume"`
	MaxOrdersPerSecond  uint32 `mapstructure:"max_orders_per_second"`
	EnablePriceLimit    bool   `mapstructure:"enable_price_limit"`
	EnableDuplicate     bool   `mapstructure:"enable_duplicate"`
	EnableFundCheck     bool   `mapstructure:"enable_fund_check"`
	EnablePositionCheck bool   `mapstructure:"enable_position_check"`
	DuplicateWindowMs   int    `mapstructure:"duplicate_window_ms" validate:"min=0"`
}

// SplitterConfig parameterizes order splitting.
type SplitterConfig struct {
	Strategy       string `mapstructure:"strategy" validate:"omitempty,oneof=none fixed_size fixed iceberg twap"`
	MaxChildVolume uint64 `mapstructure:"max_child_volume"`
	MinChildVolume uint64 `mapstructure:"min_child_volume"`
	MaxChildCount  int    `mapstructure:"max_child_count" validate:"min=0"`
}

// LoopConfig tunes the event loop.
type LoopConfig struct {
	PollBatchSize   int  `mapstructure:"poll_batch_size" validate:"min=1"`
	IdleSleepUs     int  `mapstructure:"idle_sleep_us" validate:"min=0"`
	BusyPolling     bool `mapstructure:"busy_polling"`
	StatsIntervalMs int  `mapstructure:"stats_interval_ms" validate:"min=0"`
	PinCPU          bool `mapstructure:"pin_cpu"`
	CPUCore         int  `mapstructure:"cpu_core"`
}

// MonitorConfig configures the read-only monitor HTTP server.
type MonitorConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// BootstrapConfig points at optional position seed sources.
type BootstrapConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	CSVPath    string `mapstructure:"csv_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("account.id", 1)
	v.SetDefault("shm.upstream_name", shm.DefaultUpstreamShmName)
	v.SetDefault("shm.downstream_name", shm.DefaultDownstreamShmName)
	v.SetDefault("shm.trades_name", shm.DefaultTradesShmName)
	v.SetDefault("shm.orders_base_name", shm.DefaultOrdersShmBaseName)
	v.SetDefault("shm.positions_name", shm.DefaultPositionsShmName)
	v.SetDefault("shm.order_pool_size", shm.DailyOrderPoolCapacity)
	v.SetDefault("shm.create_if_missing", true)
	v.SetDefault("risk.enable_price_limit", true)
	v.SetDefault("risk.enable_duplicate", true)
	v.SetDefault("risk.enable_fund_check", true)
	v.SetDefault("risk.enable_position_check", true)
	v.SetDefault("risk.duplicate_window_ms", 100)
	v.SetDefault("splitter.strategy", "none")
	v.SetDefault("splitter.max_child_count", 16)
	v.SetDefault("loop.poll_batch_size", 64)
	v.SetDefault("loop.idle_sleep_us", 100)
	v.SetDefault("loop.stats_interval_ms", 5000)
	v.SetDefault("loop.cpu_core", -1)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.listen_addr", "127.0.0.1:18600")
}

// Load reads the config file at path (YAML), applies defaults, and
// validates. An empty path loads pure defaults plus environment overrides
// (ACCTSVC_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("acctsvc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if _, err := config.MaxOrderValueCents(); err != nil {
		return nil, err
	}
	return config, nil
}

// MaxOrderValueCents converts the configured decimal yuan cap to cents. An
// empty value means no cap.
func (c *Config) MaxOrderValueCents() (uint64, error) {
	return parseMoneyCents(c.Risk.MaxOrderValue)
}

// parseMoneyCents parses a decimal yuan string ("1234.56") into cents.
func parseMoneyCents(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid money value %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("money value %q must not be negative", s)
	}
	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("money value %q has sub-cent precision", s)
	}
	return uint64(cents.IntPart()), nil
}

// DuplicateWindow returns the duplicate rule window as a duration.
func (c *Config) DuplicateWindow() time.Duration {
	return time.Duration(c.Risk.DuplicateWindowMs) * time.Millisecond
}
