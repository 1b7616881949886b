// Package gateway bridges the downstream order queue to a broker adapter:
// it drains slot indices, submits mapped requests with bounded retry, polls
// broker events and pushes trade responses back to the account loop.
package gateway

import (
	"flag"
	"fmt"
	"io"

	"github.com/tradecore/acctsvc/internal/shm"
)

// ParseResult is the outcome of CLI parsing.
type ParseResult int

const (
	// ParseOK means the config is ready to use.
	ParseOK ParseResult = iota
	// ParseHelp means usage was requested; exit 0.
	ParseHelp
	// ParseError means the arguments were invalid; exit 2.
	ParseError
)

// Config is the gateway process configuration, populated from flags.
type Config struct {
	AccountID         uint32
	DownstreamShmName string
	TradesShmName     string
	OrdersShmName     string
	TradingDay        string
	BrokerType        string
	AdapterSoPath     string
	AdapterSymPrefix  string
	CreateIfNotExist  bool
	PollBatchSize     int
	IdleSleepUs       int
	StatsIntervalMs   int
	MaxRetryAttempts  uint32
	RetryIntervalUs   int
	AutoFill          bool
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() Config {
	return Config{
		AccountID:         1,
		DownstreamShmName: shm.DefaultDownstreamShmName,
		TradesShmName:     shm.DefaultTradesShmName,
		OrdersShmName:     shm.DefaultOrdersShmBaseName,
		BrokerType:        "sim",
		AdapterSymPrefix:  "broker",
		PollBatchSize:     64,
		IdleSleepUs:       100,
		StatsIntervalMs:   5000,
		MaxRetryAttempts:  3,
		RetryIntervalUs:   1000,
		AutoFill:          true,
	}
}

// ParseArgs fills a Config from the argument list. It never calls os.Exit;
// usage and errors go to out.
func ParseArgs(args []string, out io.Writer) (Config, ParseResult) {
	config := DefaultConfig()

	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	fs.SetOutput(out)

	accountID := fs.Uint("account-id", uint(config.AccountID), "account identifier")
	fs.StringVar(&config.DownstreamShmName, "downstream-shm", config.DownstreamShmName, "downstream order queue segment name")
	fs.StringVar(&config.TradesShmName, "trades-shm", config.TradesShmName, "trade response queue segment name")
	fs.StringVar(&config.OrdersShmName, "orders-shm", config.OrdersShmName, "order pool segment base name")
	fs.StringVar(&config.TradingDay, "trading-day", config.TradingDay, "trading day YYYYMMDD")
	fs.StringVar(&config.BrokerType, "broker-type", config.BrokerType, "broker adapter: sim|plugin")
	fs.StringVar(&config.AdapterSoPath, "adapter-so", config.AdapterSoPath, "adapter plugin path (broker-type=plugin)")
	fs.StringVar(&config.AdapterSymPrefix, "adapter-prefix", config.AdapterSymPrefix, "adapter plugin symbol prefix")
	fs.BoolVar(&config.CreateIfNotExist, "create-if-not-exist", config.CreateIfNotExist, "create missing segments")
	fs.IntVar(&config.PollBatchSize, "poll-batch-size", config.PollBatchSize, "max items drained per iteration")
	fs.IntVar(&config.IdleSleepUs, "idle-sleep-us", config.IdleSleepUs, "sleep when idle, microseconds")
	fs.IntVar(&config.StatsIntervalMs, "stats-interval-ms", config.StatsIntervalMs, "stats period, milliseconds")
	maxRetries := fs.Uint("max-retries", uint(config.MaxRetryAttempts), "max submit retry attempts")
	fs.IntVar(&config.RetryIntervalUs, "retry-interval-us", config.RetryIntervalUs, "retry delay, microseconds")
	fs.BoolVar(&config.AutoFill, "auto-fill", config.AutoFill, "sim adapter fills orders immediately")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return config, ParseHelp
		}
		return config, ParseError
	}
	config.AccountID = uint32(*accountID)
	config.MaxRetryAttempts = uint32(*maxRetries)

	if err := config.Validate(); err != nil {
		fmt.Fprintln(out, err)
		fs.Usage()
		return config, ParseError
	}
	return config, ParseOK
}

// Validate checks the semantic constraints the flag layer cannot express.
func (c Config) Validate() error {
	if !shm.IsValidTradingDay(c.TradingDay) {
		return fmt.Errorf("invalid --trading-day %q, expected YYYYMMDD", c.TradingDay)
	}
	if c.BrokerType != "sim" && c.BrokerType != "plugin" {
		return fmt.Errorf("unsupported --broker-type %q", c.BrokerType)
	}
	if c.BrokerType == "plugin" && c.AdapterSoPath == "" {
		return fmt.Errorf("--adapter-so is required with --broker-type plugin")
	}
	if c.PollBatchSize <= 0 {
		return fmt.Errorf("--poll-batch-size must be positive")
	}
	if c.IdleSleepUs < 0 || c.RetryIntervalUs < 0 || c.StatsIntervalMs < 0 {
		return fmt.Errorf("interval flags must not be negative")
	}
	return nil
}
