package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acctsvc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "shm:\n  trading_day: \"20260801\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), cfg.Account.ID)
	assert.Equal(t, "/strategy_order_shm", cfg.Shm.UpstreamName)
	assert.Equal(t, "/downstream_order_shm", cfg.Shm.DownstreamName)
	assert.Equal(t, "/trades_shm", cfg.Shm.TradesName)
	assert.Equal(t, "/positions_shm", cfg.Shm.PositionsName)
	assert.True(t, cfg.Shm.CreateIfMissing)
	assert.True(t, cfg.Risk.EnableFundCheck)
	assert.Equal(t, 100*time.Millisecond, cfg.DuplicateWindow())
	assert.Equal(t, 64, cfg.Loop.PollBatchSize)
	assert.True(t, cfg.Monitor.Enabled)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
account:
  id: 7
shm:
  trading_day: "20260801"
  order_pool_size: 4096
risk:
  max_order_value: "5000000.50"
  max_order_volume: 100000
  max_orders_per_second: 200
splitter:
  strategy: twap
  max_child_volume: 1000
  max_child_count: 8
loop:
  poll_batch_size: 128
  busy_polling: true
monitor:
  enabled: false
bootstrap:
  csv_path: /var/lib/acctsvc/positions.csv
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(7), cfg.Account.ID)
	assert.Equal(t, uint32(4096), cfg.Shm.OrderPoolSize)
	assert.Equal(t, uint64(100000), cfg.Risk.MaxOrderVolume)
	assert.Equal(t, "twap", cfg.Splitter.Strategy)
	assert.Equal(t, 128, cfg.Loop.PollBatchSize)
	assert.True(t, cfg.Loop.BusyPolling)
	assert.False(t, cfg.Monitor.Enabled)
	assert.Equal(t, "/var/lib/acctsvc/positions.csv", cfg.Bootstrap.CSVPath)

	cents, err := cfg.MaxOrderValueCents()
	require.NoError(t, err)
	assert.Equal(t, uint64(500000050), cents, "decimal yuan converts to cents")
}

func TestLoadRejectsBadTradingDay(t *testing.T) {
	path := writeConfig(t, "shm:\n  trading_day: \"2026-08\"\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadStrategy(t *testing.T) {
	path := writeConfig(t, "shm:\n  trading_day: \"20260801\"\nsplitter:\n  strategy: vwap\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadMoney(t *testing.T) {
	path := writeConfig(t, "shm:\n  trading_day: \"20260801\"\nrisk:\n  max_order_value: \"12.345\"\n")
	_, err := Load(path)
	assert.Error(t, err, "sub-cent precision is rejected")
}

func TestParseMoneyCents(t *testing.T) {
	cases := map[string]uint64{
		"":        0,
		"0":       0,
		"1":       100,
		"1234.56": 123456,
		"0.01":    1,
	}
	for input, expected := range cases {
		got, err := parseMoneyCents(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, got, input)
	}

	_, err := parseMoneyCents("-5")
	assert.Error(t, err)
	_, err = parseMoneyCents("abc")
	assert.Error(t, err)
	_, err = parseMoneyCents("0.001")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
