package portfolio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/acctsvc/internal/shm"
)

func TestLoadBootstrapCSV(t *testing.T) {
	manager := newTestManager(t)

	path := filepath.Join(t.TempDir(), "positions.csv")
	content := "# seed snapshot\n" +
		"fund,200000000,150000000,0,50000000\n" +
		"position,SZ.000001,PING AN,1000,500,0,0,0,0,0,0,0,0,3\n" +
		"position,SH.600000,PUFA,200,0,0,0,0,0,0,0,0,0,1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, manager.LoadBootstrapCSV(path))

	fund := manager.Fund()
	assert.Equal(t, uint64(200000000), fund.TotalAsset)
	assert.Equal(t, uint64(150000000), fund.Available)
	assert.Equal(t, uint64(50000000), fund.MarketValue)

	assert.Equal(t, 2, manager.PositionCount())
	snapshot, ok := manager.PositionSnapshot("SZ.000001")
	require.True(t, ok)
	assert.Equal(t, uint64(1000), snapshot.VolumeAvailableT0)
	assert.Equal(t, uint64(500), snapshot.VolumeAvailableT1)
	assert.Equal(t, uint64(3), snapshot.CountOrder)
	assert.Equal(t, "PING AN", snapshot.Name.String())

	assert.Equal(t, uint64(200), manager.SellableVolume("SH.600000"))
}

func TestLoadBootstrapCSVMissingFile(t *testing.T) {
	manager := newTestManager(t)
	assert.NoError(t, manager.LoadBootstrapCSV(filepath.Join(t.TempDir(), "absent.csv")))
	assert.Zero(t, manager.PositionCount())
}

func TestLoadBootstrapCSVBadRecordType(t *testing.T) {
	manager := newTestManager(t)
	path := filepath.Join(t.TempDir(), "positions.csv")
	require.NoError(t, os.WriteFile(path, []byte("order,1,2,3\n"), 0o644))
	assert.Error(t, manager.LoadBootstrapCSV(path))
}

func TestLoadBootstrapDB(t *testing.T) {
	manager := newTestManager(t)

	path := filepath.Join(t.TempDir(), "settle.db")
	db, err := sqlx.Connect("sqlite", path)
	require.NoError(t, err)

	db.MustExec(`CREATE TABLE account_info (
		account_id INTEGER, total_assets INTEGER, available_cash INTEGER,
		frozen_cash INTEGER, position_value INTEGER)`)
	db.MustExec(`CREATE TABLE positions (
		id INTEGER PRIMARY KEY, security_id TEXT, internal_security_id TEXT,
		volume_available_t0 INTEGER, volume_available_t1 INTEGER,
		volume_buy INTEGER, dvalue_buy INTEGER,
		volume_buy_traded INTEGER, dvalue_buy_traded INTEGER,
		volume_sell INTEGER, dvalue_sell INTEGER,
		volume_sell_traded INTEGER, dvalue_sell_traded INTEGER, count_order INTEGER)`)
	db.MustExec(`INSERT INTO account_info VALUES (7, 300000000, 250000000, 0, 50000000)`)
	db.MustExec(`INSERT INTO positions VALUES
		(1, '000001', 'SZ.000001', 2000, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5)`)
	require.NoError(t, db.Close())

	require.NoError(t, manager.LoadBootstrapDB(path, 7))

	fund := manager.Fund()
	assert.Equal(t, uint64(300000000), fund.TotalAsset)
	assert.Equal(t, uint64(250000000), fund.Available)

	snapshot, ok := manager.PositionSnapshot("SZ.000001")
	require.True(t, ok)
	assert.Equal(t, uint64(2000), snapshot.VolumeAvailableT0)
	assert.Equal(t, uint64(5), snapshot.CountOrder)
	assert.Equal(t, "000001", snapshot.Name.String())
}

func TestLoadBootstrapDBMissingFile(t *testing.T) {
	manager := newTestManager(t)
	assert.NoError(t, manager.LoadBootstrapDB(filepath.Join(t.TempDir(), "absent.db"), 1))
}

func TestParseSecurityKey(t *testing.T) {
	market, code, ok := parseSecurityKey("SZ.000001")
	require.True(t, ok)
	assert.Equal(t, shm.MarketSZ, market)
	assert.Equal(t, "000001", code)

	_, _, ok = parseSecurityKey("XX.000001")
	assert.False(t, ok)
	_, _, ok = parseSecurityKey("SZ000001")
	assert.False(t, ok)
	_, _, ok = parseSecurityKey("SZ.")
	assert.False(t, ok)
}
