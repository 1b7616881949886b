package portfolio

import (
	"database/sql"
	"encoding/csv"
	stderrors "errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/shm"
)

// Bootstrap seeding runs once before the loops start: it fills the FUND row
// and the initial security rows from a SQLite database or a CSV snapshot.
// Both sources are optional; a missing file means nothing to load.

const (
	fundQuerySQL = `SELECT total_assets, available_cash, frozen_cash, position_value
FROM account_info WHERE account_id = ? LIMIT 1`
	positionQuerySQL = `SELECT security_id, internal_security_id, volume_available_t0, volume_available_t1,
volume_buy, dvalue_buy, volume_buy_traded, dvalue_buy_traded, volume_sell, dvalue_sell,
volume_sell_traded, dvalue_sell_traded, count_order FROM positions ORDER BY id ASC`
)

type dbPositionRow struct {
	SecurityID         string `db:"security_id"`
	InternalSecurityID string `db:"internal_security_id"`
	VolumeAvailableT0  uint64 `db:"volume_available_t0"`
	VolumeAvailableT1  uint64 `db:"volume_available_t1"`
	VolumeBuy          uint64 `db:"volume_buy"`
	DValueBuy          uint64 `db:"dvalue_buy"`
	VolumeBuyTraded    uint64 `db:"volume_buy_traded"`
	DValueBuyTraded    uint64 `db:"dvalue_buy_traded"`
	VolumeSell         uint64 `db:"volume_sell"`
	DValueSell         uint64 `db:"dvalue_sell"`
	VolumeSellTraded   uint64 `db:"volume_sell_traded"`
	DValueSellTraded   uint64 `db:"dvalue_sell_traded"`
	CountOrder         uint64 `db:"count_order"`
}

// parseSecurityKey splits "SZ.000001" into market and bare code.
func parseSecurityKey(key string) (shm.Market, string, bool) {
	dot := strings.IndexByte(key, '.')
	if dot <= 0 || dot == len(key)-1 {
		return shm.MarketNotSet, "", false
	}
	var market shm.Market
	switch key[:dot] {
	case "SZ":
		market = shm.MarketSZ
	case "SH":
		market = shm.MarketSH
	case "BJ":
		market = shm.MarketBJ
	case "HK":
		market = shm.MarketHK
	default:
		return shm.MarketNotSet, "", false
	}
	return market, key[dot+1:], true
}

func (m *Manager) applySeedRow(internalID, name string, seed shm.Position) bool {
	market, code, ok := parseSecurityKey(internalID)
	if !ok {
		return false
	}
	key, ok := m.AddSecurity(code, name, market)
	if !ok {
		return false
	}
	return m.SeedSecurityCounters(key, seed)
}

// LoadBootstrapDB seeds the table from a SQLite database created by the
// settlement tooling. A missing file is not an error.
func (m *Manager) LoadBootstrapDB(path string, accountID uint32) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		status := acerr.Wrap(err, acerr.DomainPortfolio, acerr.ComponentUnavailable,
			"position_loader", "open bootstrap db failed")
		acerr.Record(status)
		return status
	}
	defer db.Close()

	var fund struct {
		TotalAssets   uint64 `db:"total_assets"`
		AvailableCash uint64 `db:"available_cash"`
		FrozenCash    uint64 `db:"frozen_cash"`
		PositionValue uint64 `db:"position_value"`
	}
	err = db.Get(&fund, fundQuerySQL, accountID)
	switch {
	case err == nil:
		m.SeedFund(shm.FundInfo{
			TotalAsset:  fund.TotalAssets,
			Available:   fund.AvailableCash,
			Frozen:      fund.FrozenCash,
			MarketValue: fund.PositionValue,
		})
	case stderrors.Is(err, sql.ErrNoRows):
		// No fund record for the account; keep the defaults.
	default:
		status := acerr.Wrap(err, acerr.DomainPortfolio, acerr.InvalidState,
			"position_loader", "query account_info failed")
		acerr.Record(status)
		return status
	}

	var rows []dbPositionRow
	if err := db.Select(&rows, positionQuerySQL); err != nil {
		status := acerr.Wrap(err, acerr.DomainPortfolio, acerr.InvalidState,
			"position_loader", "query positions failed")
		acerr.Record(status)
		return status
	}

	for _, row := range rows {
		seed := shm.Position{
			VolumeAvailableT0: row.VolumeAvailableT0,
			VolumeAvailableT1: row.VolumeAvailableT1,
			VolumeBuy:         row.VolumeBuy,
			DValueBuy:         row.DValueBuy,
			VolumeBuyTraded:   row.VolumeBuyTraded,
			DValueBuyTraded:   row.DValueBuyTraded,
			VolumeSell:        row.VolumeSell,
			DValueSell:        row.DValueSell,
			VolumeSellTraded:  row.VolumeSellTraded,
			DValueSellTraded:  row.DValueSellTraded,
			CountOrder:        row.CountOrder,
		}
		if !m.applySeedRow(row.InternalSecurityID, row.SecurityID, seed) {
			status := acerr.Newf(acerr.DomainPortfolio, acerr.PositionUpdateFailed,
				"position_loader", "failed to apply db position row %s", row.InternalSecurityID)
			acerr.Record(status)
			return status
		}
	}

	m.logger.Info("position bootstrap db loaded",
		zap.String("path", path), zap.Int("positions", len(rows)))
	return nil
}

// LoadBootstrapCSV seeds the table from a CSV snapshot. Record layout:
//
//	position,<internal_security_id>,<name>,<t0>,<t1>,<volume_buy>,<dvalue_buy>,
//	  <volume_buy_traded>,<dvalue_buy_traded>,<volume_sell>,<dvalue_sell>,
//	  <volume_sell_traded>,<dvalue_sell_traded>,<count_order>
//	fund,<total_asset>,<available>,<frozen>,<market_value>
//
// A missing file is not an error; a malformed file is.
func (m *Manager) LoadBootstrapCSV(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		status := acerr.Wrap(err, acerr.DomainPortfolio, acerr.ComponentUnavailable,
			"position_loader", "open bootstrap csv failed")
		acerr.Record(status)
		return status
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	applied := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			status := acerr.Wrap(err, acerr.DomainPortfolio, acerr.InvalidState,
				"position_loader", "read bootstrap csv failed")
			acerr.Record(status)
			return status
		}
		if len(record) == 0 || strings.HasPrefix(record[0], "#") {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(record[0])) {
		case "fund":
			if err := m.applyFundCSVRecord(record); err != nil {
				return err
			}
		case "position":
			if err := m.applyPositionCSVRecord(record); err != nil {
				return err
			}
			applied++
		default:
			status := acerr.Newf(acerr.DomainPortfolio, acerr.InvalidState,
				"position_loader", "invalid bootstrap csv record type %q", record[0])
			acerr.Record(status)
			return status
		}
	}

	m.logger.Info("position bootstrap csv loaded",
		zap.String("path", path), zap.Int("positions", applied))
	return nil
}

func parseU64Field(s string) (uint64, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (m *Manager) applyFundCSVRecord(record []string) error {
	if len(record) < 5 {
		status := acerr.New(acerr.DomainPortfolio, acerr.InvalidState,
			"position_loader", "fund csv record has too few columns")
		acerr.Record(status)
		return status
	}
	var fields [4]uint64
	for i := 0; i < 4; i++ {
		v, ok := parseU64Field(record[i+1])
		if !ok {
			status := acerr.New(acerr.DomainPortfolio, acerr.InvalidState,
				"position_loader", "fund csv record has a non-numeric column")
			acerr.Record(status)
			return status
		}
		fields[i] = v
	}
	m.SeedFund(shm.FundInfo{
		TotalAsset:  fields[0],
		Available:   fields[1],
		Frozen:      fields[2],
		MarketValue: fields[3],
	})
	return nil
}

func (m *Manager) applyPositionCSVRecord(record []string) error {
	if len(record) < 14 {
		status := acerr.New(acerr.DomainPortfolio, acerr.InvalidState,
			"position_loader", "position csv record has too few columns")
		acerr.Record(status)
		return status
	}

	var fields [11]uint64
	for i := 0; i < 11; i++ {
		v, ok := parseU64Field(record[i+3])
		if !ok {
			status := acerr.New(acerr.DomainPortfolio, acerr.InvalidState,
				"position_loader", "position csv record has a non-numeric column")
			acerr.Record(status)
			return status
		}
		fields[i] = v
	}

	seed := shm.Position{
		VolumeAvailableT0: fields[0],
		VolumeAvailableT1: fields[1],
		VolumeBuy:         fields[2],
		DValueBuy:         fields[3],
		VolumeBuyTraded:   fields[4],
		DValueBuyTraded:   fields[5],
		VolumeSell:        fields[6],
		DValueSell:        fields[7],
		VolumeSellTraded:  fields[8],
		DValueSellTraded:  fields[9],
		CountOrder:        fields[10],
	}
	name := strings.TrimSpace(record[2])
	if !m.applySeedRow(strings.TrimSpace(record[1]), name, seed) {
		status := acerr.Newf(acerr.DomainPortfolio, acerr.PositionUpdateFailed,
			"position_loader", "failed to apply position csv row %s", record[1])
		acerr.Record(status)
		return status
	}
	return nil
}
