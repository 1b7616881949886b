package risk

import (
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/acctsvc/internal/common/timeutil"
	"github.com/tradecore/acctsvc/internal/portfolio"
	"github.com/tradecore/acctsvc/internal/shm"
)

// Config selects and parameterizes the default rule set. Zero caps disable
// the corresponding rule.
type Config struct {
	MaxOrderValue       uint64
	MaxOrderVolume      uint64
	MaxOrdersPerSecond  uint32
	EnablePriceLimit    bool
	EnableDuplicate     bool
	EnableFundCheck     bool
	EnablePositionCheck bool
	DuplicateWindow     time.Duration
}

// DefaultConfig enables all checks with the default duplicate window.
func DefaultConfig() Config {
	return Config{
		EnablePriceLimit:    true,
		EnableDuplicate:     true,
		EnableFundCheck:     true,
		EnablePositionCheck: true,
		DuplicateWindow:     DefaultDuplicateWindow,
	}
}

// Stats counts pipeline outcomes by rejection reason.
type Stats struct {
	TotalChecks       uint64
	Passed            uint64
	Rejected          uint64
	RejectedFund      uint64
	RejectedPosition  uint64
	RejectedPrice     uint64
	RejectedValue     uint64
	RejectedVolume    uint64
	RejectedDuplicate uint64
	RejectedRateLimit uint64
	LastCheckTimeNs   uint64
}

// PostCheckCallback observes every checked order and its decision.
type PostCheckCallback func(order *shm.OrderRequest, result CheckResult)

// Manager composes the ordered rule pipeline. Rule evaluation order is the
// order of AddRule; the first rejection short-circuits.
type Manager struct {
	positions *portfolio.Manager
	config    Config
	rules     []Rule
	stats     Stats
	postCheck PostCheckCallback
	logger    *zap.Logger

	priceLimitRule *PriceLimitRule
	duplicateRule  *DuplicateOrderRule
	rateLimitRule  *RateLimitRule
}

// NewManager builds a pipeline with the default rules for the config.
func NewManager(positions *portfolio.Manager, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		positions: positions,
		config:    config,
		logger:    logger,
	}
	m.initializeDefaultRules()
	return m
}

func (m *Manager) initializeDefaultRules() {
	m.rules = nil
	m.priceLimitRule = nil
	m.duplicateRule = nil
	m.rateLimitRule = nil

	if m.config.EnableFundCheck {
		m.AddRule(NewFundCheckRule())
	}
	if m.config.EnablePositionCheck {
		m.AddRule(NewPositionCheckRule())
	}
	if m.config.MaxOrderValue > 0 {
		m.AddRule(NewMaxOrderValueRule(m.config.MaxOrderValue))
	}
	if m.config.MaxOrderVolume > 0 {
		m.AddRule(NewMaxOrderVolumeRule(m.config.MaxOrderVolume))
	}
	if m.config.EnablePriceLimit {
		m.AddRule(NewPriceLimitRule())
	}
	if m.config.EnableDuplicate {
		m.AddRule(NewDuplicateOrderRule(m.config.DuplicateWindow))
	}
	if m.config.MaxOrdersPerSecond > 0 {
		m.AddRule(NewRateLimitRule(m.config.MaxOrdersPerSecond))
	}
}

// CheckOrder runs the pipeline over one order.
func (m *Manager) CheckOrder(order *shm.OrderRequest) CheckResult {
	result := PassResult()
	for _, rule := range m.rules {
		if rule == nil || !rule.Enabled() {
			continue
		}
		result = rule.Check(order, m.positions)
		if !result.Passed() {
			break
		}
	}

	m.updateStats(result)
	if m.postCheck != nil {
		m.postCheck(order, result)
	}
	return result
}

// CheckOrders runs the pipeline over a batch, one result per order.
func (m *Manager) CheckOrders(orders []shm.OrderRequest) []CheckResult {
	results := make([]CheckResult, 0, len(orders))
	for i := range orders {
		results = append(results, m.CheckOrder(&orders[i]))
	}
	return results
}

// SetPostCheckCallback installs the per-order decision observer.
func (m *Manager) SetPostCheckCallback(cb PostCheckCallback) { m.postCheck = cb }

// AddRule appends a rule to the pipeline.
func (m *Manager) AddRule(rule Rule) {
	if rule == nil {
		return
	}
	switch r := rule.(type) {
	case *PriceLimitRule:
		m.priceLimitRule = r
	case *DuplicateOrderRule:
		m.duplicateRule = r
	case *RateLimitRule:
		m.rateLimitRule = r
	}
	m.rules = append(m.rules, rule)
}

// RemoveRule removes the named rule; it reports whether one was removed.
func (m *Manager) RemoveRule(name string) bool {
	for i, rule := range m.rules {
		if rule != nil && rule.Name() == name {
			if rule == Rule(m.priceLimitRule) {
				m.priceLimitRule = nil
			}
			if rule == Rule(m.duplicateRule) {
				m.duplicateRule = nil
			}
			if rule == Rule(m.rateLimitRule) {
				m.rateLimitRule = nil
			}
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return true
		}
	}
	return false
}

// EnableRule toggles the named rule.
func (m *Manager) EnableRule(name string, enabled bool) bool {
	rule := m.GetRule(name)
	if rule == nil {
		return false
	}
	rule.SetEnabled(enabled)
	return true
}

// GetRule returns the named rule, or nil.
func (m *Manager) GetRule(name string) Rule {
	for _, rule := range m.rules {
		if rule != nil && rule.Name() == name {
			return rule
		}
	}
	return nil
}

// UpdatePriceLimits installs up/down limits for a security key.
func (m *Manager) UpdatePriceLimits(securityKey string, limitUp, limitDown uint64) {
	if m.priceLimitRule != nil {
		m.priceLimitRule.SetPriceLimits(securityKey, limitUp, limitDown)
	}
}

// ClearPriceLimits removes all price limits.
func (m *Manager) ClearPriceLimits() {
	if m.priceLimitRule != nil {
		m.priceLimitRule.ClearPriceLimits()
	}
}

// UpdateConfig replaces the config and rebuilds the default rule set.
func (m *Manager) UpdateConfig(config Config) {
	m.config = config
	m.initializeDefaultRules()
}

// Config returns the active config.
func (m *Manager) Config() Config { return m.config }

// Stats returns a copy of the pipeline statistics.
func (m *Manager) Stats() Stats { return m.stats }

// ResetStats zeroes the statistics.
func (m *Manager) ResetStats() { m.stats = Stats{} }

func (m *Manager) updateStats(result CheckResult) {
	m.stats.TotalChecks++
	m.stats.LastCheckTimeNs = timeutil.NowNs()

	if result.Passed() {
		m.stats.Passed++
		return
	}

	m.stats.Rejected++
	switch result.Code {
	case RejectInsufficientFund:
		m.stats.RejectedFund++
	case RejectInsufficientPosition:
		m.stats.RejectedPosition++
	case RejectPriceOutOfRange:
		m.stats.RejectedPrice++
	case RejectExceedMaxOrderValue:
		m.stats.RejectedValue++
	case RejectExceedMaxOrderVolume:
		m.stats.RejectedVolume++
	case RejectDuplicateOrder:
		m.stats.RejectedDuplicate++
	default:
		m.stats.RejectedRateLimit++
	}
}
