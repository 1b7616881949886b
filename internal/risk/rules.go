package risk

import (
	"math/bits"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tradecore/acctsvc/internal/portfolio"
	"github.com/tradecore/acctsvc/internal/shm"
)

// Rule is one pre-trade check. Rules are pure over (order, positions) except
// for the stateful duplicate and rate-limit rules, which keep their own
// bounded windows.
type Rule interface {
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
	Check(order *shm.OrderRequest, positions *portfolio.Manager) CheckResult
}

type baseRule struct {
	enabled bool
}

func (b *baseRule) Enabled() bool           { return b.enabled }
func (b *baseRule) SetEnabled(enabled bool) { b.enabled = enabled }

func isNewOrder(order *shm.OrderRequest) bool {
	return order.OrderType == shm.OrderTypeNew
}

// valueExceeds reports whether volume*price > limit without overflowing.
func valueExceeds(volume, price, limit uint64) bool {
	hi, lo := bits.Mul64(volume, price)
	return hi > 0 || lo > limit
}

// FundCheckRule rejects Buy orders whose value exceeds the available fund.
type FundCheckRule struct {
	baseRule
}

// NewFundCheckRule creates an enabled fund check.
func NewFundCheckRule() *FundCheckRule {
	return &FundCheckRule{baseRule{enabled: true}}
}

// Name returns the rule name
func (r *FundCheckRule) Name() string { return "fund_check" }

// Check implements Rule.
func (r *FundCheckRule) Check(order *shm.OrderRequest, positions *portfolio.Manager) CheckResult {
	if !r.enabled || !isNewOrder(order) || order.TradeSide != shm.SideBuy {
		return PassResult()
	}
	if valueExceeds(order.VolumeEntrust, order.DPriceEntrust, positions.AvailableFund()) {
		return Reject(RejectInsufficientFund, "insufficient available fund")
	}
	return PassResult()
}

// PositionCheckRule rejects Sell orders that exceed the sellable volume.
type PositionCheckRule struct {
	baseRule
}

// NewPositionCheckRule creates an enabled position check.
func NewPositionCheckRule() *PositionCheckRule {
	return &PositionCheckRule{baseRule{enabled: true}}
}

// Name returns the rule name
func (r *PositionCheckRule) Name() string { return "position_check" }

// Check implements Rule.
func (r *PositionCheckRule) Check(order *shm.OrderRequest, positions *portfolio.Manager) CheckResult {
	if !r.enabled || !isNewOrder(order) || order.TradeSide != shm.SideSell {
		return PassResult()
	}
	if positions.SellableVolume(order.InternalSecurityID.String()) < order.VolumeEntrust {
		return Reject(RejectInsufficientPosition, "insufficient sellable position")
	}
	return PassResult()
}

// MaxOrderValueRule caps the value of a single order. A zero limit disables
// the rule.
type MaxOrderValueRule struct {
	baseRule
	maxValue uint64
}

// NewMaxOrderValueRule creates the rule with the given cap in cents.
func NewMaxOrderValueRule(maxValue uint64) *MaxOrderValueRule {
	return &MaxOrderValueRule{baseRule{enabled: true}, maxValue}
}

// Name returns the rule name
func (r *MaxOrderValueRule) Name() string { return "max_order_value" }

// SetMaxValue updates the cap.
func (r *MaxOrderValueRule) SetMaxValue(maxValue uint64) { r.maxValue = maxValue }

// Check implements Rule.
func (r *MaxOrderValueRule) Check(order *shm.OrderRequest, _ *portfolio.Manager) CheckResult {
	if !r.enabled || !isNewOrder(order) || r.maxValue == 0 {
		return PassResult()
	}
	if valueExceeds(order.VolumeEntrust, order.DPriceEntrust, r.maxValue) {
		return Reject(RejectExceedMaxOrderValue, "order value exceeds limit")
	}
	return PassResult()
}

// MaxOrderVolumeRule caps the volume of a single order. A zero limit
// disables the rule.
type MaxOrderVolumeRule struct {
	baseRule
	maxVolume uint64
}

// NewMaxOrderVolumeRule creates the rule with the given cap.
func NewMaxOrderVolumeRule(maxVolume uint64) *MaxOrderVolumeRule {
	return &MaxOrderVolumeRule{baseRule{enabled: true}, maxVolume}
}

// Name returns the rule name
func (r *MaxOrderVolumeRule) Name() string { return "max_order_volume" }

// SetMaxVolume updates the cap.
func (r *MaxOrderVolumeRule) SetMaxVolume(maxVolume uint64) { r.maxVolume = maxVolume }

// Check implements Rule.
func (r *MaxOrderVolumeRule) Check(order *shm.OrderRequest, _ *portfolio.Manager) CheckResult {
	if !r.enabled || !isNewOrder(order) || r.maxVolume == 0 {
		return PassResult()
	}
	if order.VolumeEntrust > r.maxVolume {
		return Reject(RejectExceedMaxOrderVolume, "order volume exceeds limit")
	}
	return PassResult()
}

// PriceLimits holds the up/down limits of one security, in cents. A zero
// bound is open on that side.
type PriceLimits struct {
	LimitUp   uint64
	LimitDown uint64
}

// PriceLimitRule rejects New orders priced outside the security's limits.
// Limits are set externally (market-data side of the deployment).
type PriceLimitRule struct {
	baseRule
	limits map[string]PriceLimits
}

// NewPriceLimitRule creates an enabled rule with no limits set.
func NewPriceLimitRule() *PriceLimitRule {
	return &PriceLimitRule{baseRule{enabled: true}, make(map[string]PriceLimits)}
}

// Name returns the rule name
func (r *PriceLimitRule) Name() string { return "price_limit" }

// SetPriceLimits installs the limits for a security key.
func (r *PriceLimitRule) SetPriceLimits(securityKey string, limitUp, limitDown uint64) {
	r.limits[securityKey] = PriceLimits{LimitUp: limitUp, LimitDown: limitDown}
}

// ClearPriceLimits removes all limits.
func (r *PriceLimitRule) ClearPriceLimits() {
	r.limits = make(map[string]PriceLimits)
}

// Check implements Rule.
func (r *PriceLimitRule) Check(order *shm.OrderRequest, _ *portfolio.Manager) CheckResult {
	if !r.enabled || !isNewOrder(order) {
		return PassResult()
	}
	limits, ok := r.limits[order.InternalSecurityID.String()]
	if !ok {
		return PassResult()
	}
	if (limits.LimitUp != 0 && order.DPriceEntrust > limits.LimitUp) ||
		(limits.LimitDown != 0 && order.DPriceEntrust < limits.LimitDown) {
		return Reject(RejectPriceOutOfRange, "price is out of limit range")
	}
	return PassResult()
}

// DefaultDuplicateWindow is the fingerprint window of the duplicate rule.
const DefaultDuplicateWindow = 100 * time.Millisecond

// DuplicateOrderRule rejects an order whose fingerprint (internal order id)
// was already seen within the window.
type DuplicateOrderRule struct {
	baseRule
	window time.Duration
	recent *gocache.Cache
}

// NewDuplicateOrderRule creates the rule with the given window.
func NewDuplicateOrderRule(window time.Duration) *DuplicateOrderRule {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateOrderRule{
		baseRule: baseRule{enabled: true},
		window:   window,
		recent:   gocache.New(window, 10*window),
	}
}

// Name returns the rule name
func (r *DuplicateOrderRule) Name() string { return "duplicate_order" }

func orderFingerprint(order *shm.OrderRequest) string {
	return strconv.FormatUint(uint64(order.InternalOrderID), 10)
}

// Check implements Rule.
func (r *DuplicateOrderRule) Check(order *shm.OrderRequest, _ *portfolio.Manager) CheckResult {
	if !r.enabled || !isNewOrder(order) {
		return PassResult()
	}
	key := orderFingerprint(order)
	if _, seen := r.recent.Get(key); seen {
		return Reject(RejectDuplicateOrder, "duplicate order within time window")
	}
	r.recent.Set(key, struct{}{}, r.window)
	return PassResult()
}

// RecordOrder marks the order as seen without checking it.
func (r *DuplicateOrderRule) RecordOrder(order *shm.OrderRequest) {
	r.recent.Set(orderFingerprint(order), struct{}{}, r.window)
}

// ClearHistory forgets all fingerprints.
func (r *DuplicateOrderRule) ClearHistory() { r.recent.Flush() }

// RateLimitRule caps admitted orders per second. A zero cap disables the
// rule.
type RateLimitRule struct {
	baseRule
	maxPerSecond uint32
	limiter      *rate.Limiter
}

// NewRateLimitRule creates the rule with the given per-second cap.
func NewRateLimitRule(maxPerSecond uint32) *RateLimitRule {
	r := &RateLimitRule{baseRule: baseRule{enabled: true}}
	r.SetMaxPerSecond(maxPerSecond)
	return r
}

// Name returns the rule name
func (r *RateLimitRule) Name() string { return "rate_limit" }

// SetMaxPerSecond updates the cap and resets the window.
func (r *RateLimitRule) SetMaxPerSecond(maxPerSecond uint32) {
	r.maxPerSecond = maxPerSecond
	if maxPerSecond == 0 {
		r.limiter = nil
		return
	}
	r.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), int(maxPerSecond))
}

// Check implements Rule.
func (r *RateLimitRule) Check(order *shm.OrderRequest, _ *portfolio.Manager) CheckResult {
	if !r.enabled || !isNewOrder(order) || r.limiter == nil {
		return PassResult()
	}
	if !r.limiter.Allow() {
		return Reject(RejectRateLimited, "order rate exceeds limit")
	}
	return PassResult()
}

// Reset clears the current rate window.
func (r *RateLimitRule) Reset() { r.SetMaxPerSecond(r.maxPerSecond) }
