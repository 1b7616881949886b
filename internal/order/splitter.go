// Package order turns risk-passed orders into downstream traffic: the
// splitter partitions parent volume into child orders and the router
// materializes orders into pool slots and the downstream queue.
package order

import (
	"github.com/tradecore/acctsvc/internal/shm"
)

// SplitStrategy selects how a parent order is partitioned.
type SplitStrategy uint8

const (
	// SplitNone never splits.
	SplitNone SplitStrategy = iota
	// SplitFixedSize carves fixed-size children.
	SplitFixedSize
	// SplitIceberg behaves like SplitFixedSize (reserved for future
	// differentiation).
	SplitIceberg
	// SplitTWAP distributes volume evenly over a fixed child count.
	SplitTWAP
)

// String returns the string representation of the strategy
func (s SplitStrategy) String() string {
	switch s {
	case SplitFixedSize:
		return "fixed_size"
	case SplitIceberg:
		return "iceberg"
	case SplitTWAP:
		return "twap"
	default:
		return "none"
	}
}

// ParseSplitStrategy maps a config string to a strategy.
func ParseSplitStrategy(s string) (SplitStrategy, bool) {
	switch s {
	case "", "none":
		return SplitNone, true
	case "fixed_size", "fixed":
		return SplitFixedSize, true
	case "iceberg":
		return SplitIceberg, true
	case "twap":
		return SplitTWAP, true
	default:
		return SplitNone, false
	}
}

// SplitConfig parameterizes the splitter.
type SplitConfig struct {
	Strategy       SplitStrategy
	MaxChildVolume uint64
	MinChildVolume uint64
	MaxChildCount  int
}

// SplitResult carries the produced children or the failure reason.
type SplitResult struct {
	Success  bool
	Children []shm.OrderRequest
	Err      string
}

// IDGenerator produces fresh internal order ids for children.
type IDGenerator func() uint32

// Splitter partitions parent orders according to the configured strategy.
type Splitter struct {
	config SplitConfig
	idGen  IDGenerator
}

// NewSplitter creates a splitter; SetIDGenerator must be called before
// Split can succeed.
func NewSplitter(config SplitConfig) *Splitter {
	return &Splitter{config: config}
}

// SetIDGenerator injects the child id source.
func (s *Splitter) SetIDGenerator(gen IDGenerator) { s.idGen = gen }

// UpdateConfig replaces the splitter config.
func (s *Splitter) UpdateConfig(config SplitConfig) { s.config = config }

// Config returns the active config.
func (s *Splitter) Config() SplitConfig { return s.config }

// ShouldSplit reports whether the order qualifies for splitting: a New
// order, a configured strategy, and a volume above the child cap.
func (s *Splitter) ShouldSplit(order *shm.OrderRequest) bool {
	if order.OrderType != shm.OrderTypeNew {
		return false
	}
	if s.config.Strategy == SplitNone {
		return false
	}
	if s.config.MaxChildVolume == 0 {
		return false
	}
	return order.VolumeEntrust > s.config.MaxChildVolume
}

// Split partitions the parent. A parent that does not qualify yields a
// successful result with no children.
func (s *Splitter) Split(parent *shm.OrderRequest) SplitResult {
	if !s.ShouldSplit(parent) {
		return SplitResult{Success: true}
	}

	switch s.config.Strategy {
	case SplitFixedSize:
		return s.splitFixedSize(parent)
	case SplitIceberg:
		return s.splitIceberg(parent)
	case SplitTWAP:
		return s.splitTWAP(parent)
	default:
		return SplitResult{Err: "unsupported split strategy"}
	}
}

// makeChildRequest derives a child from the parent: same security, side,
// market, price and timing; traded, fee and broker fields zeroed.
func makeChildRequest(parent *shm.OrderRequest, childID uint32, childVolume uint64) shm.OrderRequest {
	child := *parent
	child.InternalOrderID = childID
	child.VolumeEntrust = childVolume
	child.VolumeRemain = childVolume
	child.VolumeTraded = 0
	child.DValueTraded = 0
	child.DPriceTraded = 0
	child.DFeeEstimate = 0
	child.DFeeExecuted = 0
	child.MDTimeTradedFirst = 0
	child.MDTimeTradedLatest = 0
	child.MDTimeBrokerResponse = 0
	child.MDTimeMarketResponse = 0
	child.BrokerOrderID = shm.String32{}
	child.OrigInternalOrderID = 0
	return child
}

func (s *Splitter) splitFixedSize(parent *shm.OrderRequest) SplitResult {
	if s.idGen == nil {
		return SplitResult{Err: "order id generator is not set"}
	}
	if s.config.MaxChildVolume == 0 {
		return SplitResult{Err: "max_child_volume is zero"}
	}

	result := SplitResult{Success: true}
	remaining := parent.VolumeEntrust
	for remaining > 0 {
		if s.config.MaxChildCount > 0 && len(result.Children) >= s.config.MaxChildCount {
			return SplitResult{Err: "child count exceeds max_child_count"}
		}

		childVolume := remaining
		if childVolume > s.config.MaxChildVolume {
			childVolume = s.config.MaxChildVolume
		}
		if childVolume == 0 {
			return SplitResult{Err: "invalid child volume"}
		}

		// Merge an undersized tail into the previous child so no child
		// falls below the configured minimum.
		if remaining == childVolume && s.config.MinChildVolume > 0 &&
			childVolume < s.config.MinChildVolume && len(result.Children) > 0 {
			last := &result.Children[len(result.Children)-1]
			last.VolumeEntrust += childVolume
			last.VolumeRemain += childVolume
			remaining -= childVolume
			continue
		}

		childID := s.idGen()
		if childID == 0 {
			return SplitResult{Err: "generated child order id is zero"}
		}
		result.Children = append(result.Children, makeChildRequest(parent, childID, childVolume))
		remaining -= childVolume
	}

	return result
}

func (s *Splitter) splitIceberg(parent *shm.OrderRequest) SplitResult {
	return s.splitFixedSize(parent)
}

func (s *Splitter) splitTWAP(parent *shm.OrderRequest) SplitResult {
	if s.idGen == nil {
		return SplitResult{Err: "order id generator is not set"}
	}
	if s.config.MaxChildCount == 0 {
		return SplitResult{Err: "max_child_count is zero"}
	}

	totalVolume := parent.VolumeEntrust
	if totalVolume == 0 {
		return SplitResult{Err: "parent volume is zero"}
	}

	target := s.config.MaxChildVolume
	if target == 0 {
		target = s.config.MinChildVolume
		if target == 0 {
			target = 1
		}
	}

	childCount := int((totalVolume + target - 1) / target)
	if childCount == 0 {
		childCount = 1
	}
	if childCount > s.config.MaxChildCount {
		childCount = s.config.MaxChildCount
	}

	result := SplitResult{Success: true, Children: make([]shm.OrderRequest, 0, childCount)}
	base := totalVolume / uint64(childCount)
	remainder := totalVolume % uint64(childCount)

	for i := 0; i < childCount; i++ {
		childVolume := base
		if remainder > 0 {
			childVolume++
			remainder--
		}
		if childVolume == 0 {
			continue
		}

		childID := s.idGen()
		if childID == 0 {
			return SplitResult{Err: "generated child order id is zero"}
		}
		result.Children = append(result.Children, makeChildRequest(parent, childID, childVolume))
	}

	if len(result.Children) == 0 {
		return SplitResult{Err: "twap split produced no children"}
	}
	return result
}
