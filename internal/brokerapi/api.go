// Package brokerapi defines the contract between the gateway loop and a
// broker adapter: submit order requests, poll broker events, and the ABI
// used to load adapters as plugins.
package brokerapi

// AbiVersion is the adapter ABI the gateway requires. A plugin whose
// reported version differs is refused.
const AbiVersion uint32 = 1

// RequestType is the kind of a broker order request.
type RequestType uint8

const (
	RequestUnknown RequestType = 0
	RequestNew     RequestType = 1
	RequestCancel  RequestType = 2
)

// Side is the direction of a broker order request.
type Side uint8

const (
	SideUnknown Side = 0
	SideBuy     Side = 1
	SideSell    Side = 2
)

// MarketCode identifies the target exchange.
type MarketCode uint8

const (
	MarketUnknown MarketCode = 0
	MarketSZ      MarketCode = 1
	MarketSH      MarketCode = 2
	MarketBJ      MarketCode = 3
	MarketHK      MarketCode = 4
)

// EventKind classifies a broker event.
type EventKind uint8

const (
	EventNone           EventKind = 0
	EventBrokerAccepted EventKind = 1
	EventBrokerRejected EventKind = 2
	EventMarketRejected EventKind = 3
	EventTrade          EventKind = 4
	EventFinished       EventKind = 5
)

// RuntimeConfig parameterizes an adapter at initialization.
type RuntimeConfig struct {
	AccountID uint32
	AutoFill  bool
}

// OrderRequest is the broker-facing form of an order.
type OrderRequest struct {
	InternalOrderID     uint32
	OrigInternalOrderID uint32
	InternalSecurityID  string
	Type                RequestType
	TradeSide           Side
	Market              MarketCode
	Volume              uint64
	Price               uint64
	MDTime              uint32
	SecurityID          string
}

// SendResult is the synchronous outcome of a submit.
type SendResult struct {
	Accepted  bool
	Retryable bool
	ErrorCode int32
}

// Ok builds an accepted result.
func Ok() SendResult { return SendResult{Accepted: true} }

// RetryableError builds a failed result the gateway may retry.
func RetryableError(code int32) SendResult {
	return SendResult{Retryable: true, ErrorCode: code}
}

// FatalError builds a failed result that must not be retried.
func FatalError(code int32) SendResult {
	return SendResult{ErrorCode: code}
}

// Event is an asynchronous broker notification.
type Event struct {
	Kind               EventKind
	InternalOrderID    uint32
	BrokerOrderID      uint32
	InternalSecurityID string
	TradeSide          Side
	VolumeTraded       uint64
	PriceTraded        uint64
	ValueTraded        uint64
	Fee                uint64
	MDTimeTraded       uint32
	RecvTimeNs         uint64
}

// Adapter is the capability set the gateway consumes. Implementations may
// live in-process (compile-time registered) or behind the plugin ABI.
type Adapter interface {
	Initialize(config RuntimeConfig) bool
	Submit(request OrderRequest) SendResult
	// PollEvents fills buf with pending events and returns how many were
	// written.
	PollEvents(buf []Event) int
	Shutdown()
}
