package gateway

import (
	"github.com/tradecore/acctsvc/internal/brokerapi"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
)

// Sim adapter error codes.
const (
	simErrNotInitialized int32 = -100
	simErrZeroOrderID    int32 = -101
	simErrInvalidNew     int32 = -102
	simErrInvalidCancel  int32 = -103
	simErrUnknownType    int32 = -104
)

// SimBrokerAdapter is an in-process broker that accepts every valid request.
// With auto-fill enabled a New order produces BrokerAccepted, a full Trade
// and Finished; a cancel produces BrokerAccepted and Finished.
type SimBrokerAdapter struct {
	runtimeConfig     brokerapi.RuntimeConfig
	initialized       bool
	nextBrokerOrderID uint32
	pendingEvents     []brokerapi.Event
}

// NewSimBrokerAdapter creates an uninitialized sim adapter.
func NewSimBrokerAdapter() *SimBrokerAdapter { return &SimBrokerAdapter{} }

func init() {
	brokerapi.Register("sim", func() brokerapi.Adapter { return NewSimBrokerAdapter() })
}

// Initialize implements brokerapi.Adapter.
func (a *SimBrokerAdapter) Initialize(config brokerapi.RuntimeConfig) bool {
	a.runtimeConfig = config
	a.initialized = true
	a.nextBrokerOrderID = 1
	a.pendingEvents = a.pendingEvents[:0]
	return true
}

func (a *SimBrokerAdapter) baseEvent(kind brokerapi.EventKind,
	request *brokerapi.OrderRequest, brokerOrderID uint32) brokerapi.Event {
	return brokerapi.Event{
		Kind:               kind,
		InternalOrderID:    request.InternalOrderID,
		BrokerOrderID:      brokerOrderID,
		InternalSecurityID: request.InternalSecurityID,
		TradeSide:          request.TradeSide,
		MDTimeTraded:       request.MDTime,
		RecvTimeNs:         timeutil.NowNs(),
	}
}

// Submit implements brokerapi.Adapter.
func (a *SimBrokerAdapter) Submit(request brokerapi.OrderRequest) brokerapi.SendResult {
	if !a.initialized {
		return brokerapi.FatalError(simErrNotInitialized)
	}
	if request.InternalOrderID == 0 {
		return brokerapi.FatalError(simErrZeroOrderID)
	}

	switch request.Type {
	case brokerapi.RequestNew:
		if request.TradeSide == brokerapi.SideUnknown || request.Market == brokerapi.MarketUnknown ||
			request.Volume == 0 || request.Price == 0 || request.SecurityID == "" {
			return brokerapi.FatalError(simErrInvalidNew)
		}

		brokerOrderID := a.nextBrokerOrderID
		a.nextBrokerOrderID++
		a.pendingEvents = append(a.pendingEvents, a.baseEvent(brokerapi.EventBrokerAccepted, &request, brokerOrderID))

		if a.runtimeConfig.AutoFill {
			tradeEvent := a.baseEvent(brokerapi.EventTrade, &request, brokerOrderID)
			tradeEvent.VolumeTraded = request.Volume
			tradeEvent.PriceTraded = request.Price
			tradeEvent.ValueTraded = calcTradeValue(request.Volume, request.Price)
			tradeEvent.Fee = calcFee(tradeEvent.ValueTraded)
			a.pendingEvents = append(a.pendingEvents, tradeEvent)
			a.pendingEvents = append(a.pendingEvents, a.baseEvent(brokerapi.EventFinished, &request, brokerOrderID))
		}
		return brokerapi.Ok()

	case brokerapi.RequestCancel:
		if request.OrigInternalOrderID == 0 {
			return brokerapi.FatalError(simErrInvalidCancel)
		}
		brokerOrderID := a.nextBrokerOrderID
		a.nextBrokerOrderID++
		a.pendingEvents = append(a.pendingEvents, a.baseEvent(brokerapi.EventBrokerAccepted, &request, brokerOrderID))
		a.pendingEvents = append(a.pendingEvents, a.baseEvent(brokerapi.EventFinished, &request, brokerOrderID))
		return brokerapi.Ok()

	default:
		return brokerapi.FatalError(simErrUnknownType)
	}
}

// PollEvents implements brokerapi.Adapter.
func (a *SimBrokerAdapter) PollEvents(buf []brokerapi.Event) int {
	if !a.initialized || len(buf) == 0 {
		return 0
	}
	count := len(a.pendingEvents)
	if count > len(buf) {
		count = len(buf)
	}
	copy(buf, a.pendingEvents[:count])
	a.pendingEvents = a.pendingEvents[count:]
	return count
}

// Shutdown implements brokerapi.Adapter.
func (a *SimBrokerAdapter) Shutdown() {
	a.pendingEvents = nil
	a.initialized = false
}

func calcTradeValue(volume, price uint64) uint64 {
	if volume == 0 || price == 0 {
		return 0
	}
	return volume * price
}

// calcFee charges 1bp of traded value with a one-cent floor.
func calcFee(tradedValue uint64) uint64 {
	if tradedValue == 0 {
		return 0
	}
	fee := tradedValue / 10000
	if fee == 0 {
		fee = 1
	}
	return fee
}
