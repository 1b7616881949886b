package gateway

import (
	"github.com/tradecore/acctsvc/internal/brokerapi"
	"github.com/tradecore/acctsvc/internal/common/timeutil"
	"github.com/tradecore/acctsvc/internal/shm"
)

func toBrokerRequestType(t shm.OrderType) brokerapi.RequestType {
	switch t {
	case shm.OrderTypeNew:
		return brokerapi.RequestNew
	case shm.OrderTypeCancel:
		return brokerapi.RequestCancel
	default:
		return brokerapi.RequestUnknown
	}
}

func toBrokerMarket(m shm.Market) brokerapi.MarketCode {
	switch m {
	case shm.MarketSZ:
		return brokerapi.MarketSZ
	case shm.MarketSH:
		return brokerapi.MarketSH
	case shm.MarketBJ:
		return brokerapi.MarketBJ
	case shm.MarketHK:
		return brokerapi.MarketHK
	default:
		return brokerapi.MarketUnknown
	}
}

func toBrokerSide(s shm.TradeSide) brokerapi.Side {
	switch s {
	case shm.SideBuy:
		return brokerapi.SideBuy
	case shm.SideSell:
		return brokerapi.SideSell
	default:
		return brokerapi.SideUnknown
	}
}

func toOrderSide(s brokerapi.Side) shm.TradeSide {
	switch s {
	case brokerapi.SideBuy:
		return shm.SideBuy
	case brokerapi.SideSell:
		return shm.SideSell
	default:
		return shm.SideNotSet
	}
}

// MapOrderRequestToBroker converts a pool slot request into the broker form.
// New orders must carry a side, a market, a volume, a price and a security
// id; anything else is unmappable.
func MapOrderRequestToBroker(request *shm.OrderRequest) (brokerapi.OrderRequest, bool) {
	if request.InternalOrderID == 0 {
		return brokerapi.OrderRequest{}, false
	}

	mappedType := toBrokerRequestType(request.OrderType)
	if mappedType == brokerapi.RequestUnknown {
		return brokerapi.OrderRequest{}, false
	}

	mdTime := request.MDTimeEntrust
	if mdTime == 0 {
		mdTime = request.MDTimeDriven
	}

	out := brokerapi.OrderRequest{
		InternalOrderID:     request.InternalOrderID,
		OrigInternalOrderID: request.OrigInternalOrderID,
		InternalSecurityID:  request.InternalSecurityID.String(),
		Type:                mappedType,
		TradeSide:           toBrokerSide(request.TradeSide),
		Market:              toBrokerMarket(request.Market),
		Volume:              request.VolumeEntrust,
		Price:               request.DPriceEntrust,
		MDTime:              mdTime,
	}

	if mappedType == brokerapi.RequestNew {
		if out.TradeSide == brokerapi.SideUnknown || out.Market == brokerapi.MarketUnknown ||
			out.Volume == 0 || out.Price == 0 {
			return brokerapi.OrderRequest{}, false
		}
		out.SecurityID = request.SecurityID.String()
		if out.SecurityID == "" {
			return brokerapi.OrderRequest{}, false
		}
	}

	return out, true
}

// mapEventKindToStatus maps an adapter event kind to an order status. The
// mapping is injective over the known kinds; anything else maps to Unknown
// and is dropped by the caller.
func mapEventKindToStatus(kind brokerapi.EventKind) shm.OrderStatus {
	switch kind {
	case brokerapi.EventBrokerAccepted:
		return shm.StatusBrokerAccepted
	case brokerapi.EventBrokerRejected:
		return shm.StatusBrokerRejected
	case brokerapi.EventMarketRejected:
		return shm.StatusMarketRejected
	case brokerapi.EventTrade:
		return shm.StatusMarketAccepted
	case brokerapi.EventFinished:
		return shm.StatusFinished
	default:
		return shm.StatusUnknown
	}
}

// MapBrokerEventToTradeResponse converts an adapter event into a trade
// response. Events without an internal order id or with an unknown kind are
// rejected.
func MapBrokerEventToTradeResponse(event *brokerapi.Event) (shm.TradeResponse, bool) {
	if event.InternalOrderID == 0 {
		return shm.TradeResponse{}, false
	}

	mappedStatus := mapEventKindToStatus(event.Kind)
	if mappedStatus == shm.StatusUnknown {
		return shm.TradeResponse{}, false
	}

	var out shm.TradeResponse
	out.InternalOrderID = event.InternalOrderID
	out.BrokerOrderID = event.BrokerOrderID
	out.InternalSecurityID.Set(event.InternalSecurityID)
	out.TradeSide = toOrderSide(event.TradeSide)
	out.NewStatus = mappedStatus
	out.VolumeTraded = event.VolumeTraded
	out.DPriceTraded = event.PriceTraded
	out.DValueTraded = event.ValueTraded
	out.DFee = event.Fee
	out.MDTimeTraded = event.MDTimeTraded
	out.RecvTimeNs = event.RecvTimeNs
	if out.RecvTimeNs == 0 {
		out.RecvTimeNs = timeutil.NowNs()
	}
	return out, true
}
