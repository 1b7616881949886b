// Package monitor serves the read-only observation surface of the account
// service: fund and position snapshots, order pool slots, loop statistics,
// the error registry and Prometheus metrics. Every read uses the same
// monitor-safe patterns an external observer process would (seqlock slot
// reads, lock-free fund reads).
package monitor

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
	"github.com/tradecore/acctsvc/internal/core"
	"github.com/tradecore/acctsvc/internal/gateway"
	"github.com/tradecore/acctsvc/internal/order"
	"github.com/tradecore/acctsvc/internal/orderbook"
	"github.com/tradecore/acctsvc/internal/portfolio"
	"github.com/tradecore/acctsvc/internal/risk"
	"github.com/tradecore/acctsvc/internal/shm"
)

// Sources is everything the monitor may expose. Nil members disable their
// endpoints.
type Sources struct {
	Positions *portfolio.Manager
	Pool      *shm.OrderPool
	Book      *orderbook.Book
	Loop      func() core.LoopStats
	Risk      func() risk.Stats
	Router    func() order.RouterStats
	Gateway   func() gateway.Stats
}

// Server is the monitor HTTP server.
type Server struct {
	engine  *gin.Engine
	sources Sources
	logger  *zap.Logger
}

// NewServer builds the monitor router. Prometheus metrics are served from
// /metrics when a registry is supplied.
func NewServer(sources Sources, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, sources: sources, logger: logger}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/fund", s.handleFund)
	engine.GET("/positions", s.handlePositions)
	engine.GET("/orders/:index", s.handleOrderSlot)
	engine.GET("/stats", s.handleStats)
	engine.GET("/errors", s.handleErrors)
	if registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve runs the server on addr; it blocks until the listener fails.
func (s *Server) Serve(addr string) error {
	s.logger.Info("monitor server listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	if acerr.ShouldStopService() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "stopping",
			"severity": acerr.ShutdownReason().String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleFund(c *gin.Context) {
	if s.sources.Positions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "positions not attached"})
		return
	}
	c.JSON(http.StatusOK, s.sources.Positions.MonitorFund())
}

type positionView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	VolumeAvailableT0 uint64 `json:"volume_available_t0"`
	VolumeAvailableT1 uint64 `json:"volume_available_t1"`
	VolumeSell        uint64 `json:"volume_sell"`
	VolumeBuyTraded   uint64 `json:"volume_buy_traded"`
	DValueBuyTraded   uint64 `json:"dvalue_buy_traded"`
	VolumeSellTraded  uint64 `json:"volume_sell_traded"`
	DValueSellTraded  uint64 `json:"dvalue_sell_traded"`
	CountOrder        uint64 `json:"count_order"`
}

func (s *Server) handlePositions(c *gin.Context) {
	if s.sources.Positions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "positions not attached"})
		return
	}
	rows := s.sources.Positions.AllPositions()
	out := make([]positionView, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		out = append(out, positionView{
			ID:                row.ID.String(),
			Name:              row.Name.String(),
			VolumeAvailableT0: row.VolumeAvailableT0,
			VolumeAvailableT1: row.VolumeAvailableT1,
			VolumeSell:        row.VolumeSell,
			VolumeBuyTraded:   row.VolumeBuyTraded,
			DValueBuyTraded:   row.DValueBuyTraded,
			VolumeSellTraded:  row.VolumeSellTraded,
			DValueSellTraded:  row.DValueSellTraded,
			CountOrder:        row.CountOrder,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "positions": out})
}

type orderSlotView struct {
	Index           uint32 `json:"index"`
	Stage           uint8  `json:"stage"`
	Source          uint8  `json:"source"`
	LastUpdateNs    uint64 `json:"last_update_ns"`
	InternalOrderID uint32 `json:"internal_order_id"`
	OrderType       uint8  `json:"order_type"`
	TradeSide       uint8  `json:"trade_side"`
	SecurityID      string `json:"security_id"`
	VolumeEntrust   uint64 `json:"volume_entrust"`
	VolumeTraded    uint64 `json:"volume_traded"`
	VolumeRemain    uint64 `json:"volume_remain"`
	DPriceEntrust   uint64 `json:"dprice_entrust"`
	Status          uint8  `json:"status"`
}

func (s *Server) handleOrderSlot(c *gin.Context) {
	if s.sources.Pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order pool not attached"})
		return
	}
	index, err := strconv.ParseUint(c.Param("index"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot index"})
		return
	}

	snapshot, result := s.sources.Pool.ReadSnapshot(uint32(index))
	switch result {
	case shm.ReadNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "slot not visible"})
	case shm.ReadRetry:
		c.JSON(http.StatusConflict, gin.H{"error": "slot busy, retry"})
	default:
		c.JSON(http.StatusOK, orderSlotView{
			Index:           uint32(index),
			Stage:           uint8(snapshot.Stage),
			Source:          uint8(snapshot.Source),
			LastUpdateNs:    snapshot.LastUpdateNs,
			InternalOrderID: snapshot.Request.InternalOrderID,
			OrderType:       uint8(snapshot.Request.OrderType),
			TradeSide:       uint8(snapshot.Request.TradeSide),
			SecurityID:      snapshot.Request.SecurityID.String(),
			VolumeEntrust:   snapshot.Request.VolumeEntrust,
			VolumeTraded:    snapshot.Request.VolumeTraded,
			VolumeRemain:    snapshot.Request.VolumeRemain,
			DPriceEntrust:   snapshot.Request.DPriceEntrust,
			Status:          uint8(snapshot.Request.Status),
		})
	}
}

func (s *Server) handleStats(c *gin.Context) {
	out := gin.H{}
	if s.sources.Loop != nil {
		out["loop"] = s.sources.Loop()
	}
	if s.sources.Risk != nil {
		out["risk"] = s.sources.Risk()
	}
	if s.sources.Router != nil {
		out["router"] = s.sources.Router()
	}
	if s.sources.Gateway != nil {
		out["gateway"] = s.sources.Gateway()
	}
	if s.sources.Book != nil {
		out["active_orders"] = s.sources.Book.ActiveCount()
	}
	if s.sources.Pool != nil {
		out["pool_next_index"] = s.sources.Pool.NextIndex()
		out["pool_full_rejects"] = s.sources.Pool.FullRejectCount()
	}
	c.JSON(http.StatusOK, out)
}

type errorView struct {
	Domain  string `json:"domain"`
	Code    string `json:"code"`
	Module  string `json:"module"`
	Message string `json:"message"`
	TsNs    uint64 `json:"ts_ns"`
}

func (s *Server) handleErrors(c *gin.Context) {
	recent := acerr.GlobalRegistry().Recent()
	limit := 100
	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	out := make([]errorView, 0, len(recent))
	for _, status := range recent {
		out = append(out, errorView{
			Domain:  status.Domain.String(),
			Code:    status.Code.String(),
			Module:  status.Module,
			Message: status.Message,
			TsNs:    status.TsNs,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"shutdown_severity": acerr.ShutdownReason().String(),
		"recent":            out,
	})
}
