// Package metrics exports the account service runtime statistics as
// Prometheus metrics. The collector reads stats snapshots at scrape time;
// nothing on the hot path touches a metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradecore/acctsvc/internal/core"
	"github.com/tradecore/acctsvc/internal/order"
	"github.com/tradecore/acctsvc/internal/orderbook"
	"github.com/tradecore/acctsvc/internal/risk"
	"github.com/tradecore/acctsvc/internal/shm"
)

// Sources provides the snapshot accessors the collector scrapes.
type Sources struct {
	Loop   func() core.LoopStats
	Risk   func() risk.Stats
	Router func() order.RouterStats
	Pool   *shm.OrderPool
	Book   *orderbook.Book
}

// Collector implements prometheus.Collector over the service stats.
type Collector struct {
	sources Sources

	iterations      *prometheus.Desc
	ordersProcessed *prometheus.Desc
	responses       *prometheus.Desc
	idleIterations  *prometheus.Desc
	avgLatency      *prometheus.Desc

	riskChecks   *prometheus.Desc
	riskPassed   *prometheus.Desc
	riskRejected *prometheus.Desc

	routerSent      *prometheus.Desc
	routerRejected  *prometheus.Desc
	routerSplit     *prometheus.Desc
	routerQueueFull *prometheus.Desc

	poolNextIndex  *prometheus.Desc
	poolCapacity   *prometheus.Desc
	poolFullReject *prometheus.Desc

	activeOrders *prometheus.Desc
}

// NewCollector builds the collector over the given sources.
func NewCollector(sources Sources) *Collector {
	return &Collector{
		sources: sources,
		iterations: prometheus.NewDesc("acctsvc_loop_iterations_total",
			"Event loop iterations", nil, nil),
		ordersProcessed: prometheus.NewDesc("acctsvc_loop_orders_processed_total",
			"Upstream orders processed", nil, nil),
		responses: prometheus.NewDesc("acctsvc_loop_responses_processed_total",
			"Trade responses processed", nil, nil),
		idleIterations: prometheus.NewDesc("acctsvc_loop_idle_iterations_total",
			"Idle event loop iterations", nil, nil),
		avgLatency: prometheus.NewDesc("acctsvc_loop_avg_latency_ns",
			"Mean loop iteration latency in nanoseconds", nil, nil),
		riskChecks: prometheus.NewDesc("acctsvc_risk_checks_total",
			"Risk pipeline evaluations", nil, nil),
		riskPassed: prometheus.NewDesc("acctsvc_risk_passed_total",
			"Risk pipeline passes", nil, nil),
		riskRejected: prometheus.NewDesc("acctsvc_risk_rejected_total",
			"Risk pipeline rejections by reason", []string{"reason"}, nil),
		routerSent: prometheus.NewDesc("acctsvc_router_orders_sent_total",
			"Orders pushed downstream", nil, nil),
		routerRejected: prometheus.NewDesc("acctsvc_router_orders_rejected_total",
			"Orders the router failed to place", nil, nil),
		routerSplit: prometheus.NewDesc("acctsvc_router_orders_split_total",
			"Parent orders split", nil, nil),
		routerQueueFull: prometheus.NewDesc("acctsvc_router_queue_full_total",
			"Downstream queue full events", nil, nil),
		poolNextIndex: prometheus.NewDesc("acctsvc_order_pool_next_index",
			"Published order pool upper bound", nil, nil),
		poolCapacity: prometheus.NewDesc("acctsvc_order_pool_capacity",
			"Order pool slot capacity", nil, nil),
		poolFullReject: prometheus.NewDesc("acctsvc_order_pool_full_rejects_total",
			"Allocations rejected on a full pool", nil, nil),
		activeOrders: prometheus.NewDesc("acctsvc_order_book_active_orders",
			"Live order book entries", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.iterations
	ch <- c.ordersProcessed
	ch <- c.responses
	ch <- c.idleIterations
	ch <- c.avgLatency
	ch <- c.riskChecks
	ch <- c.riskPassed
	ch <- c.riskRejected
	ch <- c.routerSent
	ch <- c.routerRejected
	ch <- c.routerSplit
	ch <- c.routerQueueFull
	ch <- c.poolNextIndex
	ch <- c.poolCapacity
	ch <- c.poolFullReject
	ch <- c.activeOrders
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sources.Loop != nil {
		stats := c.sources.Loop()
		ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(stats.TotalIterations))
		ch <- prometheus.MustNewConstMetric(c.ordersProcessed, prometheus.CounterValue, float64(stats.OrdersProcessed))
		ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(stats.ResponsesProcessed))
		ch <- prometheus.MustNewConstMetric(c.idleIterations, prometheus.CounterValue, float64(stats.IdleIterations))
		ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, stats.AvgLatencyNs())
	}

	if c.sources.Risk != nil {
		stats := c.sources.Risk()
		ch <- prometheus.MustNewConstMetric(c.riskChecks, prometheus.CounterValue, float64(stats.TotalChecks))
		ch <- prometheus.MustNewConstMetric(c.riskPassed, prometheus.CounterValue, float64(stats.Passed))
		for reason, count := range map[string]uint64{
			"fund":       stats.RejectedFund,
			"position":   stats.RejectedPosition,
			"price":      stats.RejectedPrice,
			"value":      stats.RejectedValue,
			"volume":     stats.RejectedVolume,
			"duplicate":  stats.RejectedDuplicate,
			"rate_limit": stats.RejectedRateLimit,
		} {
			ch <- prometheus.MustNewConstMetric(c.riskRejected, prometheus.CounterValue, float64(count), reason)
		}
	}

	if c.sources.Router != nil {
		stats := c.sources.Router()
		ch <- prometheus.MustNewConstMetric(c.routerSent, prometheus.CounterValue, float64(stats.OrdersSent))
		ch <- prometheus.MustNewConstMetric(c.routerRejected, prometheus.CounterValue, float64(stats.OrdersRejected))
		ch <- prometheus.MustNewConstMetric(c.routerSplit, prometheus.CounterValue, float64(stats.OrdersSplit))
		ch <- prometheus.MustNewConstMetric(c.routerQueueFull, prometheus.CounterValue, float64(stats.QueueFullCount))
	}

	if c.sources.Pool != nil {
		ch <- prometheus.MustNewConstMetric(c.poolNextIndex, prometheus.GaugeValue, float64(c.sources.Pool.NextIndex()))
		ch <- prometheus.MustNewConstMetric(c.poolCapacity, prometheus.GaugeValue, float64(c.sources.Pool.Capacity()))
		ch <- prometheus.MustNewConstMetric(c.poolFullReject, prometheus.CounterValue, float64(c.sources.Pool.FullRejectCount()))
	}

	if c.sources.Book != nil {
		ch <- prometheus.MustNewConstMetric(c.activeOrders, prometheus.GaugeValue, float64(c.sources.Book.ActiveCount()))
	}
}
