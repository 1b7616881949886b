package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/acctsvc/internal/core"
	"github.com/tradecore/acctsvc/internal/order"
	"github.com/tradecore/acctsvc/internal/orderbook"
	"github.com/tradecore/acctsvc/internal/risk"
)

func TestCollectorGathers(t *testing.T) {
	book := orderbook.New(16, nil)
	collector := NewCollector(Sources{
		Loop: func() core.LoopStats {
			return core.LoopStats{TotalIterations: 10, OrdersProcessed: 4, LatencySamples: 2, TotalLatencyNs: 2000}
		},
		Risk: func() risk.Stats {
			return risk.Stats{TotalChecks: 4, Passed: 3, Rejected: 1, RejectedFund: 1}
		},
		Router: func() order.RouterStats {
			return order.RouterStats{OrdersSent: 3, OrdersRejected: 1, OrdersSplit: 1}
		},
		Book: book,
	})

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))

	families, err := registry.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			value := metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
			key := family.GetName()
			if len(metric.GetLabel()) > 0 {
				key += ":" + metric.GetLabel()[0].GetValue()
			}
			byName[key] = value
		}
	}

	assert.Equal(t, float64(10), byName["acctsvc_loop_iterations_total"])
	assert.Equal(t, float64(4), byName["acctsvc_loop_orders_processed_total"])
	assert.Equal(t, float64(1000), byName["acctsvc_loop_avg_latency_ns"])
	assert.Equal(t, float64(4), byName["acctsvc_risk_checks_total"])
	assert.Equal(t, float64(1), byName["acctsvc_risk_rejected_total:fund"])
	assert.Equal(t, float64(3), byName["acctsvc_router_orders_sent_total"])
	assert.Equal(t, float64(0), byName["acctsvc_order_book_active_orders"])
}

func TestCollectorNilSources(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(NewCollector(Sources{})))
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "nil sources emit nothing")
}
