package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	txQueueMetricsOnce sync.Once
	txQueueRegistry    *TxQueueMetrics
)

// TxQueueMetrics wraps the collectors tracking transaction queue health.
type TxQueueMetrics struct {
	transitions     *prometheus.CounterVec
	reservations    *prometheus.CounterVec
	lockRefusals    *prometheus.CounterVec
	sends           *prometheus.CounterVec
	resends         *prometheus.CounterVec
	refills         *prometheus.CounterVec
	gaps            prometheus.Counter
	stragglers      prometheus.Counter
	providerBalance prometheus.Gauge
	syncHeight      *prometheus.GaugeVec
	rpcLatency      *prometheus.HistogramVec
}

// TxQueue exposes the lazily-initialised metrics registry for txqueued.
func TxQueue() *TxQueueMetrics {
	txQueueMetricsOnce.Do(func() {
		txQueueRegistry = &TxQueueMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "otx",
				Name:      "transitions_total",
				Help:      "Status transitions applied to outgoing transactions segmented by event and resulting state.",
			}, []string{"event", "state"}),
			reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "nonce",
				Name:      "operations_total",
				Help:      "Nonce ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			lockRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "lock",
				Name:      "refusals_total",
				Help:      "Operations refused by the lock registry segmented by the held flags.",
			}, []string{"flags"}),
			sends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "dispatch",
				Name:      "sends_total",
				Help:      "Raw transaction submissions segmented by outcome.",
			}, []string{"outcome"}),
			resends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "resend",
				Name:      "replacements_total",
				Help:      "Replacement transactions segmented by reason and outcome.",
			}, []string{"reason", "outcome"}),
			refills: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "gas",
				Name:      "refills_total",
				Help:      "Gas refill decisions segmented by outcome.",
			}, []string{"outcome"}),
			gaps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "straggler",
				Name:      "nonce_gaps_total",
				Help:      "Nonce gaps observed in confirmed blocks.",
			}),
			stragglers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "txqueue",
				Subsystem: "straggler",
				Name:      "detected_total",
				Help:      "Sent transactions considered dropped from the mempool.",
			}),
			providerBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "txqueue",
				Subsystem: "gas",
				Name:      "provider_balance_wei",
				Help:      "Last observed balance of the gas provider account.",
			}),
			syncHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "txqueue",
				Subsystem: "syncer",
				Name:      "block_height",
				Help:      "Last block processed by the chain follower.",
			}, []string{"chain"}),
			rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "txqueue",
				Subsystem: "chain",
				Name:      "rpc_duration_seconds",
				Help:      "Latency distribution for chain RPC calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(
			txQueueRegistry.transitions,
			txQueueRegistry.reservations,
			txQueueRegistry.lockRefusals,
			txQueueRegistry.sends,
			txQueueRegistry.resends,
			txQueueRegistry.refills,
			txQueueRegistry.gaps,
			txQueueRegistry.stragglers,
			txQueueRegistry.providerBalance,
			txQueueRegistry.syncHeight,
			txQueueRegistry.rpcLatency,
		)
	})
	return txQueueRegistry
}

// RecordTransition counts a status transition.
func (m *TxQueueMetrics) RecordTransition(event, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(event), label(state)).Inc()
}

// RecordNonce counts a nonce ledger operation.
func (m *TxQueueMetrics) RecordNonce(operation string, err error) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(label(operation), outcome(err)).Inc()
}

// RecordLockRefusal counts an operation refused by the lock registry.
func (m *TxQueueMetrics) RecordLockRefusal(flags string) {
	if m == nil {
		return
	}
	m.lockRefusals.WithLabelValues(label(flags)).Inc()
}

// RecordSend counts a raw transaction submission.
func (m *TxQueueMetrics) RecordSend(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(label(result)).Inc()
}

// RecordResend counts a replacement attempt.
func (m *TxQueueMetrics) RecordResend(reason string, err error) {
	if m == nil {
		return
	}
	m.resends.WithLabelValues(label(reason), outcome(err)).Inc()
}

// RecordRefill counts a gas refill decision.
func (m *TxQueueMetrics) RecordRefill(result string) {
	if m == nil {
		return
	}
	m.refills.WithLabelValues(label(result)).Inc()
}

// RecordGap counts a detected nonce gap.
func (m *TxQueueMetrics) RecordGap() {
	if m == nil {
		return
	}
	m.gaps.Inc()
}

// RecordStraggler counts a transaction handed to the resolver as dropped.
func (m *TxQueueMetrics) RecordStraggler() {
	if m == nil {
		return
	}
	m.stragglers.Inc()
}

// SetProviderBalance records the gas provider balance.
func (m *TxQueueMetrics) SetProviderBalance(balance *big.Int) {
	if m == nil {
		return
	}
	m.providerBalance.Set(bigToFloat(balance))
}

// SetSyncHeight records the follower position for a chain.
func (m *TxQueueMetrics) SetSyncHeight(chain string, height uint64) {
	if m == nil {
		return
	}
	m.syncHeight.WithLabelValues(label(chain)).Set(float64(height))
}

// ObserveRPC records the latency of a chain RPC call.
func (m *TxQueueMetrics) ObserveRPC(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.rpcLatency.WithLabelValues(label(method), outcome(err)).Observe(d.Seconds())
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, _ := new(big.Float).SetInt(value).Float64()
	if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
		return 0
	}
	return floatVal
}
