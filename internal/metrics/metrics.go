// Package metrics exposes the engine's Prometheus collectors. Collectors
// are package-level and registered via promauto; a metrics event observer
// bridges bus events onto them so services stay metrics-agnostic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/execution"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_published_total",
		Help: "Events published on the bus, by event type.",
	}, []string{"type"})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_events_delivered_total",
		Help: "Handler invocations across all subscriptions.",
	})

	HandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_handler_errors_total",
		Help: "Handler errors and recovered handler panics.",
	})

	NewCandles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_new_candles_total",
		Help: "Closed candles detected, by symbol and timeframe.",
	}, []string{"symbol", "timeframe"})

	RegimeChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_regime_changes_total",
		Help: "Committed regime changes, by symbol and timeframe.",
	}, []string{"symbol", "timeframe"})

	EntrySignalsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_entry_signals_suppressed_total",
		Help: "Entry signals suppressed by the automation gate, by symbol.",
	}, []string{"symbol"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_placed_total",
		Help: "Orders placed at the broker, by symbol.",
	}, []string{"symbol"})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_rejected_total",
		Help: "Orders rejected before reaching the broker, by reason.",
	}, []string{"reason"})

	TPLevelsHit = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_tp_levels_hit_total",
		Help: "Take-profit ladder levels hit, by symbol.",
	}, []string{"symbol"})

	RiskBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_breaches_total",
		Help: "Risk limit breaches, by kind.",
	}, []string{"kind"})

	ServiceHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_service_healthy",
		Help: "1 when the service's last health check passed, else 0.",
	}, []string{"service"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Orchestrator tick duration.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

// Observe wires the bus onto the collectors. Call once at startup.
func Observe(bus *events.Bus) {
	bus.SubscribeAll(func(event events.Event) error {
		EventsPublished.WithLabelValues(string(event.GetType())).Inc()

		switch e := event.(type) {
		case *events.NewCandleEvent:
			NewCandles.WithLabelValues(e.Symbol, e.Timeframe).Inc()
		case *events.RegimeChangedEvent:
			RegimeChanges.WithLabelValues(e.Symbol, e.Timeframe).Inc()
		case *events.OrderPlacedEvent:
			OrdersPlaced.WithLabelValues(e.Symbol).Inc()
		case *events.OrderRejectedEvent:
			OrdersRejected.WithLabelValues(e.Reason).Inc()
			if e.Reason == execution.RejectReasonAutomation {
				EntrySignalsSuppressed.WithLabelValues(e.Symbol).Inc()
			}
		case *events.TPLevelHitEvent:
			TPLevelsHit.WithLabelValues(e.Symbol).Inc()
		case *events.RiskLimitBreachedEvent:
			RiskBreaches.WithLabelValues(e.Status).Inc()
		}
		return nil
	})
}
