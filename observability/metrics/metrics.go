// Package metrics exposes prometheus instrumentation for settlement
// activity. Registration happens once at package init; the processor updates
// the collectors as calls commit.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts committed mutating calls by operation name.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsettle",
		Name:      "operations_total",
		Help:      "Committed mutating settlement operations by name.",
	}, []string{"op"})

	// OperationFailures counts rejected mutating calls by operation name.
	OperationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsettle",
		Name:      "operation_failures_total",
		Help:      "Rejected mutating settlement operations by name.",
	}, []string{"op"})

	// TradesSettled counts trades that reached RELEASED.
	TradesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsettle",
		Name:      "trades_settled_total",
		Help:      "Trades whose escrow was released or resolved.",
	})

	// TradeVolume accumulates settled trade volume in base units.
	TradeVolume = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsettle",
		Name:      "trade_volume_base_units_total",
		Help:      "Escrowed trade volume in token base units.",
	})

	// SlashEvents counts validator slashings.
	SlashEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsettle",
		Name:      "slash_events_total",
		Help:      "Validator slashing events.",
	})

	// ActiveOffers tracks the active offer count.
	ActiveOffers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsettle",
		Name:      "active_offers",
		Help:      "Offers currently in the ACTIVE state.",
	})

	// ActiveValidators tracks the active validator count.
	ActiveValidators = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsettle",
		Name:      "active_validators",
		Help:      "Validators currently in the active set.",
	})

	// TotalStaked tracks reward-earning stake in base units.
	TotalStaked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridsettle",
		Name:      "total_staked_base_units",
		Help:      "Active stake held by the staking vault in base units.",
	})
)

// AddBig adds a big.Int value to a counter, saturating at float64 precision.
func AddBig(c prometheus.Counter, v *big.Int) {
	if c == nil || v == nil || v.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	c.Add(f)
}

// SetBig sets a gauge from a big.Int value.
func SetBig(g prometheus.Gauge, v *big.Int) {
	if g == nil {
		return
	}
	if v == nil {
		g.Set(0)
		return
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	g.Set(f)
}
