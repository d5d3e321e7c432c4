// Package monitoring exposes the prometheus metrics of the orchestration
// core. Components update the package-level collectors directly; the diag
// server serves them on /metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SetupAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdstack_setup_attempts_total",
			Help: "Data call setup attempts by subscription",
		},
		[]string{"sub"},
	)

	SetupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdstack_setup_failures_total",
			Help: "Data call setup failures by subscription and fail cause",
		},
		[]string{"sub", "cause"},
	)

	ActiveNetworks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdstack_active_networks",
			Help: "Connected data networks by subscription",
		},
		[]string{"sub"},
	)

	RetriesScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdstack_retries_scheduled_total",
			Help: "Delayed setup retries scheduled by subscription",
		},
		[]string{"sub"},
	)

	RecoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdstack_recovery_actions_total",
			Help: "Stall recovery actions performed by action name",
		},
		[]string{"action"},
	)

	PreferredSlot = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdstack_preferred_slot",
			Help: "Modem slot currently confirmed as the data carrier",
		},
	)

	AutoSwitches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mdstack_auto_switches_total",
			Help: "Auto data switch directives issued",
		},
	)
)

func init() {
	prometheus.MustRegister(SetupAttempts, SetupFailures, ActiveNetworks,
		RetriesScheduled, RecoveryActions, PreferredSlot, AutoSwitches)
}
