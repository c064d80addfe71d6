package session

import "expvar"

// Process-wide counters exposed on the expvar endpoint.
var (
	metricTurns         = expvar.NewInt("session.turns")
	metricBargeIns      = expvar.NewInt("session.barge_ins")
	metricReprompts     = expvar.NewInt("session.reprompts")
	metricLateFinals    = expvar.NewInt("session.late_finals")
	metricDeferredFinal = expvar.NewInt("session.deferred_finals")
	metricFallbacks     = expvar.NewInt("session.fallback_replies")
	metricTurnErrors    = expvar.NewInt("session.turn_errors")
	metricWatchdogFires = expvar.NewInt("session.playback_watchdog_fires")
)

// Metrics is a point-in-time snapshot of the session counters.
type Metrics struct {
	Turns          int64 `json:"turns"`
	BargeIns       int64 `json:"barge_ins"`
	Reprompts      int64 `json:"reprompts"`
	LateFinals     int64 `json:"late_finals"`
	DeferredFinals int64 `json:"deferred_finals"`
	Fallbacks      int64 `json:"fallback_replies"`
	TurnErrors     int64 `json:"turn_errors"`
	WatchdogFires  int64 `json:"playback_watchdog_fires"`
}

// Snapshot returns the current counter values.
func Snapshot() Metrics {
	return Metrics{
		Turns:          metricTurns.Value(),
		BargeIns:       metricBargeIns.Value(),
		Reprompts:      metricReprompts.Value(),
		LateFinals:     metricLateFinals.Value(),
		DeferredFinals: metricDeferredFinal.Value(),
		Fallbacks:      metricFallbacks.Value(),
		TurnErrors:     metricTurnErrors.Value(),
		WatchdogFires:  metricWatchdogFires.Value(),
	}
}
