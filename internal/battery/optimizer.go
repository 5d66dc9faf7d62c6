// Package battery turns the host-reported power state into keep-alive advice
// for the tunnel adapters.
package battery

import (
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"
)

const (
	KeepAliveCritical     = 120 * time.Second
	KeepAliveBatterySaver = 60 * time.Second
	KeepAliveNormal       = 25 * time.Second
)

// Optimizer is a pure policy over the latest BatteryState the host reported.
type Optimizer struct {
	state *stream.State[models.BatteryState]
}

func NewOptimizer() *Optimizer {
	return &Optimizer{
		state: stream.New(models.BatteryState{Level: 100}),
	}
}

// Update records a power-related change reported by the host.
func (o *Optimizer) Update(s models.BatteryState) {
	if s.Level < 0 {
		s.Level = 0
	}
	if s.Level > 100 {
		s.Level = 100
	}
	o.state.Set(s)
}

func (o *Optimizer) State() *stream.State[models.BatteryState] {
	return o.state
}

// RecommendedKeepAliveInterval returns zero when keep-alive should be disabled.
// The result is advisory; adapters decide how to apply it.
func (o *Optimizer) RecommendedKeepAliveInterval(batteryLevel int, natTraversalNeeded bool) time.Duration {
	if !natTraversalNeeded {
		return 0
	}
	if batteryLevel <= models.CriticalBatteryLevel {
		return KeepAliveCritical
	}
	if o.state.Value().IsBatterySaverMode {
		return KeepAliveBatterySaver
	}
	return KeepAliveNormal
}

// Recommend applies the policy to the current battery level.
func (o *Optimizer) Recommend(natTraversalNeeded bool) time.Duration {
	return o.RecommendedKeepAliveInterval(o.state.Value().Level, natTraversalNeeded)
}
