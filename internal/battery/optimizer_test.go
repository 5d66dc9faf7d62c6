package battery

import (
	"testing"
	"time"

	"xenlink/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRecommendedKeepAliveInterval(t *testing.T) {
	tests := []struct {
		name  string
		state models.BatteryState
		level int
		nat   bool
		want  time.Duration
	}{
		{name: "no nat traversal", level: 5, nat: false, want: 0},
		{name: "critical", level: 10, nat: true, want: KeepAliveCritical},
		{name: "critical beats saver", state: models.BatteryState{IsBatterySaverMode: true}, level: 3, nat: true, want: KeepAliveCritical},
		{name: "battery saver", state: models.BatteryState{Level: 50, IsBatterySaverMode: true}, level: 50, nat: true, want: KeepAliveBatterySaver},
		{name: "low but not critical", level: 15, nat: true, want: KeepAliveNormal},
		{name: "normal", level: 80, nat: true, want: KeepAliveNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptimizer()
			o.Update(tt.state)
			assert.Equal(t, tt.want, o.RecommendedKeepAliveInterval(tt.level, tt.nat))
		})
	}
}

func TestUpdateClampsLevel(t *testing.T) {
	o := NewOptimizer()
	o.Update(models.BatteryState{Level: 140})
	assert.Equal(t, 100, o.State().Value().Level)

	o.Update(models.BatteryState{Level: -3})
	s := o.State().Value()
	assert.Equal(t, 0, s.Level)
	assert.True(t, s.IsCriticalBattery())
	assert.True(t, s.IsLowBattery())
	assert.Equal(t, KeepAliveCritical, o.Recommend(true))
}
