package models

const (
	CriticalBatteryLevel = 10
	LowBatteryLevel      = 20
)

type BatteryState struct {
	Level                         int  `json:"level"`
	IsCharging                    bool `json:"is_charging"`
	IsBatterySaverMode            bool `json:"is_battery_saver_mode"`
	IsDozeMode                    bool `json:"is_doze_mode"`
	IsBatteryOptimizationExempted bool `json:"is_battery_optimization_exempted"`
}

func (b BatteryState) IsCriticalBattery() bool {
	return b.Level <= CriticalBatteryLevel
}

func (b BatteryState) IsLowBattery() bool {
	return b.Level <= LowBatteryLevel
}
