package climate

import (
	"aircontrolbase2mqtt/acb"
	"aircontrolbase2mqtt/bimap"
	"errors"
	"math"
)

const HVAC_MODE_OFF = "off"
const HVAC_MODE_COOL = "cool"
const HVAC_MODE_HEAT = "heat"
const HVAC_MODE_DRY = "dry"
const HVAC_MODE_FAN_ONLY = "fan_only"
const HVAC_MODE_AUTO = "auto"

const HVAC_ACTION_OFF = "off"
const HVAC_ACTION_COOLING = "cooling"
const HVAC_ACTION_HEATING = "heating"
const HVAC_ACTION_DRYING = "drying"
const HVAC_ACTION_FAN = "fan"
const HVAC_ACTION_IDLE = "idle"

const FAN_AUTO = "auto"
const FAN_LOW = "low"
const FAN_MEDIUM = "medium"
const FAN_HIGH = "high"

const SWING_OFF = "off"
const SWING_VERTICAL = "vertical"
const SWING_HORIZONTAL = "horizontal"
const SWING_BOTH = "both"

const MIN_TEMP = 16
const MAX_TEMP = 30
const TEMP_STEP = 1

const HA_COMPONENT_CLIMATE = "climate"

var ErrUnknownHvacMode = errors.New("Unknown hvac mode")
var ErrUnknownFanMode = errors.New("Unknown fan mode")
var ErrUnknownSwingMode = errors.New("Unknown swing mode")
var ErrInvalidTemperature = errors.New("Invalid temperature")

// HvacModes maps Home Assistant hvac modes to vendor modes. "off" is not a
// vendor mode, it is expressed with the power field.
var HvacModes = bimap.New(map[interface{}]interface{}{
	HVAC_MODE_COOL:     acb.ModeCool,
	HVAC_MODE_HEAT:     acb.ModeHeat,
	HVAC_MODE_DRY:      acb.ModeDry,
	HVAC_MODE_FAN_ONLY: acb.ModeFan,
	HVAC_MODE_AUTO:     acb.ModeAuto,
})

// HvacActions maps hvac modes to the action reported while running
var HvacActions = bimap.New(map[interface{}]interface{}{
	HVAC_MODE_OFF:      HVAC_ACTION_OFF,
	HVAC_MODE_COOL:     HVAC_ACTION_COOLING,
	HVAC_MODE_HEAT:     HVAC_ACTION_HEATING,
	HVAC_MODE_DRY:      HVAC_ACTION_DRYING,
	HVAC_MODE_FAN_ONLY: HVAC_ACTION_FAN,
	HVAC_MODE_AUTO:     HVAC_ACTION_IDLE,
})

// FanModes maps Home Assistant fan modes to vendor wind speeds
var FanModes = bimap.New(map[interface{}]interface{}{
	FAN_AUTO:   acb.WindAuto,
	FAN_LOW:    acb.WindLow,
	FAN_MEDIUM: acb.WindMid,
	FAN_HIGH:   acb.WindHigh,
})

var SwingModes = []string{SWING_OFF, SWING_VERTICAL, SWING_HORIZONTAL, SWING_BOTH}

var hvacModeOrder = []string{HVAC_MODE_OFF, HVAC_MODE_COOL, HVAC_MODE_HEAT, HVAC_MODE_DRY, HVAC_MODE_FAN_ONLY, HVAC_MODE_AUTO}
var fanModeOrder = []string{FAN_AUTO, FAN_LOW, FAN_MEDIUM, FAN_HIGH}

// HvacModeList returns the supported hvac modes, "off" first
func HvacModeList() []string {
	return append([]string(nil), hvacModeOrder...)
}

// FanModeList returns the supported fan modes
func FanModeList() []string {
	return append([]string(nil), fanModeOrder...)
}

// Wind2FanMode translates a vendor wind speed. Unknown values read as auto.
func Wind2FanMode(wind string) string {
	if wind == acb.WindMedium {
		return FAN_MEDIUM
	}
	if fm, ok := FanModes.GetInverseString(wind); ok {
		return fm
	}
	return FAN_AUTO
}

// FanMode2Wind translates a Home Assistant fan mode to the vendor wind speed
func FanMode2Wind(fanMode string) (string, error) {
	wind, ok := FanModes.GetString(fanMode)
	if !ok {
		return "", ErrUnknownFanMode
	}
	return wind, nil
}

// Device2HvacMode returns the hvac mode of a device. Unknown vendor modes read as off.
func Device2HvacMode(d acb.Device) string {
	if !d.IsOn() {
		return HVAC_MODE_OFF
	}
	if m, ok := HvacModes.GetInverseString(d.Mode); ok {
		return m
	}
	return HVAC_MODE_OFF
}

// HvacMode2Action returns the action reported for an hvac mode
func HvacMode2Action(hvacMode string) string {
	if a, ok := HvacActions.GetString(hvacMode); ok {
		return a
	}
	return HVAC_ACTION_OFF
}

// ApplyHvacMode returns op modified to run in hvacMode
func ApplyHvacMode(op acb.Operation, hvacMode string) (acb.Operation, error) {
	if hvacMode == HVAC_MODE_OFF {
		op.Power = acb.PowerOff
		return op, nil
	}
	mode, ok := HvacModes.GetString(hvacMode)
	if !ok {
		return op, ErrUnknownHvacMode
	}
	op.Power = acb.PowerOn
	op.Mode = mode
	return op, nil
}

// ValidSwingMode tells whether the swing mode is supported
func ValidSwingMode(swingMode string) bool {
	for _, s := range SwingModes {
		if s == swingMode {
			return true
		}
	}
	return false
}

// Swing2SwingMode reads the vendor swing value. Unknown values read as off.
func Swing2SwingMode(swing string) string {
	if ValidSwingMode(swing) {
		return swing
	}
	return SWING_OFF
}

// ClampTemperature rounds to whole degrees within the supported range
func ClampTemperature(t float64) int {
	n := int(math.Round(t))
	if n < MIN_TEMP {
		return MIN_TEMP
	}
	if n > MAX_TEMP {
		return MAX_TEMP
	}
	return n
}
