package bridge

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/sandrolain/fossibot-bridge/src/state"
)

// commandKind drives the scheduling policy of a parsed command: output
// writes go out immediately, settings writes are serialized with device
// spacing, refresh triggers a poll.
type commandKind int

const (
	kindOutput commandKind = iota
	kindSettings
	kindRefresh
)

var (
	ErrUnknownAction   = errors.New("bridge: unknown command action")
	ErrValueRequired   = errors.New("bridge: command requires a value")
	ErrValueOutOfRange = errors.New("bridge: command value out of range")
	// ErrSleepZero guards the one value that bricks real hardware.
	ErrSleepZero = errors.New("bridge: sleep_time 0 is forbidden")
)

// command is the parsed form of a fossibot/{mac}/command payload.
type command struct {
	Action   string
	Kind     commandKind
	Register int
	Value    uint16
}

type commandPayload struct {
	Action string   `json:"action"`
	Value  *float64 `json:"value"`
}

// Device-accepted values for the timeout settings. Anything else is
// silently ignored by the firmware, so it is rejected here instead.
var (
	usbStandbyMinutes = []uint16{0, 3, 5, 10, 30}
	acStandbyMinutes  = []uint16{0, 480, 960, 1440}
	dcStandbyMinutes  = []uint16{0, 480, 960, 1440}
	screenRestSeconds = []uint16{0, 180, 300, 600, 1800}
	sleepMinutes      = []uint16{5, 10, 30, 480}
)

// parseCommand decodes and validates one command payload. Validation
// failures return an error and the command is dropped by the caller; no
// response is ever published (fire-and-forget contract).
func parseCommand(payload []byte) (command, error) {
	var p commandPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return command{}, fmt.Errorf("bridge: malformed command JSON: %w", err)
	}

	switch p.Action {
	case "usb_on":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegUSBControl, Value: 1}, nil
	case "usb_off":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegUSBControl, Value: 0}, nil
	case "dc_on":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegDCControl, Value: 1}, nil
	case "dc_off":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegDCControl, Value: 0}, nil
	case "ac_on":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegACControl, Value: 1}, nil
	case "ac_off":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegACControl, Value: 0}, nil
	case "led_on":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegLEDControl, Value: 1}, nil
	case "led_off":
		return command{Action: p.Action, Kind: kindOutput, Register: state.RegLEDControl, Value: 0}, nil

	case "refresh":
		return command{Action: p.Action, Kind: kindRefresh}, nil

	// The short names are the broker-facing grammar; the long forms match
	// the register names and stay accepted.
	case "set_max_charging_current", "set_charging_current":
		return settingsCommand(p, state.RegMaxChargingCurrent, rangeValue(1, 20, 1))
	case "set_ac_silent_charging":
		return settingsCommand(p, state.RegACSilentCharging, rangeValue(0, 1, 1))
	case "set_usb_standby_time":
		return settingsCommand(p, state.RegUSBStandbyTime, enumValue(usbStandbyMinutes))
	case "set_ac_standby_time":
		return settingsCommand(p, state.RegACStandbyTime, enumValue(acStandbyMinutes))
	case "set_dc_standby_time":
		return settingsCommand(p, state.RegDCStandbyTime, enumValue(dcStandbyMinutes))
	case "set_screen_rest_time":
		return settingsCommand(p, state.RegScreenRestTime, enumValue(screenRestSeconds))
	case "set_discharge_lower_limit", "set_discharge_limit":
		return settingsCommand(p, state.RegDischargeLowLimit, rangeValue(0, 100, 10))
	case "set_ac_charging_upper_limit", "set_ac_charging_limit":
		return settingsCommand(p, state.RegACChargingUpLimit, rangeValue(0, 100, 10))
	case "set_sleep_time":
		if p.Value != nil && *p.Value == 0 {
			return command{}, ErrSleepZero
		}
		return settingsCommand(p, state.RegSleepTime, enumValue(sleepMinutes))

	default:
		return command{}, fmt.Errorf("%w: %q", ErrUnknownAction, p.Action)
	}
}

func settingsCommand(p commandPayload, register int, convert func(float64) (uint16, error)) (command, error) {
	if p.Value == nil {
		return command{}, fmt.Errorf("%w: %s", ErrValueRequired, p.Action)
	}
	v, err := convert(*p.Value)
	if err != nil {
		return command{}, fmt.Errorf("%s: %w", p.Action, err)
	}
	return command{Action: p.Action, Kind: kindSettings, Register: register, Value: v}, nil
}

// rangeValue accepts min..max inclusive and scales by factor before the
// register write (percent settings are stored as tenths).
func rangeValue(min, max float64, factor float64) func(float64) (uint16, error) {
	return func(v float64) (uint16, error) {
		if v < min || v > max {
			return 0, fmt.Errorf("%w: %v not in [%v, %v]", ErrValueOutOfRange, v, min, max)
		}
		return uint16(v*factor + 0.5), nil
	}
}

// enumValue accepts only the listed register values.
func enumValue(allowed []uint16) func(float64) (uint16, error) {
	return func(v float64) (uint16, error) {
		u := uint16(v + 0.5)
		if float64(u) != v {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrValueOutOfRange, v)
		}
		for _, a := range allowed {
			if u == a {
				return u, nil
			}
		}
		return 0, fmt.Errorf("%w: %v not in %v", ErrValueOutOfRange, v, allowed)
	}
}
