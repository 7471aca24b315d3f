package state

import (
	"sync"
	"time"
)

// Source identifies the cloud topic a register update arrived on. The two
// topics carry the same frame format but different trust for the output
// bitfield: command responses are always current, poll responses may echo
// a stale cached value.
type Source int

const (
	SourceCommand Source = iota // {mac}/device/response/client/04
	SourcePoll                  // {mac}/device/response/client/data
)

// DefaultOutputHold is how long a poll-sourced output bitfield is ignored
// after a command-sourced one. It exceeds the 30 s poll interval so a
// command response wins for one full polling cycle.
const DefaultOutputHold = 35 * time.Second

// DeviceState is the published projection of one device snapshot.
type DeviceState struct {
	MAC                  string  `json:"mac"`
	Model                string  `json:"model"`
	SoC                  float64 `json:"soc"`
	InputWatts           int     `json:"inputWatts"`
	OutputWatts          int     `json:"outputWatts"`
	DCInputWatts         int     `json:"dcInputWatts"`
	USBOutput            bool    `json:"usbOutput"`
	ACOutput             bool    `json:"acOutput"`
	DCOutput             bool    `json:"dcOutput"`
	LEDOutput            bool    `json:"ledOutput"`
	MaxChargingCurrent   int     `json:"maxChargingCurrent"`
	DischargeLowerLimit  float64 `json:"dischargeLowerLimit"`
	ACChargingUpperLimit float64 `json:"acChargingUpperLimit"`
	ACSilentCharging     bool    `json:"acSilentCharging"`
	USBStandbyTime       int     `json:"usbStandbyTime"`
	ACStandbyTime        int     `json:"acStandbyTime"`
	DCStandbyTime        int     `json:"dcStandbyTime"`
	ScreenRestTime       int     `json:"screenRestTime"`
	ACChargingTimer      int     `json:"acChargingTimer"`
	SleepTime            int     `json:"sleepTime"`
	Timestamp            string  `json:"timestamp"`
}

type snapshot struct {
	regs             [RegisterCount]uint16
	model            string
	lastOutputUpdate time.Time
	lastUpdate       time.Time
}

// Store owns every device snapshot. Snapshots are mutated only through
// Apply, so the reconciliation policy cannot be bypassed.
type Store struct {
	mu         sync.Mutex
	devices    map[string]*snapshot
	outputHold time.Duration
	now        func() time.Time
}

func NewStore(outputHold time.Duration) *Store {
	if outputHold <= 0 {
		outputHold = DefaultOutputHold
	}
	return &Store{
		devices:    map[string]*snapshot{},
		outputHold: outputHold,
		now:        time.Now,
	}
}

// Track registers a device with its model so projections carry it even
// before the first telemetry arrives.
func (s *Store) Track(mac, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device(mac).model = model
}

func (s *Store) device(mac string) *snapshot {
	d, ok := s.devices[mac]
	if !ok {
		d = &snapshot{}
		s.devices[mac] = d
	}
	return d
}

// Apply merges a decoded register run into the device snapshot. values[i]
// lands at register start+i; runs past the snapshot end are clipped.
// Register 41 follows the topic-priority policy: command responses always
// win and refresh the hold window, poll responses are accepted only after
// the window has elapsed. Reports whether any register changed value.
func (s *Store) Apply(mac string, start int, values []uint16, source Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.device(mac)
	now := s.now()
	changed := false
	for i, v := range values {
		reg := start + i
		if reg < 0 || reg >= RegisterCount {
			continue
		}
		if reg == RegOutputBits {
			if source == SourcePoll && now.Sub(d.lastOutputUpdate) <= s.outputHold {
				continue
			}
			if source == SourceCommand {
				d.lastOutputUpdate = now
			}
		}
		if d.regs[reg] != v {
			d.regs[reg] = v
			changed = true
		}
	}
	d.lastUpdate = now
	return changed
}

// Registers returns a copy of the raw snapshot for mac.
func (s *Store) Registers(mac string) ([RegisterCount]uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[mac]
	if !ok {
		return [RegisterCount]uint16{}, false
	}
	return d.regs, true
}

// Project derives the published device state from the snapshot. Unknown
// devices project as all-zero with the given mac, so a state topic can be
// produced before the first telemetry.
func (s *Store) Project(mac string) DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[mac]
	if !ok {
		return DeviceState{MAC: mac, Timestamp: s.now().UTC().Format(time.RFC3339)}
	}

	usb, ac, dc, led := OutputsOf(d.regs[RegOutputBits])
	ts := d.lastUpdate
	if ts.IsZero() {
		ts = s.now()
	}
	return DeviceState{
		MAC:                  mac,
		Model:                d.model,
		SoC:                  float64(d.regs[RegStateOfCharge]) / 10,
		InputWatts:           int(d.regs[RegTotalInputPower]),
		OutputWatts:          int(d.regs[RegTotalOutputPower]),
		DCInputWatts:         int(d.regs[RegDCInputPower]),
		USBOutput:            usb,
		ACOutput:             ac,
		DCOutput:             dc,
		LEDOutput:            led,
		MaxChargingCurrent:   int(d.regs[RegMaxChargingCurrent]),
		DischargeLowerLimit:  float64(d.regs[RegDischargeLowLimit]) / 10,
		ACChargingUpperLimit: float64(d.regs[RegACChargingUpLimit]) / 10,
		ACSilentCharging:     d.regs[RegACSilentCharging] != 0,
		USBStandbyTime:       int(d.regs[RegUSBStandbyTime]),
		ACStandbyTime:        int(d.regs[RegACStandbyTime]),
		DCStandbyTime:        int(d.regs[RegDCStandbyTime]),
		ScreenRestTime:       int(d.regs[RegScreenRestTime]),
		ACChargingTimer:      int(d.regs[RegACChargingTimer]),
		SleepTime:            int(d.regs[RegSleepTime]),
		Timestamp:            ts.UTC().Format(time.RFC3339),
	}
}

// MACs lists every tracked device.
func (s *Store) MACs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	macs := make([]string, 0, len(s.devices))
	for mac := range s.devices {
		macs = append(macs, mac)
	}
	return macs
}
