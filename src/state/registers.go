// Package state holds the per-device register snapshots and derives the
// published device state from them.
package state

// RegisterCount is the size of a full holding-register read.
const RegisterCount = 81

// Holding registers actually decoded. The device reports many more; the
// rest ride along in the snapshot untouched.
const (
	RegDCInputPower       = 4
	RegTotalInputPower    = 6
	RegMaxChargingCurrent = 20
	RegUSBControl         = 24
	RegDCControl          = 25
	RegACControl          = 26
	RegLEDControl         = 27
	RegTotalOutputPower   = 39
	RegOutputBits         = 41
	RegStateOfCharge      = 56
	RegACSilentCharging   = 57
	RegUSBStandbyTime     = 59
	RegACStandbyTime      = 60
	RegDCStandbyTime      = 61
	RegScreenRestTime     = 62
	RegACChargingTimer    = 63
	RegDischargeLowLimit  = 66
	RegACChargingUpLimit  = 67
	RegSleepTime          = 68
)

// Register 41 output masks. These are hardware-verified bit patterns, not
// one bit per output: USB and DC share bit 7, so membership is tested with
// a bitwise AND, never equality.
const (
	MaskUSB = 0x0280 // bits 7, 9
	MaskAC  = 0x0804 // bits 2, 11
	MaskDC  = 0x0480 // bits 7, 10
	MaskLED = 0x1000 // bit 12
)

// OutputsOf decodes the register-41 bitfield.
func OutputsOf(reg uint16) (usb, ac, dc, led bool) {
	return reg&MaskUSB != 0, reg&MaskAC != 0, reg&MaskDC != 0, reg&MaskLED != 0
}
