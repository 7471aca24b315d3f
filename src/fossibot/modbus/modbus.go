// Package modbus implements the framed binary request/response protocol the
// Fossibot cloud carries inside MQTT payloads: function code 3 (read holding
// registers) and function code 6 (write single register), with the vendor's
// CRC-16 convention.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SlaveID is the fixed Modbus slave address used by all devices.
const SlaveID = 0x11

const (
	// FuncReadRegisters reads a block of holding registers.
	FuncReadRegisters = 0x03
	// FuncWriteRegister writes a single holding register.
	FuncWriteRegister = 0x06
)

var (
	ErrShortFrame  = errors.New("modbus: frame too short")
	ErrCRCMismatch = errors.New("modbus: CRC mismatch")
	ErrByteCount   = errors.New("modbus: byte count disagrees with frame length")
)

// CRC16 computes the Modbus CRC (polynomial 0xA001, initial 0xFFFF) over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// AppendCRC appends the CRC to frame, high byte first. This is the vendor's
// convention and deviates from standard Modbus RTU (low byte first).
func AppendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc>>8), byte(crc))
}

// checkCRC verifies the trailing two CRC bytes of frame, high byte first.
func checkCRC(frame []byte) bool {
	n := len(frame)
	if n < 4 {
		return false
	}
	want := CRC16(frame[:n-2])
	got := uint16(frame[n-2])<<8 | uint16(frame[n-1])
	return want == got
}

// BuildReadRequest builds a read-holding-registers request frame with CRC.
func BuildReadRequest(start, count uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = SlaveID
	frame[1] = FuncReadRegisters
	binary.BigEndian.PutUint16(frame[2:4], start)
	binary.BigEndian.PutUint16(frame[4:6], count)
	return AppendCRC(frame)
}

// BuildWriteRequest builds a write-single-register request frame with CRC.
func BuildWriteRequest(register, value uint16) []byte {
	frame := make([]byte, 6, 8)
	frame[0] = SlaveID
	frame[1] = FuncWriteRegister
	binary.BigEndian.PutUint16(frame[2:4], register)
	binary.BigEndian.PutUint16(frame[4:6], value)
	return AppendCRC(frame)
}

// Response is a parsed register payload. Values holds big-endian 16-bit
// registers starting at register index Start; registers below Start are not
// carried by the frame and must be treated as unchanged by the caller.
type Response struct {
	Slave    byte
	Function byte
	Start    int
	Values   []uint16
}

// ParseResponse parses a device response frame, autodetecting the framing by
// the third byte:
//
//   - Form A (standard RTU): [slave, fc, byteCount, data..., crcHi, crcLo]
//     where byteCount is nonzero.
//   - Form B: [slave, fc, startHi, startLo, countHi, countLo, data..., crcHi,
//     crcLo] where the third byte is 0x00 (high byte of the start register).
//
// CRC failures and byte counts that disagree with the frame length are
// rejected; the connection itself stays healthy, callers just drop the frame.
func ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < 5 {
		return nil, ErrShortFrame
	}
	if !checkCRC(frame) {
		return nil, ErrCRCMismatch
	}
	if frame[1] == FuncWriteRegister {
		return parseWriteEcho(frame)
	}
	if frame[2] != 0 {
		return parseFormA(frame)
	}
	return parseFormB(frame)
}

// parseWriteEcho parses the fixed-size echo of a write-single-register
// request: [slave, 0x06, regHi, regLo, valHi, valLo, crcHi, crcLo].
func parseWriteEcho(frame []byte) (*Response, error) {
	if len(frame) != 8 {
		return nil, fmt.Errorf("%w: write echo length %d", ErrByteCount, len(frame))
	}
	return &Response{
		Slave:    frame[0],
		Function: frame[1],
		Start:    int(binary.BigEndian.Uint16(frame[2:4])),
		Values:   []uint16{binary.BigEndian.Uint16(frame[4:6])},
	}, nil
}

func parseFormA(frame []byte) (*Response, error) {
	byteCount := int(frame[2])
	if byteCount%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrByteCount, byteCount)
	}
	if len(frame) != 3+byteCount+2 {
		return nil, fmt.Errorf("%w: count %d, frame length %d", ErrByteCount, byteCount, len(frame))
	}
	return &Response{
		Slave:    frame[0],
		Function: frame[1],
		Start:    0,
		Values:   decodeRegisters(frame[3 : 3+byteCount]),
	}, nil
}

func parseFormB(frame []byte) (*Response, error) {
	if len(frame) < 8 {
		return nil, ErrShortFrame
	}
	start := int(binary.BigEndian.Uint16(frame[2:4]))
	count := int(binary.BigEndian.Uint16(frame[4:6]))
	if len(frame) != 6+2*count+2 {
		return nil, fmt.Errorf("%w: count %d, frame length %d", ErrByteCount, count, len(frame))
	}
	return &Response{
		Slave:    frame[0],
		Function: frame[1],
		Start:    start,
		Values:   decodeRegisters(frame[6 : 6+2*count]),
	}, nil
}

func decodeRegisters(data []byte) []uint16 {
	values := make([]uint16, len(data)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return values
}
