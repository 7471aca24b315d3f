package cloud

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MQTT 3.1.1 control packet types (high nibble of the first byte). Only the
// subset the cloud actually speaks is implemented.
const (
	packetConnect    = 1
	packetConnack    = 2
	packetPublish    = 3
	packetPuback     = 4
	packetSubscribe  = 8
	packetSuback     = 9
	packetPingreq    = 12
	packetPingresp   = 13
	packetDisconnect = 14
)

const protocolLevel4 = 4 // MQTT 3.1.1

var (
	ErrMalformedPacket  = errors.New("cloud: malformed MQTT packet")
	ErrUnknownPacket    = errors.New("cloud: unknown MQTT packet type")
	errRemainingLength  = errors.New("cloud: invalid remaining length")
	errIncompletePacket = errors.New("cloud: incomplete packet")
)

// packet is one decoded control packet: type, fixed-header flags and the
// variable header plus payload bytes.
type packet struct {
	Type  byte
	Flags byte
	Body  []byte
}

// decoder accumulates raw WebSocket bytes and re-parses them with the
// remaining-length rules. A WebSocket message may carry a partial or
// concatenated MQTT packet, so no 1:1 alignment is ever assumed.
type decoder struct {
	buf []byte
}

// Feed appends chunk and extracts every complete packet available.
func (d *decoder) Feed(chunk []byte) ([]packet, error) {
	d.buf = append(d.buf, chunk...)
	var packets []packet
	for {
		p, consumed, err := decodeOne(d.buf)
		if errors.Is(err, errIncompletePacket) {
			return packets, nil
		}
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
		d.buf = d.buf[consumed:]
	}
}

// Reset clears buffered parser state. Called at every socket handle
// boundary so no partial packet leaks between reconnects.
func (d *decoder) Reset() {
	d.buf = nil
}

func decodeOne(buf []byte) (packet, int, error) {
	if len(buf) < 2 {
		return packet{}, 0, errIncompletePacket
	}
	ptype := buf[0] >> 4
	if ptype < packetConnect || ptype > packetDisconnect {
		return packet{}, 0, fmt.Errorf("%w: type %d", ErrUnknownPacket, ptype)
	}
	remaining, lenSize, err := decodeRemainingLength(buf[1:])
	if err != nil {
		if errors.Is(err, errIncompletePacket) {
			return packet{}, 0, err
		}
		return packet{}, 0, err
	}
	total := 1 + lenSize + remaining
	if len(buf) < total {
		return packet{}, 0, errIncompletePacket
	}
	body := make([]byte, remaining)
	copy(body, buf[1+lenSize:total])
	return packet{Type: ptype, Flags: buf[0] & 0x0F, Body: body}, total, nil
}

// decodeRemainingLength reads the variable-length encoding (7 bits per byte,
// continuation in the high bit, at most 4 bytes).
func decodeRemainingLength(buf []byte) (value, size int, err error) {
	multiplier := 1
	for i := 0; i < 4; i++ {
		if i >= len(buf) {
			return 0, 0, errIncompletePacket
		}
		b := buf[i]
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}
	return 0, 0, errRemainingLength
}

func encodeRemainingLength(n int) []byte {
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func encodePacket(ptype, flags byte, body []byte) []byte {
	out := make([]byte, 0, 2+len(body))
	out = append(out, ptype<<4|flags)
	out = append(out, encodeRemainingLength(len(body))...)
	return append(out, body...)
}

func appendMQTTString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// encodeConnect builds the CONNECT packet: protocol level 4, clean session,
// username/password flags set, no will.
func encodeConnect(clientID, username, password string, keepAlive uint16) []byte {
	var body []byte
	body = appendMQTTString(body, "MQTT")
	body = append(body, protocolLevel4)
	body = append(body, 0xC2) // username + password + clean session
	body = binary.BigEndian.AppendUint16(body, keepAlive)
	body = appendMQTTString(body, clientID)
	body = appendMQTTString(body, username)
	body = appendMQTTString(body, password)
	return encodePacket(packetConnect, 0, body)
}

// encodeSubscribe builds a SUBSCRIBE for the topics at QoS 1.
func encodeSubscribe(id uint16, topics []string) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, id)
	for _, t := range topics {
		body = appendMQTTString(body, t)
		body = append(body, 1)
	}
	return encodePacket(packetSubscribe, 0x02, body)
}

// encodePublish builds a PUBLISH at the given QoS (0 or 1), never retained.
// id is only encoded for QoS 1.
func encodePublish(id uint16, topic string, payload []byte, qos byte) []byte {
	var body []byte
	body = appendMQTTString(body, topic)
	if qos > 0 {
		body = binary.BigEndian.AppendUint16(body, id)
	}
	body = append(body, payload...)
	return encodePacket(packetPublish, qos<<1, body)
}

func encodePuback(id uint16) []byte {
	return encodePacket(packetPuback, 0, binary.BigEndian.AppendUint16(nil, id))
}

func encodePingreq() []byte {
	return encodePacket(packetPingreq, 0, nil)
}

func encodeDisconnect() []byte {
	return encodePacket(packetDisconnect, 0, nil)
}

// connackCode extracts the CONNACK return code: 0 accepted, 1-5 refusal
// reasons. Codes 4 and 5 are credential failures.
func (p packet) connackCode() (byte, error) {
	if p.Type != packetConnack || len(p.Body) != 2 {
		return 0, fmt.Errorf("%w: bad CONNACK", ErrMalformedPacket)
	}
	return p.Body[1], nil
}

// publishData is the decoded view of an inbound PUBLISH.
type publishData struct {
	Topic   string
	ID      uint16 // 0 for QoS 0
	QoS     byte
	Payload []byte
}

func (p packet) publish() (publishData, error) {
	if p.Type != packetPublish || len(p.Body) < 2 {
		return publishData{}, fmt.Errorf("%w: bad PUBLISH", ErrMalformedPacket)
	}
	topicLen := int(binary.BigEndian.Uint16(p.Body[:2]))
	pos := 2 + topicLen
	if pos > len(p.Body) {
		return publishData{}, fmt.Errorf("%w: PUBLISH topic overflow", ErrMalformedPacket)
	}
	data := publishData{
		Topic: string(p.Body[2:pos]),
		QoS:   (p.Flags >> 1) & 0x03,
	}
	if data.QoS > 0 {
		if pos+2 > len(p.Body) {
			return publishData{}, fmt.Errorf("%w: PUBLISH without packet id", ErrMalformedPacket)
		}
		data.ID = binary.BigEndian.Uint16(p.Body[pos : pos+2])
		pos += 2
	}
	data.Payload = p.Body[pos:]
	return data, nil
}

// ackID extracts the packet identifier of a PUBACK or SUBACK.
func (p packet) ackID() (uint16, error) {
	if (p.Type != packetPuback && p.Type != packetSuback) || len(p.Body) < 2 {
		return 0, fmt.Errorf("%w: bad acknowledgement", ErrMalformedPacket)
	}
	return binary.BigEndian.Uint16(p.Body[:2]), nil
}
