// Package hdhomerun implements the client side of the HDHomeRun UDP
// discovery protocol: building probe packets, parsing replies, and the
// shared TLV codec both directions use. The CRC trailer is encoded and
// verified big-endian.
package hdhomerun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

/*
 * HDHomeRun discovery packet format:
 *
 * uint16_t  Packet type
 * uint16_t  Payload length (bytes)
 * uint8_t[] Payload data (0-n bytes, TLV-encoded)
 * uint32_t  CRC-32 (IEEE 802.3, big-endian) over the preceding bytes
 */

// Packet types.
const (
	TypeDiscoverReq = 0x0002
	TypeDiscoverRpy = 0x0003
)

// TLV tags used by the discovery protocol.
const (
	TagDeviceType = 0x01
	TagDeviceID   = 0x02
	TagTunerCount = 0x10
	TagLineupURL  = 0x27
	TagBaseURL    = 0x2A
)

// Device types.
const (
	DeviceTypeWildcard = 0xFFFFFFFF
	DeviceTypeTuner    = 0x00000001
)

// DeviceIDWildcard matches any device ID in a discovery request filter.
const DeviceIDWildcard = 0xFFFFFFFF

var crc32Table = crc32.MakeTable(crc32.IEEE)

// Packet represents a complete HDHomeRun discovery packet.
type Packet struct {
	Type    uint16
	Payload []byte
	CRC     uint32
}

// Marshal serializes the packet to bytes, appending the big-endian CRC
// trailer over the type, length, and payload bytes.
func (p *Packet) Marshal() []byte {
	totalLen := 4 + len(p.Payload) + 4
	buf := make([]byte, totalLen)

	binary.BigEndian.PutUint16(buf[0:2], p.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	if len(p.Payload) > 0 {
		copy(buf[4:4+len(p.Payload)], p.Payload)
	}

	crc := crc32.Checksum(buf[:4+len(p.Payload)], crc32Table)
	binary.BigEndian.PutUint32(buf[4+len(p.Payload):], crc)

	return buf
}

// Unmarshal parses a packet from bytes and verifies its CRC trailer.
// A CRC mismatch is reported as an error; callers discover-probing on a
// shared socket should treat it the same as a short read and ignore the
// datagram rather than treat it as fatal.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < 8 {
		return nil, errors.New("hdhomerun: packet too short")
	}

	packetType := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])

	if len(data) < 4+int(length)+4 {
		return nil, fmt.Errorf("hdhomerun: packet truncated: need %d, got %d", 4+int(length)+4, len(data))
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, data[4:4+length])
	}

	receivedCRC := binary.BigEndian.Uint32(data[4+length:])
	calculatedCRC := crc32.Checksum(data[:4+length], crc32Table)
	if receivedCRC != calculatedCRC {
		return nil, fmt.Errorf("hdhomerun: CRC mismatch: got 0x%08x, expected 0x%08x", receivedCRC, calculatedCRC)
	}

	return &Packet{
		Type:    packetType,
		Payload: payload,
		CRC:     receivedCRC,
	}, nil
}

// TLV represents a Tag-Length-Value item.
type TLV struct {
	Tag    uint8
	Length uint16
	Value  []byte
}

// UnmarshalTLVs parses TLV items from a packet payload. Lengths under
// 128 use a single length byte; the high bit of that byte signals a
// second, lower-order-7-bits length byte to follow.
func UnmarshalTLVs(payload []byte) ([]TLV, error) {
	var tlvs []TLV
	pos := 0

	for pos < len(payload) {
		if pos+2 > len(payload) {
			return nil, errors.New("hdhomerun: truncated TLV")
		}

		tag := payload[pos]
		pos++

		length := uint16(payload[pos] & 0x7F)
		hasExtByte := payload[pos]&0x80 != 0
		pos++

		if hasExtByte {
			if pos >= len(payload) {
				return nil, errors.New("hdhomerun: truncated TLV length")
			}
			length = (length << 7) | uint16(payload[pos])
			pos++
		}

		if pos+int(length) > len(payload) {
			return nil, fmt.Errorf("hdhomerun: truncated TLV value: need %d, have %d", length, len(payload)-pos)
		}

		value := make([]byte, length)
		copy(value, payload[pos:pos+int(length)])
		pos += int(length)

		tlvs = append(tlvs, TLV{Tag: tag, Length: length, Value: value})
	}

	return tlvs, nil
}

// MarshalTLVs serializes TLV items to a packet payload.
func MarshalTLVs(tlvs []TLV) []byte {
	size := 0
	for _, tlv := range tlvs {
		size += 2 + int(tlv.Length)
		if tlv.Length >= 128 {
			size++
		}
	}

	buf := make([]byte, 0, size)
	for _, tlv := range tlvs {
		buf = append(buf, tlv.Tag)
		if tlv.Length < 128 {
			buf = append(buf, uint8(tlv.Length))
		} else {
			buf = append(buf, uint8(0x80|((tlv.Length>>7)&0x7F)))
			buf = append(buf, uint8(tlv.Length&0x7F))
		}
		if len(tlv.Value) > 0 {
			buf = append(buf, tlv.Value...)
		}
	}
	return buf
}

// FindTLV finds the first TLV with the given tag, or nil if absent.
func FindTLV(tlvs []TLV, tag uint8) *TLV {
	for i := range tlvs {
		if tlvs[i].Tag == tag {
			return &tlvs[i]
		}
	}
	return nil
}

// NewDiscoverReq builds a discovery probe packet filtered to tuner
// devices with a wildcard device ID, per section 6's wire layout.
func NewDiscoverReq() *Packet {
	tlvs := []TLV{
		{Tag: TagDeviceType, Length: 4, Value: uint32ToBytes(DeviceTypeTuner)},
		{Tag: TagDeviceID, Length: 4, Value: uint32ToBytes(DeviceIDWildcard)},
	}
	return &Packet{
		Type:    TypeDiscoverReq,
		Payload: MarshalTLVs(tlvs),
	}
}

// DiscoverReply is a parsed discovery reply, extracted from a reply
// packet's TLVs.
type DiscoverReply struct {
	DeviceType uint32
	DeviceID   uint32
	TunerCount int
	BaseURL    string
	LineupURL  string
}

// ParseDiscoverRpy validates that pkt is a discovery reply and extracts
// its TLVs into a DiscoverReply.
func ParseDiscoverRpy(pkt *Packet) (*DiscoverReply, error) {
	if pkt.Type != TypeDiscoverRpy {
		return nil, fmt.Errorf("hdhomerun: expected discover reply, got type 0x%04x", pkt.Type)
	}
	tlvs, err := UnmarshalTLVs(pkt.Payload)
	if err != nil {
		return nil, err
	}

	reply := &DiscoverReply{DeviceType: DeviceTypeTuner}
	if dt := FindTLV(tlvs, TagDeviceType); dt != nil && len(dt.Value) >= 4 {
		reply.DeviceType = bytesToUint32(dt.Value)
	}
	if di := FindTLV(tlvs, TagDeviceID); di != nil && len(di.Value) >= 4 {
		reply.DeviceID = bytesToUint32(di.Value)
	}
	if tc := FindTLV(tlvs, TagTunerCount); tc != nil && len(tc.Value) >= 1 {
		reply.TunerCount = int(tc.Value[0])
	}
	if bu := FindTLV(tlvs, TagBaseURL); bu != nil {
		reply.BaseURL = trimNullTerm(bu.Value)
	}
	if lu := FindTLV(tlvs, TagLineupURL); lu != nil {
		reply.LineupURL = trimNullTerm(lu.Value)
	}
	return reply, nil
}

func trimNullTerm(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

func uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func bytesToUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
