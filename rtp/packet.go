package rtp

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	// HeaderSize is the size of an RTP header without CSRCs or extensions.
	HeaderSize = 12

	// MaxPacketSize is the largest datagram sent or accepted.
	MaxPacketSize = 1500

	rtcpHeaderSize = 4
	appHeaderSize  = rtcpHeaderSize + 8
)

// Packet is one received RTP packet as seen by a decoder.
//
// A decoder's CheckNextPacket sets Layer, Layers and optionally ClockRate
// before the receiver validates the packet.
type Packet struct {
	rtp.Header
	Payload []byte

	Layer     int
	Layers    int
	ClockRate uint32

	Received time.Time
	Source   net.Addr
	Size     int
}

// ParsePacket decodes an RTP datagram. The returned packet aliases raw.
func ParsePacket(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, ErrPacketTooShort
	}
	if raw[0]>>6 != 2 {
		return nil, ErrBadVersion
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("unmarshal RTP packet: %w", err)
	}

	return &Packet{
		Header:  pkt.Header,
		Payload: pkt.Payload,
		Size:    len(raw),
	}, nil
}

// IsRTCP reports whether raw looks like an RTCP packet: version 2 with a
// packet type in the SR..APP range.
func IsRTCP(raw []byte) bool {
	if len(raw) < rtcpHeaderSize || raw[0]>>6 != 2 {
		return false
	}
	pt := rtcp.PacketType(raw[1])
	return pt >= rtcp.TypeSenderReport && pt <= rtcp.TypeApplicationDefined
}

// ParseSenderReport decodes raw as an RTCP compound whose first packet is a
// sender report.
func ParseSenderReport(raw []byte) (*rtcp.SenderReport, error) {
	if len(raw) < rtcpHeaderSize {
		return nil, ErrPacketTooShort
	}
	if raw[0]>>6 != 2 {
		return nil, ErrBadVersion
	}
	if rtcp.PacketType(raw[1]) != rtcp.TypeSenderReport {
		return nil, ErrNotSenderReport
	}

	length := (int(binary.BigEndian.Uint16(raw[2:4])) + 1) * 4
	if length > len(raw) {
		return nil, ErrTruncatedCompound
	}

	sr := &rtcp.SenderReport{}
	if err := sr.Unmarshal(raw[:length]); err != nil {
		return nil, fmt.Errorf("unmarshal sender report: %w", err)
	}
	return sr, nil
}

// AppPacket is an RTCP APP packet (type 204): a four character name and
// opaque application data padded to a 32-bit boundary.
type AppPacket struct {
	Subtype uint8
	SSRC    uint32
	Name    string
	Data    []byte
}

var _ rtcp.Packet = (*AppPacket)(nil)

// MarshalSize returns the encoded size including padding.
func (p *AppPacket) MarshalSize() int {
	return appHeaderSize + (len(p.Data)+3)/4*4
}

// Marshal encodes the packet.
func (p *AppPacket) Marshal() ([]byte, error) {
	if len(p.Name) != 4 {
		return nil, ErrInvalidAppName
	}
	if p.Subtype > 31 {
		return nil, fmt.Errorf("%w: subtype %d out of range", ErrInvalidAppPacket, p.Subtype)
	}

	size := p.MarshalSize()
	buf := make([]byte, size)
	hdr := rtcp.Header{
		Count:  p.Subtype,
		Type:   rtcp.TypeApplicationDefined,
		Length: uint16(size/4 - 1),
	}
	hb, err := hdr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal APP header: %w", err)
	}
	copy(buf, hb)
	binary.BigEndian.PutUint32(buf[4:], p.SSRC)
	copy(buf[8:12], p.Name)
	copy(buf[appHeaderSize:], p.Data)
	return buf, nil
}

// Unmarshal decodes a single APP packet. Trailing padding stays in Data.
func (p *AppPacket) Unmarshal(raw []byte) error {
	if len(raw) < appHeaderSize {
		return ErrPacketTooShort
	}
	var hdr rtcp.Header
	if err := hdr.Unmarshal(raw); err != nil {
		return fmt.Errorf("unmarshal APP header: %w", err)
	}
	if hdr.Type != rtcp.TypeApplicationDefined {
		return fmt.Errorf("%w: packet type %d", ErrInvalidAppPacket, hdr.Type)
	}
	length := (int(hdr.Length) + 1) * 4
	if length > len(raw) || length < appHeaderSize {
		return ErrTruncatedCompound
	}

	p.Subtype = hdr.Count
	p.SSRC = binary.BigEndian.Uint32(raw[4:8])
	p.Name = string(raw[8:12])
	p.Data = append([]byte(nil), raw[appHeaderSize:length]...)
	return nil
}

// DestinationSSRC returns the SSRC the packet refers to.
func (p *AppPacket) DestinationSSRC() []uint32 {
	return []uint32{p.SSRC}
}

// String returns a short description for logging.
func (p *AppPacket) String() string {
	return fmt.Sprintf("APP %q ssrc=%d subtype=%d len=%d", p.Name, p.SSRC, p.Subtype, len(p.Data))
}

// ParseCompound splits an RTCP compound datagram into packets. APP packets
// decode to *AppPacket; the other types use pion/rtcp.
func ParseCompound(raw []byte) ([]rtcp.Packet, error) {
	var packets []rtcp.Packet

	for offset := 0; offset < len(raw); {
		if len(raw)-offset < rtcpHeaderSize {
			return packets, ErrTruncatedCompound
		}
		var hdr rtcp.Header
		if err := hdr.Unmarshal(raw[offset:]); err != nil {
			return packets, fmt.Errorf("unmarshal RTCP header at %d: %w", offset, err)
		}
		length := (int(hdr.Length) + 1) * 4
		if offset+length > len(raw) {
			return packets, ErrTruncatedCompound
		}
		chunk := raw[offset : offset+length]
		offset += length

		var pkt rtcp.Packet
		switch hdr.Type {
		case rtcp.TypeApplicationDefined:
			pkt = &AppPacket{}
		case rtcp.TypeSenderReport:
			pkt = &rtcp.SenderReport{}
		case rtcp.TypeReceiverReport:
			pkt = &rtcp.ReceiverReport{}
		case rtcp.TypeSourceDescription:
			pkt = &rtcp.SourceDescription{}
		case rtcp.TypeGoodbye:
			pkt = &rtcp.Goodbye{}
		default:
			pkt = &rtcp.RawPacket{}
		}
		if err := pkt.Unmarshal(chunk); err != nil {
			return packets, fmt.Errorf("unmarshal RTCP type %d: %w", hdr.Type, err)
		}
		packets = append(packets, pkt)
	}

	return packets, nil
}

// MarshalCompound encodes packets back to back into one datagram.
func MarshalCompound(packets ...rtcp.Packet) ([]byte, error) {
	var out []byte
	for _, p := range packets {
		b, err := p.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal %T: %w", p, err)
		}
		out = append(out, b...)
	}
	return out, nil
}
