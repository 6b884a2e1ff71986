package media

import (
	"fmt"

	"github.com/pion/rtp"
)

const (
	// PayloadTypePCMU is G.711 μ-law, the primary codec in the SDP offer.
	PayloadTypePCMU = 0
	// PayloadTypePCMA is G.711 A-law, offered as a secondary codec.
	PayloadTypePCMA = 8
)

// Packetizer frames telephony audio payloads as RTP. G.711 carries one byte
// per sample, so the timestamp advances by the payload length.
type Packetizer struct {
	ssrc        uint32
	payloadType uint8
	sequence    uint16
	timestamp   uint32
}

// NewPacketizer creates an RTP packetizer for one outbound media leg.
func NewPacketizer(payloadType uint8, ssrc uint32) *Packetizer {
	return &Packetizer{ssrc: ssrc, payloadType: payloadType}
}

// Packetize wraps one audio frame into a marshalled RTP packet.
func (p *Packetizer) Packetize(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty RTP payload")
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequence,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.sequence++
	p.timestamp += uint32(len(payload))
	return pkt.Marshal()
}

// ParsePacket unmarshals an inbound RTP packet.
func ParsePacket(buf []byte) (*rtp.Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("parsing RTP packet: %w", err)
	}
	return pkt, nil
}

// DecodePayload converts an RTP audio payload into PCM16LE according to its
// payload type. Unknown payload types are rejected; the caller decides
// whether to drop or pass the frame through.
func DecodePayload(pkt *rtp.Packet) ([]byte, error) {
	switch pkt.PayloadType {
	case PayloadTypePCMU:
		return MuLawDecode(pkt.Payload), nil
	case PayloadTypePCMA:
		return ALawDecode(pkt.Payload), nil
	default:
		return nil, fmt.Errorf("unsupported RTP payload type %d", pkt.PayloadType)
	}
}
