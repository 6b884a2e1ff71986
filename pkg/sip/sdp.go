package sip

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// BuildOffer produces the static SDP offer for outbound calls: G.711 μ-law
// and A-law at 8kHz, sendrecv. The offer never varies per call beyond the
// origin line and media endpoint.
func BuildOffer(mediaIP string, mediaPort int) ([]byte, error) {
	sessID := uint64(time.Now().UnixNano())
	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "voicegate",
			SessionID:      sessID,
			SessionVersion: sessID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: mediaIP,
		},
		SessionName: "voicegate call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: mediaIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: mediaPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8"},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap:0 PCMU/8000", ""),
					sdp.NewAttribute("rtpmap:8 PCMA/8000", ""),
					sdp.NewAttribute("sendrecv", ""),
				},
			},
		},
	}
	return desc.Marshal()
}

// ParseAnswer extracts the remote RTP endpoint and the negotiated G.711
// payload type from an SDP answer.
func ParseAnswer(raw []byte) (addr string, payloadType uint8, err error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return "", 0, fmt.Errorf("parsing SDP answer: %w", err)
	}

	host := ""
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		host = desc.ConnectionInformation.Address.Address
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			host = m.ConnectionInformation.Address.Address
		}
		if host == "" {
			return "", 0, fmt.Errorf("SDP answer has no connection address")
		}
		for _, f := range m.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			if pt == 0 || pt == 8 {
				return fmt.Sprintf("%s:%d", host, m.MediaName.Port.Value), uint8(pt), nil
			}
		}
		return "", 0, fmt.Errorf("SDP answer offers no G.711 format: %v", m.MediaName.Formats)
	}
	return "", 0, fmt.Errorf("SDP answer has no audio media section")
}
