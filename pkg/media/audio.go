package media

import (
	"fmt"
)

// Telephony audio is G.711 μ-law at 8kHz; the ML pipeline consumes 16-bit
// linear PCM (little-endian) at 16kHz.
const (
	TelephonyRate = 8000
	MLRate        = 16000
)

// CodecInfo describes a negotiable audio codec.
type CodecInfo struct {
	Name        string
	PayloadType byte
	SampleRate  int
	Channels    int
}

// SupportedCodecs maps RTP payload types to the codecs the static SDP offer
// advertises.
var SupportedCodecs = map[byte]CodecInfo{
	0: {Name: "PCMU", PayloadType: 0, SampleRate: 8000, Channels: 1},
	8: {Name: "PCMA", PayloadType: 8, SampleRate: 8000, Channels: 1},
}

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	sign := int16(aval & 0x80)
	exponent := (aval >> 4) & 0x07
	mantissa := aval & 0x0F

	var magnitude int16
	switch exponent {
	case 0:
		magnitude = int16(mantissa<<4) + 8
	case 1:
		magnitude = int16(mantissa<<5) + 0x108
	default:
		magnitude = (int16(mantissa<<5) + 0x108) << (exponent - 1)
	}

	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

func encodeMuLawSample(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	val := int32(sample)
	sign := byte(0)
	if val < 0 {
		sign = 0x80
		val = -val
	}
	if val > clip {
		val = clip
	}
	val += bias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && val&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte((val >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// MuLawDecode converts μ-law bytes into 16-bit little-endian PCM.
func MuLawDecode(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := muLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

// ALawDecode converts A-law bytes into 16-bit little-endian PCM. Inbound
// PCMA legs decode through this; the outbound direction always encodes μ-law.
func ALawDecode(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := aLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

// MuLawEncode converts 16-bit little-endian PCM into μ-law bytes.
func MuLawEncode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM16 payload has odd length %d", len(pcm))
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = encodeMuLawSample(sample)
	}
	return out, nil
}

// Upsample8kTo16k doubles the sample rate of a PCM16LE stream with linear
// interpolation between adjacent samples.
func Upsample8kTo16k(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM16 payload has odd length %d", len(pcm))
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil, nil
	}

	out := make([]byte, n*4)
	prev := int16(pcm[0]) | int16(pcm[1])<<8
	for i := 0; i < n; i++ {
		cur := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		mid := int16((int32(prev) + int32(cur)) / 2)
		out[4*i] = byte(mid)
		out[4*i+1] = byte(mid >> 8)
		out[4*i+2] = byte(cur)
		out[4*i+3] = byte(cur >> 8)
		prev = cur
	}
	return out, nil
}

// Downsample16kTo8k halves the sample rate of a PCM16LE stream, averaging
// sample pairs as a cheap anti-aliasing filter.
func Downsample16kTo8k(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM16 payload has odd length %d", len(pcm))
	}
	n := len(pcm) / 2
	out := make([]byte, (n/2)*2)
	for i := 0; i+1 < n; i += 2 {
		a := int32(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8)
		b := int32(int16(pcm[2*(i+1)]) | int16(pcm[2*(i+1)+1])<<8)
		avg := int16((a + b) / 2)
		out[i] = byte(avg)
		out[i+1] = byte(avg >> 8)
	}
	return out, nil
}

// TelephonyToML converts a μ-law 8kHz frame into PCM16LE at 16kHz.
func TelephonyToML(frame []byte) ([]byte, error) {
	return Upsample8kTo16k(MuLawDecode(frame))
}

// MLToTelephony converts a PCM16LE 16kHz frame into μ-law at 8kHz.
func MLToTelephony(frame []byte) ([]byte, error) {
	down, err := Downsample16kTo8k(frame)
	if err != nil {
		return nil, err
	}
	return MuLawEncode(down)
}
