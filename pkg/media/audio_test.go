package media

import (
	"math"
	"testing"
)

func pcm16FromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func samplesFromPCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out
}

func sineWave(freq float64, rate, n int, amplitude float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * 32767.0 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func zeroCrossings(samples []int16) int {
	count := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			count++
		}
	}
	return count
}

// TestMuLawRoundTrip verifies companding error stays within G.711 bounds.
func TestMuLawRoundTrip(t *testing.T) {
	values := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	pcm := pcm16FromSamples(values)

	encoded, err := MuLawEncode(pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded := samplesFromPCM16(MuLawDecode(encoded))

	for i, want := range values {
		got := decoded[i]
		// μ-law quantization error grows with magnitude; allow the step size
		// of the matching segment.
		tolerance := int32(16)
		mag := int32(want)
		if mag < 0 {
			mag = -mag
		}
		for step := int32(32); step <= mag; step <<= 1 {
			tolerance <<= 1
		}
		diff := int32(got) - int32(want)
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			t.Errorf("sample %d: %d decoded to %d (error %d > %d)", i, want, got, diff, tolerance)
		}
	}
}

func TestMuLawEncodeRejectsOddLength(t *testing.T) {
	if _, err := MuLawEncode([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected error for odd-length PCM input")
	}
}

func TestResampleLengths(t *testing.T) {
	pcm := pcm16FromSamples(sineWave(440, MLRate, 320, 0.5))

	down, err := Downsample16kTo8k(pcm)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(down) != len(pcm)/2 {
		t.Errorf("downsample: expected %d bytes, got %d", len(pcm)/2, len(down))
	}

	up, err := Upsample8kTo16k(down)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(up) != len(pcm) {
		t.Errorf("upsample: expected %d bytes, got %d", len(pcm), len(up))
	}
}

// TestToneRoundTripPreservesFrequency encodes a synthetic 16kHz tone down to
// μ-law 8kHz and back, and checks the fundamental frequency survives within
// telephony-bandwidth tolerance.
func TestToneRoundTripPreservesFrequency(t *testing.T) {
	const (
		freq     = 440.0
		duration = 0.5 // seconds
	)
	n := int(duration * MLRate)
	original := sineWave(freq, MLRate, n, 0.5)

	telephony, err := MLToTelephony(pcm16FromSamples(original))
	if err != nil {
		t.Fatalf("MLToTelephony: %v", err)
	}
	if len(telephony) != n/2 {
		t.Fatalf("expected %d μ-law bytes, got %d", n/2, len(telephony))
	}

	restored, err := TelephonyToML(telephony)
	if err != nil {
		t.Fatalf("TelephonyToML: %v", err)
	}

	restoredSamples := samplesFromPCM16(restored)
	// Each full sine period produces two zero crossings.
	gotFreq := float64(zeroCrossings(restoredSamples)) / 2.0 / duration
	if math.Abs(gotFreq-freq) > freq*0.05 {
		t.Errorf("fundamental drifted: want ~%.0fHz, got %.1fHz", freq, gotFreq)
	}
}

func TestTelephonyToMLEmptyFrame(t *testing.T) {
	out, err := TelephonyToML(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d bytes", len(out))
	}
}
