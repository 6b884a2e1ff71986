package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildOffer(t *testing.T) {
	raw, err := BuildOffer("10.0.0.2", 10000)
	require.NoError(t, err)

	offer := string(raw)
	assert.Contains(t, offer, "m=audio 10000 RTP/AVP 0 8")
	assert.Contains(t, offer, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, offer, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, offer, "a=sendrecv")
	assert.Contains(t, offer, "c=IN IP4 10.0.0.2")
}

func TestParseAnswer(t *testing.T) {
	addr, pt, err := ParseAnswer([]byte(answerSDP))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.50:4000", addr)
	assert.Equal(t, uint8(0), pt)
}

func TestParseAnswerRejectsNonG711(t *testing.T) {
	raw := "v=0\r\n" +
		"o=far 1 1 IN IP4 192.0.2.50\r\n" +
		"s=answer\r\n" +
		"c=IN IP4 192.0.2.50\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 96\r\n" +
		"a=rtpmap:96 opus/48000/2\r\n"
	_, _, err := ParseAnswer([]byte(raw))
	assert.Error(t, err)
}
