package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/auth"
	"voicegate-server/pkg/core"
	"voicegate-server/pkg/session"
	"voicegate-server/pkg/store"
)

type fakePool struct {
	result string
}

func (f *fakePool) Submit(_ context.Context, _ interface{}, _ int) (json.RawMessage, error) {
	return json.RawMessage(f.result), nil
}

func (f *fakePool) Ready() bool { return true }

func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	pools := session.Pools{
		STT:   &fakePool{result: `{"text":"turn left","final":true}`},
		Agent: &fakePool{result: `{"reply":"turning left"}`},
		TTS:   &fakePool{result: `{"audio":"AAEC"}`},
	}
	mgr := session.NewManager(store.NewMemoryStore(), nil, pools, nil, nil, logger)
	authn := auth.NewAPIKeyAuthenticator(map[string]string{"k-1": "tenant-a"})
	srv := NewServer(mgr, authn, nil, 0, nil, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialGateway(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestGatewayTextRoundTrip(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientInit, ID: "c-1", Token: "k-1"}))
	ready := readFrame(t, conn)
	require.Equal(t, ServerReady, ready.Type)
	assert.Equal(t, "c-1", ready.ID)
	require.NotEmpty(t, ready.SessionID)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientTextInput, Text: "turn left"}))

	thinking := readFrame(t, conn)
	assert.Equal(t, ServerAgentThinking, thinking.Type)
	assert.Equal(t, ready.SessionID, thinking.SessionID)

	reply := readFrame(t, conn)
	assert.Equal(t, ServerAgentReply, reply.Type)
	assert.Equal(t, "turning left", reply.Text)

	chunk := readFrame(t, conn)
	assert.Equal(t, ServerTTSChunk, chunk.Type)
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, chunk.Audio)

	assert.Equal(t, ServerTTSComplete, readFrame(t, conn).Type)
}

func TestGatewayAudioPipeline(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientInit, Token: "k-1"}))
	require.Equal(t, ServerReady, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:  ClientAudioChunk,
		Audio: []byte{0xFF, 0x7F, 0x00, 0x80},
	}))

	final := readFrame(t, conn)
	assert.Equal(t, ServerSTTFinal, final.Type)
	assert.Equal(t, "turn left", final.Text)
	assert.Equal(t, ServerAgentThinking, readFrame(t, conn).Type)
	assert.Equal(t, ServerAgentReply, readFrame(t, conn).Type)
	assert.Equal(t, ServerTTSChunk, readFrame(t, conn).Type)
	assert.Equal(t, ServerTTSComplete, readFrame(t, conn).Type)
}

func TestGatewayRejectsBadToken(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientInit, ID: "c-9", Token: "wrong"}))
	msg := readFrame(t, conn)
	assert.Equal(t, ServerError, msg.Type)
	assert.Equal(t, "c-9", msg.ID)
	assert.Equal(t, string(core.CodeUnauthorized), msg.Code)

	// The server hangs up after a failed handshake.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var next ServerMessage
	assert.Error(t, conn.ReadJSON(&next))
}

func TestGatewayRequiresInitFirst(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientTextInput, Text: "hi"}))
	msg := readFrame(t, conn)
	assert.Equal(t, ServerError, msg.Type)
	assert.Contains(t, msg.Error, "init")
}

// TestGatewayInitDisablesTTS connects with synthesis switched off: the agent
// still answers text input, no audio frames follow.
func TestGatewayInitDisablesTTS(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	off := false
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientInit, Token: "k-1", TTSEnabled: &off}))
	require.Equal(t, ServerReady, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientTextInput, Text: "turn left"}))
	assert.Equal(t, ServerAgentThinking, readFrame(t, conn).Type)
	assert.Equal(t, ServerAgentReply, readFrame(t, conn).Type)

	// No synthesis frames were queued; teardown is acked immediately.
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnd}))
	assert.Equal(t, ServerEnded, readFrame(t, conn).Type)
}

// TestGatewayInitDisablesAgent connects in transcripts-only mode.
func TestGatewayInitDisablesAgent(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	off := false
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientInit, Token: "k-1", AgentEnabled: &off}))
	require.Equal(t, ServerReady, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:  ClientAudioChunk,
		Audio: []byte{0xFF, 0x7F, 0x00, 0x80},
	}))
	final := readFrame(t, conn)
	assert.Equal(t, ServerSTTFinal, final.Type)
	assert.Equal(t, "turn left", final.Text)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnd}))
	assert.Equal(t, ServerEnded, readFrame(t, conn).Type)
}

// TestGatewayQualityFeedback sends a category/score report and checks the
// frame is consumed without an error reply.
func TestGatewayQualityFeedback(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientInit, Token: "k-1"}))
	require.Equal(t, ServerReady, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{
		Type:     ClientQualityFeedback,
		Category: "latency",
		Score:    4.5,
		Comment:  "slight lag on long replies",
	}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnd}))
	assert.Equal(t, ServerEnded, readFrame(t, conn).Type)
}

func TestGatewayEndClosesSession(t *testing.T) {
	conn := dialGateway(t, newTestGateway(t))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientInit, Token: "k-1"}))
	require.Equal(t, ServerReady, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientEnd}))
	assert.Equal(t, ServerEnded, readFrame(t, conn).Type)
}
