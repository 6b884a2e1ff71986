package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/core"
	"voicegate-server/pkg/sip"
	"voicegate-server/pkg/store"
)

type fakeTelephony struct {
	mu      sync.Mutex
	answer  sip.DialogInfo
	err     error
	ended   []string
	dialled []string
}

func (f *fakeTelephony) InitiateCall(_ context.Context, target string) (sip.DialogInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialled = append(f.dialled, target)
	return f.answer, f.err
}

func (f *fakeTelephony) EndCall(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callID)
}

func (f *fakeTelephony) endedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ended...)
}

type fakePool struct {
	mu      sync.Mutex
	ready   bool
	handler func(payload interface{}) (json.RawMessage, error)
	calls   int
}

func (f *fakePool) Submit(_ context.Context, payload interface{}, _ int) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	handler := f.handler
	f.mu.Unlock()
	return handler(payload)
}

func (f *fakePool) Ready() bool { return f.ready }

func (f *fakePool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func staticPool(result string) *fakePool {
	return &fakePool{ready: true, handler: func(interface{}) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}}
}

func testManager(t *testing.T, tel Telephony, pools Pools) (*Manager, *store.MemoryStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	st := store.NewMemoryStore()
	return NewManager(st, tel, pools, nil, nil, logger), st
}

func TestInitiateCallLifecycle(t *testing.T) {
	ctx := context.Background()
	tel := &fakeTelephony{answer: sip.DialogInfo{CallID: "dlg-1", State: sip.DialogAnswered}}
	m, st := testManager(t, tel, Pools{})

	s, err := m.InitiateCall(ctx, "tenant-a", "alice@example.com", "", nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, s.Status())

	rec, err := st.GetCall(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, rec.Status)
	assert.False(t, rec.StartedAt.IsZero())

	// Late ringing notifications must not regress the status.
	m.HandleDialogState(sip.DialogInfo{CallID: "dlg-1", State: sip.DialogRinging})
	assert.Equal(t, store.StatusInProgress, s.Status())

	m.EndSession(ctx, s.ID)
	assert.Equal(t, []string{"dlg-1"}, tel.endedCalls())
	rec, err = st.GetCall(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.False(t, rec.EndedAt.IsZero())
	_, ok := m.Get(s.ID)
	assert.False(t, ok)

	// Ending again is a no-op.
	m.EndSession(ctx, s.ID)
	assert.Len(t, tel.endedCalls(), 1)
}

func TestInitiateCallFailure(t *testing.T) {
	ctx := context.Background()
	tel := &fakeTelephony{err: core.RegistrationRequired()}
	m, st := testManager(t, tel, Pools{})

	_, err := m.InitiateCall(ctx, "tenant-a", "alice@example.com", "", nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeRegistrationRequired, core.CodeOf(err))

	active, err := st.ListActiveCalls(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "failed call must not linger as active")
	assert.Empty(t, tel.endedCalls(), "no BYE for a call that never connected")
}

// TestPipelineFiresOnlyOnSpeech feeds three chunks where only the second
// carries a transcript; the agent and TTS stages must run exactly once.
func TestPipelineFiresOnlyOnSpeech(t *testing.T) {
	ctx := context.Background()

	chunkNo := 0
	stt := &fakePool{ready: true, handler: func(interface{}) (json.RawMessage, error) {
		chunkNo++
		if chunkNo == 2 {
			return json.RawMessage(`{"text":"book a table","final":true}`), nil
		}
		return json.RawMessage(`{"text":""}`), nil
	}}
	agent := staticPool(`{"reply":"for how many people?"}`)
	tts := staticPool(`{"audio":"UklGRg=="}`)

	m, _ := testManager(t, &fakeTelephony{}, Pools{STT: stt, Agent: agent, TTS: tts})
	s, err := m.StartStream(ctx, "tenant-a", "", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []EventType
	s.SetSink(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	frame := []byte{0xFF, 0x7F, 0x00, 0x80}
	for i := 0; i < 3; i++ {
		require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, frame))
	}

	assert.Equal(t, 3, stt.callCount())
	assert.Equal(t, 1, agent.callCount())
	assert.Equal(t, 1, tts.callCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{
		EventSTTFinal, EventAgentThinking, EventAgentReply, EventTTSChunk, EventTTSComplete,
	}, seen)
}

func TestPartialTranscriptSkipsAgent(t *testing.T) {
	ctx := context.Background()
	stt := staticPool(`{"text":"book a","final":false}`)
	agent := staticPool(`{"reply":"x"}`)

	m, _ := testManager(t, &fakeTelephony{}, Pools{STT: stt, Agent: agent, TTS: staticPool(`{"audio":""}`)})
	s, err := m.StartStream(ctx, "tenant-a", "", nil)
	require.NoError(t, err)

	var seen []EventType
	s.SetSink(func(ev Event) { seen = append(seen, ev.Type) })

	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.Equal(t, []EventType{EventSTTPartial}, seen)
	assert.Equal(t, 0, agent.callCount())
}

// TestConfigDisablesTTS checks a session configured for text-only replies:
// the agent runs with the requested model and mode, synthesis never does.
func TestConfigDisablesTTS(t *testing.T) {
	ctx := context.Background()
	stt := staticPool(`{"text":"hello","final":true}`)
	agent := &fakePool{ready: true, handler: func(payload interface{}) (json.RawMessage, error) {
		task, ok := payload.(agentTask)
		require.True(t, ok)
		assert.Equal(t, "fast-v2", task.Model)
		assert.Equal(t, "concise", task.Mode)
		return json.RawMessage(`{"reply":"hi"}`), nil
	}}
	tts := staticPool(`{"audio":"AA=="}`)

	m, _ := testManager(t, &fakeTelephony{}, Pools{STT: stt, Agent: agent, TTS: tts})
	s, err := m.StartStream(ctx, "tenant-a", "", nil)
	require.NoError(t, err)
	s.Configure(PipelineConfig{DisableTTS: true, Model: "fast-v2", AgentMode: "concise"})

	var seen []EventType
	s.SetSink(func(ev Event) { seen = append(seen, ev.Type) })

	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.Equal(t, []EventType{EventSTTFinal, EventAgentThinking, EventAgentReply}, seen)
	assert.Equal(t, 1, agent.callCount())
	assert.Equal(t, 0, tts.callCount())

	require.NoError(t, m.ProcessText(ctx, s.ID, "and by text"))
	assert.Equal(t, 2, agent.callCount())
	assert.Equal(t, 0, tts.callCount())
}

// TestConfigDisablesAgent checks a transcripts-only session: final
// transcripts reach the client, nothing reaches the agent.
func TestConfigDisablesAgent(t *testing.T) {
	ctx := context.Background()
	stt := staticPool(`{"text":"hello","final":true}`)
	agent := staticPool(`{"reply":"hi"}`)
	tts := staticPool(`{"audio":"AA=="}`)

	m, _ := testManager(t, &fakeTelephony{}, Pools{STT: stt, Agent: agent, TTS: tts})
	s, err := m.StartStream(ctx, "tenant-a", "", nil)
	require.NoError(t, err)
	s.Configure(PipelineConfig{DisableAgent: true})

	var seen []EventType
	s.SetSink(func(ev Event) { seen = append(seen, ev.Type) })

	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.Equal(t, []EventType{EventSTTFinal}, seen)
	assert.Equal(t, 0, agent.callCount())
	assert.Equal(t, 0, tts.callCount())
}

func TestPipelineStageFailureDoesNotEndSession(t *testing.T) {
	ctx := context.Background()
	stt := staticPool(`{"text":"hello","final":true}`)
	agent := &fakePool{ready: true, handler: func(interface{}) (json.RawMessage, error) {
		return nil, errors.New("agent exploded")
	}}
	tts := staticPool(`{"audio":"UklGRg=="}`)

	m, _ := testManager(t, &fakeTelephony{}, Pools{STT: stt, Agent: agent, TTS: tts})
	s, err := m.StartStream(ctx, "tenant-a", "", nil)
	require.NoError(t, err)

	var sawError bool
	s.SetSink(func(ev Event) {
		if ev.Type == EventError {
			sawError = true
		}
	})

	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.True(t, sawError)
	assert.Equal(t, 0, tts.callCount(), "TTS must not run after agent failure")
	_, ok := m.Get(s.ID)
	assert.True(t, ok, "session survives a stage failure")
}

func TestPauseDropsChunks(t *testing.T) {
	ctx := context.Background()
	stt := staticPool(`{"text":"hello","final":true}`)
	m, _ := testManager(t, &fakeTelephony{}, Pools{STT: stt, Agent: staticPool(`{"reply":"x"}`), TTS: staticPool(`{"audio":""}`)})
	s, err := m.StartStream(ctx, "tenant-a", "", nil)
	require.NoError(t, err)

	m.Pause(s.ID)
	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.Equal(t, 0, stt.callCount())

	m.Resume(s.ID)
	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.Equal(t, 1, stt.callCount())
}

func TestCloneVoiceRouting(t *testing.T) {
	ctx := context.Background()
	stt := staticPool(`{"text":"hello","final":true}`)
	agent := staticPool(`{"reply":"hi"}`)
	tts := staticPool(`{"audio":"AA=="}`)
	clone := staticPool(`{"audio":"AA=="}`)

	m, _ := testManager(t, &fakeTelephony{}, Pools{STT: stt, Agent: agent, TTS: tts, Clone: clone})
	s, err := m.StartStream(ctx, "tenant-a", "voice-42", nil)
	require.NoError(t, err)

	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.Equal(t, 1, clone.callCount(), "cloned voice must route through the clone pool")
	assert.Equal(t, 0, tts.callCount())

	// With the clone pool down the session degrades to stock TTS.
	clone.ready = false
	require.NoError(t, m.ProcessAudioChunk(ctx, s.ID, []byte{0x01, 0x02}))
	assert.Equal(t, 1, tts.callCount())
}
