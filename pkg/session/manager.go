package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/core"
	"voicegate-server/pkg/events"
	"voicegate-server/pkg/media"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/sip"
	"voicegate-server/pkg/store"
)

// Telephony is the manager's view of the SIP engine.
type Telephony interface {
	InitiateCall(ctx context.Context, target string) (sip.DialogInfo, error)
	EndCall(callID string)
}

// Submitter dispatches one task to a worker pool and blocks for its result.
type Submitter interface {
	Submit(ctx context.Context, payload interface{}, priority int) (json.RawMessage, error)
	Ready() bool
}

// Pools groups the dispatch pools by stage. Clone is optional.
type Pools struct {
	STT   Submitter
	Agent Submitter
	TTS   Submitter
	Clone Submitter
}

// EventType tags pipeline events emitted toward the session's sink.
type EventType string

const (
	EventSTTPartial    EventType = "stt_partial"
	EventSTTFinal      EventType = "stt_final"
	EventAgentThinking EventType = "agent_thinking"
	EventAgentReply    EventType = "agent_reply"
	EventTTSChunk      EventType = "tts_chunk"
	EventTTSComplete   EventType = "tts_complete"
	EventError         EventType = "error"
	EventEnded         EventType = "ended"
)

// Event is one pipeline occurrence, delivered in processing order.
type Event struct {
	Type      EventType
	SessionID string
	Text      string
	Audio     []byte
	Err       error
}

// PipelineConfig is the connect-time stage configuration for one session.
// The zero value runs every stage with pool defaults.
type PipelineConfig struct {
	DisableAgent bool   // transcripts only; no agent and nothing to synthesize
	DisableTTS   bool   // agent replies stay text-only
	Model        string // agent model override, opaque to the server
	AgentMode    string // agent behavior profile, opaque to the server
}

// Session is one live conversation, telephony-backed or stream-only. Audio
// chunks for a session are processed strictly sequentially.
type Session struct {
	ID       string
	TenantID string
	Target   string
	VoiceID  string
	Metadata map[string]string // client-supplied, opaque to the pipeline

	mu           sync.Mutex
	status       store.CallStatus
	dialogID     string
	paused       bool
	lastActivity time.Time
	sink         func(Event)
	leg          *RTPLeg
	config       PipelineConfig
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.ID
	s.mu.Lock()
	sink := s.sink
	leg := s.leg
	s.mu.Unlock()
	if leg != nil && ev.Type == EventTTSChunk && len(ev.Audio) > 0 {
		// Pacing happens inside the leg; never stall the pipeline on it.
		go leg.SendAudio(ev.Audio)
	}
	if sink != nil {
		sink(ev)
	}
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() store.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Configure installs the connect-time stage configuration.
func (s *Session) Configure(cfg PipelineConfig) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
}

func (s *Session) pipelineConfig() PipelineConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetSink installs the pipeline event listener.
func (s *Session) SetSink(fn func(Event)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Manager owns the session table and drives the STT, agent and TTS stages
// for every audio chunk.
type Manager struct {
	logger    *logrus.Entry
	store     store.CallStore
	telephony Telephony
	pools     Pools
	converter media.Converter
	publisher *events.Publisher

	mediaPort int

	mu       sync.Mutex
	sessions map[string]*Session
}

// EnableMedia sets the local port RTP legs bind for telephony calls. Zero
// leaves media handling to external equipment.
func (m *Manager) EnableMedia(localPort int) { m.mediaPort = localPort }

func NewManager(st store.CallStore, tel Telephony, pools Pools, conv media.Converter, pub *events.Publisher, logger *logrus.Logger) *Manager {
	if conv == nil {
		conv = media.LocalConverter{}
	}
	return &Manager{
		logger:    logger.WithField("component", "session_manager"),
		store:     st,
		telephony: tel,
		pools:     pools,
		converter: conv,
		publisher: pub,
		sessions:  make(map[string]*Session),
	}
}

func (m *Manager) addSession(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// InitiateCall starts a telephony-backed session. It blocks until the call
// is answered or fails; the record moves queued -> in_progress or
// queued -> failed, with ringing reported in between via dialog state.
func (m *Manager) InitiateCall(ctx context.Context, tenantID, target, voiceID string, meta map[string]string) (*Session, error) {
	if m.telephony == nil {
		return nil, core.NewError(core.CodeCallFailed, "telephony is not configured")
	}
	s := &Session{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Target:       target,
		VoiceID:      voiceID,
		Metadata:     meta,
		status:       store.StatusQueued,
		lastActivity: time.Now(),
	}

	rec := &store.CallRecord{
		ID:        s.ID,
		TenantID:  tenantID,
		Target:    target,
		VoiceID:   voiceID,
		Metadata:  meta,
		Status:    store.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveCall(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting call record: %w", err)
	}
	m.addSession(s)

	info, err := m.telephony.InitiateCall(ctx, target)
	if err != nil {
		m.finishSession(ctx, s, store.StatusFailed, err)
		return nil, err
	}

	s.mu.Lock()
	s.dialogID = info.CallID
	s.mu.Unlock()
	m.updateStatus(ctx, s, store.StatusInProgress, "")
	m.attachMedia(s, info)
	return s, nil
}

// attachMedia binds the RTP leg for an answered dialog. A failed bind leaves
// the call up without local media; external equipment may still carry it.
func (m *Manager) attachMedia(s *Session, info sip.DialogInfo) {
	if m.mediaPort <= 0 || info.RemoteMediaAddr == "" {
		return
	}
	leg, err := NewRTPLeg(m.mediaPort, info.RemoteMediaAddr, info.PayloadType, s.ID, m, m.logger.Logger)
	if err != nil {
		m.logger.WithError(err).WithField("session_id", s.ID).Warn("Failed to attach media leg")
		return
	}
	leg.Start(context.Background())
	s.mu.Lock()
	s.leg = leg
	s.mu.Unlock()
}

// StartStream starts a gateway-only session with no telephony leg.
func (m *Manager) StartStream(ctx context.Context, tenantID, voiceID string, meta map[string]string) (*Session, error) {
	s := &Session{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		VoiceID:      voiceID,
		Metadata:     meta,
		status:       store.StatusInProgress,
		lastActivity: time.Now(),
	}
	rec := &store.CallRecord{
		ID:        s.ID,
		TenantID:  tenantID,
		VoiceID:   voiceID,
		Metadata:  meta,
		Status:    store.StatusInProgress,
		CreatedAt: time.Now(),
		StartedAt: time.Now(),
	}
	if err := m.store.SaveCall(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting call record: %w", err)
	}
	m.addSession(s)
	return s, nil
}

// HandleDialogState is wired to the SIP engine and mirrors dialog progress
// into session status.
func (m *Manager) HandleDialogState(info sip.DialogInfo) {
	m.mu.Lock()
	var target *Session
	for _, s := range m.sessions {
		s.mu.Lock()
		match := s.dialogID == info.CallID
		s.mu.Unlock()
		if match {
			target = s
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	switch info.State {
	case sip.DialogRinging:
		m.updateStatus(ctx, target, store.StatusRinging, "")
	case sip.DialogTerminated:
		m.finishSession(ctx, target, store.StatusCompleted, nil)
	}
}

// updateStatus advances the session status monotonically. Regressions are
// dropped, not errors: dialog callbacks may race the answer path.
func (m *Manager) updateStatus(ctx context.Context, s *Session, next store.CallStatus, errMsg string) {
	s.mu.Lock()
	if !s.status.CanAdvance(next) {
		s.mu.Unlock()
		return
	}
	s.status = next
	s.mu.Unlock()

	rec, err := m.store.GetCall(ctx, s.ID)
	if err != nil {
		m.logger.WithError(err).WithField("session_id", s.ID).Warn("Failed to load call record for status update")
		return
	}
	rec.Status = next
	rec.Error = errMsg
	if next == store.StatusInProgress && rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if next.Terminal() {
		rec.EndedAt = time.Now()
	}
	if err := m.store.SaveCall(ctx, rec); err != nil {
		m.logger.WithError(err).WithField("session_id", s.ID).Warn("Failed to persist status update")
	}

	m.publisher.Publish("call."+string(next), events.CallEvent{
		CallID:    s.ID,
		TenantID:  s.TenantID,
		Status:    string(next),
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// ProcessAudioChunk runs one inbound audio frame through the pipeline:
// convert, transcribe, think, speak. A chunk that produces no transcript
// stops there. Stage failures end the chunk, never the session.
func (m *Manager) ProcessAudioChunk(ctx context.Context, sessionID string, frame []byte) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return core.NewError(core.CodeCallFailed, "unknown session %s", sessionID)
	}

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.touch()

	start := time.Now()
	pcm, err := m.converter.TelephonyToML(ctx, frame)
	if err != nil {
		// Conversion must never drop the call; feed the raw frame through.
		m.logger.WithError(err).WithField("session_id", s.ID).Warn("Audio conversion failed, passing frame through")
		pcm = frame
	}

	text, final, err := m.transcribe(ctx, s, pcm)
	if err != nil {
		m.stageFailed(s, "stt", err)
		return nil
	}
	if text == "" {
		return nil
	}
	if !final {
		// Partial transcripts stream to the client; only finals reach the agent.
		s.emit(Event{Type: EventSTTPartial, Text: text})
		return nil
	}
	s.emit(Event{Type: EventSTTFinal, Text: text})

	cfg := s.pipelineConfig()
	if cfg.DisableAgent {
		metrics.ObserveStage("pipeline", time.Since(start))
		return nil
	}
	reply, err := m.think(ctx, s, text)
	if err != nil {
		m.stageFailed(s, "agent", err)
		return nil
	}
	s.emit(Event{Type: EventAgentReply, Text: reply})

	if cfg.DisableTTS {
		metrics.ObserveStage("pipeline", time.Since(start))
		return nil
	}
	audio, err := m.speak(ctx, s, reply)
	if err != nil {
		m.stageFailed(s, "tts", err)
		return nil
	}
	s.emit(Event{Type: EventTTSChunk, Audio: audio})
	s.emit(Event{Type: EventTTSComplete})

	metrics.ObserveStage("pipeline", time.Since(start))
	return nil
}

// ProcessText runs a typed utterance through the agent and TTS stages,
// bypassing STT. Used by gateway clients that send text instead of audio.
func (m *Manager) ProcessText(ctx context.Context, sessionID, text string) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return core.NewError(core.CodeCallFailed, "unknown session %s", sessionID)
	}
	s.touch()

	cfg := s.pipelineConfig()
	if cfg.DisableAgent {
		return nil
	}
	reply, err := m.think(ctx, s, text)
	if err != nil {
		m.stageFailed(s, "agent", err)
		return nil
	}
	s.emit(Event{Type: EventAgentReply, Text: reply})

	if cfg.DisableTTS {
		return nil
	}
	audio, err := m.speak(ctx, s, reply)
	if err != nil {
		m.stageFailed(s, "tts", err)
		return nil
	}
	s.emit(Event{Type: EventTTSChunk, Audio: audio})
	s.emit(Event{Type: EventTTSComplete})
	return nil
}

func (m *Manager) stageFailed(s *Session, stage string, err error) {
	m.logger.WithError(err).WithFields(logrus.Fields{
		"session_id": s.ID,
		"stage":      stage,
	}).Warn("Pipeline stage failed")
	s.emit(Event{Type: EventError, Err: err})
}

type sttTask struct {
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sample_rate"`
}

type sttResult struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func (m *Manager) transcribe(ctx context.Context, s *Session, pcm []byte) (string, bool, error) {
	raw, err := m.pools.STT.Submit(ctx, sttTask{Audio: pcm, SampleRate: media.MLRate}, 1)
	if err != nil {
		return "", false, err
	}
	var res sttResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", false, fmt.Errorf("decoding STT result: %w", err)
	}
	return res.Text, res.Final, nil
}

type agentTask struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Model     string `json:"model,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type agentResult struct {
	Reply string `json:"reply"`
}

func (m *Manager) think(ctx context.Context, s *Session, text string) (string, error) {
	s.emit(Event{Type: EventAgentThinking})
	cfg := s.pipelineConfig()
	raw, err := m.pools.Agent.Submit(ctx, agentTask{
		SessionID: s.ID,
		Text:      text,
		Model:     cfg.Model,
		Mode:      cfg.AgentMode,
	}, 1)
	if err != nil {
		return "", err
	}
	var res agentResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decoding agent result: %w", err)
	}
	return res.Reply, nil
}

type ttsTask struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

type ttsResult struct {
	Audio []byte `json:"audio"`
}

// speak synthesizes a reply. Sessions with a cloned voice route through the
// clone pool when it is alive, otherwise through stock TTS.
func (m *Manager) speak(ctx context.Context, s *Session, text string) ([]byte, error) {
	pool := m.pools.TTS
	if s.VoiceID != "" && m.pools.Clone != nil && m.pools.Clone.Ready() {
		pool = m.pools.Clone
	}
	raw, err := pool.Submit(ctx, ttsTask{Text: text, VoiceID: s.VoiceID}, 1)
	if err != nil {
		return nil, err
	}
	var res ttsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding TTS result: %w", err)
	}
	return res.Audio, nil
}

// Pause stops audio processing for the session; chunks are dropped until
// Resume.
func (m *Manager) Pause(sessionID string) {
	if s, ok := m.Get(sessionID); ok {
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
	}
}

func (m *Manager) Resume(sessionID string) {
	if s, ok := m.Get(sessionID); ok {
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
	}
}

// EndSession tears the session down: hang up the telephony leg if present,
// finalize the record, drop the session. Idempotent.
func (m *Manager) EndSession(ctx context.Context, sessionID string) {
	s, ok := m.Get(sessionID)
	if !ok {
		return
	}
	m.finishSession(ctx, s, store.StatusCompleted, nil)
}

func (m *Manager) finishSession(ctx context.Context, s *Session, status store.CallStatus, cause error) {
	s.mu.Lock()
	dialogID := s.dialogID
	s.dialogID = ""
	leg := s.leg
	s.leg = nil
	s.mu.Unlock()
	if dialogID != "" && m.telephony != nil {
		m.telephony.EndCall(dialogID)
	}
	if leg != nil {
		leg.Close()
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	m.updateStatus(ctx, s, status, errMsg)
	s.emit(Event{Type: EventEnded, Err: cause})

	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; ok {
		delete(m.sessions, s.ID)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
}

// Sweep ends sessions with no activity for longer than maxIdle. Run
// periodically; live calls touch their session on every chunk.
func (m *Manager) Sweep(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.lastActivity.Before(cutoff) {
			stale = append(stale, s)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.WithField("session_id", s.ID).Info("Sweeping idle session")
		m.finishSession(ctx, s, store.StatusCompleted, nil)
	}
	return len(stale)
}

// Shutdown ends every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.finishSession(ctx, s, store.StatusCompleted, nil)
	}
}
