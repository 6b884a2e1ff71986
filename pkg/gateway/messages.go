package gateway

// Client message types.
const (
	ClientInit            = "init"
	ClientAudioChunk      = "audio_chunk"
	ClientTextInput       = "text_input"
	ClientPause           = "pause"
	ClientResume          = "resume"
	ClientEnd             = "end"
	ClientQualityFeedback = "quality_feedback"
)

// Server message types.
const (
	ServerReady         = "ready"
	ServerSTTPartial    = "stt_partial"
	ServerSTTFinal      = "stt_final"
	ServerAgentThinking = "agent_thinking"
	ServerAgentReply    = "agent_reply"
	ServerTTSChunk      = "tts_chunk"
	ServerTTSComplete   = "tts_complete"
	ServerMetrics       = "metrics"
	ServerError         = "error"
	ServerEnded         = "ended"
)

// ClientMessage is one inbound websocket frame. The first frame on every
// connection must be an init carrying the client's token; everything else is
// rejected until the session is established.
type ClientMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"` // client correlation id, echoed on direct replies
	Token string `json:"token,omitempty"`

	// init
	Target   string            `json:"target,omitempty"` // SIP target; empty means stream-only
	VoiceID  string            `json:"voice_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// init stage configuration. Absent flags leave a stage enabled.
	AgentEnabled *bool  `json:"agent_enabled,omitempty"`
	TTSEnabled   *bool  `json:"tts_enabled,omitempty"`
	Model        string `json:"model,omitempty"`
	AgentMode    string `json:"agent_mode,omitempty"`

	// audio_chunk / text_input
	Audio []byte `json:"audio,omitempty"` // base64 over the wire
	Text  string `json:"text,omitempty"`

	// quality_feedback
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score,omitempty"`
	Comment  string  `json:"comment,omitempty"`
}

// ServerMessage is one outbound websocket frame.
type ServerMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Audio     []byte      `json:"audio,omitempty"`
	Code      string      `json:"code,omitempty"`
	Error     string      `json:"error,omitempty"`
	Metrics   interface{} `json:"metrics,omitempty"`
}
