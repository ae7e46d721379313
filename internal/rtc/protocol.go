package rtc

import "github.com/talaria-ai/talaria/internal/turn"

// Client message types accepted on the stream socket. Audio may arrive either
// as binary frames or as base64 payloads in "audio_base64" messages; both
// carry raw 16-bit little-endian PCM at the negotiated sample rate.
const (
	ClientStartSession = "start_session"
	ClientEndSession   = "end_session"
	ClientConfig       = "config"
	ClientAudioBase64  = "audio_base64"

	// ClientAudio is an accepted alias for audio_base64.
	ClientAudio = "audio"
)

// Server message types emitted on the stream socket. Synthesised audio is
// sent as binary frames.
const (
	ServerSessionStarted = "session_started"
	ServerStateChange    = "state_change"
	ServerTranscript     = "transcript"
	ServerResponse       = "response"
	ServerError          = "error"
)

// State is the session's position in the listen/think/speak cycle.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// SessionTuning is the optional audio tuning block of a start_session
// message. Nil fields keep the server defaults.
type SessionTuning struct {
	VADThreshold       *float64 `json:"vad_threshold,omitempty"`
	SilenceTimeoutMs   *int     `json:"silence_timeout_ms,omitempty"`
	MaxAudioDurationMs *int     `json:"max_audio_duration_ms,omitempty"`
}

// SessionSettings echoes the effective session parameters back to the client
// on session_started.
type SessionSettings struct {
	SampleRateHz       int     `json:"sample_rate_hz"`
	Channels           int     `json:"channels"`
	Language           string  `json:"language,omitempty"`
	VADThreshold       float64 `json:"vad_threshold"`
	SilenceTimeoutMs   int     `json:"silence_timeout_ms"`
	MaxAudioDurationMs int     `json:"max_audio_duration_ms"`
}

// ClientMessage is the JSON envelope for all text frames from the client.
// Fields are populated per message type.
type ClientMessage struct {
	Type string `json:"type"`

	// ConversationID ties the session to a conversation (start_session).
	// Empty starts a fresh conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// Language overrides the configured recognition language (start_session,
	// config).
	Language string `json:"language,omitempty"`

	// VoiceID and SpeedFactor select the synthesis voice (start_session,
	// config).
	VoiceID     string  `json:"voice_id,omitempty"`
	SpeedFactor float64 `json:"speed_factor,omitempty"`

	// Config carries per-session audio tuning (start_session).
	Config *SessionTuning `json:"config,omitempty"`

	// VADThreshold, SilenceTimeoutMs, and MaxAudioDurationMs retune voice
	// detection mid-session (config). Nil keeps the current value.
	VADThreshold       *float64 `json:"vad_threshold,omitempty"`
	SilenceTimeoutMs   *int     `json:"silence_timeout_ms,omitempty"`
	MaxAudioDurationMs *int     `json:"max_audio_duration_ms,omitempty"`

	// Data is base64-encoded PCM (audio_base64 messages).
	Data string `json:"data,omitempty"`

	// Audio is the legacy base64 PCM field, still accepted.
	Audio string `json:"audio,omitempty"`
}

// ServerMessage is the JSON envelope for all text frames to the client.
type ServerMessage struct {
	Type string `json:"type"`

	// SessionID identifies the session (session_started).
	SessionID string `json:"session_id,omitempty"`

	// ConversationID reports the conversation the session is bound to
	// (session_started).
	ConversationID string `json:"conversation_id,omitempty"`

	// Config echoes the effective session parameters (session_started).
	Config *SessionSettings `json:"config,omitempty"`

	// State carries the new state on state_change messages.
	State State `json:"state,omitempty"`

	// Text carries the transcript or response text.
	Text string `json:"text,omitempty"`

	// Confidence is the STT confidence on transcript messages.
	Confidence float64 `json:"confidence,omitempty"`

	// Timing reports per-stage latency on response messages.
	Timing *turn.Timing `json:"timing,omitempty"`

	// Code and Message describe failures on error messages.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
