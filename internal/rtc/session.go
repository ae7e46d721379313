package rtc

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/talaria-ai/talaria/internal/observe"
	"github.com/talaria-ai/talaria/internal/transcript"
	"github.com/talaria-ai/talaria/internal/turn"
	"github.com/talaria-ai/talaria/pkg/provider/stt"
	"github.com/talaria-ai/talaria/pkg/provider/tts"
	"github.com/talaria-ai/talaria/pkg/provider/vad"
	"github.com/talaria-ai/talaria/pkg/types"
)

// vadFrameMs is the VAD analysis frame length. Incoming audio of any framing
// is rechunked to this size.
const vadFrameMs = 20

// ErrSessionClosed is returned by Feed after Close.
var ErrSessionClosed = errors.New("rtc: session closed")

// sessionIDEncoding renders session IDs in lowercase base32 without padding.
var sessionIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewSessionID returns an unguessable stream session identifier of the form
// "rtc_" followed by 32 base32 characters (160 bits of entropy).
func NewSessionID() string {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failure is unrecoverable.
		panic("rtc: session id entropy: " + err.Error())
	}
	return "rtc_" + strings.ToLower(sessionIDEncoding.EncodeToString(raw))
}

// TurnRunner executes one conversation turn. *turn.Orchestrator satisfies it.
type TurnRunner interface {
	Do(ctx context.Context, req turn.Request) (*turn.Response, error)
}

// SessionConfig carries the per-session audio and synthesis parameters.
type SessionConfig struct {
	// ConversationID binds the session to a conversation.
	ConversationID string

	// SampleRateHz and Channels describe the inbound PCM format.
	SampleRateHz int
	Channels     int

	// Language is the recognition language tag.
	Language string

	// Keywords are vocabulary hints passed to the STT provider.
	Keywords []types.KeywordBoost

	// Voice selects the synthesis voice.
	Voice types.VoiceProfile

	// VADThreshold is the speech probability threshold.
	VADThreshold float64

	// SilenceTimeout is how long a pause must last to end an utterance.
	SilenceTimeout time.Duration

	// MaxAudioDuration caps a single utterance; longer speech is cut and
	// processed at the cap.
	MaxAudioDuration time.Duration
}

// SessionDeps are the processing stages shared by all sessions.
type SessionDeps struct {
	STT   stt.Provider
	TTS   tts.Provider
	Turns TurnRunner

	// Corrector re-aligns transcripts with the knowledge-base vocabulary.
	// Optional.
	Corrector *transcript.Corrector

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session is one live voice stream: a VAD frame loop that segments inbound
// PCM into utterances, each of which runs transcription, a conversation turn,
// and streaming synthesis.
//
// Feed must be called from a single goroutine (the socket read loop);
// everything else is safe for concurrent use.
type Session struct {
	ID  string
	cfg SessionConfig

	deps      SessionDeps
	engine    vad.Engine
	vad       vad.SessionHandle
	emit      func(ServerMessage)
	emitAudio func([]byte)
	log       *slog.Logger

	bytesPerMs   int
	frameBytes   int
	maxUtterance int

	mu           sync.Mutex
	state        State
	pending      []byte
	utterance    []byte
	inSpeech     bool
	processing   sync.WaitGroup
	lastActivity time.Time
	closed       bool

	now func() time.Time
}

// NewSession creates a session with a fresh VAD state. emit and emitAudio
// deliver protocol messages and synthesised audio to the client; both must be
// safe for concurrent use.
func NewSession(cfg SessionConfig, deps SessionDeps, engine vad.Engine, emit func(ServerMessage), emitAudio func([]byte)) (*Session, error) {
	if deps.STT == nil || deps.TTS == nil || deps.Turns == nil {
		return nil, errors.New("rtc: session deps: STT, TTS, and Turns are required")
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 700 * time.Millisecond
	}
	if cfg.MaxAudioDuration <= 0 {
		cfg.MaxAudioDuration = 30 * time.Second
	}
	if cfg.VADThreshold <= 0 {
		cfg.VADThreshold = 0.3
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	vadSession, err := engine.NewSession(vadConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("rtc: vad session: %w", err)
	}

	bytesPerMs := cfg.SampleRateHz / 1000 * 2 * cfg.Channels
	s := &Session{
		ID:           NewSessionID(),
		cfg:          cfg,
		deps:         deps,
		engine:       engine,
		vad:          vadSession,
		emit:         emit,
		emitAudio:    emitAudio,
		log:          log.With("session_id", ""),
		bytesPerMs:   bytesPerMs,
		frameBytes:   bytesPerMs * vadFrameMs,
		maxUtterance: bytesPerMs * int(cfg.MaxAudioDuration.Milliseconds()),
		state:        StateIdle,
		now:          time.Now,
	}
	s.log = log.With("session_id", s.ID)
	s.lastActivity = s.now()
	return s, nil
}

// vadConfig derives the detector configuration from the session parameters.
func vadConfig(cfg SessionConfig) vad.Config {
	return vad.Config{
		SampleRate:       cfg.SampleRateHz,
		FrameSizeMs:      vadFrameMs,
		SpeechThreshold:  cfg.VADThreshold,
		SilenceThreshold: cfg.VADThreshold * 0.7,
		MinSpeechFrames:  2,
		HangoverFrames:   int(cfg.SilenceTimeout.Milliseconds()) / vadFrameMs,
	}
}

// ConversationID returns the conversation this session feeds.
func (s *Session) ConversationID() string { return s.cfg.ConversationID }

// Settings reports the session's effective audio parameters, for the
// session_started echo.
func (s *Session) Settings() SessionSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSettings{
		SampleRateHz:       s.cfg.SampleRateHz,
		Channels:           s.cfg.Channels,
		Language:           s.cfg.Language,
		VADThreshold:       s.cfg.VADThreshold,
		SilenceTimeoutMs:   int(s.cfg.SilenceTimeout.Milliseconds()),
		MaxAudioDurationMs: int(s.cfg.MaxAudioDuration.Milliseconds()),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity reports when the session last received audio, for idle
// reaping.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Tuning carries mid-session configuration changes. Zero values keep the
// current setting.
type Tuning struct {
	VoiceID          string
	SpeedFactor      float64
	Language         string
	VADThreshold     float64
	SilenceTimeout   time.Duration
	MaxAudioDuration time.Duration
}

// Reconfigure applies t to the running session. Voice, speed, and language
// take effect on the next utterance. Changing the VAD threshold or silence
// timeout rebuilds the detector, discarding any partially buffered speech.
func (s *Session) Reconfigure(t Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if t.VoiceID != "" {
		s.cfg.Voice.ID = t.VoiceID
	}
	if t.SpeedFactor > 0 {
		s.cfg.Voice.SpeedFactor = t.SpeedFactor
	}
	if t.Language != "" {
		s.cfg.Language = t.Language
	}
	if t.MaxAudioDuration > 0 {
		s.cfg.MaxAudioDuration = t.MaxAudioDuration
		s.maxUtterance = s.bytesPerMs * int(t.MaxAudioDuration.Milliseconds())
	}

	retune := false
	if t.VADThreshold > 0 && t.VADThreshold != s.cfg.VADThreshold {
		s.cfg.VADThreshold = t.VADThreshold
		retune = true
	}
	if t.SilenceTimeout > 0 && t.SilenceTimeout != s.cfg.SilenceTimeout {
		s.cfg.SilenceTimeout = t.SilenceTimeout
		retune = true
	}
	if !retune {
		return nil
	}

	fresh, err := s.engine.NewSession(vadConfig(s.cfg))
	if err != nil {
		return fmt.Errorf("rtc: vad retune: %w", err)
	}
	old := s.vad
	s.vad = fresh
	s.pending = s.pending[:0]
	s.utterance = s.utterance[:0]
	s.inSpeech = false
	old.Close()
	return nil
}

// Feed pushes raw PCM into the session. Audio is rechunked into VAD frames;
// a completed utterance is processed asynchronously so the socket read loop
// is never blocked behind a model call.
//
// Audio that arrives while a turn is in flight (processing or speaking) is
// discarded and reported to the client, never queued as a second utterance.
func (s *Session) Feed(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateProcessing || s.state == StateSpeaking {
		st := s.state
		s.mu.Unlock()
		s.emit(ServerMessage{
			Type:    ServerError,
			Code:    "state_violation",
			Message: "audio ignored while " + string(st),
		})
		return nil
	}
	s.lastActivity = s.now()
	s.pending = append(s.pending, pcm...)

	var finished []byte
frames:
	for len(s.pending) >= s.frameBytes {
		frame := s.pending[:s.frameBytes]
		s.pending = s.pending[s.frameBytes:]

		event, err := s.vad.ProcessFrame(frame)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("rtc: vad: %w", err)
		}

		switch event.Type {
		case types.VADSpeechStart:
			s.inSpeech = true
			s.utterance = append(s.utterance[:0], frame...)
			s.setStateLocked(StateListening)
		case types.VADSpeechContinue:
			if s.inSpeech {
				s.utterance = append(s.utterance, frame...)
				if len(s.utterance) >= s.maxUtterance {
					finished = s.finishUtteranceLocked()
					break frames
				}
			}
		case types.VADSpeechEnd:
			if s.inSpeech {
				s.utterance = append(s.utterance, frame...)
				finished = s.finishUtteranceLocked()
				break frames
			}
		}
	}
	s.mu.Unlock()

	if finished != nil {
		s.processing.Add(1)
		go func(audio []byte) {
			defer s.processing.Done()
			s.processUtterance(ctx, audio)
		}(finished)
	}
	return nil
}

// finishUtteranceLocked detaches the accumulated utterance, transitions to
// processing, and drops any remaining buffered audio: once a turn is in
// flight, trailing packet audio follows the same ignore rule as new frames.
// Caller holds s.mu.
func (s *Session) finishUtteranceLocked() []byte {
	u := s.takeUtteranceLocked()
	s.pending = s.pending[:0]
	s.setStateLocked(StateProcessing)
	return u
}

// takeUtteranceLocked detaches the accumulated utterance and resets VAD
// state for the next segment. Caller holds s.mu.
func (s *Session) takeUtteranceLocked() []byte {
	u := make([]byte, len(s.utterance))
	copy(u, s.utterance)
	s.utterance = s.utterance[:0]
	s.inSpeech = false
	s.vad.Reset()
	return u
}

// processUtterance runs one utterance through transcription, the turn
// orchestrator, and streaming synthesis.
func (s *Session) processUtterance(ctx context.Context, audio []byte) {
	s.setState(StateProcessing)
	defer s.setState(StateListening)

	sttStart := s.now()
	tr, err := s.deps.STT.Transcribe(ctx, audio, stt.AudioConfig{
		SampleRate: s.cfg.SampleRateHz,
		Channels:   s.cfg.Channels,
		Language:   s.cfg.Language,
		Keywords:   s.cfg.Keywords,
	})
	s.recordDuration(ctx, "stt", s.now().Sub(sttStart))
	if err != nil {
		if !errors.Is(err, stt.ErrEmptyAudio) {
			s.log.Warn("transcription failed", "error", err)
			s.emit(ServerMessage{Type: ServerError, Code: "stt_failed", Message: "could not transcribe audio"})
		}
		return
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return
	}
	if s.deps.Corrector != nil {
		res := s.deps.Corrector.Correct(types.Transcript{Text: text, Words: tr.Words})
		text = res.Text
	}
	s.emit(ServerMessage{Type: ServerTranscript, Text: text, Confidence: tr.Confidence})

	resp, err := s.deps.Turns.Do(ctx, turn.Request{
		ConversationID: s.cfg.ConversationID,
		Message:        text,
		Mode:           "voice",
	})
	if err != nil {
		s.log.Warn("voice turn failed", "error", err)
		s.emit(ServerMessage{Type: ServerError, Code: "turn_failed", Message: "could not generate a response"})
		return
	}
	s.emit(ServerMessage{Type: ServerResponse, Text: resp.Reply, Timing: &resp.Timing})

	s.speak(ctx, resp.Reply)
}

// speak streams the reply through TTS sentence by sentence and forwards the
// synthesised PCM to the client.
func (s *Session) speak(ctx context.Context, reply string) {
	sentences := splitSentences(reply)
	if len(sentences) == 0 {
		return
	}
	s.setState(StateSpeaking)

	textCh := make(chan string, len(sentences))
	for _, sentence := range sentences {
		textCh <- sentence
	}
	close(textCh)

	s.mu.Lock()
	voice := s.cfg.Voice
	s.mu.Unlock()

	ttsStart := s.now()
	audioCh, err := s.deps.TTS.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		s.log.Warn("synthesis failed", "error", err)
		s.emit(ServerMessage{Type: ServerError, Code: "tts_failed", Message: "could not synthesize audio"})
		return
	}
	for chunk := range audioCh {
		s.emitAudio(chunk)
	}
	s.recordDuration(ctx, "tts", s.now().Sub(ttsStart))
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

// setStateLocked transitions the session state and notifies the client.
// Caller holds s.mu.
func (s *Session) setStateLocked(st State) {
	if s.state == st || s.closed {
		return
	}
	s.state = st
	s.emit(ServerMessage{Type: ServerStateChange, State: st})
}

func (s *Session) recordDuration(ctx context.Context, stage string, d time.Duration) {
	if s.deps.Metrics == nil {
		return
	}
	switch stage {
	case "stt":
		s.deps.Metrics.STTDuration.Record(ctx, d.Seconds())
	case "tts":
		s.deps.Metrics.TTSDuration.Record(ctx, d.Seconds())
	}
}

// Close stops the session, waits for any in-flight utterance to finish, and
// releases the VAD state. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.processing.Wait()
	return s.vad.Close()
}
