package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/talaria-ai/talaria/internal/admission"
	"github.com/talaria-ai/talaria/pkg/provider/vad"
	"github.com/talaria-ai/talaria/pkg/types"
)

// HandlerConfig wires the stream endpoint.
type HandlerConfig struct {
	// Manager tracks live sessions. Required.
	Manager *Manager

	// VAD is the engine used to create per-session detectors. Required.
	VAD vad.Engine

	// Deps are the processing stages handed to every session. Required.
	Deps SessionDeps

	// Admitter authenticates the connection. Nil disables admission.
	Admitter *admission.Admitter

	// Defaults applied when the client's start_session omits them.
	SampleRateHz     int
	Channels         int
	Language         string
	Voice            types.VoiceProfile
	VADThreshold     float64
	SilenceTimeoutMs int
	MaxAudioMs       int

	// Keywords supplies current STT vocabulary hints per session start.
	// Nil means no hints.
	Keywords func() []types.KeywordBoost

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler upgrades HTTP requests to voice stream sockets and runs the
// session protocol over them.
type Handler struct {
	cfg HandlerConfig
	log *slog.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Manager == nil || cfg.VAD == nil {
		return nil, errors.New("rtc: handler config: Manager and VAD are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, log: log}, nil
}

// ServeHTTP authenticates the request, upgrades it, and drives the session
// protocol until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cfg.Admitter != nil {
		if _, err := h.cfg.Admitter.Admit(ctx, bearerSecret(r)); err != nil {
			var rle *admission.RateLimitError
			switch {
			case errors.As(err, &rle):
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			case errors.Is(err, admission.ErrUnauthorized):
				http.Error(w, "unauthorized", http.StatusUnauthorized)
			default:
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session terminated")

	// Binary audio frames can be large; allow a full utterance per read.
	conn.SetReadLimit(1 << 20)

	c := &clientConn{conn: conn}
	session := h.runProtocol(ctx, c)
	if session != nil {
		h.cfg.Manager.Remove(context.Background(), session.ID)
	}
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// clientConn serialises writes; coder/websocket permits one concurrent
// writer per message type.
type clientConn struct {
	conn *websocket.Conn

	mu sync.Mutex
}

func (c *clientConn) writeJSON(ctx context.Context, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *clientConn) writeBinary(ctx context.Context, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Write(ctx, websocket.MessageBinary, data)
}

// runProtocol reads client frames until the connection drops or the client
// ends the session. Returns the session, if one was started, for cleanup.
func (h *Handler) runProtocol(ctx context.Context, c *clientConn) *Session {
	var session *Session

	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return session
		}

		switch msgType {
		case websocket.MessageBinary:
			if session == nil {
				c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: "no_session", Message: "send start_session first"})
				continue
			}
			if err := session.Feed(ctx, data); err != nil {
				h.log.Warn("audio feed failed", "session_id", session.ID, "error", err)
			}

		case websocket.MessageText:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: "bad_message", Message: "malformed message"})
				continue
			}

			switch msg.Type {
			case ClientStartSession:
				if session != nil {
					c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: "session_exists", Message: "session already started"})
					continue
				}
				s, err := h.startSession(ctx, c, msg)
				if err != nil {
					code := "session_failed"
					if errors.Is(err, ErrSessionLimit) {
						code = "session_limit"
					}
					c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: code, Message: err.Error()})
					continue
				}
				session = s
				settings := s.Settings()
				c.writeJSON(ctx, ServerMessage{
					Type:           ServerSessionStarted,
					SessionID:      s.ID,
					ConversationID: s.ConversationID(),
					Config:         &settings,
				})

			case ClientAudioBase64, ClientAudio:
				if session == nil {
					c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: "no_session", Message: "send start_session first"})
					continue
				}
				payload := msg.Data
				if payload == "" {
					payload = msg.Audio
				}
				pcm, err := base64.StdEncoding.DecodeString(payload)
				if err != nil {
					c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: "bad_audio", Message: "audio is not valid base64"})
					continue
				}
				if err := session.Feed(ctx, pcm); err != nil {
					h.log.Warn("audio feed failed", "session_id", session.ID, "error", err)
				}

			case ClientConfig:
				if session == nil {
					continue
				}
				tuning := Tuning{
					VoiceID:     msg.VoiceID,
					SpeedFactor: msg.SpeedFactor,
					Language:    msg.Language,
				}
				if msg.VADThreshold != nil {
					tuning.VADThreshold = *msg.VADThreshold
				}
				if msg.SilenceTimeoutMs != nil {
					tuning.SilenceTimeout = msDuration(*msg.SilenceTimeoutMs)
				}
				if msg.MaxAudioDurationMs != nil {
					tuning.MaxAudioDuration = msDuration(*msg.MaxAudioDurationMs)
				}
				if err := session.Reconfigure(tuning); err != nil {
					h.log.Warn("session reconfigure failed", "session_id", session.ID, "error", err)
					c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: "config_failed", Message: "could not apply session config"})
				}

			case ClientEndSession:
				return session

			default:
				c.writeJSON(ctx, ServerMessage{Type: ServerError, Code: "bad_message", Message: "unknown message type"})
			}
		}
	}
}

func (h *Handler) startSession(ctx context.Context, c *clientConn, msg ClientMessage) (*Session, error) {
	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = NewSessionID()
	}
	language := msg.Language
	if language == "" {
		language = h.cfg.Language
	}
	voice := h.cfg.Voice
	if msg.VoiceID != "" {
		voice.ID = msg.VoiceID
	}
	if msg.SpeedFactor > 0 {
		voice.SpeedFactor = msg.SpeedFactor
	}
	var keywords []types.KeywordBoost
	if h.cfg.Keywords != nil {
		keywords = h.cfg.Keywords()
	}

	cfg := SessionConfig{
		ConversationID:   conversationID,
		SampleRateHz:     h.cfg.SampleRateHz,
		Channels:         h.cfg.Channels,
		Language:         language,
		Keywords:         keywords,
		Voice:            voice,
		VADThreshold:     h.cfg.VADThreshold,
		SilenceTimeout:   msDuration(h.cfg.SilenceTimeoutMs),
		MaxAudioDuration: msDuration(h.cfg.MaxAudioMs),
	}
	if t := msg.Config; t != nil {
		if t.VADThreshold != nil {
			cfg.VADThreshold = *t.VADThreshold
		}
		if t.SilenceTimeoutMs != nil {
			cfg.SilenceTimeout = msDuration(*t.SilenceTimeoutMs)
		}
		if t.MaxAudioDurationMs != nil {
			cfg.MaxAudioDuration = msDuration(*t.MaxAudioDurationMs)
		}
	}

	emit := func(m ServerMessage) { c.writeJSON(ctx, m) }
	emitAudio := func(b []byte) { c.writeBinary(ctx, b) }

	s, err := NewSession(cfg, h.cfg.Deps, h.cfg.VAD, emit, emitAudio)
	if err != nil {
		return nil, err
	}
	if err := h.cfg.Manager.Register(ctx, s); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// bearerSecret extracts the API key from the Authorization header or the
// api_key query parameter (browsers cannot set headers on websocket dials).
func bearerSecret(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
