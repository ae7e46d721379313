package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/talaria-ai/talaria/internal/admission"
	"github.com/talaria-ai/talaria/internal/llmclient"
	"github.com/talaria-ai/talaria/internal/store"
	"github.com/talaria-ai/talaria/internal/turn"
)

const (
	// maxMessageChars bounds a single user message.
	maxMessageChars = 5000

	// maxContextBytes bounds the optional caller-supplied context blob.
	maxContextBytes = 10 * 1024

	// maxBodyBytes bounds the request body as a whole.
	maxBodyBytes = 64 * 1024
)

// conversationIDPattern restricts IDs to a URL- and log-safe alphabet.
var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// conversationRequest is the POST /conversation request body.
type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Context        string `json:"context,omitempty"`
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error             string `json:"error"`
	Detail            string `json:"detail,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// handleConversation runs one request/response turn. Validation failures are
// 400s; admission failures map to 401/429; a blocked reply is a 422 and an
// unavailable language model a 503.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	actor := "anonymous"
	if s.cfg.Admitter != nil {
		key, err := s.cfg.Admitter.Admit(ctx, bearerSecret(r))
		if err != nil {
			s.writeAdmissionError(w, err)
			return
		}
		if key != nil {
			actor = key.ID
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "body is not valid JSON"})
		return
	}

	msg := strings.TrimSpace(req.Message)
	switch {
	case msg == "":
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "message is required"})
		return
	case len([]rune(msg)) > maxMessageChars:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "message exceeds 5000 characters"})
		return
	case hasControlChars(msg):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "message contains control characters"})
		return
	case len(req.Context) > maxContextBytes:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "context exceeds 10KB"})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	} else if !conversationIDPattern.MatchString(req.ConversationID) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "conversation_id must match [A-Za-z0-9_-]{1,64}"})
		return
	}

	resp, err := s.cfg.Turns.Do(ctx, turn.Request{
		ConversationID: req.ConversationID,
		Message:        msg,
		Context:        req.Context,
		UserID:         actor,
		Mode:           "text",
	})
	if err != nil {
		switch {
		case errors.Is(err, turn.ErrBlocked):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "response_blocked"})
		case errors.Is(err, llmclient.ErrUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service_unavailable"})
		default:
			s.log.Error("turn failed", "conversation_id", req.ConversationID, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
		}
		s.audit(ctx, actor, "conversation.turn", "error", msg, start)
		return
	}

	writeJSON(w, http.StatusOK, resp)
	s.audit(ctx, actor, "conversation.turn", "info", msg, start)
}

// writeAdmissionError maps admission failures to 401/429 responses. Rate
// limit refusals carry a Retry-After header alongside the JSON body.
func (s *Server) writeAdmissionError(w http.ResponseWriter, err error) {
	var rle *admission.RateLimitError
	switch {
	case errors.As(err, &rle):
		secs := int(rle.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limit_exceeded", RetryAfterSeconds: secs})
	case errors.Is(err, admission.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	default:
		s.log.Error("admission failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

// audit records one request outcome. Only a digest of the message is
// persisted. Failures are logged, never surfaced to the client.
func (s *Server) audit(ctx context.Context, actor, kind, severity, message string, start time.Time) {
	if s.cfg.Audit == nil {
		return
	}
	sum := sha256.Sum256([]byte(message))
	err := s.cfg.Audit.AppendAudit(ctx, &store.AuditEvent{
		Actor:         actor,
		EventKind:     kind,
		Severity:      severity,
		PayloadDigest: hex.EncodeToString(sum[:]),
		LatencyMs:     time.Since(start).Milliseconds(),
	})
	if err != nil {
		s.log.Warn("audit append failed", "kind", kind, "error", err)
	}
}

// hasControlChars reports whether s contains control characters other than
// ordinary whitespace (tab, newline, carriage return).
func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

// bearerSecret extracts the API key from the Authorization header or the
// X-API-Key fallback.
func bearerSecret(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// writeJSON encodes v with the given status. Encoding failures are swallowed;
// the status line has already been written.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
