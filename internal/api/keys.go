package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/talaria-ai/talaria/internal/admission"
	"github.com/talaria-ai/talaria/internal/store"
)

// createKeyRequest is the POST /admin/keys request body.
type createKeyRequest struct {
	Owner          string `json:"owner"`
	LimitPerMinute int    `json:"limit_per_minute,omitempty"`
	LimitPerDay    int    `json:"limit_per_day,omitempty"`
	TTLHours       int    `json:"ttl_hours,omitempty"`
}

// keyResponse describes a key without its secret. The secret appears only in
// the creation response, once.
type keyResponse struct {
	ID             string     `json:"id"`
	Secret         string     `json:"secret,omitempty"`
	Owner          string     `json:"owner"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Revoked        bool       `json:"revoked"`
	LimitPerMinute int        `json:"limit_per_minute,omitempty"`
	LimitPerDay    int        `json:"limit_per_day,omitempty"`
}

// requireAdmin gates h behind the configured admin token.
func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !admission.SecretsEqual(token, s.cfg.AdminToken) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		h(w, r)
	}
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Admitter == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "admission_disabled"})
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "body is not valid JSON"})
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Detail: "owner is required"})
		return
	}

	secret, key, err := s.cfg.Admitter.Issue(r.Context(), req.Owner,
		req.LimitPerMinute, req.LimitPerDay, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		s.log.Error("key issuance failed", "owner", req.Owner, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
		return
	}
	s.log.Info("api key issued", "key_id", key.ID, "owner", key.Owner)

	writeJSON(w, http.StatusCreated, keyResponse{
		ID:             key.ID,
		Secret:         secret,
		Owner:          key.Owner,
		CreatedAt:      key.CreatedAt,
		ExpiresAt:      key.ExpiresAt,
		LimitPerMinute: key.LimitPerMinute,
		LimitPerDay:    key.LimitPerDay,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Admitter == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "admission_disabled"})
		return
	}
	keys, err := s.cfg.Admitter.Keys(r.Context())
	if err != nil {
		s.log.Error("key listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
		return
	}

	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyResponse{
			ID:             k.ID,
			Owner:          k.Owner,
			CreatedAt:      k.CreatedAt,
			ExpiresAt:      k.ExpiresAt,
			Revoked:        k.Revoked,
			LimitPerMinute: k.LimitPerMinute,
			LimitPerDay:    k.LimitPerDay,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]keyResponse{"keys": out})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Admitter == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "admission_disabled"})
		return
	}
	id := r.PathValue("id")
	if err := s.cfg.Admitter.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
			return
		}
		s.log.Error("key revocation failed", "key_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
		return
	}
	s.log.Info("api key revoked", "key_id", id)
	w.WriteHeader(http.StatusNoContent)
}
