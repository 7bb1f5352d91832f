package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/TernSecure/realtime-server/internal/auth"
	"github.com/TernSecure/realtime-server/internal/encryption"
	"github.com/TernSecure/realtime-server/internal/middleware"
	"github.com/TernSecure/realtime-server/internal/models"
	"github.com/TernSecure/realtime-server/internal/store"
)

type AuthHandler struct {
	Auth     *middleware.Authenticator
	Sessions store.SessionStore
}

type AuthRequest struct {
	ClientID  string `json:"clientId"`
	TenantKey string `json:"tenantKey"`
}

type AuthResponse struct {
	SessionID       string `json:"sessionId"`
	ServerPublicKey string `json:"serverPublicKey"`
}

type KeysRequest struct {
	SessionID       string `json:"sessionId"`
	ClientPublicKey string `json:"clientPublicKey"`
}

type KeysResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Authenticate issues, or reuses, the session for an identity.
func (h *AuthHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.TenantKey = strings.TrimSpace(req.TenantKey)
	if req.ClientID == "" || req.TenantKey == "" {
		http.Error(w, "clientId and tenantKey are required", http.StatusBadRequest)
		return
	}

	session, err := h.Auth.Resolve(r.Context(), auth.Credentials{
		ClientID:  req.ClientID,
		TenantKey: req.TenantKey,
		UserAgent: r.UserAgent(),
		IP:        auth.ClientIP(r),
	})
	if err != nil {
		status := middleware.StatusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("authentication failed", "tenant", auth.Mask(req.TenantKey), "error", err)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	serverKey := session.ServerPublicKey
	if serverKey == "" {
		serverKey = h.Auth.ServerPublicKey
	}
	writeJSON(w, http.StatusOK, AuthResponse{SessionID: session.SessionID, ServerPublicKey: serverKey})
}

// ExchangeKeys records the client's public key so the session can switch to
// encrypted frames.
func (h *AuthHandler) ExchangeKeys(w http.ResponseWriter, r *http.Request) {
	var req KeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.ClientPublicKey == "" {
		http.Error(w, "sessionId and clientPublicKey are required", http.StatusBadRequest)
		return
	}
	if _, err := encryption.DecodeKey(req.ClientPublicKey); err != nil {
		http.Error(w, "Invalid public key", http.StatusBadRequest)
		return
	}

	err := h.Sessions.SetClientPublicKey(r.Context(), req.SessionID, req.ClientPublicKey)
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("key exchange failed", "session_id", req.SessionID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, KeysResponse{Status: "success", Message: "Encryption keys exchanged"})
}
