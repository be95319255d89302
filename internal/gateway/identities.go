package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mothlane/relayq/internal/identity"
	"github.com/mothlane/relayq/internal/persistence"
)

// handleRegisterIdentity stores a platform identity. The credential is sealed
// by the identity service and never echoed back.
func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Identity == nil {
		writeError(w, http.StatusServiceUnavailable, "identity service not available")
		return
	}
	var req struct {
		Platform   string `json:"platform"`
		Name       string `json:"name"`
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Platform == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "platform and name are required")
		return
	}
	ident, err := s.cfg.Identity.Register(r.Context(), req.Platform, req.Name, req.Credential)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ident)
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		writeError(w, http.StatusBadRequest, "platform is required")
		return
	}
	idents, err := s.cfg.Store.ListActiveIdentities(r.Context(), platform)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if idents == nil {
		idents = []persistence.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": idents})
}

// handleAcquireIdentity hands out the least recently used identity with
// remaining budget for the action, charging the action against its counters.
func (s *Server) handleAcquireIdentity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Identity == nil {
		writeError(w, http.StatusServiceUnavailable, "identity service not available")
		return
	}
	var req struct {
		Platform string `json:"platform"`
		Action   string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Platform == "" {
		writeError(w, http.StatusBadRequest, "platform is required")
		return
	}
	ident, err := s.cfg.Identity.Acquire(r.Context(), req.Platform, req.Action)
	switch {
	case errors.Is(err, identity.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, identity.ErrNoIdentities):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

// handleBlockIdentity takes an identity out of rotation.
func (s *Server) handleBlockIdentity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Identity == nil {
		writeError(w, http.StatusServiceUnavailable, "identity service not available")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "identity id must be numeric")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.cfg.Identity.MarkBlocked(r.Context(), id, req.Reason); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": true})
}
