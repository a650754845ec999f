package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/relayops/relay/internal/responses"
)

// handleResponses serves POST /v1/responses. Input-shape failures are
// the only 4xx source; anything that goes wrong after validation folds
// into the response object as a failed status on a 200.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}
	userRef, err := s.identity.Resolve(r)
	if err != nil {
		s.jsonError(w, http.StatusUnauthorized, "invalid_request", err.Error())
		return
	}

	var req responses.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", "malformed request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sessionID := req.SessionID()
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}

	if req.Stream {
		s.streamTurn(w, r, &req, sessionID, userRef)
		return
	}
	resp := s.completeTurn(r.Context(), &req, sessionID, userRef, nil)
	s.jsonResponse(w, http.StatusOK, resp)
}
