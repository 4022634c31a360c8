package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sentinelguard/sentinel/internal/killswitch"
	"github.com/sentinelguard/sentinel/internal/policy"
	"github.com/sentinelguard/sentinel/internal/throttle"
)

const maxBodyBytes = 1 << 20

type actionRequest struct {
	Action string `json:"action"`
}

type triggerRequest struct {
	Reason string `json:"reason"`
	Source string `json:"source"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.sessionID,
		"supervisor": s.supervisor.Status(),
		"killswitch": s.killSwitch.Status(),
	})
}

// handleRequestAction lets agents in other processes ask for admission. An
// empty body requests the default action.
func (s *Server) handleRequestAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		req.Action = policy.DefaultAction
	}

	err := s.supervisor.Request(req.Action)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"admitted": true, "action": req.Action})
	case errors.Is(err, throttle.ErrAdmissionDenied):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"admitted": false,
			"action":   req.Action,
			"error":    err.Error(),
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleTriggerKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		req.Source = killswitch.SourceAPI
	}

	fired := s.killSwitch.Trigger(req.Reason, req.Source)
	s.logger.Warn("kill switch requested over API", "source", req.Source, "first", fired)
	writeJSON(w, http.StatusOK, map[string]any{
		"fired":      fired,
		"killswitch": s.killSwitch.Status(),
	})
}

// --- Helpers ---

// decodeBody decodes an optional JSON body into dst. It writes a 400 and
// returns false on malformed input.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
