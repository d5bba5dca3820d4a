package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/callsession"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/relay"
	"github.com/ent0n29/callrelay/internal/telephony"
)

type sessionRequest struct {
	Language           string `json:"language,omitempty"`
	PersonaType        string `json:"persona_type,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	CustomVoice        string `json:"custom_voice,omitempty"`
}

func (req sessionRequest) session(callID string) callsession.Session {
	return callsession.Session{
		CallID:             callID,
		Language:           strings.TrimSpace(req.Language),
		PersonaType:        strings.TrimSpace(req.PersonaType),
		CustomInstructions: req.CustomInstructions,
		CustomVoice:        strings.TrimSpace(req.CustomVoice),
		CreatedAt:          time.Now().UTC(),
	}
}

// streamParams are echoed back by the carrier in the stream start event so
// a relay can still pick the right persona if the session store misses.
func (req sessionRequest) streamParams() map[string]string {
	params := map[string]string{}
	if v := strings.TrimSpace(req.Language); v != "" {
		params["language"] = v
	}
	if v := strings.TrimSpace(req.PersonaType); v != "" {
		params["persona_type"] = v
	}
	return params
}

type placeCallRequest struct {
	To string `json:"to"`
	sessionRequest
}

type placeCallResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "to is required")
		return
	}
	if s.placer == nil {
		respondError(w, http.StatusServiceUnavailable, "configuration_error", "telephony not configured")
		return
	}

	callID, err := s.placer.Place(r.Context(), req.To, req.streamParams())
	if err != nil {
		if errors.Is(err, telephony.ErrInvalidNumber) {
			respondError(w, http.StatusBadRequest, "invalid_number", err.Error())
			return
		}
		s.logger.Error("place call failed", zap.String("to", policy.MaskPhone(req.To)), zap.Error(err))
		s.respondFailure(w, err, http.StatusBadGateway, "call_failed")
		return
	}

	if err := s.sessions.Put(r.Context(), req.session(callID)); err != nil {
		// The call is already ringing; the relay falls back to stream parameters.
		s.logger.Warn("store call session failed", zap.String("call_id", callID), zap.Error(err))
	}
	s.metrics.CallEvent("placed")
	s.logger.Info("call placed",
		zap.String("call_id", callID),
		zap.String("to", policy.MaskPhone(req.To)),
		zap.String("language", req.Language),
		zap.String("persona_type", req.PersonaType),
	)
	respondJSON(w, http.StatusCreated, placeCallResponse{CallID: callID, Status: "initiated"})
}

// handleIncomingCall answers the carrier's voice webhook with TwiML that
// connects the call to the media stream.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callID := strings.TrimSpace(r.PostForm.Get("CallSid"))
	req := sessionRequest{
		Language:    r.URL.Query().Get("language"),
		PersonaType: r.URL.Query().Get("persona_type"),
	}
	params := req.streamParams()

	if callID != "" && len(params) > 0 {
		if err := s.sessions.Put(r.Context(), req.session(callID)); err != nil {
			s.logger.Warn("store call session failed", zap.String("call_id", callID), zap.Error(err))
		}
	}
	s.metrics.CallEvent("incoming")

	host := strings.TrimSpace(s.cfg.PublicHost)
	if host == "" {
		host = r.Host
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(telephony.StreamTwiML(host, params)))
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "id"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess := req.session(callID)
	if err := s.sessions.Put(r.Context(), sess); err != nil {
		s.respondFailure(w, err, http.StatusInternalServerError, "session_store_error")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var req relay.ObserveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.CallID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "call_id is required")
		return
	}
	if s.observer == nil {
		respondError(w, http.StatusServiceUnavailable, "configuration_error", "observer not configured")
		return
	}
	if err := s.observer.Observe(req); err != nil {
		s.respondFailure(w, err, http.StatusBadRequest, "invalid_request")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"call_id": req.CallID,
		"status":  "observing",
	})
}
