package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/recording"
)

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "id"))
	if callID == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	rec, err := s.recorders.StartActive(callID)
	if errors.Is(err, recording.ErrCallNotActive) {
		respondError(w, http.StatusNotFound, "call_not_active", "no active media stream for call "+callID)
		return
	}
	if err != nil {
		s.respondFailure(w, err, http.StatusInternalServerError, "recording_error")
		return
	}
	s.logger.Info("recording started", zap.String("call_id", callID))
	respondJSON(w, http.StatusOK, map[string]any{
		"call_id":   callID,
		"recording": rec.IsRecording(),
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, ok := s.recorders.Get(callID)
	if !ok {
		respondError(w, http.StatusNotFound, "recording_not_found", "no recorder for call "+callID)
		return
	}
	files, err := rec.Stop(r.Context())
	if err != nil {
		s.respondFailure(w, err, http.StatusInternalServerError, "persistence_error")
		return
	}
	if files == nil {
		files = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"call_id":   callID,
		"recording": false,
		"files":     files,
	})
}

func (s *Server) handleActiveRecordings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"calls": s.recorders.Active(),
	})
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	objects, err := s.recorders.Storage().List(r.Context())
	if err != nil {
		s.logger.Error("list recordings failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if objects == nil {
		objects = []recording.Object{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"recordings": objects,
	})
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := s.recorders.Storage().Open(r.Context(), name)
	if err != nil {
		s.respondStorageError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("stream recording failed", zap.String("name", name), zap.Error(err))
	}
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.recorders.Storage().Delete(r.Context(), name); err != nil {
		s.respondStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recording.ErrInvalidName):
		respondError(w, http.StatusBadRequest, "invalid_name", err.Error())
	case errors.Is(err, recording.ErrNotFound):
		respondError(w, http.StatusNotFound, "recording_not_found", err.Error())
	default:
		s.logger.Error("recording storage failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "storage_error", err.Error())
	}
}
