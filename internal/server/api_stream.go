package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"formcoach/internal/camera"
	"formcoach/internal/streamer"
)

const maxExerciseNameLen = 100

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streamer.Snapshot())
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	err := s.streamer.Start(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.streamer.Snapshot())
	case errors.Is(err, streamer.ErrAlreadyStreaming):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, streamer.ErrNotMounted),
		errors.Is(err, camera.ErrPermission),
		errors.Is(err, camera.ErrDevice):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("server: starting stream: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start stream")
	}
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	s.streamer.Stop()
	writeJSON(w, http.StatusOK, s.streamer.Snapshot())
}

func (s *Server) handleChooseExercise(w http.ResponseWriter, r *http.Request) {
	var body streamer.Exercise
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	body.Icon = strings.TrimSpace(body.Icon)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(body.Name) > maxExerciseNameLen {
		writeError(w, http.StatusBadRequest, "name too long")
		return
	}

	s.streamer.ChooseDifferentExercise(func() {
		s.streamer.SetExercise(body)
	})
	writeJSON(w, http.StatusOK, s.streamer.Snapshot())
}
